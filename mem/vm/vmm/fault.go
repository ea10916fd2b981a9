package vmm

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/spt"
)

// HandleFault resolves a page fault raised by a user access. It returns nil
// once the faulting page is resident and the access can be retried. A fault
// that cannot be resolved returns a *vm.FaultError that matches
// vm.ErrFatalFault; the thread that raised it must exit.
func (m *Manager) HandleFault(f vm.Fault) error {
	vAddr, err := m.resolveFault(f)
	if err != nil {
		m.counters.faultsFatal.Add(1)
		m.logger.Printf("pid %d: fatal fault at 0x%x (present %t, write %t): %v",
			f.PID, f.Addr, f.Present, f.Write, err)
		m.invoke(HookPosFaultFatal, Event{PID: f.PID, VAddr: f.Addr, Err: err})

		return vm.NewFaultError(f, err)
	}

	m.counters.faultsResolved.Add(1)
	m.invoke(HookPosFaultResolved, Event{PID: f.PID, VAddr: vAddr})

	return nil
}

func (m *Manager) resolveFault(f vm.Fault) (uint64, error) {
	if !m.layout.IsUserAddr(f.Addr) {
		return 0, fmt.Errorf("address 0x%x: %w", f.Addr, vm.ErrInvalidAddress)
	}

	if f.Present {
		return 0, fmt.Errorf("write to 0x%x: %w", f.Addr, vm.ErrProtection)
	}

	table, err := m.table(f.PID)
	if err != nil {
		return 0, err
	}

	vAddr := m.layout.PageRoundDown(f.Addr)

	page, found := table.Find(vAddr)
	if !found {
		return vAddr, m.growStackForFault(f)
	}

	if f.Write && !page.Writable {
		return 0, fmt.Errorf("write to 0x%x: %w", f.Addr, vm.ErrReadOnly)
	}

	return vAddr, m.loadPage(f.PID, page)
}

func (m *Manager) growStackForFault(f vm.Fault) error {
	if f.Addr < m.layout.UserFloor {
		return fmt.Errorf("address 0x%x: %w", f.Addr, vm.ErrNotMapped)
	}

	if f.Addr+m.layout.StackSlack < f.StackPointer {
		return fmt.Errorf("address 0x%x is too far below sp 0x%x: %w",
			f.Addr, f.StackPointer, vm.ErrNotMapped)
	}

	return m.ExpandStack(f.PID, f.Addr)
}

// loadPage brings a tracked page that is not in memory into a frame.
func (m *Manager) loadPage(pid vm.PID, page *spt.Page) error {
	m.frames.Lock()

	if page.Residency != vm.ResidencyAbsent {
		m.frames.Unlock()
		return fmt.Errorf("pid %d page 0x%x is %s: %w",
			pid, page.VAddr, page.Residency, vm.ErrInconsistentPage)
	}

	var fill func(buf []byte) error
	pos := HookPosFileLoad
	slot := page.Slot

	switch {
	case page.IsSwapped():
		fill = func(buf []byte) error { return m.swap.Read(slot, buf) }
		pos = HookPosSwapIn
	case page.Provenance == vm.ProvenanceFile:
		fill = func(buf []byte) error { return readFilePage(page, buf) }
	default:
		m.frames.Unlock()
		return fmt.Errorf("pid %d page 0x%x is %s and not in memory: %w",
			pid, page.VAddr, page.Provenance, vm.ErrInconsistentPage)
	}

	page.Residency = vm.ResidencyPending

	frame, err := m.obtainFrameLocked(false)
	if err != nil {
		page.Residency = vm.ResidencyAbsent
		m.frames.Unlock()

		return err
	}

	page.Frame = frame
	m.frames.Insert(frame, pid, page.VAddr, true)
	m.frames.Unlock()

	buf := make([]byte, m.layout.PageSize())
	err = fill(buf)
	if err == nil {
		err = m.memory.Write(frame, buf)
	}

	m.frames.Lock()
	defer m.frames.Unlock()

	if err != nil {
		m.abortLoadLocked(page)
		return err
	}

	if !m.mmu.Install(pid, page.VAddr, frame, page.Writable) {
		m.abortLoadLocked(page)
		return fmt.Errorf("pid %d page 0x%x: %w",
			pid, page.VAddr, vm.ErrInstallFailed)
	}

	if page.IsSwapped() {
		m.finishSwapInLocked(pid, page)
	} else {
		m.counters.fileLoads.Add(1)
	}

	page.Residency = vm.ResidencyResident
	m.frames.Unpin(frame)

	m.invoke(pos, Event{
		PID:        pid,
		VAddr:      page.VAddr,
		Frame:      frame,
		Slot:       slot,
		Provenance: page.Provenance,
	})

	return nil
}

func (m *Manager) finishSwapInLocked(pid vm.PID, page *spt.Page) {
	if err := m.swap.Free(page.Slot); err != nil {
		log.Panicf("pid %d page 0x%x: %v", pid, page.VAddr, err)
	}

	page.Provenance = page.Origin
	page.Slot = 0
	page.Dirty = true

	m.counters.swapIns.Add(1)
}

func (m *Manager) abortLoadLocked(page *spt.Page) {
	m.frames.Remove(page.Frame)
	m.allocator.Free(page.Frame)

	page.Residency = vm.ResidencyAbsent
	page.Frame = 0
}

// readFilePage fills the first ReadBytes bytes of buf from the page's file.
// The rest of buf must already be zero.
func readFilePage(page *spt.Page, buf []byte) error {
	if page.ReadBytes == 0 {
		return nil
	}

	n, err := page.File.ReadAt(buf[:page.ReadBytes], page.Offset)
	if uint64(n) == page.ReadBytes {
		return nil
	}

	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read at offset %d: %w: %w",
			page.Offset, vm.ErrShortRead, err)
	}

	return fmt.Errorf("read %d of %d bytes at offset %d: %w",
		n, page.ReadBytes, page.Offset, vm.ErrShortRead)
}
