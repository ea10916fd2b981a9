package vmm

import (
	"fmt"
	"log"

	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/spt"
)

// CreatePage registers a page in a thread's address space. File-backed pages
// are loaded lazily on their first fault. Anonymous pages are bound to a
// zeroed frame right away, since they have nowhere else to be loaded from.
func (m *Manager) CreatePage(pid vm.PID, spec vm.PageSpec) error {
	if err := m.checkSpec(spec); err != nil {
		return err
	}

	table, err := m.table(pid)
	if err != nil {
		return err
	}

	if spec.Provenance == vm.ProvenanceFile {
		_, err = table.Create(spec)
		return err
	}

	m.frames.Lock()
	defer m.frames.Unlock()

	_, err = m.createResidentLocked(table, spec)

	return err
}

func (m *Manager) checkSpec(spec vm.PageSpec) error {
	if !m.layout.IsUserAddr(spec.VAddr) {
		return fmt.Errorf("page 0x%x: %w", spec.VAddr, vm.ErrInvalidAddress)
	}

	if m.layout.PageRoundDown(spec.VAddr) != spec.VAddr {
		return fmt.Errorf("page 0x%x is not page aligned: %w",
			spec.VAddr, vm.ErrInvalidPage)
	}

	switch spec.Provenance {
	case vm.ProvenanceAnonymous:
		return nil
	case vm.ProvenanceFile:
		if spec.File == nil {
			return fmt.Errorf("file page 0x%x has no file: %w",
				spec.VAddr, vm.ErrInvalidPage)
		}

		if spec.ReadBytes+spec.ZeroBytes != m.layout.PageSize() {
			return fmt.Errorf("file page 0x%x reads %d and zeroes %d bytes: %w",
				spec.VAddr, spec.ReadBytes, spec.ZeroBytes, vm.ErrInvalidPage)
		}

		return nil
	default:
		return fmt.Errorf("page 0x%x cannot be created %s: %w",
			spec.VAddr, spec.Provenance, vm.ErrInvalidPage)
	}
}

// createResidentLocked registers an anonymous page and binds it to a zeroed
// frame. The page is removed again if no frame can be bound.
func (m *Manager) createResidentLocked(
	table *spt.Table,
	spec vm.PageSpec,
) (*spt.Page, error) {
	pid := table.PID()

	page, err := table.Create(spec)
	if err != nil {
		return nil, err
	}

	page.Residency = vm.ResidencyPending

	frame, err := m.obtainFrameLocked(true)
	if err != nil {
		m.mustRemove(table, spec.VAddr)
		return nil, err
	}

	if !m.mmu.Install(pid, spec.VAddr, frame, spec.Writable) {
		m.allocator.Free(frame)
		m.mustRemove(table, spec.VAddr)

		return nil, fmt.Errorf("pid %d page 0x%x: %w",
			pid, spec.VAddr, vm.ErrInstallFailed)
	}

	m.frames.Insert(frame, pid, spec.VAddr, false)
	page.Frame = frame
	page.Residency = vm.ResidencyResident

	return page, nil
}

func (m *Manager) mustRemove(table *spt.Table, vAddr uint64) {
	if err := table.Remove(vAddr); err != nil {
		log.Panic(err)
	}
}

// LoadSegment registers the pages of a program segment. The segment starts
// at vAddr, which must be page aligned, and covers readBytes bytes read from
// file at offset followed by zeroBytes zero bytes. Their sum must be a
// multiple of the page size. No page is registered if any of them fails.
func (m *Manager) LoadSegment(
	pid vm.PID,
	file vm.File,
	offset int64,
	vAddr uint64,
	readBytes, zeroBytes uint64,
	writable bool,
) error {
	pageSize := m.layout.PageSize()
	if (readBytes+zeroBytes)%pageSize != 0 {
		return fmt.Errorf("segment of %d bytes at 0x%x: %w",
			readBytes+zeroBytes, vAddr, vm.ErrInvalidPage)
	}

	table, err := m.table(pid)
	if err != nil {
		return err
	}

	var created []uint64

	for readBytes > 0 || zeroBytes > 0 {
		pageRead := min(readBytes, pageSize)
		spec := vm.PageSpec{
			VAddr:      vAddr,
			Provenance: vm.ProvenanceFile,
			File:       file,
			Offset:     offset,
			ReadBytes:  pageRead,
			ZeroBytes:  pageSize - pageRead,
			Writable:   writable,
		}

		err := m.checkSpec(spec)
		if err == nil {
			_, err = table.Create(spec)
		}

		if err != nil {
			for _, addr := range created {
				m.mustRemove(table, addr)
			}

			return err
		}

		created = append(created, vAddr)
		readBytes -= pageRead
		zeroBytes -= spec.ZeroBytes
		offset += int64(pageRead)
		vAddr += pageSize
	}

	return nil
}

// ExpandStack adds a zeroed, writable page that contains addr to the stack
// of a thread. It fails with vm.ErrStackLimit if the stack would grow beyond
// its ceiling.
func (m *Manager) ExpandStack(pid vm.PID, addr uint64) error {
	if !m.layout.IsUserAddr(addr) {
		return fmt.Errorf("address 0x%x: %w", addr, vm.ErrInvalidAddress)
	}

	if m.layout.StackSizeAt(addr) > m.layout.StackCeiling {
		return fmt.Errorf("stack of %d bytes at 0x%x: %w",
			m.layout.StackSizeAt(addr), addr, vm.ErrStackLimit)
	}

	table, err := m.table(pid)
	if err != nil {
		return err
	}

	vAddr := m.layout.PageRoundDown(addr)

	m.frames.Lock()
	defer m.frames.Unlock()

	page, err := m.createResidentLocked(table, vm.PageSpec{
		VAddr:      vAddr,
		Provenance: vm.ProvenanceAnonymous,
		Writable:   true,
	})
	if err != nil {
		return err
	}

	m.counters.stackGrowths.Add(1)
	m.invoke(HookPosStackGrowth, Event{
		PID:        pid,
		VAddr:      vAddr,
		Frame:      page.Frame,
		Provenance: page.Provenance,
	})

	return nil
}

// Destroy removes a page from a thread's address space. Its translation, its
// frame and its swap slot are released. Destroying a page that is not
// registered fails with vm.ErrPageNotFound.
func (m *Manager) Destroy(pid vm.PID, vAddr uint64) error {
	table, err := m.table(pid)
	if err != nil {
		return err
	}

	m.frames.Lock()
	defer m.frames.Unlock()

	page, err := m.findSettledLocked(table, vAddr)
	if err != nil {
		return err
	}

	m.releasePageLocked(pid, page)
	m.mustRemove(table, vAddr)

	return nil
}

// Unmap removes a file-backed page like Destroy does, but first writes the
// page back to its file if it was modified.
func (m *Manager) Unmap(pid vm.PID, vAddr uint64) error {
	table, err := m.table(pid)
	if err != nil {
		return err
	}

	m.frames.Lock()
	defer m.frames.Unlock()

	page, err := m.findSettledLocked(table, vAddr)
	if err != nil {
		return err
	}

	if err := m.writeBackLocked(pid, page); err != nil {
		return err
	}

	m.releasePageLocked(pid, page)
	m.mustRemove(table, vAddr)

	return nil
}

func (m *Manager) writeBackLocked(pid vm.PID, page *spt.Page) error {
	if page.Origin != vm.ProvenanceFile || !page.Writable {
		return nil
	}

	var data []byte
	var err error

	switch {
	case page.IsResident():
		if !page.Dirty && !m.mmu.IsDirty(pid, page.VAddr) {
			return nil
		}

		data, err = m.memory.Read(page.Frame, m.layout.PageSize())
	case page.IsSwapped():
		data = make([]byte, m.layout.PageSize())
		err = m.swap.Read(page.Slot, data)
	default:
		return nil
	}

	if err != nil {
		return err
	}

	if _, err := page.File.WriteAt(data[:page.ReadBytes], page.Offset); err != nil {
		return err
	}

	page.Dirty = false
	m.counters.writeBacks.Add(1)

	m.invoke(HookPosWriteBack, Event{
		PID:        pid,
		VAddr:      page.VAddr,
		Frame:      page.Frame,
		Provenance: page.Origin,
	})

	return nil
}

// findSettledLocked finds a page and waits until no fault is loading it.
func (m *Manager) findSettledLocked(
	table *spt.Table,
	vAddr uint64,
) (*spt.Page, error) {
	for {
		page, found := table.Find(vAddr)
		if !found {
			return nil, fmt.Errorf("pid %d page 0x%x: %w",
				table.PID(), vAddr, vm.ErrPageNotFound)
		}

		if !page.IsPending() {
			return page, nil
		}

		m.frames.Wait()
	}
}
