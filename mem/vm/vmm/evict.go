package vmm

import (
	"log"

	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/frametable"
	"github.com/sarchlab/akitavm/mem/vm/spt"
)

// obtainFrameLocked returns a frame that is not in the frame table. It takes
// a free frame from the allocator if there is one and evicts a page
// otherwise. When every frame is pinned, it waits for a pending load to
// finish and tries again.
func (m *Manager) obtainFrameLocked(zero bool) (uint64, error) {
	for {
		if frame, ok := m.allocator.Allocate(zero); ok {
			return frame, nil
		}

		victim, found := m.frames.SelectVictim()
		if found {
			return m.evictLocked(victim, zero)
		}

		if m.frames.Len() == 0 {
			return 0, vm.ErrOutOfMemory
		}

		m.frames.Wait()
	}
}

// evictLocked saves the page held by victim where it can be loaded from again
// and takes the frame away from it. A failure leaves the page resident.
func (m *Manager) evictLocked(
	victim frametable.Entry,
	zero bool,
) (uint64, error) {
	page := m.victimPage(victim)
	if err := m.savePageLocked(victim, page); err != nil {
		return 0, err
	}

	m.frames.Remove(victim.Frame)
	m.counters.evictions.Add(1)

	if zero {
		err := m.memory.Write(victim.Frame, make([]byte, m.layout.PageSize()))
		if err != nil {
			m.allocator.Free(victim.Frame)
			return 0, err
		}
	}

	m.invoke(HookPosEvict, Event{
		PID:   victim.PID,
		VAddr: victim.VAddr,
		Frame: victim.Frame,
	})

	return victim.Frame, nil
}

// victimPage returns the page bound to a frame.
func (m *Manager) victimPage(victim frametable.Entry) *spt.Page {
	table, err := m.table(victim.PID)
	if err != nil {
		log.Panicf("frame 0x%x: %v", victim.Frame, err)
	}

	page, found := table.Find(victim.VAddr)
	if !found {
		log.Panicf("frame 0x%x is held by unregistered pid %d page 0x%x",
			victim.Frame, victim.PID, victim.VAddr)
	}

	if !page.IsResident() || page.Frame != victim.Frame {
		log.Panicf("frame 0x%x is held by pid %d page 0x%x, which is %s",
			victim.Frame, victim.PID, victim.VAddr, page.Residency)
	}

	return page
}

// savePageLocked unmaps a resident page and writes its data to swap or back
// to its file as needed. Clean file pages are dropped, they are read again
// from the file on the next fault.
func (m *Manager) savePageLocked(victim frametable.Entry, page *spt.Page) error {
	pid := victim.PID

	if m.mmu.IsDirty(pid, page.VAddr) {
		page.Dirty = true
	}

	data, err := m.memory.Read(victim.Frame, m.layout.PageSize())
	if err != nil {
		return err
	}

	switch page.Provenance {
	case vm.ProvenanceAnonymous:
		err = m.swapOutLocked(pid, page, data)
	case vm.ProvenanceFile:
		err = m.evictFilePageLocked(pid, page, data)
	default:
		log.Panicf("pid %d page 0x%x is resident and %s",
			pid, page.VAddr, page.Provenance)
	}

	if err != nil {
		return err
	}

	page.Residency = vm.ResidencyAbsent
	page.Frame = 0

	return nil
}

func (m *Manager) evictFilePageLocked(
	pid vm.PID,
	page *spt.Page,
	data []byte,
) error {
	if !page.Dirty || !page.Writable {
		m.mmu.Clear(pid, page.VAddr)
		return nil
	}

	if !isZero(data[page.ReadBytes:]) {
		return m.swapOutLocked(pid, page, data)
	}

	m.mmu.Clear(pid, page.VAddr)

	if _, err := page.File.WriteAt(data[:page.ReadBytes], page.Offset); err != nil {
		m.mmu.Install(pid, page.VAddr, page.Frame, page.Writable)
		return err
	}

	page.Dirty = false
	m.counters.writeBacks.Add(1)

	m.invoke(HookPosWriteBack, Event{
		PID:        pid,
		VAddr:      page.VAddr,
		Frame:      page.Frame,
		Provenance: page.Provenance,
	})

	return nil
}

func (m *Manager) swapOutLocked(
	pid vm.PID,
	page *spt.Page,
	data []byte,
) error {
	slot, err := m.swap.Allocate()
	if err != nil {
		return err
	}

	m.mmu.Clear(pid, page.VAddr)

	if err := m.swap.Write(slot, data); err != nil {
		m.mmu.Install(pid, page.VAddr, page.Frame, page.Writable)
		if freeErr := m.swap.Free(slot); freeErr != nil {
			log.Panicf("swap slot %d: %v", slot, freeErr)
		}

		return err
	}

	page.Provenance = vm.ProvenanceSwapped
	page.Slot = slot
	m.counters.swapOuts.Add(1)

	m.invoke(HookPosSwapOut, Event{
		PID:        pid,
		VAddr:      page.VAddr,
		Frame:      page.Frame,
		Slot:       slot,
		Provenance: page.Origin,
	})

	return nil
}

func isZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}

	return true
}
