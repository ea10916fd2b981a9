package vmm

import (
	"errors"
	"fmt"

	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/frametable"
	"github.com/sarchlab/akitavm/mem/vm/spt"
	"github.com/sarchlab/akitavm/mem/vm/swap"
)

// Stats summarizes the state of a Manager.
type Stats struct {
	Threads       int    `json:"threads"`
	Pages         int    `json:"pages"`
	ResidentPages int    `json:"resident_pages"`
	SwappedPages  int    `json:"swapped_pages"`
	Frames        int    `json:"frames"`
	PinnedFrames  int    `json:"pinned_frames"`
	SwapSlots     uint64 `json:"swap_slots"`
	SwapSlotsUsed uint64 `json:"swap_slots_used"`

	FaultsResolved uint64 `json:"faults_resolved"`
	FaultsFatal    uint64 `json:"faults_fatal"`
	StackGrowths   uint64 `json:"stack_growths"`
	FileLoads      uint64 `json:"file_loads"`
	SwapIns        uint64 `json:"swap_ins"`
	SwapOuts       uint64 `json:"swap_outs"`
	WriteBacks     uint64 `json:"write_backs"`
	Evictions      uint64 `json:"evictions"`
}

// Stats returns a consistent summary of the manager.
func (m *Manager) Stats() Stats {
	m.frames.Lock()
	defer m.frames.Unlock()

	s := Stats{
		Frames:        m.frames.Len(),
		PinnedFrames:  m.frames.NumPinned(),
		SwapSlots:     m.swap.NumSlots(),
		SwapSlotsUsed: m.swap.NumUsed(),

		FaultsResolved: m.counters.faultsResolved.Load(),
		FaultsFatal:    m.counters.faultsFatal.Load(),
		StackGrowths:   m.counters.stackGrowths.Load(),
		FileLoads:      m.counters.fileLoads.Load(),
		SwapIns:        m.counters.swapIns.Load(),
		SwapOuts:       m.counters.swapOuts.Load(),
		WriteBacks:     m.counters.writeBacks.Load(),
		Evictions:      m.counters.evictions.Load(),
	}

	for _, table := range m.tablesSnapshot() {
		s.Threads++

		for _, page := range table.Pages() {
			s.Pages++

			if page.IsResident() {
				s.ResidentPages++
			}

			if page.IsSwapped() {
				s.SwappedPages++
			}
		}
	}

	return s
}

// Page returns a copy of the supplemental entry of a page.
func (m *Manager) Page(pid vm.PID, vAddr uint64) (spt.Page, bool) {
	table, err := m.table(pid)
	if err != nil {
		return spt.Page{}, false
	}

	m.frames.Lock()
	defer m.frames.Unlock()

	page, found := table.Find(m.layout.PageRoundDown(vAddr))
	if !found {
		return spt.Page{}, false
	}

	return *page, true
}

// Pages returns copies of the supplemental entries of a thread in the order
// they were registered.
func (m *Manager) Pages(pid vm.PID) ([]spt.Page, error) {
	table, err := m.table(pid)
	if err != nil {
		return nil, err
	}

	m.frames.Lock()
	defer m.frames.Unlock()

	pages := table.Pages()
	copies := make([]spt.Page, 0, len(pages))

	for _, page := range pages {
		copies = append(copies, *page)
	}

	return copies, nil
}

// Frames returns the frame table entries from the oldest to the newest.
func (m *Manager) Frames() []frametable.Entry {
	m.frames.Lock()
	defer m.frames.Unlock()

	return m.frames.Entries()
}

func (m *Manager) tablesSnapshot() []*spt.Table {
	m.threadsLock.RLock()
	defer m.threadsLock.RUnlock()

	tables := make([]*spt.Table, 0, len(m.threads))
	for _, table := range m.threads {
		tables = append(tables, table)
	}

	return tables
}

// Validate cross-checks the frame table, the supplemental page tables, the
// MMU and the swap store. It returns every inconsistency it finds.
func (m *Manager) Validate() error {
	m.frames.Lock()
	defer m.frames.Unlock()

	var errs []error

	errs = append(errs, m.validateFrames()...)

	slotOwners := make(map[swap.Slot]int)

	for _, table := range m.tablesSnapshot() {
		for _, page := range table.Pages() {
			errs = append(errs, m.validatePage(table.PID(), page)...)

			if page.IsSwapped() {
				slotOwners[page.Slot]++
			}
		}
	}

	errs = append(errs, m.validateSlots(slotOwners)...)

	return errors.Join(errs...)
}

func (m *Manager) validateFrames() []error {
	var errs []error

	for _, e := range m.frames.Entries() {
		table, err := m.table(e.PID)
		if err != nil {
			errs = append(errs, fmt.Errorf("frame 0x%x: %w", e.Frame, err))
			continue
		}

		page, found := table.Find(e.VAddr)
		if !found {
			errs = append(errs, fmt.Errorf(
				"frame 0x%x holds unregistered pid %d page 0x%x",
				e.Frame, e.PID, e.VAddr))

			continue
		}

		if page.Frame != e.Frame {
			errs = append(errs, fmt.Errorf(
				"frame 0x%x holds pid %d page 0x%x, which is bound to 0x%x",
				e.Frame, e.PID, e.VAddr, page.Frame))
		}

		if e.Pinned != page.IsPending() {
			errs = append(errs, fmt.Errorf(
				"frame 0x%x pinned %t while pid %d page 0x%x is %s",
				e.Frame, e.Pinned, e.PID, e.VAddr, page.Residency))
		}
	}

	return errs
}

func (m *Manager) validatePage(pid vm.PID, page *spt.Page) []error {
	var errs []error

	entry, hasFrame := m.frames.Find(pid, page.VAddr)
	pAddr, mapped := m.mmu.Lookup(pid, page.VAddr)

	switch page.Residency {
	case vm.ResidencyResident:
		if !hasFrame || entry.Frame != page.Frame {
			errs = append(errs, fmt.Errorf(
				"resident pid %d page 0x%x has no frame table entry",
				pid, page.VAddr))
		}

		if !mapped || pAddr != page.Frame {
			errs = append(errs, fmt.Errorf(
				"resident pid %d page 0x%x is not mapped to frame 0x%x",
				pid, page.VAddr, page.Frame))
		}

		if page.IsSwapped() {
			errs = append(errs, fmt.Errorf(
				"resident pid %d page 0x%x still holds swap slot %d",
				pid, page.VAddr, page.Slot))
		}
	case vm.ResidencyAbsent:
		if hasFrame || mapped {
			errs = append(errs, fmt.Errorf(
				"absent pid %d page 0x%x is still bound to a frame",
				pid, page.VAddr))
		}

		if page.Provenance == vm.ProvenanceAnonymous {
			errs = append(errs, fmt.Errorf(
				"anonymous pid %d page 0x%x is neither resident nor swapped",
				pid, page.VAddr))
		}
	}

	return errs
}

func (m *Manager) validateSlots(owners map[swap.Slot]int) []error {
	var errs []error

	for slot, n := range owners {
		if n > 1 {
			errs = append(errs, fmt.Errorf("swap slot %d has %d owners", slot, n))
		}

		if !m.swap.InUse(slot) {
			errs = append(errs, fmt.Errorf("swap slot %d is owned but free", slot))
		}
	}

	for _, slot := range m.swap.UsedSlots() {
		if owners[slot] == 0 {
			errs = append(errs, fmt.Errorf("swap slot %d is in use but unowned", slot))
		}
	}

	return errs
}
