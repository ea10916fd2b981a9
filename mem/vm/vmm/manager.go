// Package vmm implements demand paging for user threads. A Manager resolves
// page faults by loading pages from files or swap, grows stacks on demand,
// evicts pages when physical memory runs out and releases everything a thread
// owns when it exits.
package vmm

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/frametable"
	"github.com/sarchlab/akitavm/mem/vm/spt"
	"github.com/sarchlab/akitavm/mem/vm/swap"
	"github.com/sarchlab/akitavm/sim/hooking"
)

// A Manager owns the frame table, the swap store and the supplemental page
// table of every attached thread.
//
// All page state changes happen while the frame table lock is held. The lock
// is released only while a pending page is being read from a file or from
// swap, so that other threads can keep faulting in the meantime.
type Manager struct {
	hooking.HookableBase

	layout    vm.Layout
	mmu       vm.MMU
	allocator vm.FrameAllocator
	memory    vm.PhysicalMemory
	swap      *swap.Store
	frames    *frametable.Table
	logger    *log.Logger

	threadsLock sync.RWMutex
	threads     map[vm.PID]*spt.Table

	counters counters
}

type counters struct {
	faultsResolved atomic.Uint64
	faultsFatal    atomic.Uint64
	stackGrowths   atomic.Uint64
	fileLoads      atomic.Uint64
	swapIns        atomic.Uint64
	swapOuts       atomic.Uint64
	writeBacks     atomic.Uint64
	evictions      atomic.Uint64
}

// Layout returns the address-space layout the manager enforces.
func (m *Manager) Layout() vm.Layout {
	return m.layout
}

// SwapStore returns the store evicted pages are written to.
func (m *Manager) SwapStore() *swap.Store {
	return m.swap
}

// Attach creates an empty address space for a thread.
func (m *Manager) Attach(pid vm.PID) error {
	m.threadsLock.Lock()
	defer m.threadsLock.Unlock()

	if _, found := m.threads[pid]; found {
		return fmt.Errorf("pid %d is already attached", pid)
	}

	m.threads[pid] = spt.New(pid)

	return nil
}

// Threads returns the attached threads in ascending order.
func (m *Manager) Threads() []vm.PID {
	m.threadsLock.RLock()
	defer m.threadsLock.RUnlock()

	pids := make([]vm.PID, 0, len(m.threads))
	for pid := range m.threads {
		pids = append(pids, pid)
	}

	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	return pids
}

func (m *Manager) table(pid vm.PID) (*spt.Table, error) {
	m.threadsLock.RLock()
	defer m.threadsLock.RUnlock()

	table, found := m.threads[pid]
	if !found {
		return nil, fmt.Errorf("pid %d: %w", pid, vm.ErrUnknownThread)
	}

	return table, nil
}

// Exit releases everything a thread owns: its translations, its swap slots,
// its supplemental page table and its frames. The thread is detached
// afterwards.
func (m *Manager) Exit(pid vm.PID) error {
	m.frames.Lock()
	pages, err := m.exitLocked(pid)
	m.frames.Unlock()

	if err != nil {
		return err
	}

	m.logger.Printf("pid %d exited, %d pages released", pid, pages)
	m.invoke(HookPosThreadExit, Event{PID: pid})

	return nil
}

// exitLocked tears a thread down once none of its pages is being loaded. The
// thread is looked up again after every wait, so only one of several
// concurrent exits succeeds.
func (m *Manager) exitLocked(pid vm.PID) (int, error) {
	for {
		table, err := m.table(pid)
		if err != nil {
			return 0, err
		}

		if hasPending(table) {
			m.frames.Wait()
			continue
		}

		pages := table.Len()
		m.freeAllLocked(table)
		m.frames.RemoveAll(pid)

		m.threadsLock.Lock()
		delete(m.threads, pid)
		m.threadsLock.Unlock()

		return pages, nil
	}
}

// FreeAll destroys every page of a thread and releases their translations,
// frames and swap slots. The thread stays attached with an empty address
// space.
func (m *Manager) FreeAll(pid vm.PID) error {
	table, err := m.table(pid)
	if err != nil {
		return err
	}

	m.frames.Lock()
	defer m.frames.Unlock()

	m.waitForPendingLocked(table)
	m.freeAllLocked(table)

	return nil
}

func (m *Manager) freeAllLocked(table *spt.Table) {
	for _, page := range table.Clear() {
		m.releasePageLocked(table.PID(), page)
	}
}

func (m *Manager) waitForPendingLocked(table *spt.Table) {
	for hasPending(table) {
		m.frames.Wait()
	}
}

func hasPending(table *spt.Table) bool {
	for _, page := range table.Pages() {
		if page.IsPending() {
			return true
		}
	}

	return false
}

// releasePageLocked drops the translation, the frame and the swap slot of a
// page.
func (m *Manager) releasePageLocked(pid vm.PID, page *spt.Page) {
	if page.IsResident() {
		m.mmu.Clear(pid, page.VAddr)
		m.frames.Remove(page.Frame)
		m.allocator.Free(page.Frame)

		page.Residency = vm.ResidencyAbsent
		page.Frame = 0
	}

	if page.IsSwapped() {
		if err := m.swap.Free(page.Slot); err != nil {
			log.Panicf("pid %d page 0x%x: %v", pid, page.VAddr, err)
		}

		page.Provenance = page.Origin
	}
}
