// Package frametable keeps track of which thread and virtual page every
// in-use physical frame is bound to, and selects eviction victims.
package frametable

import (
	"container/list"
	"log"
	"sync"

	"github.com/sarchlab/akitavm/mem/vm"
)

// An Entry binds a physical frame to a virtual page of a thread.
//
// A pinned entry belongs to a page whose fault is still being resolved. It is
// never selected for eviction.
type Entry struct {
	Frame  uint64
	PID    vm.PID
	VAddr  uint64
	Pinned bool
	Order  uint64
}

type pageKey struct {
	pid   vm.PID
	vAddr uint64
}

// Table is the frame table.
//
// The table is guarded by a single table-wide lock. Callers lock the table
// with Lock and Unlock; every other method must be called with the lock
// held.
type Table struct {
	sync.Mutex
	unpinned *sync.Cond

	allocator vm.FrameAllocator

	order     *list.List
	byFrame   map[uint64]*list.Element
	byPage    map[pageKey]*list.Element
	nextOrder uint64
}

// New creates an empty frame table. Frames dropped by RemoveAll go back to
// allocator.
func New(allocator vm.FrameAllocator) *Table {
	t := &Table{
		allocator: allocator,
		order:     list.New(),
		byFrame:   make(map[uint64]*list.Element),
		byPage:    make(map[pageKey]*list.Element),
	}
	t.unpinned = sync.NewCond(&t.Mutex)

	return t
}

// Insert registers a new binding. Neither the frame nor the page may already
// be bound.
func (t *Table) Insert(frame uint64, pid vm.PID, vAddr uint64, pinned bool) {
	key := pageKey{pid: pid, vAddr: vAddr}

	if _, found := t.byFrame[frame]; found {
		log.Panicf("frame 0x%x is already bound", frame)
	}

	if _, found := t.byPage[key]; found {
		log.Panicf("page 0x%x of pid %d is already bound", vAddr, pid)
	}

	t.nextOrder++
	elem := t.order.PushBack(&Entry{
		Frame:  frame,
		PID:    pid,
		VAddr:  vAddr,
		Pinned: pinned,
		Order:  t.nextOrder,
	})
	t.byFrame[frame] = elem
	t.byPage[key] = elem
}

// Find returns the entry bound to a virtual page.
func (t *Table) Find(pid vm.PID, vAddr uint64) (Entry, bool) {
	elem, found := t.byPage[pageKey{pid: pid, vAddr: vAddr}]
	if !found {
		return Entry{}, false
	}

	return *elem.Value.(*Entry), true
}

// Lookup returns the entry of a physical frame.
func (t *Table) Lookup(frame uint64) (Entry, bool) {
	elem, found := t.byFrame[frame]
	if !found {
		return Entry{}, false
	}

	return *elem.Value.(*Entry), true
}

// Remove drops the entry of a frame. The frame is not freed; the caller owns
// it afterwards.
func (t *Table) Remove(frame uint64) bool {
	elem, found := t.byFrame[frame]
	if !found {
		return false
	}

	t.removeElem(elem)

	return true
}

// RemoveAll drops and frees every frame owned by pid in a single walk. It
// does not touch translations; the owner tears those down. The removed
// entries are returned.
func (t *Table) RemoveAll(pid vm.PID) []Entry {
	var removed []Entry

	for e := t.order.Front(); e != nil; {
		next := e.Next()

		entry := e.Value.(*Entry)
		if entry.PID == pid {
			removed = append(removed, *entry)
			t.removeElem(e)
			t.allocator.Free(entry.Frame)
		}

		e = next
	}

	if len(removed) > 0 {
		t.unpinned.Broadcast()
	}

	return removed
}

func (t *Table) removeElem(elem *list.Element) {
	entry := elem.Value.(*Entry)

	t.order.Remove(elem)
	delete(t.byFrame, entry.Frame)
	delete(t.byPage, pageKey{pid: entry.PID, vAddr: entry.VAddr})

	if entry.Pinned {
		t.unpinned.Broadcast()
	}
}

// SelectVictim returns the oldest unpinned entry. It returns false if the
// table is empty or every entry is pinned.
func (t *Table) SelectVictim() (Entry, bool) {
	for e := t.order.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*Entry)
		if !entry.Pinned {
			return *entry, true
		}
	}

	return Entry{}, false
}

// Unpin marks the entry of a frame as evictable and wakes the waiters.
func (t *Table) Unpin(frame uint64) {
	elem, found := t.byFrame[frame]
	if !found {
		log.Panicf("frame 0x%x is not bound", frame)
	}

	elem.Value.(*Entry).Pinned = false
	t.unpinned.Broadcast()
}

// Wait releases the table lock until some pinned entry is unpinned or some
// frames are released, and locks it again.
func (t *Table) Wait() {
	t.unpinned.Wait()
}

// NumPinned returns the number of pinned entries.
func (t *Table) NumPinned() int {
	n := 0

	for e := t.order.Front(); e != nil; e = e.Next() {
		if e.Value.(*Entry).Pinned {
			n++
		}
	}

	return n
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return t.order.Len()
}

// Entries returns a copy of all entries in insertion order.
func (t *Table) Entries() []Entry {
	entries := make([]Entry, 0, t.order.Len())
	for e := t.order.Front(); e != nil; e = e.Next() {
		entries = append(entries, *e.Value.(*Entry))
	}

	return entries
}
