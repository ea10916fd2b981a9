package spt

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/sarchlab/akitavm/mem/vm"
)

// Table is the supplemental page table of one thread.
type Table struct {
	sync.Mutex
	pid          vm.PID
	entries      *list.List
	entriesTable map[uint64]*list.Element
}

// New creates an empty table for a thread.
func New(pid vm.PID) *Table {
	return &Table{
		pid:          pid,
		entries:      list.New(),
		entriesTable: make(map[uint64]*list.Element),
	}
}

// PID returns the owner of the table.
func (t *Table) PID() vm.PID {
	return t.pid
}

// Create registers a page. It fails with vm.ErrDuplicatePage, without
// changing the table, if the page is already registered.
func (t *Table) Create(spec vm.PageSpec) (*Page, error) {
	t.Lock()
	defer t.Unlock()

	if _, found := t.entriesTable[spec.VAddr]; found {
		return nil, fmt.Errorf("page 0x%x of pid %d: %w",
			spec.VAddr, t.pid, vm.ErrDuplicatePage)
	}

	page := &Page{
		VAddr:      spec.VAddr,
		Provenance: spec.Provenance,
		Origin:     spec.Provenance,
		File:       spec.File,
		Offset:     spec.Offset,
		ReadBytes:  spec.ReadBytes,
		ZeroBytes:  spec.ZeroBytes,
		Writable:   spec.Writable,
	}

	elem := t.entries.PushBack(page)
	t.entriesTable[spec.VAddr] = elem

	return page, nil
}

// Find returns the page registered at vAddr.
func (t *Table) Find(vAddr uint64) (*Page, bool) {
	t.Lock()
	defer t.Unlock()

	elem, found := t.entriesTable[vAddr]
	if !found {
		return nil, false
	}

	return elem.Value.(*Page), true
}

// Remove unregisters the page at vAddr. Removing a page that is not
// registered fails with vm.ErrPageNotFound.
func (t *Table) Remove(vAddr uint64) error {
	t.Lock()
	defer t.Unlock()

	elem, found := t.entriesTable[vAddr]
	if !found {
		return fmt.Errorf("page 0x%x of pid %d: %w",
			vAddr, t.pid, vm.ErrPageNotFound)
	}

	t.entries.Remove(elem)
	delete(t.entriesTable, vAddr)

	return nil
}

// Pages returns all pages in creation order.
func (t *Table) Pages() []*Page {
	t.Lock()
	defer t.Unlock()

	pages := make([]*Page, 0, t.entries.Len())
	for e := t.entries.Front(); e != nil; e = e.Next() {
		pages = append(pages, e.Value.(*Page))
	}

	return pages
}

// Clear unregisters every page and returns them.
func (t *Table) Clear() []*Page {
	t.Lock()
	defer t.Unlock()

	pages := make([]*Page, 0, t.entries.Len())
	for e := t.entries.Front(); e != nil; e = e.Next() {
		pages = append(pages, e.Value.(*Page))
	}

	t.entries.Init()
	t.entriesTable = make(map[uint64]*list.Element)

	return pages
}

// Len returns the number of registered pages.
func (t *Table) Len() int {
	t.Lock()
	defer t.Unlock()

	return t.entries.Len()
}
