// Package pagedir simulates the hardware address translation tables of all
// processes, including the accessed and dirty bits the hardware keeps.
package pagedir

import (
	"container/list"
	"sync"

	"github.com/sarchlab/akitavm/mem/vm"
)

// A PTE is an entry in a page directory, maintaining the information about
// how to translate a virtual page to a physical frame.
type PTE struct {
	PID      vm.PID
	VAddr    uint64
	PAddr    uint64
	Writable bool
	Accessed bool
	Dirty    bool
}

// Directory holds the translation tables of all processes. It implements
// vm.MMU and vm.Translator.
type Directory struct {
	sync.Mutex
	log2PageSize uint64
	tables       map[vm.PID]*processTable
}

// New creates an empty Directory.
func New(log2PageSize uint64) *Directory {
	return &Directory{
		log2PageSize: log2PageSize,
		tables:       make(map[vm.PID]*processTable),
	}
}

func (d *Directory) getTable(pid vm.PID) *processTable {
	d.Lock()
	defer d.Unlock()

	table, found := d.tables[pid]
	if !found {
		table = &processTable{
			entries:      list.New(),
			entriesTable: make(map[uint64]*list.Element),
		}
		d.tables[pid] = table
	}

	return table
}

func (d *Directory) alignToPage(addr uint64) uint64 {
	return (addr >> d.log2PageSize) << d.log2PageSize
}

func (d *Directory) offsetInPage(addr uint64) uint64 {
	return addr & ((1 << d.log2PageSize) - 1)
}

// Install maps a virtual page to a frame. It fails if the page is already
// mapped.
func (d *Directory) Install(
	pid vm.PID,
	vAddr, frame uint64,
	writable bool,
) bool {
	table := d.getTable(pid)

	return table.insert(PTE{
		PID:      pid,
		VAddr:    d.alignToPage(vAddr),
		PAddr:    frame,
		Writable: writable,
	})
}

// Clear removes the translation of the page that contains vAddr.
func (d *Directory) Clear(pid vm.PID, vAddr uint64) {
	table := d.getTable(pid)
	table.remove(d.alignToPage(vAddr))
}

// IsDirty tells if the page was written since it was installed.
func (d *Directory) IsDirty(pid vm.PID, vAddr uint64) bool {
	pte, found := d.Find(pid, vAddr)

	return found && pte.Dirty
}

// IsAccessed tells if the page was accessed since it was installed.
func (d *Directory) IsAccessed(pid vm.PID, vAddr uint64) bool {
	pte, found := d.Find(pid, vAddr)

	return found && pte.Accessed
}

// Lookup returns the frame the page is mapped to.
func (d *Directory) Lookup(pid vm.PID, vAddr uint64) (uint64, bool) {
	pte, found := d.Find(pid, vAddr)
	if !found {
		return 0, false
	}

	return pte.PAddr, true
}

// Find returns the entry that maps the given virtual address.
func (d *Directory) Find(pid vm.PID, vAddr uint64) (PTE, bool) {
	table := d.getTable(pid)

	return table.find(d.alignToPage(vAddr))
}

// Translate performs a user access. It sets the accessed bit, and the dirty
// bit for writes.
func (d *Directory) Translate(
	pid vm.PID,
	vAddr uint64,
	write bool,
) (uint64, error) {
	table := d.getTable(pid)

	pAddr, err := table.access(d.alignToPage(vAddr), write)
	if err != nil {
		return 0, err
	}

	return pAddr + d.offsetInPage(vAddr), nil
}

// SetDirty sets or clears the dirty bit of an installed page.
func (d *Directory) SetDirty(pid vm.PID, vAddr uint64, dirty bool) {
	table := d.getTable(pid)
	table.setDirty(d.alignToPage(vAddr), dirty)
}

// Entries returns the entries of a process in installation order.
func (d *Directory) Entries(pid vm.PID) []PTE {
	table := d.getTable(pid)

	return table.all()
}

// Destroy drops the whole translation table of a process.
func (d *Directory) Destroy(pid vm.PID) {
	d.Lock()
	defer d.Unlock()

	delete(d.tables, pid)
}

type processTable struct {
	sync.Mutex
	entries      *list.List
	entriesTable map[uint64]*list.Element
}

func (t *processTable) insert(pte PTE) bool {
	t.Lock()
	defer t.Unlock()

	if _, found := t.entriesTable[pte.VAddr]; found {
		return false
	}

	elem := t.entries.PushBack(pte)
	t.entriesTable[pte.VAddr] = elem

	return true
}

func (t *processTable) remove(vAddr uint64) {
	t.Lock()
	defer t.Unlock()

	elem, found := t.entriesTable[vAddr]
	if !found {
		return
	}

	t.entries.Remove(elem)
	delete(t.entriesTable, vAddr)
}

func (t *processTable) find(vAddr uint64) (PTE, bool) {
	t.Lock()
	defer t.Unlock()

	elem, found := t.entriesTable[vAddr]
	if found {
		return elem.Value.(PTE), true
	}

	return PTE{}, false
}

func (t *processTable) access(vAddr uint64, write bool) (uint64, error) {
	t.Lock()
	defer t.Unlock()

	elem, found := t.entriesTable[vAddr]
	if !found {
		return 0, vm.ErrNotPresent
	}

	pte := elem.Value.(PTE)
	if write && !pte.Writable {
		return 0, vm.ErrReadOnly
	}

	pte.Accessed = true
	if write {
		pte.Dirty = true
	}
	elem.Value = pte

	return pte.PAddr, nil
}

func (t *processTable) setDirty(vAddr uint64, dirty bool) {
	t.Lock()
	defer t.Unlock()

	elem, found := t.entriesTable[vAddr]
	if !found {
		panic("page does not exist")
	}

	pte := elem.Value.(PTE)
	pte.Dirty = dirty
	elem.Value = pte
}

func (t *processTable) all() []PTE {
	t.Lock()
	defer t.Unlock()

	ptes := make([]PTE, 0, t.entries.Len())
	for e := t.entries.Front(); e != nil; e = e.Next() {
		ptes = append(ptes, e.Value.(PTE))
	}

	return ptes
}
