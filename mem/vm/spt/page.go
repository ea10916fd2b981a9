// Package spt implements the supplemental page table: the per-thread record
// of every virtual page the thread has registered, where its data comes from
// and whether it is currently in memory.
package spt

import (
	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/swap"
)

// A Page is the supplemental information of a virtual page.
//
// The residency and provenance of a page only change while the frame table
// lock is held.
type Page struct {
	VAddr      uint64
	Provenance vm.Provenance

	// Origin is the provenance the page was created with. A swapped page
	// returns to it when it is loaded back.
	Origin vm.Provenance

	File      vm.File
	Offset    int64
	ReadBytes uint64
	ZeroBytes uint64
	Writable  bool

	// Slot is valid when Provenance is vm.ProvenanceSwapped.
	Slot swap.Slot

	// Dirty is set when the in-memory copy may differ from the file the page
	// was loaded from.
	Dirty bool

	Residency vm.Residency

	// Frame is valid while the page is pending or resident.
	Frame uint64
}

// IsSwapped tells if the page data lives in a swap slot.
func (p *Page) IsSwapped() bool {
	return p.Provenance == vm.ProvenanceSwapped
}

// IsResident tells if the page is bound to a frame and mapped.
func (p *Page) IsResident() bool {
	return p.Residency == vm.ResidencyResident
}

// IsPending tells if a fault on the page is being resolved.
func (p *Page) IsPending() bool {
	return p.Residency == vm.ResidencyPending
}
