// Package vm holds the types shared by the demand-paging subsystem: process
// identifiers, page provenance and residency, the user address-space layout,
// the collaborator interfaces the subsystem consumes, and its errors.
package vm

import "fmt"

// PID identifies the thread that owns an address space. Each process has
// exactly one thread and one address space.
type PID uint32

// Provenance records where the data of a page comes from.
type Provenance int

// The provenances a page can have.
const (
	ProvenanceAnonymous Provenance = iota
	ProvenanceFile
	ProvenanceSwapped
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceAnonymous:
		return "anonymous"
	case ProvenanceFile:
		return "file"
	case ProvenanceSwapped:
		return "swapped"
	default:
		return fmt.Sprintf("Provenance(%d)", int(p))
	}
}

// Residency tells if a page is bound to a physical frame. Pending marks a page
// whose fault is being resolved; its frame is pinned and must not be evicted.
type Residency int

// The residency states of a page.
const (
	ResidencyAbsent Residency = iota
	ResidencyPending
	ResidencyResident
)

func (r Residency) String() string {
	switch r {
	case ResidencyAbsent:
		return "absent"
	case ResidencyPending:
		return "pending"
	case ResidencyResident:
		return "resident"
	default:
		return fmt.Sprintf("Residency(%d)", int(r))
	}
}

// PageSpec describes a page to register in a supplemental page table.
type PageSpec struct {
	VAddr      uint64
	Provenance Provenance
	File       File
	Offset     int64
	ReadBytes  uint64
	ZeroBytes  uint64
	Writable   bool
}

// Fault is what the hardware reports when a user access cannot be translated.
type Fault struct {
	PID          PID
	Addr         uint64
	Present      bool
	Write        bool
	StackPointer uint64
}
