// Package swap implements the swap store: fixed-size slots, each holding one
// page, laid out over contiguous blocks of a block device. Slot allocation is
// tracked in a bitmap.
package swap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/sarchlab/akitavm/mem/vm"
)

// Slot is the index of a swap slot.
type Slot uint64

// Store allocates swap slots and moves pages in and out of them.
//
// The bitmap is guarded by its own lock. Slot I/O runs without the lock since
// an allocated slot has exactly one owner.
type Store struct {
	lock sync.Mutex
	used *bitset.BitSet

	device        vm.BlockDevice
	pageSize      uint64
	blocksPerSlot uint64
	numSlots      uint64
}

// New creates a swap store over device. Every slot spans pageSize bytes, so
// pageSize must be a non-zero multiple of the device block size.
func New(device vm.BlockDevice, pageSize uint64) (*Store, error) {
	if pageSize == 0 {
		return nil, errors.New("page size cannot be zero")
	}

	blockSize := uint64(device.BlockSize())
	if blockSize == 0 || pageSize%blockSize != 0 {
		return nil, fmt.Errorf(
			"page size %d is not a multiple of block size %d",
			pageSize, blockSize)
	}

	blocksPerSlot := pageSize / blockSize
	numSlots := device.NumBlocks() / blocksPerSlot

	s := &Store{
		used:          bitset.New(uint(numSlots)),
		device:        device,
		pageSize:      pageSize,
		blocksPerSlot: blocksPerSlot,
		numSlots:      numSlots,
	}

	return s, nil
}

// NumSlots returns the capacity of the store.
func (s *Store) NumSlots() uint64 {
	return s.numSlots
}

// PageSize returns the number of bytes in a slot.
func (s *Store) PageSize() uint64 {
	return s.pageSize
}

// NumUsed returns the number of allocated slots.
func (s *Store) NumUsed() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	return uint64(s.used.Count())
}

// InUse tells if a slot is allocated.
func (s *Store) InUse(slot Slot) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return uint64(slot) < s.numSlots && s.used.Test(uint(slot))
}

// UsedSlots returns the allocated slots in increasing order.
func (s *Store) UsedSlots() []Slot {
	s.lock.Lock()
	defer s.lock.Unlock()

	slots := make([]Slot, 0, s.used.Count())
	for i, ok := s.used.NextSet(0); ok; i, ok = s.used.NextSet(i + 1) {
		slots = append(slots, Slot(i))
	}

	return slots
}

// Allocate reserves the lowest free slot.
func (s *Store) Allocate() (Slot, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	i, ok := s.used.NextClear(0)
	if !ok || uint64(i) >= s.numSlots {
		return 0, vm.ErrSwapFull
	}

	s.used.Set(i)

	return Slot(i), nil
}

// Free releases a slot. Freeing a slot that is not allocated is rejected and
// leaves the bitmap unchanged.
func (s *Store) Free(slot Slot) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.mustBeInUse(slot); err != nil {
		return err
	}

	s.used.Clear(uint(slot))

	return nil
}

// Write stores a page in a slot.
func (s *Store) Write(slot Slot, page []byte) error {
	if err := s.checkIO(slot, page); err != nil {
		return err
	}

	blockSize := uint64(s.device.BlockSize())
	first := uint64(slot) * s.blocksPerSlot

	for i := uint64(0); i < s.blocksPerSlot; i++ {
		block := page[i*blockSize : (i+1)*blockSize]

		err := s.device.WriteBlock(first+i, block)
		if err != nil {
			return fmt.Errorf("swap slot %d: %w", slot, err)
		}
	}

	return nil
}

// Read loads the page kept in a slot into page.
func (s *Store) Read(slot Slot, page []byte) error {
	if err := s.checkIO(slot, page); err != nil {
		return err
	}

	blockSize := uint64(s.device.BlockSize())
	first := uint64(slot) * s.blocksPerSlot

	for i := uint64(0); i < s.blocksPerSlot; i++ {
		block := page[i*blockSize : (i+1)*blockSize]

		err := s.device.ReadBlock(first+i, block)
		if err != nil {
			return fmt.Errorf("swap slot %d: %w", slot, err)
		}
	}

	return nil
}

func (s *Store) checkIO(slot Slot, page []byte) error {
	if uint64(len(page)) != s.pageSize {
		return fmt.Errorf("swap slot %d: buffer of %d bytes, page size is %d",
			slot, len(page), s.pageSize)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	return s.mustBeInUse(slot)
}

func (s *Store) mustBeInUse(slot Slot) error {
	if uint64(slot) >= s.numSlots {
		return fmt.Errorf("swap slot %d: %w", slot, vm.ErrSlotOutOfRange)
	}

	if !s.used.Test(uint(slot)) {
		return fmt.Errorf("swap slot %d: %w", slot, vm.ErrSlotNotInUse)
	}

	return nil
}
