// Package workload runs synthetic user threads against a virtual memory
// manager and checks that every byte they read back is the byte they expect.
package workload

import (
	"errors"
	"io"
	"log"

	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/pagedir"
	"github.com/sarchlab/akitavm/mem/vm/palloc"
	"github.com/sarchlab/akitavm/mem/vm/swap"
	"github.com/sarchlab/akitavm/mem/vm/vmm"
	"github.com/sarchlab/akitavm/memory"
)

// swapBlockSize is the sector size of the swap device.
const swapBlockSize = 512

// A System is a manager wired to reference hardware: a sparse physical
// memory, a frame pool, a page directory and a swap device.
type System struct {
	Manager   *vmm.Manager
	Directory *pagedir.Directory
	Pool      *palloc.Pool
	Memory    *memory.Storage
	Swap      *swap.Store

	closers []io.Closer
}

// NewSystem builds a System with the given number of frames and swap slots.
// The swap device lives in SQLite if cfg.SwapDB is set and in memory
// otherwise.
func NewSystem(cfg Config, logger *log.Logger) (*System, error) {
	layout := vm.DefaultLayout()
	pageSize := layout.PageSize()

	s := &System{
		Memory:    memory.NewStorage(cfg.Frames * pageSize),
		Directory: pagedir.New(layout.Log2PageSize),
	}
	s.Pool = palloc.NewPool(s.Memory, 0, pageSize, cfg.Frames)

	numBlocks := cfg.SwapSlots * pageSize / swapBlockSize

	var device vm.BlockDevice = memory.NewDisk(swapBlockSize, numBlocks)
	if cfg.SwapDB != "" {
		disk, err := memory.NewSQLiteDisk(cfg.SwapDB, swapBlockSize, numBlocks)
		if err != nil {
			return nil, err
		}

		s.closers = append(s.closers, disk)
		device = disk
	}

	store, err := swap.New(device, pageSize)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Swap = store

	s.Manager = vmm.MakeBuilder().
		WithLayout(layout).
		WithMMU(s.Directory).
		WithFrameAllocator(s.Pool).
		WithMemory(s.Memory).
		WithSwapStore(s.Swap).
		WithLogger(logger).
		Build()

	return s, nil
}

// Close releases the swap device.
func (s *System) Close() error {
	var errs []error

	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}

	s.closers = nil

	return errors.Join(errs...)
}

// Leaks reports frames and swap slots that are still in use.
func (s *System) Leaks() (frames, slots uint64) {
	return s.Pool.NumFrames() - s.Pool.NumFree(), s.Swap.NumUsed()
}
