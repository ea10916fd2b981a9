package vmm

import (
	"io"
	"log"

	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/frametable"
	"github.com/sarchlab/akitavm/mem/vm/spt"
	"github.com/sarchlab/akitavm/mem/vm/swap"
)

// A Builder can build virtual memory managers.
type Builder struct {
	layout    vm.Layout
	mmu       vm.MMU
	allocator vm.FrameAllocator
	memory    vm.PhysicalMemory
	swap      *swap.Store
	logger    *log.Logger
}

// MakeBuilder returns a Builder with the default layout.
func MakeBuilder() Builder {
	return Builder{
		layout: vm.DefaultLayout(),
	}
}

// WithLayout sets the whole address-space layout.
func (b Builder) WithLayout(layout vm.Layout) Builder {
	b.layout = layout
	return b
}

// WithLog2PageSize sets the page size.
func (b Builder) WithLog2PageSize(log2PageSize uint64) Builder {
	b.layout.Log2PageSize = log2PageSize
	return b
}

// WithPhysBase sets the first kernel address.
func (b Builder) WithPhysBase(physBase uint64) Builder {
	b.layout.PhysBase = physBase
	return b
}

// WithUserFloor sets the lowest address a stack access may fault on.
func (b Builder) WithUserFloor(userFloor uint64) Builder {
	b.layout.UserFloor = userFloor
	return b
}

// WithStackCeiling sets the largest size of a stack.
func (b Builder) WithStackCeiling(ceiling uint64) Builder {
	b.layout.StackCeiling = ceiling
	return b
}

// WithStackSlack sets how far below the stack pointer a stack access may
// land.
func (b Builder) WithStackSlack(slack uint64) Builder {
	b.layout.StackSlack = slack
	return b
}

// WithMMU sets the hardware page table the manager installs translations in.
func (b Builder) WithMMU(mmu vm.MMU) Builder {
	b.mmu = mmu
	return b
}

// WithFrameAllocator sets where the manager gets free frames from.
func (b Builder) WithFrameAllocator(allocator vm.FrameAllocator) Builder {
	b.allocator = allocator
	return b
}

// WithMemory sets the physical memory that backs the frames.
func (b Builder) WithMemory(memory vm.PhysicalMemory) Builder {
	b.memory = memory
	return b
}

// WithSwapStore sets where evicted anonymous pages go.
func (b Builder) WithSwapStore(store *swap.Store) Builder {
	b.swap = store
	return b
}

// WithLogger sets the logger that reports fatal faults and evictions.
func (b Builder) WithLogger(logger *log.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a new Manager.
func (b Builder) Build() *Manager {
	b.mustBeComplete()

	m := &Manager{
		layout:    b.layout,
		mmu:       b.mmu,
		allocator: b.allocator,
		memory:    b.memory,
		swap:      b.swap,
		logger:    b.logger,
		frames:    frametable.New(b.allocator),
		threads:   make(map[vm.PID]*spt.Table),
	}

	if m.logger == nil {
		m.logger = log.New(io.Discard, "", 0)
	}

	return m
}

func (b Builder) mustBeComplete() {
	if b.mmu == nil {
		log.Panic("vmm: mmu is not set")
	}

	if b.allocator == nil {
		log.Panic("vmm: frame allocator is not set")
	}

	if b.memory == nil {
		log.Panic("vmm: physical memory is not set")
	}

	if b.swap == nil {
		log.Panic("vmm: swap store is not set")
	}

	if b.layout.UserFloor >= b.layout.PhysBase {
		log.Panicf("vmm: user floor 0x%x is not below phys base 0x%x",
			b.layout.UserFloor, b.layout.PhysBase)
	}

	if b.swap.PageSize() != b.layout.PageSize() {
		log.Panicf("vmm: swap slots hold %d bytes, pages are %d bytes",
			b.swap.PageSize(), b.layout.PageSize())
	}
}
