// Package palloc hands out the physical frames of the user pool from a free
// list.
package palloc

import (
	"log"
	"sync"

	"github.com/sarchlab/akitavm/mem/vm"
)

// Pool is a free-list allocator over a contiguous range of frames. It
// implements vm.FrameAllocator.
type Pool struct {
	lock sync.Mutex

	memory    vm.PhysicalMemory
	base      uint64
	frameSize uint64
	numFrames uint64

	freeList  []uint64
	allocated map[uint64]bool
}

// NewPool creates a pool of numFrames frames starting at base. Zero filled
// frames are cleared through memory.
func NewPool(
	memory vm.PhysicalMemory,
	base, frameSize, numFrames uint64,
) *Pool {
	p := &Pool{
		memory:    memory,
		base:      base,
		frameSize: frameSize,
		numFrames: numFrames,
		freeList:  make([]uint64, 0, numFrames),
		allocated: make(map[uint64]bool),
	}

	for i := numFrames; i > 0; i-- {
		p.freeList = append(p.freeList, base+(i-1)*frameSize)
	}

	return p
}

// Allocate takes a frame from the free list.
func (p *Pool) Allocate(zero bool) (uint64, bool) {
	p.lock.Lock()

	n := len(p.freeList)
	if n == 0 {
		p.lock.Unlock()
		return 0, false
	}

	frame := p.freeList[n-1]
	p.freeList = p.freeList[:n-1]
	p.allocated[frame] = true

	p.lock.Unlock()

	if zero {
		err := p.memory.Write(frame, make([]byte, p.frameSize))
		if err != nil {
			log.Panicf("cannot clear frame 0x%x: %v", frame, err)
		}
	}

	return frame, true
}

// Free puts a frame back on the free list.
func (p *Pool) Free(frame uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if frame < p.base || frame >= p.base+p.numFrames*p.frameSize ||
		(frame-p.base)%p.frameSize != 0 {
		log.Panicf("frame 0x%x does not belong to the pool", frame)
	}

	if !p.allocated[frame] {
		log.Panicf("frame 0x%x freed twice", frame)
	}

	delete(p.allocated, frame)
	p.freeList = append(p.freeList, frame)
}

// NumFrames returns the size of the pool.
func (p *Pool) NumFrames() uint64 {
	return p.numFrames
}

// NumFree returns the number of frames on the free list.
func (p *Pool) NumFree() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()

	return uint64(len(p.freeList))
}
