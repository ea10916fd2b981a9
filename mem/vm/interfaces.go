package vm

import "io"

// BlockDevice is a raw block-addressable storage device. Swap slots are laid
// out over contiguous blocks.
type BlockDevice interface {
	// BlockSize returns the number of bytes in a block.
	BlockSize() int

	// NumBlocks returns the number of blocks on the device.
	NumBlocks() uint64

	// ReadBlock fills buf, which is exactly one block long, with the content
	// of block idx.
	ReadBlock(idx uint64, buf []byte) error

	// WriteBlock stores buf, which is exactly one block long, as block idx.
	WriteBlock(idx uint64, buf []byte) error
}

// MMU is the hardware address translation layer of all address spaces.
type MMU interface {
	// Install maps vAddr of process pid to frame. It returns false if the
	// mapping cannot be created.
	Install(pid PID, vAddr, frame uint64, writable bool) bool

	// Clear removes the mapping of vAddr. Later accesses fault.
	Clear(pid PID, vAddr uint64)

	// IsDirty tells if the page at vAddr was written since it was installed.
	IsDirty(pid PID, vAddr uint64) bool

	// Lookup returns the frame vAddr is mapped to.
	Lookup(pid PID, vAddr uint64) (frame uint64, ok bool)
}

// Translator performs a user access the way the hardware does: it translates
// the address and sets the accessed and dirty bits. It returns ErrNotPresent
// or ErrReadOnly if the access faults.
type Translator interface {
	Translate(pid PID, vAddr uint64, write bool) (pAddr uint64, err error)
}

// FrameAllocator hands out physical frames.
type FrameAllocator interface {
	// Allocate returns a free frame, zero filled if zero is set. It returns
	// false if no frame is available.
	Allocate(zero bool) (frame uint64, ok bool)

	// Free gives a frame back to the allocator.
	Free(frame uint64)
}

// PhysicalMemory gives access to the content of physical frames.
type PhysicalMemory interface {
	Read(address uint64, length uint64) ([]byte, error)
	Write(address uint64, data []byte) error
}

// File is the backing file of a file-backed page. *os.File satisfies it.
type File interface {
	io.ReaderAt
	io.WriterAt
}
