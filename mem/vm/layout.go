package vm

// Layout describes the user part of an address space and the stack growth
// policy.
type Layout struct {
	// Log2PageSize is the log2 of both the page and the frame size.
	Log2PageSize uint64

	// PhysBase is the first kernel address. User addresses are below it and
	// the stack grows down from it.
	PhysBase uint64

	// UserFloor is the lowest address at which an untracked fault may still
	// be a stack access.
	UserFloor uint64

	// StackCeiling is the largest size the stack may grow to, measured from
	// PhysBase.
	StackCeiling uint64

	// StackSlack is how far below the stack pointer a fault may land and
	// still count as a stack access.
	StackSlack uint64
}

// DefaultLayout returns the layout of the teaching kernel: 4 KiB pages, a
// 3 GiB user space, a 1 MiB stack and a 32 byte slack window.
func DefaultLayout() Layout {
	return Layout{
		Log2PageSize: 12,
		PhysBase:     0xC0000000,
		UserFloor:    0xC0000000 - 512*4096,
		StackCeiling: 1 << 20,
		StackSlack:   32,
	}
}

// PageSize returns the number of bytes in a page.
func (l Layout) PageSize() uint64 {
	return 1 << l.Log2PageSize
}

// PageRoundDown returns the address of the page that contains addr.
func (l Layout) PageRoundDown(addr uint64) uint64 {
	return (addr >> l.Log2PageSize) << l.Log2PageSize
}

// IsUserAddr tells if addr may ever be mapped for user code.
func (l Layout) IsUserAddr(addr uint64) bool {
	return addr != 0 && addr < l.PhysBase
}

// StackSizeAt returns how large the stack is if the page containing addr is
// its lowest page.
func (l Layout) StackSizeAt(addr uint64) uint64 {
	return l.PhysBase - l.PageRoundDown(addr)
}
