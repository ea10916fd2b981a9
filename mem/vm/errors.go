package vm

import (
	"errors"
	"fmt"
)

// Errors reported by the virtual memory subsystem.
var (
	ErrFatalFault       = errors.New("fatal page fault")
	ErrInvalidAddress   = errors.New("address outside of user space")
	ErrProtection       = errors.New("access violates page protection")
	ErrNotMapped        = errors.New("address is not mapped")
	ErrStackLimit       = errors.New("stack size limit exceeded")
	ErrInconsistentPage = errors.New("page is in an unexpected state")
	ErrOutOfMemory      = errors.New("no physical frame available")
	ErrSwapFull         = errors.New("no swap slot available")
	ErrSlotNotInUse     = errors.New("swap slot is not in use")
	ErrSlotOutOfRange   = errors.New("swap slot out of range")
	ErrDuplicatePage    = errors.New("page already registered")
	ErrPageNotFound     = errors.New("page not registered")
	ErrUnknownThread    = errors.New("thread has no address space")
	ErrShortRead        = errors.New("file shorter than the page expects")
	ErrNotPresent       = errors.New("page not present")
	ErrReadOnly         = errors.New("page is read-only")
	ErrInstallFailed    = errors.New("cannot install translation")
	ErrInvalidPage      = errors.New("invalid page description")
)

// FaultError is returned by the fault handler when a fault cannot be
// resolved. The faulting process has to be terminated.
type FaultError struct {
	Fault Fault
	Err   error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("pid %d: fault at 0x%x: %v", e.Fault.PID, e.Fault.Addr,
		e.Err)
}

// Unwrap makes both ErrFatalFault and the cause visible to errors.Is.
func (e *FaultError) Unwrap() []error {
	return []error{ErrFatalFault, e.Err}
}

// NewFaultError wraps err as a fatal fault.
func NewFaultError(f Fault, err error) *FaultError {
	return &FaultError{Fault: f, Err: err}
}
