package vmm

import (
	"errors"
	"fmt"

	"github.com/sarchlab/akitavm/mem/vm"
)

// maxAccessAttempts bounds how often an access faults before giving up. A
// page may be evicted again between the end of its fault and the retry.
const maxAccessAttempts = 64

// Access runs fn on the physical address that addr translates to, faulting
// the page in first if needed. sp is the stack pointer of the accessing
// thread. fn runs with the frame table lock held, so the page cannot be
// evicted under it; fn must not call back into the manager.
//
// Access requires the MMU to implement vm.Translator.
func (m *Manager) Access(
	pid vm.PID,
	addr uint64,
	write bool,
	sp uint64,
	fn func(pAddr uint64) error,
) error {
	translator, ok := m.mmu.(vm.Translator)
	if !ok {
		return errors.New("vmm: mmu cannot translate user accesses")
	}

	for i := 0; i < maxAccessAttempts; i++ {
		m.frames.Lock()
		pAddr, err := translator.Translate(pid, addr, write)
		if err == nil {
			err = fn(pAddr)
			m.frames.Unlock()

			return err
		}
		m.frames.Unlock()

		present := errors.Is(err, vm.ErrReadOnly)
		if !present && !errors.Is(err, vm.ErrNotPresent) {
			return err
		}

		err = m.HandleFault(vm.Fault{
			PID:          pid,
			Addr:         addr,
			Present:      present,
			Write:        write,
			StackPointer: sp,
		})
		if err != nil {
			return err
		}
	}

	return fmt.Errorf("pid %d: address 0x%x did not stay resident after %d faults",
		pid, addr, maxAccessAttempts)
}

// ReadUser copies n bytes of a thread's memory starting at addr.
func (m *Manager) ReadUser(
	pid vm.PID,
	addr uint64,
	n uint64,
	sp uint64,
) ([]byte, error) {
	out := make([]byte, 0, n)

	err := m.forEachChunk(addr, n, func(chunkAddr, length uint64) error {
		return m.Access(pid, chunkAddr, false, sp, func(pAddr uint64) error {
			data, err := m.memory.Read(pAddr, length)
			if err != nil {
				return err
			}

			out = append(out, data...)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// WriteUser copies data into a thread's memory starting at addr.
func (m *Manager) WriteUser(pid vm.PID, addr uint64, data []byte, sp uint64) error {
	done := uint64(0)

	return m.forEachChunk(addr, uint64(len(data)),
		func(chunkAddr, length uint64) error {
			chunk := data[done : done+length]
			done += length

			return m.Access(pid, chunkAddr, true, sp, func(pAddr uint64) error {
				return m.memory.Write(pAddr, chunk)
			})
		})
}

// forEachChunk splits [addr, addr+n) at page boundaries.
func (m *Manager) forEachChunk(
	addr, n uint64,
	fn func(chunkAddr, length uint64) error,
) error {
	pageSize := m.layout.PageSize()

	for n > 0 {
		length := min(n, pageSize-(addr-m.layout.PageRoundDown(addr)))
		if err := fn(addr, length); err != nil {
			return err
		}

		addr += length
		n -= length
	}

	return nil
}
