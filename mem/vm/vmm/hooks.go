package vmm

import (
	"github.com/sarchlab/akitavm/mem/vm"
	"github.com/sarchlab/akitavm/mem/vm/swap"
	"github.com/sarchlab/akitavm/sim/hooking"
)

// The positions at which a Manager invokes its hooks. The item of every hook
// context is an Event.
var (
	HookPosFaultResolved = &hooking.HookPos{Name: "FaultResolved"}
	HookPosFaultFatal    = &hooking.HookPos{Name: "FaultFatal"}
	HookPosStackGrowth   = &hooking.HookPos{Name: "StackGrowth"}
	HookPosFileLoad      = &hooking.HookPos{Name: "FileLoad"}
	HookPosSwapIn        = &hooking.HookPos{Name: "SwapIn"}
	HookPosSwapOut       = &hooking.HookPos{Name: "SwapOut"}
	HookPosWriteBack     = &hooking.HookPos{Name: "WriteBack"}
	HookPosEvict         = &hooking.HookPos{Name: "Evict"}
	HookPosThreadExit    = &hooking.HookPos{Name: "ThreadExit"}
)

var hookPositions = []*hooking.HookPos{
	HookPosFaultResolved,
	HookPosFaultFatal,
	HookPosStackGrowth,
	HookPosFileLoad,
	HookPosSwapIn,
	HookPosSwapOut,
	HookPosWriteBack,
	HookPosEvict,
	HookPosThreadExit,
}

// HookPositions returns every position a Manager invokes its hooks at.
func HookPositions() []*hooking.HookPos {
	return append([]*hooking.HookPos(nil), hookPositions...)
}

// HookPosByName finds a hook position by its name.
func HookPosByName(name string) (*hooking.HookPos, bool) {
	for _, pos := range hookPositions {
		if pos.Name == name {
			return pos, true
		}
	}

	return nil, false
}

// An Event describes what happened to a page.
type Event struct {
	PID        vm.PID
	VAddr      uint64
	Frame      uint64
	Slot       swap.Slot
	Provenance vm.Provenance
	Err        error
}

func (m *Manager) invoke(pos *hooking.HookPos, e Event) {
	if m.NumHooks() == 0 {
		return
	}

	ctx := hooking.HookCtx{
		Domain: m,
		Pos:    pos,
		Item:   e,
	}
	m.InvokeHook(ctx)
}
