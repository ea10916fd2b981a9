// Package hooking lets observers attach to the positions where an object
// reports what it is doing.
package hooking

import (
	"log"
	"sync"
)

// HookPos names a position at which a domain reports an event.
type HookPos struct {
	Name string
}

// HookCtx is what a hook receives: the domain that reports, where it
// reports, and the event payload.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   interface{}
}

// Hookable defines an object that accept Hooks.
type Hookable interface {
	// AcceptHook registers a hook.
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int

	// Hooks returns all the hooks registered.
	Hooks() []Hook
}

// Hook is a short piece of program that can be invoked by a hookable object.
//
// Hooks may be invoked concurrently and while the domain holds internal
// locks. A hook must not call back into its domain.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

type positionFilter struct {
	hook      Hook
	positions map[*HookPos]bool
}

// AtPositions returns a hook that forwards to hook only the events reported
// at one of the given positions.
func AtPositions(hook Hook, positions ...*HookPos) Hook {
	f := &positionFilter{
		hook:      hook,
		positions: make(map[*HookPos]bool, len(positions)),
	}

	for _, pos := range positions {
		f.positions[pos] = true
	}

	return f
}

func (f *positionFilter) Func(ctx HookCtx) {
	if f.positions[ctx.Pos] {
		f.hook.Func(ctx)
	}
}

// A HookableBase keeps the hooks of a domain. Hooks are called outside of
// its lock, so a hook may register or remove hooks.
type HookableBase struct {
	hookLock sync.RWMutex
	hookList []Hook
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	h.hookLock.RLock()
	defer h.hookLock.RUnlock()

	return len(h.hookList)
}

// Hooks returns all the hooks registered.
func (h *HookableBase) Hooks() []Hook {
	h.hookLock.RLock()
	defer h.hookLock.RUnlock()

	hooks := make([]Hook, len(h.hookList))
	copy(hooks, h.hookList)

	return hooks
}

// AcceptHook registers a hook. Registering the same hook twice panics.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.hookLock.Lock()
	defer h.hookLock.Unlock()

	if h.indexOf(hook) >= 0 {
		log.Panicf("hook %T is already registered", hook)
	}

	h.hookList = append(h.hookList, hook)
}

// RemoveHook unregisters a hook. It reports whether the hook was registered.
func (h *HookableBase) RemoveHook(hook Hook) bool {
	h.hookLock.Lock()
	defer h.hookLock.Unlock()

	i := h.indexOf(hook)
	if i < 0 {
		return false
	}

	h.hookList = append(h.hookList[:i], h.hookList[i+1:]...)

	return true
}

func (h *HookableBase) indexOf(hook Hook) int {
	for i, registered := range h.hookList {
		if registered == hook {
			return i
		}
	}

	return -1
}

// InvokeHook calls every registered hook with ctx, in registration order.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.Hooks() {
		hook.Func(ctx)
	}
}
