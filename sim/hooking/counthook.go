package hooking

import (
	"sort"
	"sync"
)

// CountHook counts how many times each hook position is triggered.
type CountHook struct {
	lock   sync.Mutex
	counts map[string]uint64
}

// NewCountHook creates a new CountHook.
func NewCountHook() *CountHook {
	return &CountHook{
		counts: make(map[string]uint64),
	}
}

// Func counts the position of ctx.
func (h *CountHook) Func(ctx HookCtx) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.counts[ctx.Pos.Name]++
}

// Count returns the number of times the position was triggered.
func (h *CountHook) Count(pos *HookPos) uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.counts[pos.Name]
}

// Names returns the names of the triggered positions, sorted.
func (h *CountHook) Names() []string {
	h.lock.Lock()
	defer h.lock.Unlock()

	names := make([]string, 0, len(h.counts))
	for name := range h.counts {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Counts returns a copy of all counters.
func (h *CountHook) Counts() map[string]uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()

	counts := make(map[string]uint64, len(h.counts))
	for name, n := range h.counts {
		counts[name] = n
	}

	return counts
}
