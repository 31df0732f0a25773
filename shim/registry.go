package shim

import (
	"sync"

	"github.com/joshuapare/heapshim/heap"
)

// Registry maps every live address handed out by a Shim to its layout.
// The null address is never a key.
type Registry struct {
	mu       sync.Mutex
	entries  map[uintptr]heap.Layout
	poisoned bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uintptr]heap.Layout)}
}

// do runs fn with exclusive access to the entries. If fn panics the registry
// is poisoned and the panic continues; every later do reports FaultPoisoned
// without running fn.
func (r *Registry) do(op Op, fn func(entries map[uintptr]heap.Layout) *Fault) *Fault {
	r.mu.Lock()
	if r.poisoned {
		r.mu.Unlock()
		return &Fault{Kind: FaultPoisoned, Op: op}
	}

	done := false
	defer func() {
		if !done {
			r.poisoned = true
		}
		r.mu.Unlock()
	}()

	f := fn(r.entries)
	done = true
	return f
}

// Len returns the number of live allocations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Lookup returns the layout recorded for addr.
func (r *Registry) Lookup(addr uintptr) (heap.Layout, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.entries[addr]
	return l, ok
}

// LiveBytes returns the sum of requested sizes over live allocations.
func (r *Registry) LiveBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n uint64
	for _, l := range r.entries {
		n += uint64(l.Size)
	}
	return n
}

// Snapshot returns a copy of the entries.
func (r *Registry) Snapshot() map[uintptr]heap.Layout {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uintptr]heap.Layout, len(r.entries))
	for addr, l := range r.entries {
		out[addr] = l
	}
	return out
}

// Poisoned reports whether a critical section was unwound by a panic.
func (r *Registry) Poisoned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.poisoned
}
