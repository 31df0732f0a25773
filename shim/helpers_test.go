package shim

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapshim/heap"
)

// newTestArena creates an arena closed at test cleanup.
func newTestArena(t testing.TB) *heap.Arena {
	t.Helper()
	a, err := heap.NewArena(nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

// newTestShim creates a shim over a fresh arena. Faults are recorded into
// *faults (when non-nil) and then surface as a panic carrying the Fault.
func newTestShim(t testing.TB, faults *[]Fault, obs Observer) *Shim {
	t.Helper()
	return New(newTestArena(t), &Options{
		Fatal: func(f Fault) {
			if faults != nil {
				*faults = append(*faults, f)
			}
		},
		Observer: obs,
	})
}

// eventLog collects events for assertions.
type eventLog struct {
	events []Event
}

func (l *eventLog) Observe(ev Event) { l.events = append(l.events, ev) }

// stubHost wraps a real host and injects failures.
type stubHost struct {
	heap.Host

	failAlloc   bool
	failRealloc bool
	panicAlloc  bool
	fixed       unsafe.Pointer // Alloc always returns this when set
}

func (h *stubHost) Alloc(l heap.Layout) unsafe.Pointer {
	switch {
	case h.panicAlloc:
		panic("host exploded")
	case h.failAlloc:
		return nil
	case h.fixed != nil:
		return h.fixed
	}
	return h.Host.Alloc(l)
}

func (h *stubHost) AllocZeroed(l heap.Layout) unsafe.Pointer {
	if h.failAlloc {
		return nil
	}
	return h.Host.AllocZeroed(l)
}

func (h *stubHost) Realloc(ptr unsafe.Pointer, l heap.Layout, newSize uintptr) unsafe.Pointer {
	if h.failRealloc {
		return nil
	}
	return h.Host.Realloc(ptr, l, newSize)
}

func bytesAt(p unsafe.Pointer, n uintptr) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed ^ byte(i*31)
	}
}

func hasPattern(b []byte, seed byte) bool {
	for i := range b {
		if b[i] != seed^byte(i*31) {
			return false
		}
	}
	return true
}

func layoutOf(size uintptr) heap.Layout {
	return heap.Layout{Size: size, Align: heap.DefaultAlign}
}
