package shim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapshim/heap"
)

var testSizes = []uintptr{0, 1, 8, 13, 64, 500, 4096, 16384, 16385, 100_000}

// TestMallocFree tests that every malloc'd block can be freed and leaves no
// registry entry behind.
func TestMallocFree(t *testing.T) {
	s := newTestShim(t, nil, nil)

	for _, size := range testSizes {
		p := s.Malloc(size)
		require.NotNil(t, p, "Malloc(%d)", size)

		l, ok := s.Registry().Lookup(uintptr(p))
		require.True(t, ok, "Malloc(%d) not registered", size)
		assert.Equal(t, heap.Layout{Size: size, Align: heap.DefaultAlign}, l)

		s.Free(p)
		_, ok = s.Registry().Lookup(uintptr(p))
		assert.False(t, ok, "Free left %#x registered", uintptr(p))
	}
	assert.Zero(t, s.Registry().Len())
}

// TestMallocZeroIsUnique tests that zero-size blocks are distinct and freeable.
func TestMallocZeroIsUnique(t *testing.T) {
	s := newTestShim(t, nil, nil)

	a, b := s.Malloc(0), s.Malloc(0)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, s.Registry().Len())
	s.Free(a)
	s.Free(b)
}

// TestCallocZeroed tests that calloc blocks read as zero even when the host
// recycles a dirty block.
func TestCallocZeroed(t *testing.T) {
	s := newTestShim(t, nil, nil)

	tests := []struct{ count, size uintptr }{
		{1, 1}, {4, 8}, {10, 10}, {3, 100}, {256, 64}, {0, 8}, {8, 0}, {2, 30000},
	}
	for _, tt := range tests {
		total := tt.count * tt.size

		// Dirty a block of the same size first.
		if total > 0 {
			d := s.Malloc(total)
			require.NotNil(t, d)
			fill(bytesAt(d, total), 0xaa)
			s.Free(d)
		}

		p := s.Calloc(tt.count, tt.size)
		require.NotNil(t, p, "Calloc(%d, %d)", tt.count, tt.size)
		for i, b := range bytesAt(p, total) {
			require.Zero(t, b, "Calloc(%d, %d) byte %d", tt.count, tt.size, i)
		}

		l, ok := s.Registry().Lookup(uintptr(p))
		require.True(t, ok)
		assert.Equal(t, total, l.Size)
		s.Free(p)
	}
}

// TestCallocOverflowRejected tests that an overflowing product returns nil
// without touching the host or the registry.
func TestCallocOverflowRejected(t *testing.T) {
	var log eventLog
	s := newTestShim(t, nil, &log)

	p := s.Calloc(^uintptr(0)/2+1, 2)
	assert.Nil(t, p)
	assert.Zero(t, s.Registry().Len())

	require.Len(t, log.events, 1)
	assert.Equal(t, OpCalloc, log.events[0].Op)
	assert.True(t, log.events[0].Failed)
}

// TestReallocPreservesPrefix tests that min(old, new) bytes survive a resize.
func TestReallocPreservesPrefix(t *testing.T) {
	s := newTestShim(t, nil, nil)

	sizes := []uintptr{1, 24, 100, 1000, 16384, 40000}
	for _, oldSize := range sizes {
		for _, newSize := range sizes {
			p := s.Malloc(oldSize)
			require.NotNil(t, p)
			fill(bytesAt(p, oldSize), byte(oldSize))

			q := s.Realloc(p, newSize)
			require.NotNil(t, q, "Realloc(%d -> %d)", oldSize, newSize)
			require.True(t, hasPattern(bytesAt(q, min(oldSize, newSize)), byte(oldSize)),
				"Realloc(%d -> %d) lost data", oldSize, newSize)

			l, ok := s.Registry().Lookup(uintptr(q))
			require.True(t, ok)
			assert.Equal(t, newSize, l.Size)
			if q != p {
				_, stale := s.Registry().Lookup(uintptr(p))
				assert.False(t, stale, "superseded address still registered")
			}
			assert.Equal(t, 1, s.Registry().Len())
			s.Free(q)
		}
	}
}

// TestReallocNilIsMalloc tests that realloc(NULL, n) yields an ordinary block.
func TestReallocNilIsMalloc(t *testing.T) {
	s := newTestShim(t, nil, nil)

	p := s.Realloc(nil, 48)
	require.NotNil(t, p)
	l, ok := s.Registry().Lookup(uintptr(p))
	require.True(t, ok)
	assert.Equal(t, uintptr(48), l.Size)

	fill(bytesAt(p, 48), 5)
	q := s.Realloc(p, 4000)
	require.NotNil(t, q)
	assert.True(t, hasPattern(bytesAt(q, 48), 5))
	s.Free(q)
	assert.Zero(t, s.Registry().Len())
}

// TestReallocZeroFrees tests the chosen zero-size behavior: free and return nil.
func TestReallocZeroFrees(t *testing.T) {
	var log eventLog
	s := newTestShim(t, nil, &log)

	p := s.Malloc(32)
	require.NotNil(t, p)
	assert.Nil(t, s.Realloc(p, 0))
	assert.Zero(t, s.Registry().Len())

	last := log.events[len(log.events)-1]
	assert.Equal(t, Event{Op: OpRealloc, OldAddr: uintptr(p), OldSize: 32, Count: 1}, last)
}

// TestFreeNil tests that free(NULL) never faults and never touches the registry.
func TestFreeNil(t *testing.T) {
	var (
		faults []Fault
		log    eventLog
	)
	s := newTestShim(t, &faults, &log)

	assert.NotPanics(t, func() { s.Free(nil) })
	assert.Empty(t, faults)
	assert.Empty(t, log.events)
	assert.Zero(t, s.Registry().Len())
}

// TestMallocExhaustion tests that host exhaustion propagates as nil.
func TestMallocExhaustion(t *testing.T) {
	var log eventLog
	host := &stubHost{Host: newTestArena(t), failAlloc: true}
	s := New(host, &Options{Observer: &log})

	assert.Nil(t, s.Malloc(64))
	assert.Nil(t, s.Calloc(2, 64))
	assert.Nil(t, s.Realloc(nil, 64))
	assert.Zero(t, s.Registry().Len())

	require.Len(t, log.events, 3)
	for _, ev := range log.events {
		assert.True(t, ev.Failed)
		assert.Zero(t, ev.Addr)
	}
}

// TestReallocFailureKeepsOriginal tests that a failed resize leaves the
// original block registered and usable.
func TestReallocFailureKeepsOriginal(t *testing.T) {
	host := &stubHost{Host: newTestArena(t)}
	s := New(host, nil)

	p := s.Malloc(100)
	require.NotNil(t, p)
	fill(bytesAt(p, 100), 7)

	host.failRealloc = true
	assert.Nil(t, s.Realloc(p, 5000))

	l, ok := s.Registry().Lookup(uintptr(p))
	require.True(t, ok)
	assert.Equal(t, uintptr(100), l.Size)
	assert.True(t, hasPattern(bytesAt(p, 100), 7))

	host.failRealloc = false
	s.Free(p)
	assert.Zero(t, s.Registry().Len())
}

// TestObserverEventStream tests the events emitted for a mixed sequence.
func TestObserverEventStream(t *testing.T) {
	var log eventLog
	s := newTestShim(t, nil, &log)

	p := s.Malloc(10)
	c := s.Calloc(3, 4)
	q := s.Realloc(p, 20)
	s.Free(c)
	s.Free(q)

	want := []Event{
		{Op: OpMalloc, Addr: uintptr(p), Size: 10, Count: 1},
		{Op: OpCalloc, Addr: uintptr(c), Size: 12, Count: 3},
		{Op: OpRealloc, Addr: uintptr(q), OldAddr: uintptr(p), Size: 20, OldSize: 10, Count: 1},
		{Op: OpFree, OldAddr: uintptr(c), OldSize: 12, Count: 1},
		{Op: OpFree, OldAddr: uintptr(q), OldSize: 20, Count: 1},
	}
	assert.Equal(t, want, log.events)
}

func TestMultiObserver(t *testing.T) {
	var a, b eventLog
	var n int
	s := newTestShim(t, nil, MultiObserver{&a, &b, ObserverFunc(func(Event) { n++ })})

	s.Free(s.Malloc(1))
	assert.Len(t, a.events, 2)
	assert.Equal(t, a.events, b.events)
	assert.Equal(t, 2, n)
}

func TestRegistryAccessors(t *testing.T) {
	s := newTestShim(t, nil, nil)

	p := s.Malloc(100)
	q := s.Calloc(2, 50)
	assert.Equal(t, 2, s.Registry().Len())
	assert.Equal(t, uint64(200), s.Registry().LiveBytes())

	snap := s.Registry().Snapshot()
	assert.Len(t, snap, 2)
	assert.Contains(t, snap, uintptr(p))
	assert.Contains(t, snap, uintptr(q))

	// Snapshot is a copy.
	delete(snap, uintptr(p))
	assert.Equal(t, 2, s.Registry().Len())

	s.Free(p)
	s.Free(q)
	assert.Zero(t, s.Registry().LiveBytes())
	assert.False(t, s.Registry().Poisoned())
}

func TestDefault(t *testing.T) {
	s := Default()
	require.Same(t, s, Default())

	p := s.Malloc(16)
	require.NotNil(t, p)
	*(*uint64)(p) = 0xfeedface
	assert.Equal(t, uint64(0xfeedface), *(*uint64)(p))
	s.Free(p)
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "malloc", OpMalloc.String())
	assert.Equal(t, "calloc", OpCalloc.String())
	assert.Equal(t, "realloc", OpRealloc.String())
	assert.Equal(t, "free", OpFree.String())
	assert.Equal(t, "Op(9)", Op(9).String())
}

func BenchmarkMallocFree(b *testing.B) {
	s := New(newTestArena(b), nil)

	b.ReportAllocs()
	for b.Loop() {
		s.Free(s.Malloc(64))
	}
}

func BenchmarkMallocFreeParallel(b *testing.B) {
	s := New(newTestArena(b), nil)

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s.Free(s.Malloc(64))
		}
	})
}
