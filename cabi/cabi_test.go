package cabi

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapshim/heap"
	"github.com/joshuapare/heapshim/shim"
)

func newShim(t *testing.T) *shim.Shim {
	t.Helper()
	a, err := heap.NewArena(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return shim.New(a, nil)
}

func TestForwardsToInstalled(t *testing.T) {
	s := newShim(t)
	Install(s)
	t.Cleanup(func() { installed.Store(nil) })
	require.Same(t, s, Current())

	p := Malloc(24)
	require.NotNil(t, p)
	assert.Equal(t, 1, s.Registry().Len())

	c := Calloc(3, 8)
	require.NotNil(t, c)
	for _, b := range unsafe.Slice((*byte)(c), 24) {
		require.Zero(t, b)
	}

	p = Realloc(p, 4096)
	require.NotNil(t, p)
	l, ok := s.Registry().Lookup(uintptr(p))
	require.True(t, ok)
	assert.Equal(t, uintptr(4096), l.Size)

	Free(p)
	Free(c)
	Free(nil)
	assert.Zero(t, s.Registry().Len())
}

func TestCurrentDefaultsLazily(t *testing.T) {
	installed.Store(nil)
	assert.Same(t, shim.Default(), Current())
}

func TestInstallGuards(t *testing.T) {
	t.Cleanup(func() { installed.Store(nil) })

	assert.Panics(t, func() { Install(nil) })

	first := newShim(t)
	Install(first)
	p := Malloc(8)

	second := newShim(t)
	assert.PanicsWithValue(t, "cabi: replacing a shim with live allocations", func() { Install(second) })
	assert.Same(t, first, Current())

	Free(p)
	Install(second)
	assert.Same(t, second, Current())
}
