package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// newTestArena creates an arena closed at test cleanup.
func newTestArena(t testing.TB, opts *ArenaOptions) *Arena {
	t.Helper()
	a, err := NewArena(opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

// bytesAt views n bytes at p.
func bytesAt(p unsafe.Pointer, n uintptr) []byte {
	return unsafe.Slice((*byte)(p), n)
}

// fill writes a position-dependent pattern so moved prefixes are detectable.
func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i*7)
	}
}

// hasPattern reports whether b still holds the pattern written by fill.
func hasPattern(b []byte, seed byte) bool {
	for i := range b {
		if b[i] != seed+byte(i*7) {
			return false
		}
	}
	return true
}

// requirePattern checks a pattern written by fill.
func requirePattern(t testing.TB, b []byte, seed byte) {
	t.Helper()
	for i := range b {
		if b[i] != seed+byte(i*7) {
			t.Fatalf("byte %d: got 0x%x want 0x%x", i, b[i], seed+byte(i*7))
		}
	}
}
