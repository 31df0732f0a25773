// Package cabi is the C calling convention surface of the allocator adapter.
//
// Foreign code linked into the same wasm module calls the exported malloc,
// calloc, free and realloc symbols (see exports_tinygowasm.go). Each forwards
// to the Shim installed by the top-level component, or to shim.Default when
// nothing was installed.
package cabi

import (
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/heapshim/shim"
)

var installed atomic.Pointer[shim.Shim]

// Install makes s the target of the exported symbols. It must be called
// before the foreign library allocates anything; installing over a shim that
// already owns live allocations panics, since those blocks would become
// unfreeable.
func Install(s *shim.Shim) {
	if s == nil {
		panic("cabi: nil shim")
	}
	prev := installed.Swap(s)
	if prev != nil && prev != s && prev.Registry().Len() > 0 {
		installed.Store(prev)
		panic("cabi: replacing a shim with live allocations")
	}
}

// Current returns the shim the exported symbols forward to.
func Current() *shim.Shim {
	if s := installed.Load(); s != nil {
		return s
	}
	return shim.Default()
}

// Malloc implements malloc(size).
func Malloc(size uintptr) unsafe.Pointer {
	return Current().Malloc(size)
}

// Calloc implements calloc(count, size).
func Calloc(count, size uintptr) unsafe.Pointer {
	return Current().Calloc(count, size)
}

// Free implements free(ptr).
func Free(ptr unsafe.Pointer) {
	Current().Free(ptr)
}

// Realloc implements realloc(ptr, size).
func Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	return Current().Realloc(ptr, size)
}
