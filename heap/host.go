package heap

import "unsafe"

// Host is a layout-based allocator. Callers must pass Dealloc and Realloc the
// exact Layout the block was allocated (or last resized) with.
//
// Implementations:
//   - Arena: mapping-backed allocator with size-class free lists
type Host interface {
	// Alloc returns an uninitialized block, or nil if the request cannot be met.
	Alloc(l Layout) unsafe.Pointer

	// AllocZeroed is Alloc with the first l.Size bytes cleared.
	AllocZeroed(l Layout) unsafe.Pointer

	// Dealloc releases ptr, which must have been returned with layout l.
	Dealloc(ptr unsafe.Pointer, l Layout)

	// Realloc resizes ptr to newSize with l.Align, preserving min(l.Size, newSize)
	// bytes. Bytes past the old size are uninitialized. It returns nil on failure,
	// in which case ptr is still valid with layout l.
	Realloc(ptr unsafe.Pointer, l Layout, newSize uintptr) unsafe.Pointer
}
