//go:build tinygo.wasm && custommalloc

package cabi

import "unsafe"

// The runtime's own libc allocator exports are disabled by the custommalloc
// tag; these take their place so C code linked into the module allocates
// through the shim.

//export malloc
func libcMalloc(size uintptr) unsafe.Pointer {
	return Malloc(size)
}

//export calloc
func libcCalloc(count, size uintptr) unsafe.Pointer {
	return Calloc(count, size)
}

//export free
func libcFree(ptr unsafe.Pointer) {
	Free(ptr)
}

//export realloc
func libcRealloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	return Realloc(ptr, size)
}
