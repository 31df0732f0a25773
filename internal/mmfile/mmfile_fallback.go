//go:build !unix && !windows

package mmfile

import (
	"fmt"
	"unsafe"
)

const fallbackPageSize = 64 * 1024

// Map allocates the region from the Go heap when no mapping primitive is
// available (wasm). The backing array is []uint64 so the base is 8-byte
// aligned; callers must keep the returned slice reachable.
func Map(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("mmfile: invalid mapping size %d", size)
	}
	words := make([]uint64, (size+7)/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), size)
	return data, func() error { return nil }, nil
}

// PageSize reports the wasm page size.
func PageSize() int {
	return fallbackPageSize
}
