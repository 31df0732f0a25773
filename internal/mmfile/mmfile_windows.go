//go:build windows

package mmfile

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Map commits size bytes of zero-filled, read/write memory with VirtualAlloc.
func Map(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("mmfile: invalid mapping size %d", size)
	}
	addr, err := windows.VirtualAlloc(
		0,
		uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_READWRITE,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("mmfile: VirtualAlloc %d bytes: %w", size, err)
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	release := func() error {
		if addr == 0 {
			return nil
		}
		err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		addr = 0
		return err
	}
	return data, release, nil
}

// PageSize reports the allocation granularity used for mappings.
func PageSize() int {
	return windows.Getpagesize()
}
