//go:build unix

// Package mmfile provides platform-specific helpers for mapping anonymous
// memory regions that live outside the Go heap.
package mmfile

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Map maps size bytes of private, zero-filled, read/write memory.
// The returned release function unmaps the region; calling it twice is a no-op.
func Map(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("mmfile: invalid mapping size %d", size)
	}
	data, err := unix.Mmap(
		-1,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("mmfile: mmap %d bytes: %w", size, err)
	}
	release := func() error {
		if data == nil {
			return nil
		}
		err := unix.Munmap(data)
		data = nil
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
	return data, release, nil
}

// PageSize reports the size of a virtual memory page.
func PageSize() int {
	return unix.Getpagesize()
}
