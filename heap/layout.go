package heap

import (
	"fmt"
	"math/bits"
)

// DefaultAlign is the alignment used for every C-convention allocation.
const DefaultAlign uintptr = 8

// Layout is the (size, alignment) pair needed to release or resize a block.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// NewLayout validates size and align and returns the layout.
func NewLayout(size, align uintptr) (Layout, error) {
	if align == 0 || bits.OnesCount64(uint64(align)) != 1 {
		return Layout{}, fmt.Errorf("%w: %d", ErrBadAlign, align)
	}
	if size > ^uintptr(0)-(align-1) {
		return Layout{}, fmt.Errorf("%w: size=%d align=%d", ErrBadSize, size, align)
	}
	return Layout{Size: size, Align: align}, nil
}

// valid reports whether l could have been produced by NewLayout.
func (l Layout) valid() bool {
	_, err := NewLayout(l.Size, l.Align)
	return err == nil
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	return fmt.Sprintf("Layout{size=%d, align=%d}", l.Size, l.Align)
}

// alignUp rounds n up to a multiple of align (a power of two).
func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
