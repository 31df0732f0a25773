package heap

import "errors"

var (
	// ErrExhausted indicates the arena could not map more memory for a request.
	ErrExhausted = errors.New("heap: arena exhausted")

	// ErrBadAlign indicates an alignment that is zero or not a power of two.
	ErrBadAlign = errors.New("heap: alignment must be a power of two")

	// ErrBadSize indicates a size that overflows once rounded to its alignment.
	ErrBadSize = errors.New("heap: size overflows when aligned")

	// ErrBadOptions indicates an invalid arena or size class configuration.
	ErrBadOptions = errors.New("heap: invalid options")

	// ErrClosed indicates use of an arena after Close.
	ErrClosed = errors.New("heap: arena closed")
)
