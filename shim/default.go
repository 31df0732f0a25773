package shim

import (
	"sync"

	"github.com/joshuapare/heapshim/heap"
)

var defaultShim = sync.OnceValue(func() *Shim {
	a, err := heap.NewArena(nil)
	if err != nil {
		panic(err)
	}
	return New(a, nil)
})

// Default returns the process-wide Shim, creating it on first use over an
// arena with default options. It is never torn down.
func Default() *Shim {
	return defaultShim()
}
