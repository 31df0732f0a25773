// Package heap provides the host allocator that the C allocation adapter sits on.
//
// # Overview
//
// The host allocator follows the layout-based contract familiar from systems
// allocators: every request carries a Layout (size and alignment), and the same
// Layout must be handed back to release or resize the block. The allocator keeps
// no per-block header, so it cannot recover a block's size from its address.
// That is the information the shim package tracks on its behalf.
//
// # Host Interface
//
//   - Alloc(layout): fresh, uninitialized block
//   - AllocZeroed(layout): fresh, zero-filled block
//   - Dealloc(ptr, layout): release a block
//   - Realloc(ptr, layout, newSize): resize, preserving min(old, new) bytes
//
// A nil result signals exhaustion. Realloc leaves the original block untouched
// when it fails.
//
// # Arena
//
// Arena is the production Host. Small requests are rounded to a size class and
// served from an intrusive per-class free list, or carved from the current chunk
// with a bump pointer. Chunks are anonymous mappings (mmap on unix, VirtualAlloc
// on windows, Go memory on wasm). Requests above the largest class get their own
// page-rounded mapping and are unmapped on release.
//
//	a, err := heap.NewArena(nil)
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//
//	l := heap.Layout{Size: 100, Align: heap.DefaultAlign}
//	p := a.Alloc(l)
//	if p == nil {
//	    return heap.ErrExhausted
//	}
//	p = a.Realloc(p, l, 300)
//	a.Dealloc(p, heap.Layout{Size: 300, Align: heap.DefaultAlign})
//
// # Size Classes
//
// Block sizes grow linearly up to SizeClassConfig.SmallMax, then geometrically
// up to MediumMax. All block sizes are multiples of 8, so every small block is
// 8-byte aligned. Requests with a larger alignment go to the mapping path,
// which is page aligned.
//
// # Thread Safety
//
// Arena is safe for concurrent use. The shim package additionally serializes
// every call under its registry lock.
package heap
