// Package shim adapts a layout-based host allocator to the C allocation
// contract (malloc, calloc, realloc, free).
//
// # Overview
//
// C callers never hand the size of a block back to free, but a heap.Host needs
// the original Layout to release or resize it. A Shim keeps that information in
// a Registry: a mutex-guarded map from live address to Layout. Every entry point
// performs its registry step and its host call inside one critical section, so
// registry mutations are linearizable.
//
//	a, err := heap.NewArena(nil)
//	if err != nil {
//	    return err
//	}
//	s := shim.New(a, nil)
//
//	p := s.Malloc(64)
//	p = s.Realloc(p, 256)
//	s.Free(p)
//
// # Failure Semantics
//
// Exhaustion is reported the C way: a nil pointer. Calloc rejects a
// count*size product that overflows with nil. Realloc(ptr, 0) frees ptr and
// returns nil.
//
// Invariant violations are fatal. Freeing or resizing an address the registry
// does not hold (double free, foreign pointer), a host handing out an address
// that is already live, and touching a registry whose critical section was
// unwound by a panic all produce a Fault. The Fault is passed to
// Options.Fatal, which by default reports it and exits the process with
// FatalExitCode. Execution never continues past a Fault.
//
// # Process-wide Instance
//
// Default returns a lazily created Shim over a default heap.Arena for callers
// that cannot thread a *Shim through, such as the cabi export layer. Everything
// else should construct its own Shim.
package shim
