package shim

import (
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"unsafe"

	"github.com/joshuapare/heapshim/heap"
	"github.com/joshuapare/heapshim/internal/logger"
)

// Runtime toggle for per-operation debug logging - controlled by HEAPSHIM_LOG_ALLOC.
var logAlloc = os.Getenv("HEAPSHIM_LOG_ALLOC") != ""

// Options configures a Shim.
type Options struct {
	// Fatal handles invariant violations.
	// Default: ExitOnFault
	Fatal FatalFunc

	// Observer receives every completed operation. May be nil.
	Observer Observer

	// Logger receives faults at error level and, with LogOps, each operation
	// at debug level.
	// Default: logger.L
	Logger *slog.Logger

	// LogOps enables per-operation debug logging.
	// Default: true when HEAPSHIM_LOG_ALLOC is set
	LogOps bool
}

// DefaultOptions returns the options used when New is given nil.
func DefaultOptions() *Options {
	return &Options{
		Fatal:  ExitOnFault,
		LogOps: logAlloc,
	}
}

// Shim exposes a heap.Host through the C allocation contract. All methods
// are safe for concurrent use.
type Shim struct {
	host   heap.Host
	reg    *Registry
	fatal  FatalFunc
	obs    Observer
	log    *slog.Logger
	logOps bool
}

// New creates a Shim with its own empty registry. Pass nil for DefaultOptions.
func New(host heap.Host, opts *Options) *Shim {
	if opts == nil {
		opts = DefaultOptions()
	}
	fatal := opts.Fatal
	if fatal == nil {
		fatal = ExitOnFault
	}
	return &Shim{
		host:   host,
		reg:    NewRegistry(),
		fatal:  fatal,
		obs:    opts.Observer,
		log:    logger.Or(opts.Logger),
		logOps: opts.LogOps,
	}
}

// Registry returns the shim's registry for inspection.
func (s *Shim) Registry() *Registry {
	return s.reg
}

// Host returns the underlying host allocator.
func (s *Shim) Host() heap.Host {
	return s.host
}

// Malloc returns an uninitialized block of size bytes, or nil when the host is
// exhausted.
func (s *Shim) Malloc(size uintptr) unsafe.Pointer {
	return s.allocate(OpMalloc, 1, size, false)
}

// Calloc returns a zeroed block of count*size bytes. It returns nil when the
// host is exhausted or the product overflows.
func (s *Shim) Calloc(count, size uintptr) unsafe.Pointer {
	hi, total := bits.Mul(uint(count), uint(size))
	if hi != 0 {
		s.critical(OpCalloc, func(map[uintptr]heap.Layout) *Fault {
			s.emit(Event{Op: OpCalloc, Count: count, Failed: true})
			return nil
		})
		return nil
	}
	return s.allocate(OpCalloc, count, uintptr(total), true)
}

// Free releases ptr. Freeing nil is a no-op. Freeing an address the registry
// does not hold is fatal.
func (s *Shim) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	s.release(OpFree, ptr)
}

// Realloc resizes ptr to newSize bytes, preserving the first min(old, new)
// bytes. A nil ptr behaves as Malloc. A zero newSize frees ptr and returns
// nil. On host failure it returns nil and ptr stays live. Resizing an address
// the registry does not hold is fatal.
func (s *Shim) Realloc(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	if ptr == nil {
		return s.allocate(OpRealloc, 1, newSize, false)
	}
	if newSize == 0 {
		s.release(OpRealloc, ptr)
		return nil
	}

	addr := uintptr(ptr)
	var out unsafe.Pointer
	s.critical(OpRealloc, func(entries map[uintptr]heap.Layout) *Fault {
		old, ok := entries[addr]
		if !ok {
			return &Fault{Kind: FaultUnknownAddress, Op: OpRealloc, Addr: addr}
		}
		delete(entries, addr)

		ev := Event{Op: OpRealloc, OldAddr: addr, OldSize: old.Size, Size: newSize, Count: 1}
		out = s.host.Realloc(ptr, old, newSize)
		if out == nil {
			// The host leaves the original block intact on failure.
			entries[addr] = old
			ev.Failed = true
			s.emit(ev)
			return nil
		}

		ev.Addr = uintptr(out)
		if _, dup := entries[ev.Addr]; dup {
			return &Fault{Kind: FaultDuplicateAddress, Op: OpRealloc, Addr: ev.Addr}
		}
		entries[ev.Addr] = heap.Layout{Size: newSize, Align: heap.DefaultAlign}
		s.emit(ev)
		return nil
	})
	return out
}

func (s *Shim) allocate(op Op, count, size uintptr, zero bool) unsafe.Pointer {
	l := heap.Layout{Size: size, Align: heap.DefaultAlign}

	var p unsafe.Pointer
	s.critical(op, func(entries map[uintptr]heap.Layout) *Fault {
		if zero {
			p = s.host.AllocZeroed(l)
		} else {
			p = s.host.Alloc(l)
		}

		ev := Event{Op: op, Size: size, Count: count}
		if p == nil {
			ev.Failed = true
			s.emit(ev)
			return nil
		}

		ev.Addr = uintptr(p)
		if _, dup := entries[ev.Addr]; dup {
			return &Fault{Kind: FaultDuplicateAddress, Op: op, Addr: ev.Addr}
		}
		entries[ev.Addr] = l
		s.emit(ev)
		return nil
	})
	return p
}

// release is the free path shared by Free and zero-size Realloc.
func (s *Shim) release(op Op, ptr unsafe.Pointer) {
	addr := uintptr(ptr)
	s.critical(op, func(entries map[uintptr]heap.Layout) *Fault {
		l, ok := entries[addr]
		if !ok {
			return &Fault{Kind: FaultUnknownAddress, Op: op, Addr: addr}
		}
		s.host.Dealloc(ptr, l)
		delete(entries, addr)
		s.emit(Event{Op: op, OldAddr: addr, OldSize: l.Size, Count: 1})
		return nil
	})
}

// critical runs fn under the registry lock and escalates any fault once the
// lock is released.
func (s *Shim) critical(op Op, fn func(entries map[uintptr]heap.Layout) *Fault) {
	if f := s.reg.do(op, fn); f != nil {
		s.fault(*f)
	}
}

func (s *Shim) fault(f Fault) {
	s.log.Error("heapshim: fatal fault",
		"op", f.Op.String(),
		"kind", f.Kind.String(),
		"addr", fmt.Sprintf("%#x", f.Addr),
	)
	s.fatal(f)
	panic(f)
}

func (s *Shim) emit(ev Event) {
	if s.logOps {
		s.log.Debug("heapshim: op",
			"op", ev.Op.String(),
			"addr", fmt.Sprintf("%#x", ev.Addr),
			"old", fmt.Sprintf("%#x", ev.OldAddr),
			"size", ev.Size,
			"failed", ev.Failed,
		)
	}
	if s.obs != nil {
		s.obs.Observe(ev)
	}
}
