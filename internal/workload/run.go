package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/heapshim/internal/logger"
	"github.com/joshuapare/heapshim/shim"
)

var (
	ErrAliased   = errors.New("workload: address handed out twice")
	ErrNotZeroed = errors.New("workload: calloc block not zeroed")
	ErrCorrupted = errors.New("workload: block contents changed")
)

// checkInterval is how many operations a worker runs between context checks.
const checkInterval = 256

// Result summarizes a run.
type Result struct {
	Mallocs  uint64
	Callocs  uint64
	Reallocs uint64
	Frees    uint64
	Failures uint64 // Null results from the shim
	Bytes    uint64 // Bytes requested by successful allocations
	PeakLive int64  // Highest number of simultaneously live blocks
	Leaked   int    // Registry entries left behind by the run
	Duration time.Duration
}

// Ops returns the total number of entry point calls.
func (r Result) Ops() uint64 {
	return r.Mallocs + r.Callocs + r.Reallocs + r.Frees
}

type counters struct {
	mallocs, callocs, reallocs, frees atomic.Uint64
	failures, bytes                   atomic.Uint64
	live, peak                        atomic.Int64
}

func (c *counters) grow(size uintptr) {
	c.bytes.Add(uint64(size))
	n := c.live.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

// owners tracks which worker holds each live address.
type owners struct {
	mu sync.Mutex
	m  map[uintptr]int
}

func (o *owners) claim(addr uintptr, worker int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if other, ok := o.m[addr]; ok {
		return fmt.Errorf("%w: %#x held by worker %d, returned to worker %d", ErrAliased, addr, other, worker)
	}
	o.m[addr] = worker
	return nil
}

func (o *owners) release(addr uintptr) {
	o.mu.Lock()
	delete(o.m, addr)
	o.mu.Unlock()
}

type block struct {
	ptr  unsafe.Pointer
	size uintptr
	tag  byte
}

func (b block) bytes() []byte {
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

func (b block) fill() {
	buf := b.bytes()
	for i := range buf {
		buf[i] = b.tag
	}
}

// intact reports whether the first n bytes still carry the tag.
func (b block) intact(n uintptr) bool {
	for _, c := range b.bytes()[:n] {
		if c != b.tag {
			return false
		}
	}
	return true
}

// Run executes p against s. Every worker frees what it allocated before
// returning, including on error or cancellation. The first check failure
// stops the run.
func Run(ctx context.Context, s *shim.Shim, p Profile) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	log := logger.L.With("workers", p.Workers, "ops_per_worker", p.OpsPerWorker)
	log.Info("workload: starting", "max_size", p.MaxSize, "seed", p.Seed)

	var (
		c     counters
		own   = &owners{m: make(map[uintptr]int)}
		start = time.Now()
		base  = s.Registry().Len()
	)

	g, gctx := errgroup.WithContext(ctx)
	for w := range p.Workers {
		g.Go(func() error {
			wk := &worker{id: w, s: s, p: p, c: &c, own: own,
				rng: rand.New(rand.NewPCG(p.Seed, uint64(w)))}
			defer wk.freeAll()
			return wk.run(gctx)
		})
	}
	err := g.Wait()

	res := Result{
		Mallocs:  c.mallocs.Load(),
		Callocs:  c.callocs.Load(),
		Reallocs: c.reallocs.Load(),
		Frees:    c.frees.Load(),
		Failures: c.failures.Load(),
		Bytes:    c.bytes.Load(),
		PeakLive: c.peak.Load(),
		Leaked:   s.Registry().Len() - base,
		Duration: time.Since(start),
	}
	if err != nil {
		log.Error("workload: failed", "error", err)
		return res, err
	}
	log.Info("workload: done", "ops", res.Ops(), "failures", res.Failures, "duration", res.Duration)
	return res, nil
}

type worker struct {
	id   int
	s    *shim.Shim
	p    Profile
	c    *counters
	own  *owners
	rng  *rand.Rand
	live []block
	seq  int
}

func (w *worker) run(ctx context.Context) error {
	for i := range w.p.OpsPerWorker {
		if i%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		roll := w.rng.IntN(100)
		var err error
		switch {
		case roll < w.p.CallocPct:
			err = w.calloc()
		case roll < w.p.CallocPct+w.p.ReallocPct && len(w.live) > 0:
			err = w.realloc()
		case roll < w.p.CallocPct+w.p.ReallocPct+w.p.FreePct && len(w.live) > 0:
			err = w.free(w.rng.IntN(len(w.live)))
		default:
			err = w.malloc()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// nextTag returns a nonzero byte distinct between neighbouring blocks.
func (w *worker) nextTag() byte {
	w.seq++
	return byte((w.id*31+w.seq)%255) + 1
}

func (w *worker) size() uintptr {
	return uintptr(1 + w.rng.IntN(w.p.MaxSize))
}

func (w *worker) adopt(p unsafe.Pointer, size uintptr) error {
	if err := w.own.claim(uintptr(p), w.id); err != nil {
		return err
	}
	b := block{ptr: p, size: size, tag: w.nextTag()}
	b.fill()
	w.live = append(w.live, b)
	w.c.grow(size)
	return nil
}

func (w *worker) malloc() error {
	w.c.mallocs.Add(1)
	size := w.size()
	p := w.s.Malloc(size)
	if p == nil {
		w.c.failures.Add(1)
		return nil
	}
	return w.adopt(p, size)
}

func (w *worker) calloc() error {
	w.c.callocs.Add(1)
	count := uintptr(1 + w.rng.IntN(8))
	elem := max(w.size()/count, 1)
	p := w.s.Calloc(count, elem)
	if p == nil {
		w.c.failures.Add(1)
		return nil
	}
	z := block{ptr: p, size: count * elem}
	if !z.intact(z.size) {
		w.s.Free(p)
		return fmt.Errorf("%w: %#x (%d bytes)", ErrNotZeroed, uintptr(p), z.size)
	}
	return w.adopt(p, z.size)
}

func (w *worker) realloc() error {
	w.c.reallocs.Add(1)
	i := w.rng.IntN(len(w.live))
	old := w.live[i]
	size := w.size()

	// Release ownership first: once the shim frees the old block another
	// worker may legitimately receive its address.
	w.own.release(uintptr(old.ptr))
	q := w.s.Realloc(old.ptr, size)
	if q == nil {
		w.c.failures.Add(1)
		return w.own.claim(uintptr(old.ptr), w.id)
	}
	if err := w.own.claim(uintptr(q), w.id); err != nil {
		// q belongs to someone else as well; leave it to them.
		w.live[i].ptr = nil
		return err
	}

	moved := block{ptr: q, size: size, tag: old.tag}
	if !moved.intact(min(old.size, size)) {
		w.live[i] = moved
		return fmt.Errorf("%w: realloc %#x -> %#x lost its prefix", ErrCorrupted, uintptr(old.ptr), uintptr(q))
	}
	moved.tag = w.nextTag()
	moved.fill()
	w.live[i] = moved
	w.c.bytes.Add(uint64(size))
	return nil
}

func (w *worker) free(i int) error {
	b := w.live[i]
	last := len(w.live) - 1
	w.live[i] = w.live[last]
	w.live = w.live[:last]

	intact := b.intact(b.size)
	w.own.release(uintptr(b.ptr))
	w.s.Free(b.ptr)
	w.c.frees.Add(1)
	w.c.live.Add(-1)
	if !intact {
		return fmt.Errorf("%w: %#x before free", ErrCorrupted, uintptr(b.ptr))
	}
	return nil
}

func (w *worker) freeAll() {
	for len(w.live) > 0 {
		last := len(w.live) - 1
		if w.live[last].ptr == nil {
			w.live = w.live[:last]
			w.c.live.Add(-1)
			continue
		}
		_ = w.free(last)
	}
}
