package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/joshuapare/heapshim/internal/logger"
	"github.com/joshuapare/heapshim/internal/mmfile"
)

const (
	// defaultChunkSize is the size of each mapping carved up for small blocks.
	defaultChunkSize = 1 << 20

	// largeClass marks layouts served by a dedicated mapping.
	largeClass = -1
)

// ArenaOptions configures an Arena.
type ArenaOptions struct {
	// ChunkSize is the size of each mapping used for small blocks. It is
	// rounded up to the page size and must hold the largest size class.
	// Default: 1 MiB
	ChunkSize int

	// MaxBytes caps the total mapped bytes. Requests that would exceed it
	// fail with a nil result. Zero means unlimited.
	// Default: 0
	MaxBytes uint64

	// SizeClasses selects the size class strategy.
	// Default: &DefaultConfig
	SizeClasses *SizeClassConfig

	// Logger receives chunk and mapping events at debug level.
	// Default: logger.L
	Logger *slog.Logger
}

// DefaultArenaOptions returns the recommended arena options.
func DefaultArenaOptions() *ArenaOptions {
	return &ArenaOptions{
		ChunkSize:   defaultChunkSize,
		MaxBytes:    0,
		SizeClasses: &DefaultConfig,
	}
}

// ArenaStats is a snapshot of arena accounting.
type ArenaStats struct {
	MappedBytes     uint64 // Bytes currently mapped (chunks + large mappings)
	InUseBytes      uint64 // Bytes in live blocks, rounded to block size
	Chunks          int    // Chunks mapped for small blocks
	LargeMappings   int    // Live dedicated mappings
	Allocs          uint64 // Successful Alloc/AllocZeroed calls
	Deallocs        uint64 // Dealloc calls
	Reallocs        uint64 // Successful Realloc calls
	InPlaceReallocs uint64 // Reallocs satisfied without moving
	Reused          uint64 // Small blocks served from a free list
	Failures        uint64 // Requests that returned nil
}

// mapping is a region obtained from mmfile.
type mapping struct {
	data    []byte
	release func() error
}

// Arena is a mapping-backed Host with segregated free lists per size class.
// Blocks carry no header: the layout passed to Dealloc and Realloc selects the
// free list a block returns to.
type Arena struct {
	mu  sync.Mutex
	log *slog.Logger

	chunkSize uintptr
	maxBytes  uint64
	pageSize  uintptr
	classes   *sizeClassTable

	// free holds the head address of each class's intrusive free list. The
	// first word of a free block stores the address of the next one.
	free []uintptr

	// Bump region inside the most recent chunk.
	bump  uintptr
	limit uintptr

	chunks []mapping
	large  map[uintptr]mapping

	stats  ArenaStats
	closed bool
}

// NewArena creates an arena. Memory is mapped lazily on first allocation.
// Pass nil for DefaultArenaOptions.
func NewArena(opts *ArenaOptions) (*Arena, error) {
	if opts == nil {
		opts = DefaultArenaOptions()
	}
	config := opts.SizeClasses
	if config == nil {
		config = &DefaultConfig
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	pageSize := uintptr(mmfile.PageSize())
	chunkSize := uintptr(opts.ChunkSize)
	if opts.ChunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	chunkSize = alignUp(chunkSize, pageSize)

	classes := newSizeClassTable(*config)
	if chunkSize < classes.largest() {
		return nil, fmt.Errorf("%w: chunk size %d smaller than largest class %d",
			ErrBadOptions, chunkSize, classes.largest())
	}

	return &Arena{
		log:       logger.Or(opts.Logger),
		chunkSize: chunkSize,
		maxBytes:  opts.MaxBytes,
		pageSize:  pageSize,
		classes:   classes,
		free:      make([]uintptr, classes.NumClasses()),
		large:     make(map[uintptr]mapping),
	}, nil
}

// Alloc implements Host.
func (a *Arena) Alloc(l Layout) unsafe.Pointer {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.take(l)
	if p != nil {
		a.stats.Allocs++
	}
	return p
}

// AllocZeroed implements Host.
func (a *Arena) AllocZeroed(l Layout) unsafe.Pointer {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.take(l)
	if p == nil {
		return nil
	}
	a.stats.Allocs++
	if l.Size > 0 {
		// Recycled blocks hold stale bytes and free-list links.
		clear(unsafe.Slice((*byte)(p), l.Size))
	}
	return p
}

// Dealloc implements Host. It panics if a large layout names a block the
// arena never mapped, since the caller's bookkeeping can no longer be trusted.
func (a *Arena) Dealloc(ptr unsafe.Pointer, l Layout) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ptr == nil || a.closed {
		return
	}
	a.stats.Deallocs++
	a.give(uintptr(ptr), l)
}

// Realloc implements Host.
func (a *Arena) Realloc(ptr unsafe.Pointer, l Layout, newSize uintptr) unsafe.Pointer {
	a.mu.Lock()
	defer a.mu.Unlock()

	newLayout := Layout{Size: newSize, Align: l.Align}
	if a.closed || !newLayout.valid() {
		a.stats.Failures++
		return nil
	}

	addr := uintptr(ptr)
	oldClass, newClass := a.route(l), a.route(newLayout)

	// Same block size: nothing to move.
	if oldClass != largeClass && oldClass == newClass {
		a.stats.Reallocs++
		a.stats.InPlaceReallocs++
		return ptr
	}
	if oldClass == largeClass && newClass == largeClass {
		if m, ok := a.large[addr]; ok && uintptr(len(m.data)) == a.largeSize(newSize) {
			a.stats.Reallocs++
			a.stats.InPlaceReallocs++
			return ptr
		}
	}

	q := a.take(newLayout)
	if q == nil {
		return nil
	}
	a.stats.Reallocs++

	if n := min(l.Size, newSize); n > 0 {
		copy(unsafe.Slice((*byte)(q), n), unsafe.Slice((*byte)(ptr), n))
	}
	a.give(addr, l)
	return q
}

// Stats returns a snapshot of the arena's accounting.
func (a *Arena) Stats() ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stats
	s.Chunks = len(a.chunks)
	s.LargeMappings = len(a.large)
	return s
}

// SizeClasses returns the block size of every small class, ascending.
func (a *Arena) SizeClasses() []uintptr {
	return append([]uintptr(nil), a.classes.blockSizes...)
}

// Close unmaps every chunk and large mapping. Pointers previously returned by
// the arena become invalid; later requests fail.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	for _, m := range a.chunks {
		errs = append(errs, m.release())
	}
	for addr, m := range a.large {
		errs = append(errs, m.release())
		delete(a.large, addr)
	}
	a.chunks = nil
	clear(a.free)
	a.bump, a.limit = 0, 0
	a.stats.MappedBytes = 0
	a.stats.InUseBytes = 0
	return errors.Join(errs...)
}

// route returns the size class serving l, or largeClass.
func (a *Arena) route(l Layout) int {
	if l.Align > DefaultAlign {
		return largeClass
	}
	c := a.classes.classFor(l.Size)
	if c == a.classes.NumClasses() {
		return largeClass
	}
	return c
}

// largeSize is the mapping size for a large request.
func (a *Arena) largeSize(size uintptr) uintptr {
	return alignUp(max(size, 1), a.pageSize)
}

// take carves a block for l, or returns nil and counts the failure.
func (a *Arena) take(l Layout) unsafe.Pointer {
	if a.closed || !l.valid() || l.Align > a.pageSize {
		a.stats.Failures++
		return nil
	}

	var (
		addr uintptr
		used uintptr
	)
	if c := a.route(l); c == largeClass {
		addr, used = a.allocLarge(l.Size)
	} else {
		addr, used = a.allocSmall(c), a.classes.blockSize(c)
	}
	if addr == 0 {
		a.stats.Failures++
		return nil
	}

	a.stats.InUseBytes += uint64(used)
	return unsafe.Pointer(addr)
}

func (a *Arena) allocSmall(c int) uintptr {
	if head := a.free[c]; head != 0 {
		a.free[c] = *(*uintptr)(unsafe.Pointer(head))
		a.stats.Reused++
		return head
	}

	size := a.classes.blockSize(c)
	if a.bump == 0 || a.bump+size > a.limit {
		if err := a.grow(); err != nil {
			a.log.Debug("heap: chunk grow failed", "class", c, "block", size, "error", err)
			return 0
		}
	}
	addr := a.bump
	a.bump += size
	return addr
}

func (a *Arena) allocLarge(size uintptr) (uintptr, uintptr) {
	n := a.largeSize(size)
	m, err := a.mapRegion(n)
	if err != nil {
		a.log.Debug("heap: large mapping failed", "size", size, "error", err)
		return 0, 0
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
	a.large[addr] = m
	return addr, n
}

// grow maps a new chunk and moves the bump region into it. The unused tail
// of the previous chunk is abandoned.
func (a *Arena) grow() error {
	m, err := a.mapRegion(a.chunkSize)
	if err != nil {
		return err
	}
	a.chunks = append(a.chunks, m)
	a.bump = uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
	a.limit = a.bump + a.chunkSize
	a.log.Debug("heap: mapped chunk", "chunks", len(a.chunks), "size", a.chunkSize)
	return nil
}

func (a *Arena) mapRegion(n uintptr) (mapping, error) {
	if a.maxBytes > 0 && a.stats.MappedBytes+uint64(n) > a.maxBytes {
		return mapping{}, fmt.Errorf("%w: mapped=%d requested=%d max=%d",
			ErrExhausted, a.stats.MappedBytes, n, a.maxBytes)
	}
	if n > uintptr(int(^uint(0)>>1)) {
		return mapping{}, fmt.Errorf("%w: request of %d bytes", ErrExhausted, n)
	}
	data, release, err := mmfile.Map(int(n))
	if err != nil {
		return mapping{}, fmt.Errorf("%w: %w", ErrExhausted, err)
	}
	a.stats.MappedBytes += uint64(n)
	return mapping{data: data, release: release}, nil
}

// give returns the block at addr to its free list or unmaps it.
func (a *Arena) give(addr uintptr, l Layout) {
	c := a.route(l)
	if c != largeClass {
		*(*uintptr)(unsafe.Pointer(addr)) = a.free[c]
		a.free[c] = addr
		a.stats.InUseBytes -= uint64(a.classes.blockSize(c))
		return
	}

	m, ok := a.large[addr]
	if !ok {
		panic(fmt.Sprintf("heap: dealloc of unmapped block %#x with %s", addr, l))
	}
	delete(a.large, addr)
	n := uint64(len(m.data))
	if err := m.release(); err != nil {
		a.log.Warn("heap: unmap failed", "addr", fmt.Sprintf("%#x", addr), "error", err)
	}
	a.stats.MappedBytes -= n
	a.stats.InUseBytes -= n
}

// Compile-time interface check
var _ Host = (*Arena)(nil)
