package workload

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapshim/heap"
	"github.com/joshuapare/heapshim/shim"
)

func newTestShim(t *testing.T, opts *heap.ArenaOptions) *shim.Shim {
	t.Helper()
	a, err := heap.NewArena(opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return shim.New(a, &shim.Options{Fatal: func(f shim.Fault) { t.Errorf("fault: %v", f) }})
}

func smallProfile() Profile {
	p := DefaultProfile()
	p.Workers = 4
	p.OpsPerWorker = 2000
	p.MaxSize = 2048
	return p
}

func TestRunCleanProfile(t *testing.T) {
	s := newTestShim(t, nil)

	res, err := Run(context.Background(), s, smallProfile())
	require.NoError(t, err)

	// Every op calls the shim once; cleanup frees come on top.
	assert.GreaterOrEqual(t, res.Ops(), uint64(4*2000))
	assert.Zero(t, res.Failures)
	assert.Zero(t, res.Leaked)
	assert.Positive(t, res.PeakLive)
	assert.Positive(t, res.Bytes)
	assert.Zero(t, s.Registry().Len())
}

func TestRunOpsAccounting(t *testing.T) {
	s := newTestShim(t, nil)

	p := smallProfile()
	p.FreePct = 0
	p.ReallocPct = 0
	res, err := Run(context.Background(), s, p)
	require.NoError(t, err)

	// With no in-run frees every allocation is freed during cleanup.
	assert.EqualValues(t, 4*2000, res.Mallocs+res.Callocs)
	assert.Equal(t, res.Mallocs+res.Callocs, res.Frees)
	assert.GreaterOrEqual(t, res.PeakLive, int64(2000))
}

func TestRunDeterministicPerSeed(t *testing.T) {
	p := smallProfile()
	p.Workers = 1

	a, err := Run(context.Background(), newTestShim(t, nil), p)
	require.NoError(t, err)
	b, err := Run(context.Background(), newTestShim(t, nil), p)
	require.NoError(t, err)

	assert.Equal(t, a.Mallocs, b.Mallocs)
	assert.Equal(t, a.Callocs, b.Callocs)
	assert.Equal(t, a.Reallocs, b.Reallocs)
	assert.Equal(t, a.Bytes, b.Bytes)
}

func TestRunCountsExhaustion(t *testing.T) {
	opts := heap.DefaultArenaOptions()
	opts.MaxBytes = uint64(opts.ChunkSize)
	s := newTestShim(t, opts)

	p := smallProfile()
	p.FreePct = 0
	p.MaxSize = 64 * 1024
	res, err := Run(context.Background(), s, p)
	require.NoError(t, err)
	assert.Positive(t, res.Failures)
	assert.Zero(t, s.Registry().Len())
}

func TestRunCancelled(t *testing.T) {
	s := newTestShim(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, s, smallProfile())
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.Registry().Len())
}

func TestRunRejectsBadProfile(t *testing.T) {
	_, err := Run(context.Background(), newTestShim(t, nil), Profile{})
	require.ErrorIs(t, err, ErrBadProfile)
}

func TestOwnersDetectAliasing(t *testing.T) {
	o := &owners{m: make(map[uintptr]int)}
	require.NoError(t, o.claim(0x1000, 1))
	require.ErrorIs(t, o.claim(0x1000, 2), ErrAliased)
	o.release(0x1000)
	require.NoError(t, o.claim(0x1000, 2))
}

// dirtyHost hands out calloc blocks that are not zeroed.
type dirtyHost struct {
	heap.Host
}

func (h dirtyHost) AllocZeroed(l heap.Layout) unsafe.Pointer {
	p := h.Host.Alloc(l)
	if p != nil && l.Size > 0 {
		*(*byte)(p) = 0xAA
	}
	return p
}

func TestRunDetectsDirtyCalloc(t *testing.T) {
	a, err := heap.NewArena(nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	s := shim.New(dirtyHost{a}, &shim.Options{Fatal: func(f shim.Fault) { t.Errorf("fault: %v", f) }})

	p := smallProfile()
	p.CallocPct = 100
	p.ReallocPct = 0
	p.FreePct = 0
	_, err = Run(context.Background(), s, p)
	require.ErrorIs(t, err, ErrNotZeroed)
	assert.Zero(t, s.Registry().Len())
}
