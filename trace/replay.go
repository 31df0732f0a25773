package trace

import (
	"fmt"
	"unsafe"

	"github.com/joshuapare/heapshim/shim"
)

// ReplayOptions configures Replay.
type ReplayOptions struct {
	// FreeLeftovers frees every block still live at the end of the trace.
	// Default: false
	FreeLeftovers bool
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Ops        int    // Records executed against the shim
	Skipped    int    // Recorded failures, not re-issued
	Live       int    // Blocks live at the end of the trace
	PeakLive   int    // Highest number of simultaneously live blocks
	PeakBytes  uint64 // Highest requested bytes simultaneously live
	Allocated  uint64 // Total bytes requested by successful allocations
	Leftovers  int    // Blocks freed because of FreeLeftovers
	LastRecord int    // Line of the last executed record
}

type liveBlock struct {
	ptr  unsafe.Pointer
	size uintptr
}

// Replay executes recs against s, mapping recorded addresses to the blocks s
// returns. It stops at the first record that refers to an address the trace
// never produced, or whose recorded success cannot be reproduced; such
// records are never forwarded to the shim.
func Replay(s *shim.Shim, recs []Record, opts *ReplayOptions) (ReplayStats, error) {
	if opts == nil {
		opts = &ReplayOptions{}
	}

	var (
		stats     ReplayStats
		liveBytes uint64
		live      = make(map[uintptr]liveBlock)
	)

	track := func(rec Record, p unsafe.Pointer, size uintptr) error {
		if p == nil {
			return fmt.Errorf("line %d: %w: %s returned null", rec.Line, ErrDiverged, rec.Op)
		}
		if _, dup := live[rec.Addr]; dup {
			s.Free(p)
			return fmt.Errorf("line %d: %w: %#x allocated while live", rec.Line, ErrDiverged, rec.Addr)
		}
		live[rec.Addr] = liveBlock{ptr: p, size: size}
		liveBytes += uint64(size)
		stats.Allocated += uint64(size)
		stats.PeakLive = max(stats.PeakLive, len(live))
		stats.PeakBytes = max(stats.PeakBytes, liveBytes)
		return nil
	}
	lookup := func(rec Record, addr uintptr) (liveBlock, error) {
		b, ok := live[addr]
		if !ok {
			return liveBlock{}, fmt.Errorf("line %d: %w: %#x", rec.Line, ErrUnknownAddress, addr)
		}
		return b, nil
	}
	drop := func(addr uintptr, b liveBlock) {
		delete(live, addr)
		liveBytes -= uint64(b.size)
	}

	for _, rec := range recs {
		if rec.Failed() {
			stats.Skipped++
			continue
		}

		var err error
		switch rec.Op {
		case shim.OpMalloc:
			err = track(rec, s.Malloc(rec.Size), rec.Size)
		case shim.OpCalloc:
			err = track(rec, s.Calloc(rec.Count, rec.Size), rec.Count*rec.Size)
		case shim.OpRealloc:
			if rec.OldAddr == 0 {
				err = track(rec, s.Realloc(nil, rec.Size), rec.Size)
				break
			}
			var b liveBlock
			if b, err = lookup(rec, rec.OldAddr); err != nil {
				break
			}
			q := s.Realloc(b.ptr, rec.Size)
			if rec.Size == 0 {
				drop(rec.OldAddr, b)
				break
			}
			if q == nil {
				err = fmt.Errorf("line %d: %w: realloc returned null", rec.Line, ErrDiverged)
				break
			}
			drop(rec.OldAddr, b)
			err = track(rec, q, rec.Size)
		case shim.OpFree:
			var b liveBlock
			if b, err = lookup(rec, rec.Addr); err != nil {
				break
			}
			s.Free(b.ptr)
			drop(rec.Addr, b)
		}
		if err != nil {
			stats.Live = len(live)
			return stats, err
		}
		stats.Ops++
		stats.LastRecord = rec.Line
	}

	stats.Live = len(live)
	if opts.FreeLeftovers {
		for addr, b := range live {
			s.Free(b.ptr)
			drop(addr, b)
			stats.Leftovers++
		}
	}
	return stats, nil
}
