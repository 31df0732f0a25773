// Package trace records the allocation traffic of a shim as text and replays it.
//
// One line per operation:
//
//	malloc  <addr> <size>
//	calloc  <addr> <count> <size>
//	realloc <old> <new> <size>
//	free    <addr>
//
// Addresses are hex, sizes decimal. A zero result address marks a failed
// request, except for "realloc <old> 0x0 0", which is a free through realloc.
// Blank lines and lines starting with '#' are ignored.
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/joshuapare/heapshim/shim"
)

var (
	// ErrSyntax indicates a malformed trace line.
	ErrSyntax = errors.New("trace: syntax error")

	// ErrUnknownAddress indicates a trace that frees or resizes an address it
	// never allocated.
	ErrUnknownAddress = errors.New("trace: unknown address")

	// ErrDiverged indicates the replay could not reproduce a recorded result.
	ErrDiverged = errors.New("trace: replay diverged")
)

// Record is one parsed trace line.
type Record struct {
	Op      shim.Op
	Addr    uintptr // Result address (free: the freed address)
	OldAddr uintptr // realloc source
	Count   uintptr // calloc element count
	Size    uintptr // Bytes, or element size for calloc
	Line    int
}

// Failed reports whether the recorded request returned null.
func (r Record) Failed() bool {
	switch r.Op {
	case shim.OpMalloc, shim.OpCalloc:
		return r.Addr == 0
	case shim.OpRealloc:
		return r.Addr == 0 && (r.OldAddr == 0 || r.Size > 0)
	}
	return false
}

// String formats the record as a trace line.
func (r Record) String() string {
	switch r.Op {
	case shim.OpMalloc:
		return fmt.Sprintf("malloc %#x %d", r.Addr, r.Size)
	case shim.OpCalloc:
		return fmt.Sprintf("calloc %#x %d %d", r.Addr, r.Count, r.Size)
	case shim.OpRealloc:
		return fmt.Sprintf("realloc %#x %#x %d", r.OldAddr, r.Addr, r.Size)
	case shim.OpFree:
		return fmt.Sprintf("free %#x", r.Addr)
	}
	return fmt.Sprintf("# %s", r.Op)
}

// FromEvent converts a shim event to a record.
func FromEvent(ev shim.Event) Record {
	switch ev.Op {
	case shim.OpCalloc:
		rec := Record{Op: ev.Op, Addr: ev.Addr, Count: ev.Count}
		if ev.Count > 0 {
			rec.Size = ev.Size / ev.Count
		}
		return rec
	case shim.OpRealloc:
		return Record{Op: ev.Op, Addr: ev.Addr, OldAddr: ev.OldAddr, Size: ev.Size}
	case shim.OpFree:
		return Record{Op: ev.Op, Addr: ev.OldAddr}
	}
	return Record{Op: ev.Op, Addr: ev.Addr, Size: ev.Size}
}

// Recorder is a shim.Observer that writes every event as a trace line.
type Recorder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	n   int
	err error
}

// NewRecorder writes the trace to w. Call Flush when done.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{w: bufio.NewWriter(w)}
}

// Observe implements shim.Observer. The first write error is kept and
// reported by Flush; later events are dropped.
func (r *Recorder) Observe(ev shim.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return
	}
	if _, err := fmt.Fprintln(r.w, FromEvent(ev)); err != nil {
		r.err = err
		return
	}
	r.n++
}

// Flush writes buffered lines and returns the first error seen.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	return r.w.Flush()
}

// Records returns the number of lines written.
func (r *Recorder) Records() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Parse reads a trace.
func Parse(rd io.Reader) ([]Record, error) {
	var recs []Record
	sc := bufio.NewScanner(rd)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rec, err := parseLine(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec.Line = line
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseLine(text string) (Record, error) {
	fields := strings.Fields(text)
	want := map[string]int{"malloc": 3, "calloc": 4, "realloc": 4, "free": 2}
	n, ok := want[fields[0]]
	if !ok {
		return Record{}, fmt.Errorf("%w: unknown operation %q", ErrSyntax, fields[0])
	}
	if len(fields) != n {
		return Record{}, fmt.Errorf("%w: %s takes %d fields, got %d", ErrSyntax, fields[0], n-1, len(fields)-1)
	}

	nums := make([]uintptr, 0, 3)
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 0, strconv.IntSize)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %q: %w", ErrSyntax, f, err)
		}
		nums = append(nums, uintptr(v))
	}

	switch fields[0] {
	case "malloc":
		return Record{Op: shim.OpMalloc, Addr: nums[0], Size: nums[1]}, nil
	case "calloc":
		return Record{Op: shim.OpCalloc, Addr: nums[0], Count: nums[1], Size: nums[2]}, nil
	case "realloc":
		return Record{Op: shim.OpRealloc, OldAddr: nums[0], Addr: nums[1], Size: nums[2]}, nil
	default:
		return Record{Op: shim.OpFree, Addr: nums[0]}, nil
	}
}
