package shim

import (
	"fmt"
	"os"
)

// FatalExitCode is the exit status used by ExitOnFault (128 + SIGABRT).
const FatalExitCode = 134

// Op identifies an entry point.
type Op uint8

const (
	OpMalloc Op = iota + 1
	OpCalloc
	OpRealloc
	OpFree
)

// String returns the C name of the entry point.
func (o Op) String() string {
	switch o {
	case OpMalloc:
		return "malloc"
	case OpCalloc:
		return "calloc"
	case OpRealloc:
		return "realloc"
	case OpFree:
		return "free"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// FaultKind classifies an invariant violation.
type FaultKind uint8

const (
	// FaultUnknownAddress: free or realloc of an address with no registry entry.
	FaultUnknownAddress FaultKind = iota + 1

	// FaultDuplicateAddress: the host returned an address that is already live.
	FaultDuplicateAddress

	// FaultPoisoned: the registry was left mid-update by a panic.
	FaultPoisoned
)

func (k FaultKind) String() string {
	switch k {
	case FaultUnknownAddress:
		return "unknown address"
	case FaultDuplicateAddress:
		return "duplicate address"
	case FaultPoisoned:
		return "poisoned registry"
	default:
		return fmt.Sprintf("FaultKind(%d)", uint8(k))
	}
}

// Fault is an unrecoverable invariant violation. It is never returned as an
// error value; it is handed to a FatalFunc.
type Fault struct {
	Kind FaultKind
	Op   Op
	Addr uintptr
}

// Error implements error so a Fault can be logged and recovered in tests.
func (f Fault) Error() string {
	if f.Kind == FaultPoisoned {
		return fmt.Sprintf("heapshim: %s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("heapshim: %s: %s %#x", f.Op, f.Kind, f.Addr)
}

// FatalFunc handles a Fault. It must not return; if it does, the shim panics
// with the Fault.
type FatalFunc func(Fault)

// ExitOnFault writes f to stderr and exits with FatalExitCode.
func ExitOnFault(f Fault) {
	fmt.Fprintf(os.Stderr, "fatal: %v\n", f)
	os.Exit(FatalExitCode)
}
