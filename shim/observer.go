package shim

// Event describes one completed entry point call.
type Event struct {
	Op      Op
	Addr    uintptr // Resulting address; 0 for free, zero-size realloc and failures
	OldAddr uintptr // Address released by free or realloc
	Size    uintptr // Requested bytes (count*size for calloc)
	OldSize uintptr // Size of the released block
	Count   uintptr // Element count for calloc, 1 otherwise
	Failed  bool    // The host could not satisfy the request, or calloc overflowed
}

// Observer receives events inside the registry's critical section, so the
// event stream has the same order as the registry mutations. Observers must
// not call back into the Shim.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ev Event) { f(ev) }

// MultiObserver fans events out in order.
type MultiObserver []Observer

// Observe implements Observer.
func (m MultiObserver) Observe(ev Event) {
	for _, o := range m {
		o.Observe(ev)
	}
}
