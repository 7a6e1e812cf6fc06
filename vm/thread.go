package vm

import "sync/atomic"

// StateFlags is the set of cooperative suspension flags a Thread exposes to
// the locking protocol.
type StateFlags uint32

const (
	// FlagMemory is raised by a writer asking the thread to stop touching memory.
	FlagMemory StateFlags = 1 << iota
	// FlagWait is raised by the thread once it is guaranteed not to touch memory.
	FlagWait
)

// Thread is a guest execution context (a PPU or SPU thread) that takes part
// in passive locking. Execution engines create one per emulated thread and
// hand it to every call that may block on the address space lock.
//
// A Thread is driven by a single goroutine; only its state flags are touched
// from other goroutines.
type Thread struct {
	Name string

	state atomic.Uint32

	// slot is the passive lock cell this thread currently occupies.
	slot *atomic.Pointer[Thread]
}

// NewThread creates an unregistered thread context.
func NewThread(name string) *Thread {
	return &Thread{Name: name}
}

// State returns a snapshot of the flags.
func (t *Thread) State() StateFlags { return StateFlags(t.state.Load()) }

// Has reports whether any of f is set.
func (t *Thread) Has(f StateFlags) bool { return t.State()&f != 0 }

// Set raises f.
func (t *Thread) Set(f StateFlags) { t.state.Or(uint32(f)) }

// Clear lowers f.
func (t *Thread) Clear(f StateFlags) { t.state.And(^uint32(f)) }

// TestAndSet raises f and reports whether any of it was already set.
func (t *Thread) TestAndSet(f StateFlags) bool {
	return StateFlags(t.state.Or(uint32(f)))&f != 0
}

// Registered reports whether the thread occupies a passive lock slot.
func (t *Thread) Registered() bool {
	return t.slot != nil && t.slot.Load() == t
}
