// Package spin implements the bounded-spin-then-yield policy shared by every
// busy-wait loop in the address space.
package spin

import "runtime"

const (
	// DefaultSpins is the number of busy rounds before Pause starts yielding.
	DefaultSpins = 16

	// busyRounds approximates a short PAUSE burst per busy round.
	busyRounds = 64
)

// Backoff tracks one waiter's progress through the spin policy.
// The zero value spins DefaultSpins times before yielding.
type Backoff struct {
	n     int
	Spins int
}

// Pause burns a short busy round while under the spin limit, then yields the
// processor on every later call.
func (b *Backoff) Pause() {
	limit := b.Spins
	if limit == 0 {
		limit = DefaultSpins
	}
	if b.n < limit {
		b.n++
		busy(busyRounds)
		return
	}
	runtime.Gosched()
}

// Yielding reports whether the spin budget is exhausted.
func (b *Backoff) Yielding() bool {
	limit := b.Spins
	if limit == 0 {
		limit = DefaultSpins
	}
	return b.n >= limit
}

// Reset starts the policy over.
func (b *Backoff) Reset() { b.n = 0 }

// Until pauses until cond returns true.
func Until(cond func() bool) {
	var b Backoff
	for !cond() {
		b.Pause()
	}
}

//go:noinline
func busy(n int) int {
	s := 0
	for i := 0; i < n; i++ {
		s += i
	}
	return s
}
