package vm

import (
	"sync/atomic"
	"time"

	"github.com/joshuapare/guestvm/internal/spin"
)

// registerLock claims a free passive slot for t, spinning until one frees.
func (s *Space) registerLock(t *Thread) {
	spin.Until(func() bool {
		for i := range s.slots {
			slot := &s.slots[i]
			if slot.Load() == nil && slot.CompareAndSwap(nil, t) {
				t.slot = slot
				return true
			}
		}
		return false
	})
}

// unregisterCurrent takes t out of its slot before it blocks on the mutex.
// It returns t when the thread was registered and must be re-registered.
func (s *Space) unregisterCurrent(t *Thread) *Thread {
	if t == nil || t.slot == nil || !t.slot.CompareAndSwap(t, nil) {
		return nil
	}
	return t
}

// PassiveLock declares that t may access guest memory without holding the
// mutex. The thread keeps its slot across calls; while no writer is active
// a registered thread returns immediately.
func (s *Space) PassiveLock(t *Thread) {
	if t.Registered() {
		if t.Has(FlagWait) {
			for {
				s.mutex.lockUnlock()
				t.Clear(FlagWait | FlagMemory)
				if s.mutex.lockable() {
					return
				}
				t.Set(FlagWait)
			}
		}
		return
	}

	t.Clear(FlagMemory | FlagWait)

	if s.mutex.lockable() {
		// Optimistic path: no writer seen, claim and re-check.
		s.registerLock(t)
		if s.mutex.lockable() {
			return
		}
		s.PassiveUnlock(t)
	}

	s.mutex.lockShared()
	s.registerLock(t)
	s.mutex.unlockShared()
}

// PassiveUnlock releases t's slot and drops a pending pause request.
func (s *Space) PassiveUnlock(t *Thread) {
	if t.slot == nil {
		return
	}
	t.slot.CompareAndSwap(t, nil)
	t.slot = nil
	if t.Has(FlagMemory) {
		t.Clear(FlagMemory)
	}
}

// CleanupUnlock removes t from whichever slot still names it. Used when a
// thread is torn down by someone other than its own goroutine.
func (s *Space) CleanupUnlock(t *Thread) {
	for i := range s.slots {
		if s.slots[i].Load() == t {
			s.slots[i].CompareAndSwap(t, nil)
			return
		}
	}
}

// TemporaryUnlock leaves the fast path without touching allocator state,
// e.g. before the thread parks. The wait flag tells writers it is safe.
func (s *Space) TemporaryUnlock(t *Thread) {
	t.Set(FlagWait)
	if t.slot != nil && t.slot.CompareAndSwap(t, nil) {
		t.Clear(FlagMemory)
	}
}

// ReaderLock is a held shared lock on the address space layout.
type ReaderLock struct {
	s        *Space
	upgraded bool
}

// LockReader takes the shared lock. A registered t gives up its slot while
// blocking so that writers do not wait on it, and is re-registered after.
func (s *Space) LockReader(t *Thread) ReaderLock {
	t = s.unregisterCurrent(t)
	s.mutex.lockShared()
	if t != nil {
		s.registerLock(t)
		t.Clear(FlagMemory)
	}
	return ReaderLock{s: s}
}

// Upgrade converts the lock to exclusive. The shared lock is released first,
// so state observed before the upgrade must be validated again.
func (l *ReaderLock) Upgrade() {
	if l.upgraded {
		return
	}
	l.s.mutex.unlockShared()
	l.s.mutex.lock()
	l.upgraded = true
}

// Unlock releases the lock in whichever mode it is held.
func (l *ReaderLock) Unlock() {
	if l.upgraded {
		l.s.mutex.unlock()
		return
	}
	l.s.mutex.unlockShared()
}

// WriterLock is a held exclusive lock on the address space layout.
type WriterLock struct {
	s *Space
}

// LockWriter takes the exclusive lock. Address 0 (or anything below 64 KiB)
// only serialises allocator state. A guest address additionally publishes
// itself as the locked address, asks every passive thread to pause, waits
// for range locks covering it to drain and for every paused thread to
// acknowledge.
func (s *Space) LockWriter(t *Thread, addr uint32) WriterLock {
	t = s.unregisterCurrent(t)
	s.mutex.lock()

	if addr >= lockedRangeMin {
		s.quiesce(addr)
	}

	if t != nil {
		s.registerLock(t)
		t.Clear(FlagMemory)
	}
	return WriterLock{s: s}
}

// Unlock clears the locked address and releases the mutex.
func (l WriterLock) Unlock() {
	l.s.addrLock.Store(0)
	l.s.mutex.unlock()
}

func (s *Space) quiesce(addr uint32) {
	for i := range s.slots {
		if t := s.slots[i].Load(); t != nil {
			t.TestAndSet(FlagMemory)
		}
	}

	s.addrLock.Store(uint64(addr))

	if s.shareable.test(addr) {
		addr &= 0xffff
	}

	for i := range s.rangeLocks {
		lock := &s.rangeLocks[i]
		s.drain("range lock", addr, func() bool {
			v := lock.Load()
			return uint32(v) > addr || uint32(v>>32) <= addr
		})
	}

	for i := range s.slots {
		slot := &s.slots[i]
		s.drain("passive thread", addr, func() bool {
			t := slot.Load()
			return t == nil || t.Has(FlagWait)
		})
	}
}

// lockShareable publishes [addr, addr+size) as being remapped and waits for
// range locks inside its 64 KiB pages to clear. The caller clears addrLock.
func (s *Space) lockShareable(addr, size uint32) {
	s.addrLock.Store(uint64(addr) | uint64(size)<<32)

	first := addr >> bigPageShift
	last := uint32((uint64(addr) + uint64(size)) >> bigPageShift)

	for i := range s.rangeLocks {
		lock := &s.rangeLocks[i]
		s.drain("shareable range lock", addr, func() bool {
			v := lock.Load()
			if v == 0 {
				return true
			}
			page := uint32(v) >> bigPageShift
			return page != 0 && (page < first || page >= last)
		})
	}
}

// drain spins until done holds. There is no timeout: a thread that never
// acknowledges stalls the writer. A warning is logged once the wait exceeds
// Options.DrainWarnAfter.
func (s *Space) drain(what string, addr uint32, done func() bool) {
	var (
		b      spin.Backoff
		start  time.Time
		warned bool
	)
	for !done() {
		if b.Yielding() && !warned && s.opts.DrainWarnAfter > 0 {
			if start.IsZero() {
				start = time.Now()
			} else if waited := time.Since(start); waited > s.opts.DrainWarnAfter {
				warned = true
				s.log.Warn("writer lock drain stalled",
					"waiting_for", what, "addr", hex(addr), "waited", waited)
			}
		}
		b.Pause()
	}
}

// rangeSlots is the fixed number of concurrent range locks.
const rangeSlots = 6

func (s *Space) tryClaimRange(info uint64) *atomic.Uint64 {
	for i := range s.rangeLocks {
		lock := &s.rangeLocks[i]
		if lock.Load() == 0 && lock.CompareAndSwap(0, info) {
			return lock
		}
	}
	return nil
}

func (s *Space) claimRange(info uint64) *atomic.Uint64 {
	var b spin.Backoff
	for {
		if lock := s.tryClaimRange(info); lock != nil {
			return lock
		}
		b.Pause()
	}
}
