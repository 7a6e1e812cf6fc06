package vm

import (
	"math"
	"sync/atomic"
)

// RangeLock is a claimed range lock slot. The zero value holds nothing.
type RangeLock struct {
	slot *atomic.Uint64
}

// Held reports whether the lock owns a slot.
func (l RangeLock) Held() bool { return l.slot != nil }

// Info returns the published (end<<32 | start) value, 0 when not held.
func (l RangeLock) Info() uint64 {
	if l.slot == nil {
		return 0
	}
	return l.slot.Load()
}

// Unlock frees the slot.
func (l RangeLock) Unlock() {
	if l.slot != nil {
		l.slot.Store(0)
	}
}

// rangeLockInfo computes the slot value for a claim of [addr, end) against
// the current address lock target, or 0 when the claim conflicts with it.
//
// A target with a size in its upper half is a shareable range being
// remapped; otherwise the target is a single locked address. Ranges inside
// shareable memory are reduced to their offset in the 64 KiB page so that
// every alias of the same backing collides.
func rangeLockInfo(target uint64, addr, end uint32, shareable func(uint32) bool) uint64 {
	if size := uint32(target >> 32); size != 0 {
		taddr := uint32(target)
		if uint64(addr) >= uint64(taddr)+uint64(size) || end <= taddr {
			if shareable(addr) {
				addr &= 0xffff
				end = ((end - 1) & 0xffff) + 1
			}
			return uint64(end)<<32 | uint64(addr)
		}
		return 0
	}

	if shareable(uint32(target)) {
		target &= 0xffff
	}

	if shareable(addr) {
		addr &= 0xffff
		end = ((end - 1) & 0xffff) + 1
	}

	if uint64(addr) > target || uint64(end) <= target {
		return uint64(end)<<32 | uint64(addr)
	}
	return 0
}

// fallbackInfo is the slot value claimed under the shared mutex, where no
// writer can be active.
func (s *Space) fallbackInfo(addr, end uint32) uint64 {
	if info := rangeLockInfo(math.MaxUint32, addr, end, s.shareable.test); info != 0 {
		return info
	}
	return uint64(end)<<32 | uint64(addr)
}

// RangeLock claims [addr, end) for a reservation-protected access without
// taking the mutex when no writer is touching the range. The claim is made
// optimistically and validated against the address lock again afterwards;
// on conflict it is dropped and retaken under the shared mutex.
func (s *Space) RangeLock(addr, end uint32) RangeLock {
	if info := rangeLockInfo(s.addrLock.Load(), addr, end, s.shareable.test); info != 0 {
		lock := s.claimRange(info)
		if info == rangeLockInfo(s.addrLock.Load(), addr, end, s.shareable.test) {
			return RangeLock{slot: lock}
		}
		lock.Store(0)
	}

	s.mutex.lockShared()
	defer s.mutex.unlockShared()
	return RangeLock{slot: s.claimRange(s.fallbackInfo(addr, end))}
}

// TryRangeLock is RangeLock without waiting for a free slot. It reports
// false when every slot is taken.
func (s *Space) TryRangeLock(addr, end uint32) (RangeLock, bool) {
	if info := rangeLockInfo(s.addrLock.Load(), addr, end, s.shareable.test); info != 0 {
		lock := s.tryClaimRange(info)
		if lock == nil {
			return RangeLock{}, false
		}
		if info == rangeLockInfo(s.addrLock.Load(), addr, end, s.shareable.test) {
			return RangeLock{slot: lock}, true
		}
		lock.Store(0)
	}

	s.mutex.lockShared()
	defer s.mutex.unlockShared()
	lock := s.tryClaimRange(s.fallbackInfo(addr, end))
	return RangeLock{slot: lock}, lock != nil
}
