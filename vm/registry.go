package vm

import "github.com/joshuapare/guestvm/internal/buf"

// testMap reports whether [addr, addr+size) is a valid range that no live
// block overlaps.
func (s *Space) testMap(addr, size uint32) bool {
	if size == 0 || buf.Wraps(addr, size) {
		return false
	}
	for _, b := range s.locations {
		if b != nil && buf.Overlaps(addr, size, b.Addr, b.Size) {
			return false
		}
	}
	return true
}

// findMapLocked probes for a free window from the user 64K base up to the
// video base in steps of align.
func (s *Space) findMapLocked(size, align uint32, flags uint64) *Block {
	start := (uint64(User64KBase) + uint64(align) - 1) &^ (uint64(align) - 1)
	for addr := start; addr < uint64(VideoBase); addr += uint64(align) {
		if s.testMap(uint32(addr), size) {
			return newBlock(s, uint32(addr), size, flags)
		}
	}
	return nil
}

func (s *Space) mapLocked(addr, size uint32, flags uint64) *Block {
	if size == 0 || (size|addr)%pageSize != 0 {
		fatal(ErrInvalidArgs, "addr=0x%x, size=0x%x", addr, size)
	}

	if !s.testMap(addr, size) {
		return nil
	}

	if page, busy := s.pages.anySet(addr>>pageShift, size>>pageShift); busy {
		fatal(ErrInconsistent, "unexpected pages allocated (current_addr=0x%x)", page<<pageShift)
	}

	b := newBlock(s, addr, size, flags)
	s.locations = append(s.locations, b)
	return b
}

func (s *Space) getMap(loc Location, addr uint32) *Block {
	if loc != Any {
		if uint64(loc) < uint64(len(s.locations)) {
			return s.locations[loc]
		}
		return nil
	}

	for _, b := range s.locations {
		if b != nil && addr >= b.Addr && uint64(addr) < b.end() {
			return b
		}
	}
	return nil
}

// Map creates a block at exactly [addr, addr+size). It returns nil when the
// range overlaps an existing block. Like every registry operation it takes
// the calling guest thread t, or nil, and unregisters t while it waits for
// the mutex.
func (s *Space) Map(t *Thread, addr, size uint32, flags uint64) *Block {
	l := s.LockWriter(t, 0)
	defer l.Unlock()
	return s.mapLocked(addr, size, flags)
}

// FindMap creates a block of size bytes (rounded up to 64 KiB) at the first
// free address aligned to align between the user 64K base and the video
// base. It returns nil when no window is free.
func (s *Space) FindMap(t *Thread, origSize, align uint32, flags uint64) *Block {
	l := s.LockWriter(t, 0)
	defer l.Unlock()

	size, ok := buf.AlignUp(origSize, bigPageSize)

	if align < bigPageSize || align != buf.FloorPow2(align) {
		fatal(ErrInvalidAlignment, "size=0x%x, align=0x%x", size, align)
	}

	if !ok || size == 0 {
		return nil
	}

	b := s.findMapLocked(size, align, flags)
	if b != nil {
		s.locations = append(s.locations, b)
	}
	return b
}

// Unmap removes the dynamically created block starting at addr.
//
// With mustBeEmpty set only blocks of class 0 qualify, and the block is left
// in place (returned with false) while it still has sub-allocations or
// references beyond the registry's own. Without it only mapped-class blocks
// qualify and are removed regardless of their contents.
//
// A removed block is returned with true; its registry reference has been
// dropped, so it is already destroyed unless the caller holds another.
// nil means no qualifying block starts at addr.
func (s *Space) Unmap(t *Thread, addr uint32, mustBeEmpty bool) (*Block, bool) {
	l := s.LockWriter(t, 0)
	defer l.Unlock()

	for i := int(locationMax); i < len(s.locations); i++ {
		b := s.locations[i]
		if b == nil || b.Addr != addr {
			continue
		}

		class := b.Flags & BlockClassMask
		if mustBeEmpty && class != 0 {
			continue
		}
		if !mustBeEmpty && class != BlockClassMapped {
			continue
		}

		if mustBeEmpty && (b.refs.Load() != 1 || b.usedLocked() != 0) {
			return b, false
		}

		s.locations = append(s.locations[:i], s.locations[i+1:]...)
		b.releaseLocked()
		return b, true
	}
	return nil, false
}

// Get returns the block for a well-known location, or with Any the block
// containing addr. The block stays usable until it is unmapped; callers
// that must outlive that take a reference with Hold.
func (s *Space) Get(t *Thread, loc Location, addr uint32) *Block {
	l := s.LockReader(t)
	defer l.Unlock()
	return s.getMap(loc, addr)
}

// ReserveMap returns the block for loc (or containing addr with Any),
// creating it on first use. A deferred well-known location is placed by
// probing at 256 MiB alignment; with Any a block of areaSize is mapped at
// addr.
func (s *Space) ReserveMap(t *Thread, loc Location, addr, areaSize uint32, flags uint64) *Block {
	l := s.LockReader(t)
	defer l.Unlock()

	if b := s.getMap(loc, addr); b != nil {
		return b
	}

	l.Upgrade()

	if loc != Any && uint64(loc) < uint64(len(s.locations)) {
		if s.locations[loc] == nil {
			s.locations[loc] = s.findMapLocked(areaSize, 0x10000000, flags)
		}
		return s.locations[loc]
	}

	// Someone may have mapped it while the lock was dropped.
	if b := s.getMap(loc, addr); b != nil {
		return b
	}
	return s.mapLocked(addr, areaSize, flags)
}

func (s *Space) mustGet(t *Thread, loc Location, addr uint32) *Block {
	b := s.Get(t, loc, addr)
	if b == nil {
		fatal(ErrInvalidLocation, "%s (%d, addr=0x%x)", loc, uint32(loc), addr)
	}
	return b
}

// Alloc allocates size bytes in the block of loc.
func (s *Space) Alloc(t *Thread, size uint32, loc Location, align uint32) uint32 {
	return s.mustGet(t, loc, 0).Alloc(t, size, align)
}

// Falloc allocates size bytes at addr in the block of loc.
func (s *Space) Falloc(t *Thread, addr, size uint32, loc Location) uint32 {
	return s.mustGet(t, loc, addr).Falloc(t, addr, size)
}

// Dealloc frees the allocation at addr in the block of loc and returns its size.
func (s *Space) Dealloc(t *Thread, addr uint32, loc Location) uint32 {
	return s.mustGet(t, loc, addr).Dealloc(t, addr)
}

// DeallocVerbose is Dealloc for teardown paths: failures are logged instead
// of being fatal or reported.
func (s *Space) DeallocVerbose(t *Thread, addr uint32, loc Location) {
	log := s.log
	b := s.Get(t, loc, addr)
	if b == nil {
		log.Error("dealloc: invalid memory location", "location", loc, "addr", hex(addr))
		return
	}
	if b.Dealloc(t, addr) == 0 {
		log.Error("dealloc: deallocation failed", "addr", hex(addr))
	}
}
