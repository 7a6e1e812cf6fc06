package vm

import (
	"sync/atomic"

	"github.com/google/btree"

	"github.com/joshuapare/guestvm/internal/buf"
	"github.com/joshuapare/guestvm/vm/host"
)

// allocation is one sub-allocation carved from a block. addr and size
// include guard pages when the block is guarded.
type allocation struct {
	addr uint32
	size uint32
	shm  host.Shm
}

func allocationLess(a, b allocation) bool { return a.addr < b.addr }

// Block is a region [Addr, Addr+Size) of the guest address space with its
// own sub-allocation bookkeeping.
//
// Blocks are reference counted. The location registry owns one reference;
// callers keeping a block beyond the registry's lifetime take another with
// Hold and drop it with Release. When the count reaches zero every
// sub-allocation is unmapped.
type Block struct {
	Addr  uint32
	Size  uint32
	Flags uint64

	s      *Space
	allocs *btree.BTreeG[allocation]
	common host.Shm
	refs   atomic.Int32
	dead   bool
}

// newBlock creates a block. The caller holds the writer lock.
func newBlock(s *Space, addr, size uint32, flags uint64) *Block {
	b := &Block{
		Addr:   addr,
		Size:   size,
		Flags:  flags,
		s:      s,
		allocs: btree.NewG(8, allocationLess),
	}
	b.refs.Store(1)

	if flags&BlockCommon != 0 {
		shm, err := s.host.NewShm(size, false)
		must(err, "create common backing", addr, size)
		must(s.host.MapCommon(shm, addr), "map common backing", addr, size)
		b.common = shm
	}
	return b
}

func (b *Block) end() uint64 { return uint64(b.Addr) + uint64(b.Size) }

func (b *Block) guarded() bool { return b.Flags&BlockGuarded != 0 }

// guardOffset is the distance from an allocation's bookkeeping address to
// its first usable page.
func (b *Block) guardOffset() uint32 {
	if b.guarded() {
		return pageSize
	}
	return 0
}

// retired reports whether the block can no longer map pages. The caller
// holds the mutex.
func (b *Block) retired() bool { return b.dead || b.s.closed }

// Common reports whether the block is backed by one shared object.
func (b *Block) Common() bool { return b.common != nil }

// Hold takes an external reference. A held block may outlive the Space:
// once the Space is closed the block refuses work and its final Release
// does not touch the host.
func (b *Block) Hold() *Block {
	b.refs.Add(1)
	return b
}

// Release drops a reference taken with Hold, destroying the block when it
// was the last one. t is the calling guest thread, or nil.
func (b *Block) Release(t *Thread) {
	if b.refs.Add(-1) == 0 {
		l := b.s.LockWriter(t, 0)
		defer l.Unlock()
		b.destroyLocked()
	}
}

// releaseLocked is Release for callers already holding the writer lock.
func (b *Block) releaseLocked() {
	if b.refs.Add(-1) == 0 {
		b.destroyLocked()
	}
}

func (b *Block) destroyLocked() {
	if b.dead {
		return
	}
	b.dead = true

	if b.s.closed {
		// Close released the backend and the page table with it.
		b.allocs.Clear(false)
		return
	}

	var all []allocation
	b.allocs.Ascend(func(a allocation) bool {
		all = append(all, a)
		return true
	})
	for _, a := range all {
		b.unmapAllocation(a)
	}
	b.allocs.Clear(false)

	if b.common != nil {
		must(b.s.host.UnmapShm(b.common, b.Addr), "unmap common backing", b.Addr, b.Size)
	}
}

// tryAlloc maps size bytes at addr if every page there is free.
func (b *Block) tryAlloc(addr uint32, pflags uint8, size uint32, shm host.Shm) bool {
	first := addr >> pageShift
	n := size >> pageShift
	if _, busy := b.s.pages.anySet(first, n); busy {
		return false
	}

	pageAddr, pageLen := addr, size
	if b.guarded() {
		pageAddr += pageSize
		pageLen -= guardOverhead
		if b.s.pages.exchange(first, PageAllocated) != 0 || b.s.pages.exchange(first+n-1, PageAllocated) != 0 {
			fatal(ErrConcurrentAccess, "guard page taken (addr=0x%x, size=0x%x)", addr, size)
		}
	}

	b.s.pageMap(pageAddr, pflags, pageLen, shm)
	b.allocs.ReplaceOrInsert(allocation{addr: addr, size: size, shm: shm})
	return true
}

// backing picks the shared object for a new sub-allocation of pageLen bytes.
func (b *Block) backing(src host.Shm, pageLen uint32) host.Shm {
	switch {
	case b.common != nil:
		if src != nil {
			fatal(ErrInvalidArgs, "shared object passed to common block at 0x%x", b.Addr)
		}
		return nil
	case src != nil:
		if src.Size() < pageLen {
			fatal(ErrInvalidArgs, "shared object size 0x%x below allocation size 0x%x", src.Size(), pageLen)
		}
		return src
	default:
		shm, err := b.s.host.NewShm(pageLen, false)
		must(err, "create backing", b.Addr, pageLen)
		return shm
	}
}

// Alloc maps size bytes anywhere in the block at the given alignment and
// returns the guest address, or 0 when no space is left.
//
// t is the calling guest thread, or nil when the caller is not one. Every
// block operation takes it so that a passively registered thread gives up
// its slot while it waits for the mutex.
func (b *Block) Alloc(t *Thread, size, align uint32) uint32 {
	return b.alloc(t, size, align, nil, b.Flags)
}

// AllocShared is Alloc backed by an existing shared object. flags select
// the page size class instead of the block's own flags.
func (b *Block) AllocShared(t *Thread, size, align uint32, shm host.Shm, flags uint64) uint32 {
	return b.alloc(t, size, align, shm, flags)
}

func (b *Block) alloc(t *Thread, origSize, align uint32, src host.Shm, flags uint64) uint32 {
	l := b.s.LockWriter(t, 0)
	defer l.Unlock()

	minPage := minPageFor(flags)
	rounded, ok := buf.AlignUp(origSize, minPage)
	size := uint64(rounded)
	if b.guarded() {
		size += guardOverhead
	}

	// Page allocation: smaller alignments are a caller bug.
	if align < minPage || align != buf.FloorPow2(align) {
		fatal(ErrInvalidAlignment, "size=0x%x, align=0x%x", size, align)
	}

	if origSize == 0 || !ok || size > uint64(b.Size) || b.retired() {
		return 0
	}

	pflags := pageFlagsFor(flags)
	shm := b.backing(src, rounded)

	for addr := (uint64(b.Addr) + uint64(align) - 1) &^ (uint64(align) - 1); addr+size <= b.end(); addr += uint64(align) {
		if b.tryAlloc(uint32(addr), pflags, uint32(size), shm) {
			return uint32(addr) + b.guardOffset()
		}
	}
	return 0
}

// Falloc maps size bytes at exactly addr, returning addr or 0 when any page
// there is already in use. Guarded blocks do not support fixed placement.
func (b *Block) Falloc(t *Thread, addr, size uint32) uint32 {
	return b.falloc(t, addr, size, nil, b.Flags)
}

// FallocShared is Falloc backed by an existing shared object.
func (b *Block) FallocShared(t *Thread, addr, size uint32, shm host.Shm, flags uint64) uint32 {
	return b.falloc(t, addr, size, shm, flags)
}

func (b *Block) falloc(t *Thread, addr, origSize uint32, src host.Shm, flags uint64) uint32 {
	l := b.s.LockWriter(t, 0)
	defer l.Unlock()

	size, ok := buf.AlignUp(origSize, minPageFor(flags))
	if !ok || size == 0 || addr < b.Addr || buf.End(addr, size) > b.end() || flags&BlockGuarded != 0 || b.retired() {
		return 0
	}

	pflags := pageFlagsFor(flags)
	shm := b.backing(src, size)

	if !b.tryAlloc(addr, pflags, size, shm) {
		return 0
	}
	return addr
}

// Dealloc unmaps the allocation starting at addr and returns its size, or 0
// when there is none.
func (b *Block) Dealloc(t *Thread, addr uint32) uint32 {
	return b.dealloc(t, addr, nil)
}

// DeallocShared is Dealloc that only succeeds when the allocation is backed
// by shm.
func (b *Block) DeallocShared(t *Thread, addr uint32, shm host.Shm) uint32 {
	return b.dealloc(t, addr, shm)
}

func (b *Block) dealloc(t *Thread, addr uint32, src host.Shm) uint32 {
	l := b.s.LockWriter(t, 0)
	defer l.Unlock()

	if b.retired() {
		return 0
	}

	a, ok := b.allocs.Get(allocation{addr: addr - b.guardOffset()})
	if !ok {
		return 0
	}
	if src != nil && a.shm != src {
		return 0
	}

	size := b.unmapAllocation(a)
	b.allocs.Delete(a)
	return size
}

// unmapAllocation releases the pages of a and returns the usable size.
func (b *Block) unmapAllocation(a allocation) uint32 {
	addr := a.addr + b.guardOffset()
	size := a.size
	if b.guarded() {
		size -= guardOverhead
		if b.s.pages.exchange(addr>>pageShift-1, 0) != PageAllocated ||
			b.s.pages.exchange((addr+size)>>pageShift, 0) != PageAllocated {
			fatal(ErrInconsistent, "guard pages lost (addr=0x%x, size=0x%x)", addr, size)
		}
	}

	if got := b.s.pageUnmap(addr, size, a.shm); got != size {
		fatal(ErrInconsistent, "unmapped 0x%x of 0x%x bytes at 0x%x", got, size, addr)
	}
	return size
}

// Get resolves the shared object backing [addr, addr+size) and the guest
// address it is mapped at. size 0 matches only an allocation starting
// exactly at addr. A nil object means nothing backs the range.
func (b *Block) Get(t *Thread, addr, size uint32) (uint32, host.Shm) {
	if addr < b.Addr || buf.End(addr, size) > b.end() {
		return addr, nil
	}

	l := b.s.LockReader(t)
	defer l.Unlock()

	if b.retired() {
		return addr, nil
	}

	var (
		found allocation
		ok    bool
	)
	b.allocs.DescendLessOrEqual(allocation{addr: addr}, func(a allocation) bool {
		found, ok = a, true
		return false
	})
	if !ok {
		return addr, nil
	}

	base := found.addr + b.guardOffset()
	if size == 0 && base != addr {
		return addr, nil
	}

	if b.common != nil {
		return b.Addr, b.common
	}

	if addr < base || buf.End(addr, size) > buf.End(base, found.shm.Size()) {
		return addr, nil
	}
	return base, found.shm
}

// Used returns the number of usable bytes currently allocated.
func (b *Block) Used(t *Thread) uint32 {
	l := b.s.LockWriter(t, 0)
	defer l.Unlock()
	return b.usedLocked()
}

func (b *Block) usedLocked() uint32 {
	var total uint32
	b.allocs.Ascend(func(a allocation) bool {
		total += a.size
		if b.guarded() {
			total -= guardOverhead
		}
		return true
	})
	return total
}
