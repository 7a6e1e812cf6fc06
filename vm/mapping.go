package vm

import (
	"github.com/joshuapare/guestvm/internal/buf"
	"github.com/joshuapare/guestvm/vm/host"
)

// protectionFor maps page permission bits to a host protection.
func protectionFor(flags uint8) host.Protection {
	switch {
	case flags&PageWritable != 0:
		return host.ProtReadWrite
	case flags&PageReadable != 0:
		return host.ProtRead
	default:
		return host.ProtNone
	}
}

// pageMap makes [addr, addr+size) accessible with flags. A nil shm means the
// pages live in the block's common backing, which is already mapped.
//
// Everything the page is going to depend on (render notification, host
// mapping, shadow windows) is in place before the page flags are published.
// The caller holds the writer lock.
func (s *Space) pageMap(addr uint32, flags uint8, size uint32, shm host.Shm) {
	if size == 0 || (size|addr)%pageSize != 0 || flags&PageAllocated != 0 {
		fatal(ErrInvalidArgs, "addr=0x%x, size=0x%x, flags=0x%x", addr, size, flags)
	}

	first, n := addr>>pageShift, size>>pageShift
	if page, busy := s.pages.anySet(first, n); busy {
		fatal(ErrAlreadyMapped, "addr=0x%x, size=0x%x, flags=0x%x, current_addr=0x%x", addr, size, flags, page<<pageShift)
	}

	if shm != nil && shm.Shareable() {
		s.lockShareable(addr, size)
		s.shareable.set(addr, size, true)
		s.addrLock.Store(0)
	}

	s.render.OnMemoryMapped(addr, size)

	prot := protectionFor(flags)
	if shm == nil {
		must(s.host.Protect(addr, size, prot), "protect", addr, size)
	} else {
		must(s.host.MapShm(shm, addr), "map shared object", addr, size)
		if prot != host.ProtReadWrite {
			must(s.host.Protect(addr, size, prot), "protect", addr, size)
		}
	}

	if flags&PageExecutable != 0 {
		must(s.host.Commit(host.AreaExec, uint64(addr)*2, uint64(size)*2), "commit exec shadow", addr, size)
	}
	if s.opts.Debug {
		must(s.host.Commit(host.AreaStat, uint64(addr), uint64(size)), "commit stat shadow", addr, size)
	}

	for i := first; i < first+n; i++ {
		if s.pages.exchange(i, flags|PageAllocated) != 0 {
			fatal(ErrConcurrentAccess, "addr=0x%x, size=0x%x, flags=0x%x, current_addr=0x%x", addr, size, flags, i<<pageShift)
		}
	}
}

// pageUnmap releases the contiguous allocated pages starting at addr, at most
// maxSize bytes, and returns how many bytes were released. Page flags are
// cleared only after the host mapping and shadow windows are gone.
// The caller holds the writer lock.
func (s *Space) pageUnmap(addr, maxSize uint32, shm host.Shm) uint32 {
	if maxSize == 0 || (maxSize|addr)%pageSize != 0 {
		fatal(ErrInvalidArgs, "addr=0x%x, max_size=0x%x", addr, maxSize)
	}

	var (
		size uint32
		exec bool
	)
	first := addr >> pageShift
	for i := first; i < first+maxSize>>pageShift; i++ {
		f := s.pages.load(i)
		if f&PageAllocated == 0 {
			break
		}
		if size == 0 {
			exec = f&PageExecutable != 0
		} else if exec != (f&PageExecutable != 0) {
			fatal(ErrInconsistent, "mixed executable pages (addr=0x%x, current_addr=0x%x)", addr, i<<pageShift)
		}
		size += pageSize
	}
	if size == 0 {
		return 0
	}

	s.render.OnMemoryUnmapped(addr, size)

	if s.shareable.test(addr) {
		s.lockShareable(addr, size)
		s.shareable.set(addr, size, false)
		s.addrLock.Store(0)
	}

	if shm == nil {
		must(s.host.Protect(addr, size, host.ProtNone), "protect", addr, size)
		s.host.Zero(addr, size)
	} else {
		must(s.host.UnmapShm(shm, addr), "unmap shared object", addr, size)
	}

	if exec {
		must(s.host.Decommit(host.AreaExec, uint64(addr)*2, uint64(size)*2), "decommit exec shadow", addr, size)
	}
	if s.opts.Debug {
		must(s.host.Decommit(host.AreaStat, uint64(addr), uint64(size)), "decommit stat shadow", addr, size)
	}

	for i := first; i < first+size>>pageShift; i++ {
		if s.pages.exchange(i, 0)&PageAllocated == 0 {
			fatal(ErrConcurrentAccess, "addr=0x%x, size=0x%x, current_addr=0x%x", addr, size, i<<pageShift)
		}
	}
	return size
}

// PageProtect changes the flags of every page in [addr, addr+size) provided
// each has PageAllocated and all of test set. Bits named by both set and
// clear are left alone. Host protection is re-applied in runs of pages that
// end up with identical permissions. It reports false, changing nothing,
// when a page fails the test.
func (s *Space) PageProtect(t *Thread, addr, size uint32, test, set, clear uint8) bool {
	l := s.LockWriter(t, 0)
	defer l.Unlock()

	if size == 0 || (size|addr)%pageSize != 0 || buf.Wraps(addr, size) {
		fatal(ErrInvalidArgs, "addr=0x%x, size=0x%x", addr, size)
	}

	both := set & clear
	test |= PageAllocated
	set &^= both
	clear &^= both

	first, end := addr>>pageShift, addr>>pageShift+size>>pageShift
	for i := first; i < end; i++ {
		if s.pages.load(i)&test != test {
			return false
		}
	}

	if set == 0 && clear == 0 {
		return true
	}

	const rw = PageReadable | PageWritable
	start, startVal := first, uint8(0xff)
	for i := first; i <= end; i++ {
		val := uint8(0xff)
		if i < end {
			val = s.pages.load(i)&^clear | set
			s.pages.store(i, val)
			val &= rw
		}
		if val != startVal {
			if i > start {
				run := (i - start) << pageShift
				must(s.host.Protect(start<<pageShift, run, protectionFor(startVal)), "protect", start<<pageShift, run)
			}
			start, startVal = i, val
		}
	}
	return true
}
