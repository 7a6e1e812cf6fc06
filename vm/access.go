package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/guestvm/internal/buf"
)

func hex(addr uint32) string { return fmt.Sprintf("0x%08x", addr) }

// PageFlags returns the raw flags byte of the page holding addr.
func (s *Space) PageFlags(addr uint32) uint8 {
	return s.pages.load(addr >> pageShift)
}

// CheckAddr reports whether every page touched by [addr, addr+size) is
// allocated and has all of flags set. Ranges past the end of the address
// space fail. A size of 0 checks the single byte at addr.
func (s *Space) CheckAddr(addr, size uint32, flags uint8) bool {
	if size == 0 {
		size = 1
	}
	if buf.Wraps(addr, size) {
		return false
	}

	flags |= PageAllocated
	last := uint32((buf.End(addr, size) - 1) >> pageShift)
	for i := addr >> pageShift; i <= last; i++ {
		if s.pages.load(i)&flags != flags {
			return false
		}
	}
	return true
}

// TryAccess copies len(p) bytes between guest memory at addr and p. It
// reports false, copying nothing, when the range is not mapped with the
// required permission.
//
// Accesses of 1, 2, 4, 8 or 16 bytes aligned to their size are performed
// with atomic word operations (16 bytes as two 8-byte halves).
func (s *Space) TryAccess(t *Thread, addr uint32, p []byte, write bool) bool {
	l := s.LockReader(t)
	defer l.Unlock()

	if len(p) == 0 {
		return true
	}
	if uint64(len(p)) > math.MaxUint32 {
		return false
	}
	size := uint32(len(p))

	need := PageReadable
	if write {
		need = PageWritable
	}
	if !s.CheckAddr(addr, size, need) {
		return false
	}

	if size <= 16 && buf.IsPow2(size) && addr&(size-1) == 0 {
		s.atomicAccess(addr, p, write)
		return true
	}

	for off := uint32(0); off < size; {
		v := s.view(addr + off)
		var n int
		if write {
			n = copy(v, p[off:])
		} else {
			n = copy(p[off:], v)
		}
		off += uint32(n)
	}
	return true
}

// view returns the host bytes from addr to the end of its page. The page
// must be allocated.
func (s *Space) view(addr uint32) []byte {
	v := s.host.View(addr)
	if len(v) == 0 {
		fatal(ErrInconsistent, "allocated page has no backing (addr=0x%x)", addr)
	}
	return v
}

func (s *Space) atomicAccess(addr uint32, p []byte, write bool) {
	switch len(p) {
	case 1, 2:
		base := addr &^ 3
		w := (*atomic.Uint32)(unsafe.Pointer(&s.view(base)[0]))
		off := addr - base
		if !write {
			var tmp [4]byte
			binary.NativeEndian.PutUint32(tmp[:], w.Load())
			copy(p, tmp[off:])
			return
		}
		for {
			old := w.Load()
			var tmp [4]byte
			binary.NativeEndian.PutUint32(tmp[:], old)
			copy(tmp[off:], p)
			if w.CompareAndSwap(old, binary.NativeEndian.Uint32(tmp[:])) {
				return
			}
		}
	case 4:
		w := (*atomic.Uint32)(unsafe.Pointer(&s.view(addr)[0]))
		if write {
			w.Store(binary.NativeEndian.Uint32(p))
		} else {
			binary.NativeEndian.PutUint32(p, w.Load())
		}
	case 8, 16:
		v := s.view(addr)
		for i := 0; i < len(p); i += 8 {
			w := (*atomic.Uint64)(unsafe.Pointer(&v[i]))
			if write {
				w.Store(binary.NativeEndian.Uint64(p[i:]))
			} else {
				binary.NativeEndian.PutUint64(p[i:], w.Load())
			}
		}
	}
}

// Read8 loads a byte from guest memory.
func (s *Space) Read8(t *Thread, addr uint32) (uint8, bool) {
	var b [1]byte
	ok := s.TryAccess(t, addr, b[:], false)
	return b[0], ok
}

// Read16 loads a big-endian uint16 from guest memory.
func (s *Space) Read16(t *Thread, addr uint32) (uint16, bool) {
	var b [2]byte
	ok := s.TryAccess(t, addr, b[:], false)
	return buf.U16BE(b[:]), ok
}

// Read32 loads a big-endian uint32 from guest memory.
func (s *Space) Read32(t *Thread, addr uint32) (uint32, bool) {
	var b [4]byte
	ok := s.TryAccess(t, addr, b[:], false)
	return buf.U32BE(b[:]), ok
}

// Read64 loads a big-endian uint64 from guest memory.
func (s *Space) Read64(t *Thread, addr uint32) (uint64, bool) {
	var b [8]byte
	ok := s.TryAccess(t, addr, b[:], false)
	return buf.U64BE(b[:]), ok
}

// Write8 stores a byte to guest memory.
func (s *Space) Write8(t *Thread, addr uint32, v uint8) bool {
	return s.TryAccess(t, addr, []byte{v}, true)
}

// Write16 stores v big-endian to guest memory.
func (s *Space) Write16(t *Thread, addr uint32, v uint16) bool {
	var b [2]byte
	buf.PutU16BE(b[:], v)
	return s.TryAccess(t, addr, b[:], true)
}

// Write32 stores v big-endian to guest memory.
func (s *Space) Write32(t *Thread, addr uint32, v uint32) bool {
	var b [4]byte
	buf.PutU32BE(b[:], v)
	return s.TryAccess(t, addr, b[:], true)
}

// Write64 stores v big-endian to guest memory.
func (s *Space) Write64(t *Thread, addr uint32, v uint64) bool {
	var b [8]byte
	buf.PutU64BE(b[:], v)
	return s.TryAccess(t, addr, b[:], true)
}
