package host

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/guestvm/internal/extent"
)

const (
	pageShift  = 12
	chunkShift = 16
	chunkPages = 1 << (chunkShift - pageShift)
	dirSize    = 1 << (32 - chunkShift)

	execWindow = uint64(1) << 33
	statWindow = uint64(1) << 32
)

// shmChunk is one lazily allocated 64 KiB piece of a shared object. It is
// declared as 64-bit words so atomic accesses of up to 8 bytes are aligned.
type shmChunk [1 << (chunkShift - 3)]uint64

// softShm backs a shared object with Go memory. Chunks are allocated on first
// touch, so large reserved-but-unused objects cost only their directory.
type softShm struct {
	size      uint32
	shareable bool
	chunks    []atomic.Pointer[shmChunk]
}

func (s *softShm) Size() uint32    { return s.size }
func (s *softShm) Shareable() bool { return s.shareable }

// page returns the bytes of the 4 KiB page at off, allocating its chunk.
func (s *softShm) page(off uint32) []byte {
	slot := &s.chunks[off>>chunkShift]
	c := slot.Load()
	if c == nil {
		c = new(shmChunk)
		if !slot.CompareAndSwap(nil, c) {
			c = slot.Load()
		}
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&c[0])), len(c)*8)
	start := off & (1<<chunkShift - 1) &^ (PageSize - 1)
	return mem[start : start+PageSize]
}

// mapping points one guest page at a page of a shared object.
type mapping struct {
	shm *softShm
	off uint32
}

type chunk [chunkPages]atomic.Pointer[mapping]

// Soft is a portable Backend. Guest pages are resolved through a two-level
// directory (64 KiB chunks of 4 KiB pages) that View walks without locking.
type Soft struct {
	dir [dirSize]atomic.Pointer[chunk]

	mu     sync.Mutex
	prot   []Protection
	shadow [2]*extent.Set
	closed bool
}

var _ Backend = (*Soft)(nil)

// NewSoft creates an empty portable backend.
func NewSoft() *Soft {
	return &Soft{
		prot:   make([]Protection, dirSize*chunkPages),
		shadow: [2]*extent.Set{extent.New(PageSize), extent.New(PageSize)},
	}
}

// NewShm implements Backend.
func (b *Soft) NewShm(size uint32, shareable bool) (Shm, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("%w: shm size=0x%x", ErrBadRange, size)
	}
	n := (uint64(size) + 1<<chunkShift - 1) >> chunkShift
	return &softShm{
		size:      size,
		shareable: shareable,
		chunks:    make([]atomic.Pointer[shmChunk], n),
	}, nil
}

func (b *Soft) own(shm Shm) (*softShm, error) {
	s, ok := shm.(*softShm)
	if !ok {
		return nil, ErrForeignShm
	}
	return s, nil
}

func checkRange(addr, size uint32) error {
	if size == 0 || (addr|size)%PageSize != 0 || uint64(addr)+uint64(size) > 1<<32 {
		return fmt.Errorf("%w: addr=0x%x size=0x%x", ErrBadRange, addr, size)
	}
	return nil
}

func (b *Soft) slot(page uint32, create bool) *atomic.Pointer[mapping] {
	c := b.dir[page/chunkPages].Load()
	if c == nil {
		if !create {
			return nil
		}
		c = new(chunk)
		b.dir[page/chunkPages].Store(c)
	}
	return &c[page%chunkPages]
}

func (b *Soft) mapPages(shm Shm, addr uint32, base Protection) error {
	s, err := b.own(shm)
	if err != nil {
		return err
	}
	if err := checkRange(addr, s.Size()); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	first := addr >> pageShift
	for i := uint32(0); i < s.Size()>>pageShift; i++ {
		b.slot(first+i, true).Store(&mapping{shm: s, off: i << pageShift})
		b.prot[first+i] = base
	}
	return nil
}

// MapCommon implements Backend.
func (b *Soft) MapCommon(shm Shm, addr uint32) error {
	return b.mapPages(shm, addr, ProtNone)
}

// MapShm implements Backend.
func (b *Soft) MapShm(shm Shm, addr uint32) error {
	return b.mapPages(shm, addr, ProtReadWrite)
}

// UnmapShm implements Backend.
func (b *Soft) UnmapShm(shm Shm, addr uint32) error {
	s, err := b.own(shm)
	if err != nil {
		return err
	}
	if err := checkRange(addr, s.Size()); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	first := addr >> pageShift
	for i := uint32(0); i < s.Size()>>pageShift; i++ {
		slot := b.slot(first+i, false)
		if slot == nil {
			continue
		}
		if m := slot.Load(); m != nil && m.shm == s {
			slot.Store(nil)
		}
		b.prot[first+i] = ProtNone
	}
	return nil
}

// Protect implements Backend.
func (b *Soft) Protect(addr, size uint32, prot Protection) error {
	if err := checkRange(addr, size); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := addr >> pageShift; i < uint32((uint64(addr)+uint64(size))>>pageShift); i++ {
		b.prot[i] = prot
	}
	return nil
}

// Protection returns the base-window protection of the page holding addr.
func (b *Soft) Protection(addr uint32) Protection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prot[addr>>pageShift]
}

// Zero implements Backend. Chunks never touched are already zero and stay
// unallocated.
func (b *Soft) Zero(addr, size uint32) {
	end := uint64(addr) + uint64(size)
	for a := uint64(addr); a < end; {
		n := PageSize - a%PageSize
		if slot := b.slot(uint32(a>>pageShift), false); slot != nil {
			if m := slot.Load(); m != nil && m.shm.chunks[m.off>>chunkShift].Load() != nil {
				v := m.shm.page(m.off)[a%PageSize:]
				if a+n > end {
					v = v[:end-a]
				}
				clear(v)
			}
		}
		a += n
	}
}

func window(area Area) uint64 {
	if area == AreaExec {
		return execWindow
	}
	return statWindow
}

// Commit implements Backend.
func (b *Soft) Commit(area Area, off, size uint64) error {
	if area > AreaStat || off+size > window(area) {
		return fmt.Errorf("%w: area=%d off=0x%x size=0x%x", ErrBadRange, area, off, size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shadow[area].Add(off, size)
	return nil
}

// Decommit implements Backend.
func (b *Soft) Decommit(area Area, off, size uint64) error {
	if area > AreaStat || off+size > window(area) {
		return fmt.Errorf("%w: area=%d off=0x%x size=0x%x", ErrBadRange, area, off, size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shadow[area].Remove(off, size)
	return nil
}

// Committed reports whether [off, off+size) of a shadow window is committed.
func (b *Soft) Committed(area Area, off, size uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shadow[area].Contains(off, size)
}

// CommittedBytes returns how much of a shadow window is committed.
func (b *Soft) CommittedBytes(area Area) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shadow[area].Total()
}

// View implements Backend. Unmapped pages yield nil.
func (b *Soft) View(addr uint32) []byte {
	slot := b.slot(addr>>pageShift, false)
	if slot == nil {
		return nil
	}
	m := slot.Load()
	if m == nil {
		return nil
	}
	return m.shm.page(m.off)[addr%PageSize:]
}

// Close implements Backend.
func (b *Soft) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for i := range b.dir {
		b.dir[i].Store(nil)
	}
	for _, s := range b.shadow {
		s.Reset()
	}
	clear(b.prot)
	return nil
}
