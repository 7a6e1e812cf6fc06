package vm

import "sync/atomic"

// pageTable holds one flags byte per 4 KiB guest page, packed four to a word
// so each byte can be read and swapped atomically.
type pageTable struct {
	words []atomic.Uint32
}

func newPageTable() *pageTable {
	return &pageTable{words: make([]atomic.Uint32, pageCount/4)}
}

func (pt *pageTable) load(page uint32) uint8 {
	return uint8(pt.words[page/4].Load() >> (page % 4 * 8))
}

// exchange stores v for page and returns the previous flags.
func (pt *pageTable) exchange(page uint32, v uint8) uint8 {
	w := &pt.words[page/4]
	shift := page % 4 * 8
	for {
		old := w.Load()
		repl := old&^(0xff<<shift) | uint32(v)<<shift
		if w.CompareAndSwap(old, repl) {
			return uint8(old >> shift)
		}
	}
}

func (pt *pageTable) store(page uint32, v uint8) {
	pt.exchange(page, v)
}

// anySet reports whether any page in [first, first+n) has non-zero flags.
func (pt *pageTable) anySet(first, n uint32) (uint32, bool) {
	for i := first; i < first+n; i++ {
		if pt.load(i) != 0 {
			return i, true
		}
	}
	return 0, false
}

func (pt *pageTable) reset() {
	for i := range pt.words {
		pt.words[i].Store(0)
	}
}

// shareableMap has one bit per 64 KiB page marking memory backed by a
// shareable object. Written under the exclusive lock, read lock-free.
type shareableMap struct {
	bits [bigPageCount / 64]atomic.Uint64
}

func (m *shareableMap) test(addr uint32) bool {
	i := addr >> bigPageShift
	return m.bits[i/64].Load()&(1<<(i%64)) != 0
}

// set marks or clears the whole 64 KiB pages starting at addr covered by size.
func (m *shareableMap) set(addr, size uint32, v bool) {
	first := addr >> bigPageShift
	for i := first; i < first+size>>bigPageShift; i++ {
		if v {
			m.bits[i/64].Or(1 << (i % 64))
		} else {
			m.bits[i/64].And(^uint64(1 << (i % 64)))
		}
	}
}

func (m *shareableMap) reset() {
	for i := range m.bits {
		m.bits[i].Store(0)
	}
}
