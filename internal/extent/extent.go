// Package extent keeps a sorted, coalesced set of page-aligned byte extents.
//
// Extents are rounded outward to the set's page size on insertion and merged
// with any overlapping or adjacent neighbour, so the set never holds two
// extents that touch.
package extent

import "sort"

// Range is a half-open extent [Off, Off+Len).
type Range struct {
	Off uint64
	Len uint64
}

// End returns the exclusive end of the range.
func (r Range) End() uint64 { return r.Off + r.Len }

// Set accumulates extents.
//
// NOT thread-safe. Callers serialise access.
type Set struct {
	ranges   []Range
	pageSize uint64
}

// New creates a set that aligns extents to pageSize (a power of two).
func New(pageSize uint64) *Set {
	if pageSize == 0 {
		pageSize = 1
	}
	return &Set{pageSize: pageSize}
}

func (s *Set) align(off, length uint64) (uint64, uint64) {
	start := off &^ (s.pageSize - 1)
	end := (off + length + s.pageSize - 1) &^ (s.pageSize - 1)
	return start, end
}

// Add records [off, off+length).
func (s *Set) Add(off, length uint64) {
	if length == 0 {
		return
	}
	start, end := s.align(off, length)

	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End() >= start })
	j := i
	for j < len(s.ranges) && s.ranges[j].Off <= end {
		if s.ranges[j].Off < start {
			start = s.ranges[j].Off
		}
		if e := s.ranges[j].End(); e > end {
			end = e
		}
		j++
	}

	merged := Range{Off: start, Len: end - start}
	s.ranges = append(s.ranges[:i], append([]Range{merged}, s.ranges[j:]...)...)
}

// Remove drops [off, off+length), splitting extents that straddle it.
func (s *Set) Remove(off, length uint64) {
	if length == 0 {
		return
	}
	start, end := s.align(off, length)

	out := s.ranges[:0:0]
	for _, r := range s.ranges {
		if r.End() <= start || r.Off >= end {
			out = append(out, r)
			continue
		}
		if r.Off < start {
			out = append(out, Range{Off: r.Off, Len: start - r.Off})
		}
		if r.End() > end {
			out = append(out, Range{Off: end, Len: r.End() - end})
		}
	}
	s.ranges = out
}

// Contains reports whether every byte of [off, off+length) is in the set.
func (s *Set) Contains(off, length uint64) bool {
	if length == 0 {
		return true
	}
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End() > off })
	return i < len(s.ranges) && s.ranges[i].Off <= off && s.ranges[i].End() >= off+length
}

// Total returns the number of bytes covered.
func (s *Set) Total() uint64 {
	var n uint64
	for _, r := range s.ranges {
		n += r.Len
	}
	return n
}

// Ranges returns a copy of the coalesced extents in ascending order.
func (s *Set) Ranges() []Range {
	result := make([]Range, len(s.ranges))
	copy(result, s.ranges)
	return result
}

// Reset clears the set.
func (s *Set) Reset() {
	s.ranges = s.ranges[:0]
}
