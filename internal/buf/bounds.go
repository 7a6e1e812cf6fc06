package buf

import "math/bits"

// AddressSpace is the size of the flat guest address space.
const AddressSpace = uint64(1) << 32

// End returns the exclusive end of [addr, addr+size) without 32-bit wrap.
func End(addr, size uint32) uint64 {
	return uint64(addr) + uint64(size)
}

// Wraps reports whether [addr, addr+size) crosses the 32-bit boundary.
// A range ending exactly at 4 GiB does not wrap.
func Wraps(addr, size uint32) bool {
	return End(addr, size) > AddressSpace
}

// Overlaps reports whether [a, a+asz) and [b, b+bsz) share a byte.
func Overlaps(a, asz, b, bsz uint32) bool {
	if asz == 0 || bsz == 0 {
		return false
	}
	return uint64(a) < End(b, bsz) && uint64(b) < End(a, asz)
}

// IsPow2 reports whether v is a non-zero power of two.
func IsPow2(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// FloorPow2 returns the largest power of two not above v (0 for 0).
func FloorPow2(v uint32) uint32 {
	if v == 0 {
		return 0
	}
	return 0x80000000 >> bits.LeadingZeros32(v)
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
// ok is false when the result does not fit in 32 bits.
func AlignUp(v, align uint32) (uint32, bool) {
	r := (uint64(v) + uint64(align) - 1) &^ (uint64(align) - 1)
	if r >= AddressSpace {
		return 0, false
	}
	return uint32(r), true
}
