// Package host provides the OS-level primitives the guest address space is
// built on: a 4 GiB "base" window whose protection mirrors guest permissions,
// an always-writable "sudo" mirror of the same memory, two shadow windows
// (executable code cache and debug statistics) and shareable memory objects
// that can be mapped at several guest addresses at once.
//
// Two backends are provided. Soft emulates every primitive in Go memory and
// works on any platform. Mmap (Linux, 64-bit) reserves real host address
// space through golang.org/x/sys/unix and backs shared objects with memfd.
package host

// PageSize is the granularity of every mapping and protection change.
const PageSize = 0x1000

// Protection is the host-level access right applied to the base window.
type Protection uint8

const (
	ProtNone Protection = iota
	ProtRead
	ProtReadWrite
)

func (p Protection) String() string {
	switch p {
	case ProtNone:
		return "no"
	case ProtRead:
		return "ro"
	case ProtReadWrite:
		return "rw"
	default:
		return "invalid"
	}
}

// Area selects one of the shadow windows.
type Area uint8

const (
	// AreaExec shadows executable pages at twice the guest offset.
	AreaExec Area = iota
	// AreaStat shadows every page one-to-one with debug statistics.
	AreaStat
)

// Shm is a shareable memory object. The same object may be mapped at any
// number of guest addresses; all of them alias one backing store.
type Shm interface {
	// Size is the object size in bytes.
	Size() uint32
	// Shareable reports whether the object was created for cross-address
	// aliasing, which switches range locks to offset identity.
	Shareable() bool
}

// Backend is the set of host primitives the address space needs.
//
// Implementations assume the caller serialises structural calls (everything
// except View) under its own exclusive lock.
type Backend interface {
	// NewShm creates a zeroed shareable memory object of size bytes.
	NewShm(size uint32, shareable bool) (Shm, error)

	// MapCommon maps shm at addr with no access through the base window and
	// read-write through the sudo mirror.
	MapCommon(shm Shm, addr uint32) error

	// MapShm maps shm read-write at addr through both windows.
	MapShm(shm Shm, addr uint32) error

	// UnmapShm removes the mapping of shm at addr from both windows.
	UnmapShm(shm Shm, addr uint32) error

	// Protect changes base-window protection for [addr, addr+size).
	Protect(addr, size uint32, prot Protection) error

	// Zero clears [addr, addr+size) through the sudo mirror.
	Zero(addr, size uint32)

	// Commit makes [off, off+size) of a shadow window usable.
	Commit(area Area, off, size uint64) error

	// Decommit releases [off, off+size) of a shadow window.
	Decommit(area Area, off, size uint64) error

	// View returns the sudo bytes from addr to the end of its page. The
	// result is only meaningful for pages the caller knows are mapped.
	View(addr uint32) []byte

	// Close releases every reservation.
	Close() error
}
