// Package vm implements the guest virtual memory core: a flat 32-bit address
// space shared by many emulated processor threads and a render thread.
//
// # Overview
//
// A Space owns one flags byte per 4 KiB guest page, a bitmap of 64 KiB pages
// backed by shareable objects, the reservation words used to emulate
// load-linked/store-conditional, and a registry of Blocks. Guest memory
// itself lives in a host.Backend.
//
// # Blocks
//
// A Block covers [Addr, Addr+Size) and carves sub-allocations out of it:
//
//   - Alloc(t, size, align): first free aligned window
//   - Falloc(t, addr, size): exact placement
//   - Dealloc(t, addr): unmap, returning the freed size
//   - Get(t, addr, size): the shared object backing a range
//
// Well-known blocks are selected by Location (Main, User64K, Stack, ...);
// further blocks are created with Map, FindMap and ReserveMap.
//
// # Locking
//
// Guest threads touch memory without taking any lock. They register with
// PassiveLock and honour pause requests raised through their Thread flags.
// Structural changes take LockWriter, which waits for every registered
// thread to acknowledge and for overlapping RangeLocks to drain before the
// page table is touched.
//
// Every operation that may block on the layout lock takes the calling
// Thread (nil when the caller is not a guest thread). A registered thread
// leaves its slot while it waits so that a writer never waits on a thread
// that is itself waiting for the writer.
//
//	t := vm.NewThread("ppu0")
//	s.PassiveLock(t)
//	defer s.PassiveUnlock(t)
//
//	v, ok := s.Read32(t, addr)
//	if !ok {
//	    // raise a guest access violation
//	}
//
// # Errors
//
// Failures caused by the guest are reported as zero or false results.
// Misuse by the caller and page table corruption panic with an error
// wrapping one of the sentinels in errors.go.
package vm
