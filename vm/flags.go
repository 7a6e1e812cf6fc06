package vm

// Page flags stored in the page table, one byte per 4 KiB page.
const (
	PageReadable          uint8 = 1 << 0
	PageWritable          uint8 = 1 << 1
	PageExecutable        uint8 = 1 << 2
	PageFaultNotification uint8 = 1 << 3
	PageNoReservations    uint8 = 1 << 4
	Page64K               uint8 = 1 << 5
	Page1M                uint8 = 1 << 6
	PageAllocated         uint8 = 1 << 7
)

// Block flags.
const (
	// BlockClassMask selects the block removal class checked by Unmap.
	BlockClassMask uint64 = 0x3
	// BlockClassMapped marks blocks that may be removed while still populated.
	BlockClassMapped uint64 = 0x2
	// BlockGuarded brackets every sub-allocation with two no-access guard pages.
	BlockGuarded uint64 = 0x10
	// BlockCommon backs the whole block with one shared object mapped once;
	// sub-allocations use 4 KiB pages.
	BlockCommon uint64 = 0x100

	PageSize64K  uint64 = 0x200
	PageSize1M   uint64 = 0x400
	PageSizeMask uint64 = 0xf00
)

const (
	pageSize      = 0x1000
	pageShift     = 12
	bigPageSize   = 0x10000
	bigPageShift  = 16
	pageCount     = 1 << (32 - pageShift)
	bigPageCount  = 1 << (32 - bigPageShift)
	guardOverhead = 2 * pageSize

	// lockedRangeMin is the lowest address for which LockWriter runs the
	// quiescence protocol. Lower addresses only serialise allocator state.
	lockedRangeMin = 0x10000
)

// Location identifies a well-known region of the guest address space.
type Location uint32

const (
	Main Location = iota
	User64K
	User1M
	RSXContext
	Video
	Stack
	SPU

	locationMax

	// Any selects the block containing a given address.
	Any Location = 0xFFFFFFFF
)

func (l Location) String() string {
	switch l {
	case Main:
		return "main"
	case User64K:
		return "user64k"
	case User1M:
		return "user1m"
	case RSXContext:
		return "rsx_context"
	case Video:
		return "video"
	case Stack:
		return "stack"
	case SPU:
		return "spu"
	case Any:
		return "any"
	default:
		return "dynamic"
	}
}

// Fixed layout of the well-known locations.
const (
	MainBase    uint32 = 0x00010000
	MainSize    uint32 = 0x1FFF0000
	User64KBase uint32 = 0x20000000
	User64KSize uint32 = 0x10000000
	User1MBase  uint32 = 0x30000000
	User1MSize  uint32 = 0x10000000
	VideoBase   uint32 = 0xC0000000
	VideoSize   uint32 = 0x10000000
	StackBase   uint32 = 0xD0000000
	StackSize   uint32 = 0x10000000
	SPUBase     uint32 = 0xE0000000
	SPUSize     uint32 = 0x20000000
)

// pageFlagsFor derives the page size class bits from block or request flags.
func pageFlagsFor(flags uint64) uint8 {
	pflags := PageReadable | PageWritable
	switch {
	case flags&PageSize64K == PageSize64K:
		pflags |= Page64K
	case flags&(PageSizeMask&^PageSize1M) == 0:
		pflags |= Page1M
	}
	return pflags
}

// minPageFor returns the allocation granularity implied by flags.
func minPageFor(flags uint64) uint32 {
	if flags&BlockCommon != 0 {
		return pageSize
	}
	return bigPageSize
}
