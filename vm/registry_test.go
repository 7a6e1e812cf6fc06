package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	s, _ := newTestSpace(t)

	b := s.Map(nil, 0x40000000, 0x100000, 0)
	require.NotNil(t, b)
	require.Equal(t, uint32(0x40000000), b.Addr)
	require.Equal(t, uint32(0x100000), b.Size)
	require.Same(t, b, s.Get(nil, Any, 0x400fffff))

	require.Nil(t, s.Map(nil, 0x400f0000, 0x20000, 0), "overlaps the new block")
	require.Nil(t, s.Map(nil, 0x1ff00000, 0x200000, 0), "overlaps main and user 64k")
	require.Nil(t, s.Map(nil, 0xfff00000, 0x200000, 0), "wraps")

	requireFatal(t, ErrInvalidArgs, func() { s.Map(nil, 0x40200800, 0x1000, 0) })
	requireFatal(t, ErrInvalidArgs, func() { s.Map(nil, 0x40200000, 0, 0) })

	edge := s.Map(nil, 0x00001000, 0xf000, 0)
	require.NotNil(t, edge, "below main memory")
	require.Same(t, edge, s.Get(nil, Any, 0x1000))
}

func TestFindMap(t *testing.T) {
	s, _ := newTestSpace(t)

	b := s.FindMap(nil, 0x100000, 0x100000, 0)
	require.NotNil(t, b)
	require.Equal(t, uint32(0x30000000), b.Addr, "first free window past user 64k")

	next := s.FindMap(nil, 0x18000, 0x10000, 0)
	require.NotNil(t, next)
	require.Equal(t, uint32(0x30100000), next.Addr)
	require.Equal(t, uint32(0x20000), next.Size, "rounded to 64 KiB")

	requireFatal(t, ErrInvalidAlignment, func() { s.FindMap(nil, 0x10000, 0x1000, 0) })
	requireFatal(t, ErrInvalidAlignment, func() { s.FindMap(nil, 0x10000, 0x30000, 0) })
	require.Nil(t, s.FindMap(nil, 0, 0x10000, 0))

	require.Nil(t, s.FindMap(nil, 0x90000000, 0x10000000, 0), "no window before the video base")
}

func TestUnmapClasses(t *testing.T) {
	s, _ := newTestSpace(t)

	plain := s.Map(nil, 0x40000000, 0x100000, 0)
	mapped := s.Map(nil, 0x50000000, 0x100000, BlockClassMapped)
	other := s.Map(nil, 0x60000000, 0x100000, 1)

	got, removed := s.Unmap(nil, 0x40000000, false)
	require.Nil(t, got, "class 0 needs the emptiness check")
	require.False(t, removed)

	got, removed = s.Unmap(nil, 0x50000000, true)
	require.Nil(t, got, "mapped class skips the emptiness check")
	require.False(t, removed)

	got, removed = s.Unmap(nil, 0x60000000, true)
	require.Nil(t, got)
	require.False(t, removed)
	got, removed = s.Unmap(nil, 0x60000000, false)
	require.Nil(t, got)
	require.False(t, removed)
	require.Same(t, other, s.Get(nil, Any, 0x60000000))

	addr := mapped.Alloc(nil, 0x10000, 0x10000)
	got, removed = s.Unmap(nil, 0x50000000, false)
	require.True(t, removed, "populated mapped blocks are removed")
	require.Same(t, mapped, got)
	require.Zero(t, s.PageFlags(addr), "last reference destroyed it")

	got, removed = s.Unmap(nil, 0x40000000, true)
	require.True(t, removed)
	require.Same(t, plain, got)
	require.Nil(t, s.Get(nil, Any, 0x40000000))

	got, removed = s.Unmap(nil, MainBase, true)
	require.Nil(t, got, "well-known locations are never unmapped")
	require.False(t, removed)

	got, removed = s.Unmap(nil, 0x70000000, true)
	require.Nil(t, got)
	require.False(t, removed)
}

func TestReserveMap(t *testing.T) {
	s, _ := newTestSpace(t)

	b := s.ReserveMap(nil, User1M, 0, User1MSize, PageSize1M)
	require.NotNil(t, b)
	require.Equal(t, User1MBase, b.Addr, "deferred location placed at the first free 256 MiB slot")
	require.Same(t, b, s.ReserveMap(nil, User1M, 0, User1MSize, PageSize1M))
	require.Same(t, b, s.Get(nil, User1M, 0))

	addr := s.Alloc(nil, 0x100000, User1M, 0x100000)
	require.Equal(t, User1MBase, addr)
	require.Equal(t, Page1M, s.PageFlags(addr)&Page1M)

	fixed := s.ReserveMap(nil, Any, 0x50000000, 0x100000, 0)
	require.NotNil(t, fixed)
	require.Equal(t, uint32(0x50000000), fixed.Addr)
	require.Same(t, fixed, s.ReserveMap(nil, Any, 0x50080000, 0x100000, 0), "address inside is found")

	require.Same(t, s.Get(nil, Main, 0), s.ReserveMap(nil, Main, 0, 0, 0))
	require.Nil(t, s.ReserveMap(nil, Location(40), 0x2000000, 0x100000, 0), "occupied by main memory")
}

func TestLocationFrontDoors(t *testing.T) {
	s, _ := newTestSpace(t)

	requireFatal(t, ErrInvalidLocation, func() { s.Alloc(nil, 0x10000, RSXContext, 0x10000) })
	requireFatal(t, ErrInvalidLocation, func() { s.Alloc(nil, 0x10000, Location(42), 0x10000) })
	requireFatal(t, ErrInvalidLocation, func() { s.Falloc(nil, 0x00008000, 0x10000, Any) })
	requireFatal(t, ErrInvalidLocation, func() { s.Dealloc(nil, 0x00008000, Any) })

	addr := s.Falloc(nil, 0xc0100000, 0x10000, Any)
	require.Equal(t, uint32(0xc0100000), addr)
	require.Equal(t, Page1M, s.PageFlags(addr)&Page1M, "video memory uses 1 MiB pages")
	require.Equal(t, uint32(0x10000), s.Dealloc(nil, addr, Any))
}
