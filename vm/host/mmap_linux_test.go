//go:build linux && (amd64 || arm64)

package host

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newMmapForTest(t *testing.T) *Mmap {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping host reservation test in short mode")
	}
	m, err := NewMmap()
	if err != nil {
		t.Skipf("cannot reserve guest windows: %v", err)
	}
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func TestMmapShmAliasing(t *testing.T) {
	m := newMmapForTest(t)

	shm, err := m.NewShm(0x10000, true)
	require.NoError(t, err)
	require.NoError(t, m.MapShm(shm, 0x20000000))
	require.NoError(t, m.MapShm(shm, 0x30000000))

	m.View(0x20000010)[0] = 0x5A
	require.Equal(t, byte(0x5A), m.View(0x30000010)[0])

	require.NoError(t, m.UnmapShm(shm, 0x20000000))
	require.Equal(t, byte(0x5A), m.View(0x30000010)[0])
	require.NoError(t, m.UnmapShm(shm, 0x30000000))
}

func TestMmapCommonAndZero(t *testing.T) {
	m := newMmapForTest(t)

	shm, err := m.NewShm(0x4000, false)
	require.NoError(t, err)
	require.NoError(t, m.MapCommon(shm, 0xD0000000))
	require.NoError(t, m.Protect(0xD0000000, 0x1000, ProtReadWrite))

	v := m.View(0xD0000000)
	require.Len(t, v, PageSize)
	v[100] = 7
	m.Zero(0xD0000000, 0x1000)
	require.Equal(t, byte(0), m.View(0xD0000000)[100])

	require.NoError(t, m.Protect(0xD0000000, 0x1000, ProtNone))
	require.NoError(t, m.UnmapShm(shm, 0xD0000000))
}

func TestMmapShadowCommit(t *testing.T) {
	m := newMmapForTest(t)

	require.NoError(t, m.Commit(AreaExec, 0x20000, 0x20000))
	require.NoError(t, m.Decommit(AreaExec, 0x20000, 0x20000))
	require.NoError(t, m.Commit(AreaStat, 0x10000, 0x10000))
	require.NoError(t, m.Decommit(AreaStat, 0x10000, 0x10000))
	require.ErrorIs(t, m.Commit(AreaStat, 0, 0), ErrBadRange)
}

func TestMmapForeignShm(t *testing.T) {
	m := newMmapForTest(t)
	require.ErrorIs(t, m.MapShm(fakeShm{}, 0x10000), ErrForeignShm)
}
