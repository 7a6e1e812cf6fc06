package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatCString(t *testing.T) {
	s, _ := newTestSpace(t)
	addr := s.Alloc(nil, 0x10000, User64K, 0x10000)

	require.True(t, s.TryAccess(nil, addr, []byte("hello, guest\x00"), true))
	require.True(t, s.TryAccess(nil, addr+0x100, []byte("bad \xff byte\x00"), true))
	require.True(t, s.TryAccess(nil, addr+0x200, []byte("\x00"), true))

	tests := []struct {
		name string
		addr uint32
		want string
	}{
		{"null", 0, "«NULL»"},
		{"low", 0x100, "«INVALID_ADDRESS:0x100»"},
		{"reserved top", 0xf0000000, "«INVALID_ADDRESS:0xf0000000»"},
		{"unmapped", 0x28000000, "«INVALID_ADDRESS:0x28000000»"},
		{"text", addr, "“hello, guest”"},
		{"suffix", addr + 7, "“guest”"},
		{"invalid utf-8", addr + 0x100, "“bad � byte”"},
		{"empty", addr + 0x200, "“”"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, s.FormatCString(nil, tt.addr))
		})
	}
}

func TestFormatCStringUnterminated(t *testing.T) {
	s, _ := newTestSpace(t)
	addr := s.Alloc(nil, 0x10000, User64K, 0x10000)

	tail := addr + 0x10000 - 4
	require.True(t, s.TryAccess(nil, tail, []byte("abcd"), true))
	require.Equal(t, "«INVALID_ADDRESS:0x2000fffc»", s.FormatCString(nil, tail))
}

func TestReadUTF16(t *testing.T) {
	s, _ := newTestSpace(t)
	addr := s.Alloc(nil, 0x10000, User64K, 0x10000)

	// "Hé😀" big-endian followed by a terminator.
	raw := []byte{0x00, 'H', 0x00, 0xE9, 0xD8, 0x3D, 0xDE, 0x00, 0x00, 0x00, 0x00, 'X'}
	require.True(t, s.TryAccess(nil, addr, raw, true))

	got, ok := s.ReadUTF16(nil, addr, 16)
	require.True(t, ok)
	require.Equal(t, "Hé😀", got)

	got, ok = s.ReadUTF16(nil, addr, 2)
	require.True(t, ok)
	require.Equal(t, "Hé", got, "limited by the unit count")

	got, ok = s.ReadUTF16(nil, addr, 0)
	require.True(t, ok)
	require.Empty(t, got)

	require.True(t, s.TryAccess(nil, addr+0x10000-2, []byte{0x00, 'A'}, true))
	_, ok = s.ReadUTF16(nil, addr+0x10000-2, 4)
	require.False(t, ok, "runs into unmapped memory")
}
