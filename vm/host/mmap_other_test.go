//go:build !(linux && (amd64 || arm64))

package host

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var _ Backend = (*Mmap)(nil)

func TestNewMmapUnsupported(t *testing.T) {
	m, err := NewMmap()
	require.ErrorIs(t, err, ErrUnsupported)
	require.Nil(t, m)
}
