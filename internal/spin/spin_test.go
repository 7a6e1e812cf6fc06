package spin

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffYieldsAfterLimit(t *testing.T) {
	b := Backoff{Spins: 3}
	for i := 0; i < 3; i++ {
		require.False(t, b.Yielding(), "round %d", i)
		b.Pause()
	}
	require.True(t, b.Yielding())
	b.Pause()
	require.True(t, b.Yielding())

	b.Reset()
	require.False(t, b.Yielding())
}

func TestZeroBackoffUsesDefault(t *testing.T) {
	var b Backoff
	for i := 0; i < DefaultSpins; i++ {
		b.Pause()
	}
	require.True(t, b.Yielding())
}

func TestUntil(t *testing.T) {
	var flag atomic.Bool
	go func() {
		time.Sleep(5 * time.Millisecond)
		flag.Store(true)
	}()

	Until(flag.Load)
	require.True(t, flag.Load())
}
