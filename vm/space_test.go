package vm

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/guestvm/internal/logger"
	"github.com/joshuapare/guestvm/vm/host"
)

// renderEvent records one notification and the page flags seen at that time.
type renderEvent struct {
	mapped bool
	addr   uint32
	size   uint32
	flags  uint8
}

type renderRecorder struct {
	mu     sync.Mutex
	s      *Space
	events []renderEvent
}

func (r *renderRecorder) record(mapped bool, addr, size uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, renderEvent{mapped: mapped, addr: addr, size: size, flags: r.s.PageFlags(addr)})
}

func (r *renderRecorder) OnMemoryMapped(addr, size uint32)   { r.record(true, addr, size) }
func (r *renderRecorder) OnMemoryUnmapped(addr, size uint32) { r.record(false, addr, size) }

// lockedBuffer collects log output written from other goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSpace(t *testing.T, tweak ...func(*Options)) (*Space, *host.Soft) {
	t.Helper()
	soft := host.NewSoft()
	opts := DefaultOptions()
	opts.Host = soft
	for _, fn := range tweak {
		fn(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s, soft
}

// requireFatal asserts that fn panics with an error wrapping sentinel.
func requireFatal(t *testing.T, sentinel error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected a fatal %v", sentinel)
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.True(t, errors.Is(err, sentinel), "got %v, want %v", err, sentinel)
	}()
	fn()
}

func TestNewInvalidOptions(t *testing.T) {
	for _, threads := range []int{0, -1, MaxThreads + 1} {
		opts := DefaultOptions()
		opts.Threads = threads
		_, err := New(opts)
		require.ErrorIs(t, err, ErrInvalidOptions, "threads=%d", threads)
	}

	opts := DefaultOptions()
	opts.DrainWarnAfter = -1
	_, err := New(opts)
	require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestDefaultLayout(t *testing.T) {
	s, _ := newTestSpace(t)

	tests := []struct {
		loc   Location
		addr  uint32
		size  uint32
		flags uint64
	}{
		{Main, MainBase, MainSize, PageSize64K},
		{User64K, User64KBase, User64KSize, PageSize64K | 1},
		{Video, VideoBase, VideoSize, 0},
		{Stack, StackBase, StackSize, BlockCommon | BlockGuarded | 1},
		{SPU, SPUBase, SPUSize, 0},
	}
	for _, tt := range tests {
		t.Run(tt.loc.String(), func(t *testing.T) {
			b := s.Get(nil, tt.loc, 0)
			require.NotNil(t, b)
			require.Equal(t, tt.addr, b.Addr)
			require.Equal(t, tt.size, b.Size)
			require.Equal(t, tt.flags, b.Flags)
			require.Same(t, b, s.Get(nil, Any, tt.addr+tt.size-1))
		})
	}

	require.Nil(t, s.Get(nil, User1M, 0), "deferred until reserved")
	require.Nil(t, s.Get(nil, RSXContext, 0), "deferred until reserved")
	require.Nil(t, s.Get(nil, Location(100), 0))
	require.Nil(t, s.Get(nil, Any, 0x1000), "nothing below main memory")
	require.True(t, s.Get(nil, Stack, 0).Common())
}

func TestCloseReleasesEverything(t *testing.T) {
	soft := host.NewSoft()
	opts := DefaultOptions()
	opts.Host = soft
	s, err := New(opts)
	require.NoError(t, err)

	addr := s.Alloc(nil, 0x10000, User64K, 0x10000)
	require.NotZero(t, addr)
	require.True(t, s.Write32(nil, addr, 0xCAFEBABE))

	require.NoError(t, s.Close())
	require.False(t, s.CheckAddr(addr, 4, 0))
	require.Zero(t, s.PageFlags(addr))
	require.Nil(t, soft.View(addr))
	require.NoError(t, s.Close(), "second close is a no-op")
}

func TestRenderNotifiedBeforeFlagsChange(t *testing.T) {
	rec := &renderRecorder{}
	s, _ := newTestSpace(t, func(o *Options) { o.Render = rec })
	rec.s = s

	addr := s.Alloc(nil, 0x20000, User64K, 0x10000)
	require.NotZero(t, addr)
	require.Equal(t, uint32(0x20000), s.Dealloc(nil, addr, User64K))

	require.Equal(t, []renderEvent{
		{mapped: true, addr: addr, size: 0x20000, flags: 0},
		{mapped: false, addr: addr, size: 0x20000, flags: PageReadable | PageWritable | Page64K | PageAllocated},
	}, rec.events)
}

func TestDebugCommitsStatShadow(t *testing.T) {
	s, soft := newTestSpace(t, func(o *Options) { o.Debug = true })

	addr := s.Alloc(nil, 0x10000, Main, 0x10000)
	require.NotZero(t, addr)
	require.True(t, soft.Committed(host.AreaStat, uint64(addr), 0x10000))
	require.False(t, soft.Committed(host.AreaExec, uint64(addr)*2, 0x20000))

	require.Equal(t, uint64(0x10000), soft.CommittedBytes(host.AreaStat))

	s.Dealloc(nil, addr, Main)
	require.False(t, soft.Committed(host.AreaStat, uint64(addr), 0x10000))
	require.Zero(t, soft.CommittedBytes(host.AreaStat))
}

func TestDeallocVerboseLogs(t *testing.T) {
	var out bytes.Buffer
	logger.Init(logger.Options{Enabled: true, Writer: &out})
	t.Cleanup(func() { logger.Init(logger.Options{}) })

	s, _ := newTestSpace(t)

	require.NotPanics(t, func() { s.DeallocVerbose(nil, 0x08000000, RSXContext) })
	require.Contains(t, out.String(), "invalid memory location")
	require.Contains(t, out.String(), "component=vm")

	out.Reset()
	s.DeallocVerbose(nil, 0x20000000, User64K)
	require.Contains(t, out.String(), "deallocation failed")
	require.Contains(t, out.String(), fmt.Sprintf("addr=0x%08x", 0x20000000))
}

func TestStalledDrainWarnsOnce(t *testing.T) {
	var out lockedBuffer
	logger.Init(logger.Options{Enabled: true, Writer: &out})
	t.Cleanup(func() { logger.Init(logger.Options{}) })

	s, _ := newTestSpace(t, func(o *Options) { o.DrainWarnAfter = 5 * time.Millisecond })
	th := NewThread("ppu0")
	s.PassiveLock(th)

	var g errgroup.Group
	g.Go(func() error {
		l := s.LockWriter(nil, 0x20000000)
		l.Unlock()
		return nil
	})

	const msg = "writer lock drain stalled"
	require.Eventually(t, func() bool { return strings.Contains(out.String(), msg) }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// The thread never acknowledged; leaving its slot lets the writer finish.
	s.TemporaryUnlock(th)
	require.NoError(t, g.Wait())

	log := out.String()
	require.Equal(t, 1, strings.Count(log, msg))
	require.Contains(t, log, `waiting_for="passive thread"`)
	require.Contains(t, log, "addr=0x20000000")
}

func TestHeldBlockOutlivesClose(t *testing.T) {
	soft := host.NewSoft()
	opts := DefaultOptions()
	opts.Host = soft
	s, err := New(opts)
	require.NoError(t, err)

	user := s.Get(nil, User64K, 0).Hold()
	stack := s.Get(nil, Stack, 0).Hold()
	addr := user.Alloc(nil, 0x10000, 0x10000)
	require.NotZero(t, addr)
	mapped := s.Map(nil, 0x40000000, 0x100000, BlockClassMapped).Hold()
	require.NotZero(t, mapped.Alloc(nil, 0x10000, 0x10000))

	require.NoError(t, s.Close())

	require.Zero(t, user.Alloc(nil, 0x10000, 0x10000), "closed space maps nothing")
	require.Zero(t, user.Falloc(nil, 0x20100000, 0x10000))
	require.Zero(t, user.Dealloc(nil, addr))
	_, shm := user.Get(nil, addr, 0x1000)
	require.Nil(t, shm)

	require.NotPanics(t, func() {
		user.Release(nil)
		stack.Release(nil)
		mapped.Release(nil)
	})
}
