package vm

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/joshuapare/guestvm/internal/logger"
	"github.com/joshuapare/guestvm/vm/host"
)

// Space is a guest address space: the page table, the location registry and
// the locking protocol guarding both. One Space exists per emulated process.
type Space struct {
	opts   Options
	host   host.Backend
	render RenderNotifier
	log    *slog.Logger

	pages     *pageTable
	shareable shareableMap
	res       reservations

	mutex      sharedMutex
	slots      []atomic.Pointer[Thread]
	rangeLocks [rangeSlots]atomic.Uint64

	// addrLock is the address (or addr | size<<32 shareable range) a writer
	// is currently changing, 0 when none.
	addrLock atomic.Uint64

	// locations holds the well-known blocks by Location, followed by
	// dynamically mapped blocks. Guarded by mutex.
	locations []*Block
	closed    bool // guarded by mutex
}

// New creates an address space with the well-known locations populated.
func New(opts Options) (*Space, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Host == nil {
		opts.Host = host.NewSoft()
	}
	if opts.Render == nil {
		opts.Render = nopRender{}
	}

	s := &Space{
		opts:   opts,
		host:   opts.Host,
		render: opts.Render,
		log:    logger.Channel("vm"),
		pages:  newPageTable(),
		slots:  make([]atomic.Pointer[Thread], opts.Threads),
	}

	s.log.Info("guest memory initialized",
		"backend", fmt.Sprintf("%T", opts.Host),
		"threads", opts.Threads,
		"reservations", reservationCount,
		"debug", opts.Debug)

	l := s.LockWriter(nil, 0)
	defer l.Unlock()

	s.locations = []*Block{
		Main:       newBlock(s, MainBase, MainSize, PageSize64K),
		User64K:    newBlock(s, User64KBase, User64KSize, PageSize64K|1),
		User1M:     nil,
		RSXContext: nil,
		Video:      newBlock(s, VideoBase, VideoSize, 0),
		Stack:      newBlock(s, StackBase, StackSize, BlockCommon|BlockGuarded|1),
		SPU:        newBlock(s, SPUBase, SPUSize, 0),
	}
	return s, nil
}

// Close destroys every block, resets the page table and releases the host
// backend. The Space must not be used afterwards, except to Release blocks
// still held through Hold.
func (s *Space) Close() error {
	l := s.LockWriter(nil, 0)
	defer l.Unlock()

	if s.closed {
		return nil
	}

	for _, b := range s.locations {
		if b != nil {
			b.releaseLocked()
		}
	}
	s.locations = nil
	s.closed = true

	s.pages.reset()
	s.shareable.reset()
	s.res.reset()

	s.log.Info("guest memory closed")
	return s.host.Close()
}

// Options returns the configuration the Space was created with.
func (s *Space) Options() Options { return s.opts }

// Host returns the backend the Space maps guest memory through.
func (s *Space) Host() host.Backend { return s.host }
