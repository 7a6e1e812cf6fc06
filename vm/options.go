package vm

import (
	"time"

	"github.com/joshuapare/guestvm/vm/host"
)

const (
	// MaxThreads is the largest number of passive lock slots.
	MaxThreads = 64

	// defaultThreads covers the PPU threads plus the usual SPU complement.
	defaultThreads = 8

	// defaultDrainWarnAfter is how long a writer drain may stall before it is logged.
	defaultDrainWarnAfter = time.Second
)

// Options configures an address space.
//
// Use DefaultOptions() for the standard configuration.
type Options struct {
	// Threads is the number of passive lock slots, i.e. how many threads can
	// be passively registered at once. Must be within 1..MaxThreads.
	// Default: 8
	Threads int

	// Debug commits the statistics shadow window alongside every mapping.
	// Default: false
	Debug bool

	// Host provides the OS-level primitives.
	// Default: a new host.Soft backend
	Host host.Backend

	// Render receives mapping change notifications.
	// Default: no notifications
	Render RenderNotifier

	// DrainWarnAfter logs a warning when a writer waits this long for range
	// locks or passive threads. Writers never give up waiting. Zero disables
	// the warning.
	// Default: 1s
	DrainWarnAfter time.Duration
}

// DefaultOptions returns the standard configuration with the portable backend.
func DefaultOptions() Options {
	return Options{
		Threads:        defaultThreads,
		DrainWarnAfter: defaultDrainWarnAfter,
	}
}

func (o Options) validate() error {
	if o.Threads < 1 || o.Threads > MaxThreads {
		return invalidOptions("threads=%d, want 1..%d", o.Threads, MaxThreads)
	}
	if o.DrainWarnAfter < 0 {
		return invalidOptions("negative drain warning interval %s", o.DrainWarnAfter)
	}
	return nil
}

// RenderNotifier is told about mapping changes before they become visible in
// the page table, so that it never sees a range disappear under it.
type RenderNotifier interface {
	// OnMemoryMapped is called before [addr, addr+size) becomes valid.
	OnMemoryMapped(addr, size uint32)
	// OnMemoryUnmapped is called before [addr, addr+size) is torn down.
	OnMemoryUnmapped(addr, size uint32)
}

type nopRender struct{}

func (nopRender) OnMemoryMapped(uint32, uint32)   {}
func (nopRender) OnMemoryUnmapped(uint32, uint32) {}
