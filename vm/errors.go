package vm

import (
	"errors"
	"fmt"
)

// Caller-contract and consistency failures are raised by panicking with an
// error wrapping one of these sentinels. They indicate a bug in trusted code
// and are never produced by guest input.
var (
	// ErrInvalidArgs indicates a misaligned or empty address range.
	ErrInvalidArgs = errors.New("vm: invalid arguments")

	// ErrInvalidAlignment indicates an alignment below the page size or not a power of two.
	ErrInvalidAlignment = errors.New("vm: invalid alignment")

	// ErrInvalidLocation indicates an unknown or unpopulated memory location.
	ErrInvalidLocation = errors.New("vm: invalid memory location")

	// ErrAlreadyMapped indicates an attempt to map pages that are already allocated.
	ErrAlreadyMapped = errors.New("vm: memory already mapped")

	// ErrConcurrentAccess indicates page flags changed underneath a writer holding the lock.
	ErrConcurrentAccess = errors.New("vm: concurrent access")

	// ErrInconsistent indicates allocation bookkeeping disagrees with the page table.
	ErrInconsistent = errors.New("vm: inconsistent allocation state")

	// ErrHost indicates a host primitive failed while the address space was being changed.
	ErrHost = errors.New("vm: host mapping failed")
)

// fatal aborts the current operation with an unrecoverable error.
func fatal(sentinel error, format string, args ...any) {
	panic(fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...))
}

// must turns a host failure into a fatal consistency error.
func must(err error, what string, addr, size uint32) {
	if err != nil {
		panic(fmt.Errorf("%w: %s (addr=0x%x, size=0x%x): %w", ErrHost, what, addr, size, err))
	}
}

// ErrInvalidOptions is returned by New for an unusable configuration.
var ErrInvalidOptions = errors.New("vm: invalid options")

func invalidOptions(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidOptions}, args...)...)
}
