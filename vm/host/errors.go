package host

import "errors"

var (
	// ErrUnsupported indicates the backend cannot run on this platform.
	ErrUnsupported = errors.New("host: backend unsupported on this platform")

	// ErrForeignShm indicates a shared object created by a different backend.
	ErrForeignShm = errors.New("host: shared memory object from another backend")

	// ErrMapFailed indicates the host refused to place a mapping at the requested address.
	ErrMapFailed = errors.New("host: mapping failed")

	// ErrBadRange indicates an unaligned, empty or out-of-window range.
	ErrBadRange = errors.New("host: bad range")

	// ErrClosed indicates use of a backend after Close.
	ErrClosed = errors.New("host: backend closed")
)
