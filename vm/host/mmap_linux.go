//go:build linux && (amd64 || arm64)

package host

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/joshuapare/guestvm/internal/logger"
)

const (
	guestWindow = uintptr(1) << 32

	reserveFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
)

// mmapShm is a memfd-backed shared object. The descriptor is closed once the
// last Go reference is dropped; live mappings keep the pages alive.
type mmapShm struct {
	fd        int
	size      uint32
	shareable bool
}

func (s *mmapShm) Size() uint32    { return s.size }
func (s *mmapShm) Shareable() bool { return s.shareable }

// Mmap is a Backend over real host address space reservations.
type Mmap struct {
	base unsafe.Pointer
	sudo unsafe.Pointer
	exec unsafe.Pointer
	stat unsafe.Pointer
}

var _ Backend = (*Mmap)(nil)

func reserve(size uintptr) (unsafe.Pointer, error) {
	p, err := unix.MmapPtr(-1, 0, nil, size, unix.PROT_NONE, reserveFlags)
	if err != nil {
		return nil, fmt.Errorf("%w: reserve 0x%x: %v", ErrMapFailed, size, err)
	}
	return p, nil
}

// NewMmap reserves the base, sudo, exec and stat windows.
func NewMmap() (*Mmap, error) {
	m := &Mmap{}
	windows := []struct {
		dst  *unsafe.Pointer
		size uintptr
	}{
		{&m.base, guestWindow},
		{&m.sudo, guestWindow},
		{&m.exec, guestWindow * 2},
		{&m.stat, guestWindow},
	}
	for _, w := range windows {
		p, err := reserve(w.size)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		*w.dst = p
	}
	logger.Debug("host windows reserved",
		"base", m.base, "sudo", m.sudo, "exec", m.exec, "stat", m.stat)
	return m, nil
}

// NewShm implements Backend.
func (m *Mmap) NewShm(size uint32, shareable bool) (Shm, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("%w: shm size=0x%x", ErrBadRange, size)
	}
	fd, err := unix.MemfdCreate("guest-shm", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: memfd: %v", ErrMapFailed, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: ftruncate: %v", ErrMapFailed, err)
	}
	s := &mmapShm{fd: fd, size: size, shareable: shareable}
	runtime.AddCleanup(s, func(fd int) { unix.Close(fd) }, fd)
	return s, nil
}

func (m *Mmap) own(shm Shm) (*mmapShm, error) {
	s, ok := shm.(*mmapShm)
	if !ok {
		return nil, ErrForeignShm
	}
	if m.base == nil {
		return nil, ErrClosed
	}
	return s, nil
}

func placeFixed(fd int, at unsafe.Pointer, size uintptr, prot, flags int) error {
	p, err := unix.MmapPtr(fd, 0, at, size, prot, flags|unix.MAP_FIXED)
	if err != nil {
		return fmt.Errorf("%w: %p+0x%x: %v", ErrMapFailed, at, size, err)
	}
	if p != at {
		return fmt.Errorf("%w: placed at %p instead of %p", ErrMapFailed, p, at)
	}
	return nil
}

func (m *Mmap) mapShm(shm Shm, addr uint32, baseProt int) error {
	s, err := m.own(shm)
	if err != nil {
		return err
	}
	if err := checkRange(addr, s.size); err != nil {
		return err
	}
	size := uintptr(s.size)
	if err := placeFixed(s.fd, unsafe.Add(m.base, addr), size, baseProt, unix.MAP_SHARED); err != nil {
		return err
	}
	return placeFixed(s.fd, unsafe.Add(m.sudo, addr), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// MapCommon implements Backend.
func (m *Mmap) MapCommon(shm Shm, addr uint32) error {
	return m.mapShm(shm, addr, unix.PROT_NONE)
}

// MapShm implements Backend.
func (m *Mmap) MapShm(shm Shm, addr uint32) error {
	return m.mapShm(shm, addr, unix.PROT_READ|unix.PROT_WRITE)
}

// UnmapShm implements Backend. The hole is refilled with a no-access
// reservation so nothing else can be placed inside the windows.
func (m *Mmap) UnmapShm(shm Shm, addr uint32) error {
	s, err := m.own(shm)
	if err != nil {
		return err
	}
	if err := checkRange(addr, s.size); err != nil {
		return err
	}
	size := uintptr(s.size)
	if err := placeFixed(-1, unsafe.Add(m.base, addr), size, unix.PROT_NONE, reserveFlags); err != nil {
		return err
	}
	return placeFixed(-1, unsafe.Add(m.sudo, addr), size, unix.PROT_NONE, reserveFlags)
}

func hostProt(p Protection) int {
	switch p {
	case ProtRead:
		return unix.PROT_READ
	case ProtReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	default:
		return unix.PROT_NONE
	}
}

func bytesAt(p unsafe.Pointer, off uint64, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(p, uintptr(off))), uintptr(size))
}

// Protect implements Backend.
func (m *Mmap) Protect(addr, size uint32, prot Protection) error {
	if err := checkRange(addr, size); err != nil {
		return err
	}
	if m.base == nil {
		return ErrClosed
	}
	return unix.Mprotect(bytesAt(m.base, uint64(addr), uint64(size)), hostProt(prot))
}

// Zero implements Backend.
func (m *Mmap) Zero(addr, size uint32) {
	clear(bytesAt(m.sudo, uint64(addr), uint64(size)))
}

func (m *Mmap) shadow(area Area, off, size uint64) ([]byte, error) {
	if area > AreaStat || off+size > window(area) || size == 0 {
		return nil, fmt.Errorf("%w: area=%d off=0x%x size=0x%x", ErrBadRange, area, off, size)
	}
	if m.base == nil {
		return nil, ErrClosed
	}
	p := m.stat
	if area == AreaExec {
		p = m.exec
	}
	return bytesAt(p, off, size), nil
}

// Commit implements Backend.
func (m *Mmap) Commit(area Area, off, size uint64) error {
	b, err := m.shadow(area, off, size)
	if err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

// Decommit implements Backend.
func (m *Mmap) Decommit(area Area, off, size uint64) error {
	b, err := m.shadow(area, off, size)
	if err != nil {
		return err
	}
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

// View implements Backend. No validation is performed: touching the result
// for an unmapped page faults.
func (m *Mmap) View(addr uint32) []byte {
	return bytesAt(m.sudo, uint64(addr), PageSize-uint64(addr)%PageSize)
}

// Close implements Backend.
func (m *Mmap) Close() error {
	var firstErr error
	release := func(p *unsafe.Pointer, size uintptr) {
		if *p == nil {
			return
		}
		if err := unix.MunmapPtr(*p, size); err != nil && firstErr == nil {
			firstErr = err
		}
		*p = nil
	}
	release(&m.base, guestWindow)
	release(&m.sudo, guestWindow)
	release(&m.exec, guestWindow*2)
	release(&m.stat, guestWindow)
	return firstErr
}
