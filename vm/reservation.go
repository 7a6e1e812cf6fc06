package vm

import (
	"sync/atomic"

	"github.com/joshuapare/guestvm/internal/spin"
)

const (
	reservationLine  = 128
	reservationCount = bigPageSize / reservationLine
	reservationSpins = 15
)

// reservationCell is one reservation word padded to its own cache line.
type reservationCell struct {
	v atomic.Uint64
	_ [56]byte
}

// reservations is the backing area for atomic reservation emulation. Every
// 128-byte guest line maps to a cell by its offset inside a 64 KiB page.
type reservations [reservationCount]reservationCell

func (r *reservations) cell(addr uint32) *atomic.Uint64 {
	return &r[(addr&0xff80)/reservationLine].v
}

func (r *reservations) reset() {
	for i := range r {
		r[i].v.Store(0)
	}
}

// Reservation returns the reservation word covering addr. The low bit is the
// lock taken by ReservationLock; the remaining bits belong to the caller.
func (s *Space) Reservation(addr uint32) *atomic.Uint64 {
	return s.res.cell(addr)
}

// ReservationLock sets the lock bit of the reservation word covering addr,
// spinning briefly and then yielding while another holder owns it.
func (s *Space) ReservationLock(addr uint32) {
	res := s.res.cell(addr)
	b := spin.Backoff{Spins: reservationSpins}
	for res.Or(1)&1 != 0 {
		b.Pause()
	}
}

// ReservationUnlock clears the lock bit taken by ReservationLock.
func (s *Space) ReservationUnlock(addr uint32) {
	s.res.cell(addr).And(^uint64(1))
}
