package vm

import (
	"sync"
	"sync/atomic"
)

// sharedMutex is a reader/writer lock whose writer interest can be observed
// without blocking. The optimistic lock paths use lockable to decide whether
// they may proceed without touching the mutex at all.
type sharedMutex struct {
	rw      sync.RWMutex
	writers atomic.Int32 // exclusive holders plus waiters
}

func (m *sharedMutex) lock() {
	m.writers.Add(1)
	m.rw.Lock()
}

func (m *sharedMutex) unlock() {
	m.rw.Unlock()
	m.writers.Add(-1)
}

func (m *sharedMutex) lockShared()   { m.rw.RLock() }
func (m *sharedMutex) unlockShared() { m.rw.RUnlock() }

// lockable reports whether no writer holds or waits for the mutex.
func (m *sharedMutex) lockable() bool {
	return m.writers.Load() == 0
}

// lockUnlock waits until a pending or active writer has left.
func (m *sharedMutex) lockUnlock() {
	m.rw.RLock()
	m.rw.RUnlock()
}
