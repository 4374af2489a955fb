package msync

import "sync"

// DataGuard pairs a value with a RWMutex. All access goes through
// callbacks that run under the lock.
type DataGuard[T any] struct {
	mu    sync.RWMutex
	value T
}

func NewDataGuard[T any](val T) *DataGuard[T] {
	return &DataGuard[T]{value: val}
}

// Load passes the value to cb under a read lock. cb must not retain a
// reference to mutable parts of the value.
func (dg *DataGuard[T]) Load(cb func(T)) {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	cb(dg.value)
}

// Store replaces the value with cb’s return, under a write lock.
func (dg *DataGuard[T]) Store(cb func(T) T) {
	dg.mu.Lock()
	defer dg.mu.Unlock()

	dg.value = cb(dg.value)
}
