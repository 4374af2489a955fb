// Package msync holds small generic synchronization helpers.
package msync

import "sync/atomic"

// TypedAtomic is a generically-typed atomic.Value. Unlike atomic.Pointer it
// holds the value itself, so a fresh TypedAtomic loads as T’s zero value.
type TypedAtomic[T any] struct {
	v atomic.Value
}

func NewTypedAtomic[T any](val T) *TypedAtomic[T] {
	ta := &TypedAtomic[T]{}
	ta.v.Store(val)
	return ta
}

func (ta *TypedAtomic[T]) Load() T {
	return orZero[T](ta.v.Load())
}

// Store panics if T is an interface type and val is nil.
func (ta *TypedAtomic[T]) Store(val T) {
	ta.v.Store(val)
}

// Swap stores newVal and returns the prior value.
func (ta *TypedAtomic[T]) Swap(newVal T) T {
	return orZero[T](ta.v.Swap(newVal))
}

// CompareAndSwap stores newVal if the current value equals oldVal. T must
// be comparable at runtime.
func (ta *TypedAtomic[T]) CompareAndSwap(oldVal, newVal T) bool {
	return ta.v.CompareAndSwap(oldVal, newVal)
}

func orZero[T any](val any) T {
	if val == nil {
		var zero T
		return zero
	}

	return val.(T)
}
