// Package upcell provides the exclusive-access guard used for kernel state on
// a single processor.
//
// A Cell is not a lock: a second borrow while the first is outstanding means a
// trap handler re-entered code that was already mutating the same state, and
// that is a kernel bug. Borrow panics instead of waiting.
package upcell

import "sync/atomic"

// Cell wraps a value that may only be borrowed by one caller at a time.
type Cell[T any] struct {
	borrowed atomic.Bool
	value    T
}

// New wraps v.
func New[T any](v T) *Cell[T] {
	return &Cell[T]{value: v}
}

// Borrow takes exclusive access to the value. Every Borrow must be paired
// with Release.
func (c *Cell[T]) Borrow() *T {
	if !c.borrowed.CompareAndSwap(false, true) {
		panic("upcell: already borrowed")
	}
	return &c.value
}

// Release ends the current borrow.
func (c *Cell[T]) Release() {
	if !c.borrowed.CompareAndSwap(true, false) {
		panic("upcell: release without borrow")
	}
}

// With runs fn while holding the borrow.
func (c *Cell[T]) With(fn func(v *T)) {
	v := c.Borrow()
	defer c.Release()
	fn(v)
}

// Borrowed reports whether a borrow is outstanding.
func (c *Cell[T]) Borrowed() bool {
	return c.borrowed.Load()
}
