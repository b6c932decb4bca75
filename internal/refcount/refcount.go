// Package refcount implements the shared-ownership primitive every other
// cluster component builds on: a thread-safe atomic counter with a
// tag-labeled reserve/release pair, so forgetting to release a handle (or
// releasing the wrong tag) shows up in a trace instead of silently leaking
// the node it kept alive.
package refcount

import (
	"sync/atomic"

	"nodekv/logging"
)

// Handle is a reference count guarding some destroyable resource. The zero
// value is not usable; construct with New.
type Handle struct {
	count int64
	name  string // diagnostic-only identity of the owning resource
	onZero func()
}

// New creates a Handle starting at zero references. name identifies the
// owning resource in trace log lines (a node's server-reported name,
// typically).
// onZero, if non-nil, runs exactly once, the moment the count drops from one
// to zero.
func New(name string, onZero func()) *Handle {
	return &Handle{name: name, onZero: onZero}
}

// Reserve increments the count and returns the new value. tag is opaque —
// it carries no runtime meaning — but every Reserve must be paired with a
// Release using the same tag, so trace logs can be grepped by tag to find
// an unbalanced pair.
func (h *Handle) Reserve(tag string) int64 {
	n := atomic.AddInt64(&h.count, 1)
	logging.WithComponent("refcount").Debug().
		Str("resource", h.name).Str("tag", tag).Int64("count", n).Msg("reserve")
	return n
}

// Release decrements the count and returns the new value. When the count
// reaches zero, onZero (if set) runs synchronously on this goroutine before
// Release returns — matching the "final release destroys the resource"
// rule every component in the spec relies on.
func (h *Handle) Release(tag string) int64 {
	n := atomic.AddInt64(&h.count, -1)
	logging.WithComponent("refcount").Debug().
		Str("resource", h.name).Str("tag", tag).Int64("count", n).Msg("release")
	if n == 0 && h.onZero != nil {
		h.onZero()
	} else if n < 0 {
		logging.WithComponent("refcount").Error().
			Str("resource", h.name).Str("tag", tag).Msg("reference count went negative")
	}
	return n
}

// Count returns the current reference count. Intended for diagnostics and
// tests; callers must not branch production logic on a value that can
// change the instant it is read.
func (h *Handle) Count() int64 {
	return atomic.LoadInt64(&h.count)
}
