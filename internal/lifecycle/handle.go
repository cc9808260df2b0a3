package lifecycle

import (
	"sync/atomic"
)

// Handle is one consumer's interest in a scope. All methods are safe for
// concurrent use and never block on the transport.
type Handle struct {
	id       string
	scopeKey string
	scope    *scope
	released atomic.Bool
}

// ID returns the handle id
func (h *Handle) ID() string {
	return h.id
}

// ScopeKey returns the scope the handle was acquired for
func (h *Handle) ScopeKey() string {
	return h.scopeKey
}

// Status returns the current status of the scope
func (h *Handle) Status() Status {
	if h.scope == nil {
		return Status{State: StateIdle, Err: ErrRegistryClosed}
	}
	if h.released.Load() {
		return Status{State: StateIdle, Err: ErrTornDown}
	}
	return h.scope.snapshotStatus()
}

// Released reports whether the handle no longer holds interest
func (h *Handle) Released() bool {
	return h.released.Load()
}

// AddListener attaches a listener. Before the transport channel exists it is
// buffered and attached when the channel opens.
func (h *Handle) AddListener(l Listener) {
	if h.scope == nil || h.released.Load() {
		return
	}
	reg := &listenerReg{id: generateID(), handleID: h.id, filter: l.Filter, cb: l.Callback}
	h.scope.enqueue(message{kind: msgAddListener, handle: h, listeners: []*listenerReg{reg}})
}

// OnStatus registers fn for status changes of the scope. fn is called with
// the current status first, then on every transition, from the scope's
// goroutine; it must not block.
func (h *Handle) OnStatus(fn func(Status)) {
	if h.scope == nil || h.released.Load() {
		fn(h.Status())
		return
	}
	if !h.scope.enqueue(message{kind: msgObserve, handle: h, observer: fn}) {
		fn(Status{State: StateIdle, Err: ErrTornDown})
	}
}

// Release drops the handle's interest. Safe to call more than once.
func (h *Handle) Release() {
	if h.scope == nil {
		return
	}
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.scope.enqueue(message{kind: msgRelease, handle: h})
}
