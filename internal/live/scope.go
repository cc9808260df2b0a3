package live

import (
	"sync"
	"sync/atomic"

	"github.com/Chrisleo-16/xtent-sub002/internal/lifecycle"
	"github.com/Chrisleo-16/xtent-sub002/internal/transport"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
)

// MergeFunc folds a change into a cached value
type MergeFunc func(current any, ok bool, change *realtime.Change) any

// Scope is one consumer's hold on a live scope
type Scope struct {
	engine *Engine
	key    string

	mu         sync.Mutex
	handle     *lifecycle.Handle
	listeners  []lifecycle.Listener
	observers  []func(lifecycle.Status)
	keys       map[string]struct{}
	reconnects []func()
	generation int

	closed atomic.Bool
}

// Key returns the scope key
func (s *Scope) Key() string {
	return s.key
}

// Status returns the scope status
func (s *Scope) Status() lifecycle.Status {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	return h.Status()
}

// AddListener registers cb for changes matching filter
func (s *Scope) AddListener(filter realtime.Filter, cb transport.ChangeCallback) {
	s.addListener(lifecycle.Listener{Filter: filter, Callback: cb})
}

// Bind schedules a debounced invalidation of keys for every change matching
// filter. Bound keys are also refreshed when the scope reconnects.
func (s *Scope) Bind(filter realtime.Filter, keys ...string) {
	s.mu.Lock()
	for _, key := range keys {
		s.keys[key] = struct{}{}
	}
	s.mu.Unlock()

	inv := s.engine.invalidator
	s.addListener(lifecycle.Listener{
		Filter: filter,
		Callback: func(*realtime.Change) {
			for _, key := range keys {
				inv.Notify(key)
			}
		},
	})
}

// BindMerge folds every change matching filter into the cached value of key
// right away, then schedules a debounced refetch to reconcile with the
// server
func (s *Scope) BindMerge(filter realtime.Filter, key string, merge MergeFunc) {
	s.mu.Lock()
	s.keys[key] = struct{}{}
	s.mu.Unlock()

	cache := s.engine.cache
	inv := s.engine.invalidator
	s.addListener(lifecycle.Listener{
		Filter: filter,
		Callback: func(change *realtime.Change) {
			cache.Update(key, func(current any, ok bool) any {
				return merge(current, ok, change)
			})
			inv.Notify(key)
		},
	})
}

// OnStatus registers fn for status changes; it is called with the current
// status first. fn runs on the scope's goroutine and must not block.
func (s *Scope) OnStatus(fn func(lifecycle.Status)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	h := s.handle
	s.mu.Unlock()
	h.OnStatus(fn)
}

// OnReconnect registers fn to run whenever the scope is subscribed again
// on a new channel instance
func (s *Scope) OnReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects = append(s.reconnects, fn)
}

// Reconnect opens a fresh channel instance after the previous one failed.
// The new hold is taken before the old one is released, so the scope and
// its listeners carry over.
func (s *Scope) Reconnect() {
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	old := s.handle
	h := s.engine.registry.Acquire(s.key, s.listeners...)
	s.handle = h
	observers := append([]func(lifecycle.Status){}, s.observers...)
	s.mu.Unlock()

	h.OnStatus(s.onStatus)
	for _, fn := range observers {
		h.OnStatus(fn)
	}
	old.Release()
}

// Close releases the scope. Pending invalidations of bound keys nobody
// observes any more are dropped and the keys left stale. Safe to call more
// than once.
func (s *Scope) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	h := s.handle
	keys := s.boundKeysLocked()
	s.mu.Unlock()

	h.Release()

	for _, key := range keys {
		if !s.engine.cache.Observed(key) && s.engine.invalidator.Cancel(key) {
			s.engine.cache.MarkStale(key)
		}
	}
}

// Closed reports whether Close was called
func (s *Scope) Closed() bool {
	return s.closed.Load()
}

func (s *Scope) addListener(l lifecycle.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	h := s.handle
	s.mu.Unlock()
	h.AddListener(l)
}

func (s *Scope) boundKeysLocked() []string {
	keys := make([]string, 0, len(s.keys))
	for key := range s.keys {
		keys = append(keys, key)
	}
	return keys
}

// onStatus refreshes bound keys when a later channel instance subscribes,
// since changes may have been missed while disconnected
func (s *Scope) onStatus(status lifecycle.Status) {
	if status.State != lifecycle.StateSubscribed {
		return
	}

	s.mu.Lock()
	prev := s.generation
	s.generation = status.Generation
	keys := s.boundKeysLocked()
	hooks := append([]func(){}, s.reconnects...)
	s.mu.Unlock()

	if prev == 0 || prev == status.Generation {
		return
	}

	s.engine.logger.Debug().
		Str("scope", s.key).
		Int("generation", status.Generation).
		Int("keys", len(keys)).
		Msg("Scope reconnected, refreshing bound keys")

	for _, key := range keys {
		s.engine.cache.Invalidate(key)
	}
	for _, fn := range hooks {
		fn()
	}
}
