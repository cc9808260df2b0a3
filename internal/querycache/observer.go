package querycache

import (
	"context"
	"sync/atomic"
)

// Observer is a mounted reader of one key. While a key has observers it is
// never evicted, and invalidations refetch it immediately.
type Observer struct {
	id      uint64
	cache   *Cache
	entry   *entry
	updates chan struct{}
	closed  atomic.Bool
}

// Observe mounts a reader on key and starts a fetch unless the cached value
// is fresh or a fetch is already in flight
func (c *Cache) Observe(ctx context.Context, key string, fetch FetchFunc, opts Options) *Observer {
	e := c.lookup(key, true, true)

	o := &Observer{
		id:      c.nextObserver.Add(1),
		cache:   c,
		entry:   e,
		updates: make(chan struct{}, 1),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := c.config.Clock.Now()
	c.registerLocked(e, fetch, opts, now)
	e.observers[o.id] = o

	if !e.freshLocked(now) && !e.inFlight {
		c.metrics.CacheOperations.WithLabelValues("miss").Inc()
		c.startFetchLocked(ctx, e)
	} else {
		c.metrics.CacheOperations.WithLabelValues("hit").Inc()
	}
	return o
}

// Key returns the observed key
func (o *Observer) Key() string {
	return o.entry.key
}

// Snapshot returns the current view of the key and counts as a read
func (o *Observer) Snapshot() Snapshot {
	e := o.entry
	e.mu.Lock()
	defer e.mu.Unlock()

	now := o.cache.config.Clock.Now()
	e.lastRead = now
	return e.snapshotLocked(now)
}

// Updates signals after every change of the entry. Signals coalesce: a
// receiver sees at least one signal after the latest change. The channel is
// closed by Close.
func (o *Observer) Updates() <-chan struct{} {
	return o.updates
}

// Refetch forces a fetch and waits for it
func (o *Observer) Refetch(ctx context.Context) (Snapshot, error) {
	if o.closed.Load() {
		return o.Snapshot(), ErrClosed
	}
	return o.cache.refetch(ctx, o.entry)
}

// Close unmounts the reader. Fetches in flight still complete and are
// cached. Safe to call more than once.
func (o *Observer) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}

	e := o.entry
	e.mu.Lock()
	delete(e.observers, o.id)
	close(o.updates)
	last := e.observed.Add(-1) == 0
	e.mu.Unlock()

	if last {
		o.cache.unobserve(e)
	}
}

// Closed reports whether Close was called
func (o *Observer) Closed() bool {
	return o.closed.Load()
}
