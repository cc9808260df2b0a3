// Package querycache keeps the last known good result of keyed queries,
// tracks their staleness and refetches them when they are invalidated while
// someone is observing them. At most one fetch per key is in flight.
package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/metrics"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned for keys the cache holds no entry for
	ErrNotFound = errors.New("querycache: key not found")

	// ErrUnknownTxn is returned when confirming or rolling back a
	// transaction that is not the pending one of the key
	ErrUnknownTxn = errors.New("querycache: unknown optimistic transaction")

	// ErrNoFetcher is returned when a key must be fetched but was never
	// registered with a fetch function
	ErrNoFetcher = errors.New("querycache: no fetch function for key")

	// ErrClosed is returned once the cache is closed
	ErrClosed = errors.New("querycache: cache closed")
)

// FetchFunc loads the current value of a key
type FetchFunc func(ctx context.Context) (any, error)

// Versioned values carry the server timestamp they reflect. It is used to
// reconcile local writes with concurrent refetches.
type Versioned interface {
	Version() time.Time
}

// Options tune a single key
type Options struct {
	// StaleTime bounds how long a fetched value counts as fresh. Zero keeps
	// it fresh until invalidated.
	StaleTime time.Duration

	// GCTime is how long an unobserved entry survives without being read
	GCTime time.Duration

	// Version extracts the server timestamp of a value. Values implementing
	// Versioned need no extractor.
	Version func(value any) time.Time
}

// Config contains cache configuration
type Config struct {
	// Maximum number of unobserved entries kept
	MaxEntries int

	// Defaults for keys registered with zero options
	DefaultStaleTime time.Duration
	DefaultGCTime    time.Duration

	// How often unobserved entries are swept; zero disables the sweeper
	GCInterval time.Duration

	// Upper bound on a single fetch
	FetchTimeout time.Duration

	// Clock drives freshness, garbage collection and the sweeper
	Clock clock.Clock
}

// DefaultConfig returns a default cache configuration
func DefaultConfig() Config {
	return Config{
		MaxEntries:       1024,
		DefaultStaleTime: 0,
		DefaultGCTime:    5 * time.Minute,
		GCInterval:       time.Minute,
		FetchTimeout:     30 * time.Second,
		Clock:            clock.WallClock,
	}
}

// Cache is a keyed store of query results
type Cache struct {
	config Config

	// key index; held only for lookups and index maintenance
	mu      sync.Mutex
	entries map[string]*entry
	index   *lru.Cache
	evicted []string

	// fetch goroutine accounting
	runMu  sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	nextObserver atomic.Uint64
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

// New creates a new query cache
func New(config ...Config) (*Cache, error) {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}

	// Apply default configuration values if not provided
	defaults := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaults.MaxEntries
	}
	if cfg.DefaultGCTime <= 0 {
		cfg.DefaultGCTime = defaults.DefaultGCTime
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaults.FetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		config:  cfg,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With().Str("component", "querycache").Logger(),
		metrics: metrics.GetMetrics(),
	}

	index, err := lru.NewWithEvict(cfg.MaxEntries, func(key interface{}, _ interface{}) {
		// runs inside index calls, which only happen under c.mu
		c.evicted = append(c.evicted, key.(string))
	})
	if err != nil {
		cancel()
		return nil, err
	}
	c.index = index

	if cfg.GCInterval > 0 {
		c.wg.Add(1)
		go c.gcLoop()
	}

	return c, nil
}

// Get returns the current snapshot of key. A fresh value is returned as is;
// otherwise a fetch is started unless one is in flight, and the previous
// value is returned with IsFetching set. Get never waits for the fetch.
func (c *Cache) Get(ctx context.Context, key string, fetch FetchFunc, opts Options) Snapshot {
	e := c.lookup(key, true, false)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := c.config.Clock.Now()
	c.registerLocked(e, fetch, opts, now)

	if e.freshLocked(now) {
		c.metrics.CacheOperations.WithLabelValues("hit").Inc()
	} else {
		c.metrics.CacheOperations.WithLabelValues("miss").Inc()
		if !e.inFlight {
			c.startFetchLocked(ctx, e)
		}
	}
	return e.snapshotLocked(now)
}

// Await is Get that waits for the fetch it triggered, if any. The returned
// error is the fetch error; the snapshot still carries the last good value.
func (c *Cache) Await(ctx context.Context, key string, fetch FetchFunc, opts Options) (Snapshot, error) {
	e := c.lookup(key, true, false)

	e.mu.Lock()
	now := c.config.Clock.Now()
	c.registerLocked(e, fetch, opts, now)

	if e.freshLocked(now) {
		c.metrics.CacheOperations.WithLabelValues("hit").Inc()
		snap := e.snapshotLocked(now)
		e.mu.Unlock()
		return snap, nil
	}
	c.metrics.CacheOperations.WithLabelValues("miss").Inc()

	need := e.started
	if !e.inFlight {
		need++
	}
	e.mu.Unlock()

	return c.await(ctx, e, need)
}

// Peek returns the snapshot of key without counting as a read or starting
// a fetch
func (c *Cache) Peek(key string) (Snapshot, bool) {
	e := c.find(key)
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(c.config.Clock.Now()), true
}

// Has reports whether the cache holds an entry for key
func (c *Cache) Has(key string) bool {
	return c.find(key) != nil
}

// Observed reports whether key has at least one open observer
func (c *Cache) Observed(key string) bool {
	e := c.find(key)
	return e != nil && e.observed.Load() > 0
}

// Invalidate marks key stale. An observed entry is refetched right away, or
// right after the fetch in flight completes; an unobserved one is refetched
// on its next read. It reports whether the key was known.
func (c *Cache) Invalidate(key string) bool {
	e := c.find(key)
	if e == nil {
		return false
	}
	c.metrics.CacheOperations.WithLabelValues("invalidate").Inc()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.stale = true
	if e.inFlight {
		e.refetchAfter = true
	} else if e.observed.Load() > 0 {
		c.startFetchLocked(context.Background(), e)
	}
	e.notifyLocked()
	return true
}

// MarkStale flags key for a refetch on its next read without fetching now
func (c *Cache) MarkStale(key string) bool {
	e := c.find(key)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stale = true
	e.notifyLocked()
	return true
}

// Refetch forces a fetch of key and waits for it. If a fetch is already in
// flight, it waits for the one scheduled after it.
func (c *Cache) Refetch(ctx context.Context, key string) (Snapshot, error) {
	e := c.find(key)
	if e == nil {
		return Snapshot{}, ErrNotFound
	}
	return c.refetch(ctx, e)
}

func (c *Cache) refetch(ctx context.Context, e *entry) (Snapshot, error) {
	e.mu.Lock()
	e.stale = true
	need := e.started + 1
	if e.inFlight {
		e.refetchAfter = true
	}
	e.mu.Unlock()

	return c.await(ctx, e, need)
}

// await waits until fetch number need of e has completed, starting fetches
// as required
func (c *Cache) await(ctx context.Context, e *entry, need uint64) (Snapshot, error) {
	for {
		e.mu.Lock()
		if e.completed >= need {
			snap := e.snapshotLocked(c.config.Clock.Now())
			e.mu.Unlock()
			return snap, snap.Err
		}
		if !e.inFlight {
			if err := c.startFetchLocked(ctx, e); err != nil {
				snap := e.snapshotLocked(c.config.Clock.Now())
				e.mu.Unlock()
				return snap, err
			}
		}
		done := e.done
		e.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
}

// Set stores a confirmed value for key. A value whose version is older than
// the one held is ignored; Set reports whether it was applied.
func (c *Cache) Set(key string, value any) bool {
	e := c.lookup(key, true, false)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasValue && e.pending == nil && e.newerLocked(e.value, value) {
		c.metrics.CacheOperations.WithLabelValues("set_outdated").Inc()
		return false
	}
	if e.pending != nil {
		c.metrics.CacheOptimisticTxns.WithLabelValues("superseded").Inc()
		e.pending = nil
	}

	now := c.config.Clock.Now()
	e.value = value
	e.hasValue = true
	e.err = nil
	e.stale = false
	e.fetchedAt = now
	e.updatedAt = now
	c.metrics.CacheOperations.WithLabelValues("set").Inc()
	e.notifyLocked()
	return true
}

// Update applies fn to the value of key in place. fn receives the current
// value and whether there is one. While an optimistic write is pending, fn
// is applied to the value it would roll back to as well.
func (c *Cache) Update(key string, fn func(current any, ok bool) any) {
	e := c.lookup(key, true, false)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.value = fn(e.value, e.hasValue)
	e.hasValue = true
	if e.pending != nil {
		e.pending.base = fn(e.pending.base, e.pending.hasBase)
		e.pending.hasBase = true
	}
	e.updatedAt = c.config.Clock.Now()
	c.metrics.CacheOperations.WithLabelValues("update").Inc()
	e.notifyLocked()
}

// Remove drops key. Observers keep their entry until they close.
func (c *Cache) Remove(key string) bool {
	return c.ClearMatching(func(k string) bool { return k == key }) > 0
}

// Clear drops every entry
func (c *Cache) Clear() int {
	return c.ClearMatching(func(string) bool { return true })
}

// ClearMatching resets every entry whose key satisfies match, for example
// all keys of a user signing out. Unobserved entries are removed; observed
// ones lose their value and the result of any fetch in flight, and are
// refetched on their next read. It returns the number of entries reset.
func (c *Cache) ClearMatching(match func(key string) bool) int {
	c.mu.Lock()
	var cleared []*entry
	for key, e := range c.entries {
		if !match(key) {
			continue
		}
		cleared = append(cleared, e)
		if e.observed.Load() == 0 {
			delete(c.entries, key)
			c.index.Remove(key)
		}
	}
	c.drainEvictedLocked()
	c.metrics.CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	for _, e := range cleared {
		e.mu.Lock()
		e.epoch++
		e.value = nil
		e.hasValue = false
		e.err = nil
		e.pending = nil
		e.stale = true
		e.refetchAfter = false
		e.fetchedAt = time.Time{}
		e.notifyLocked()
		e.mu.Unlock()
		c.metrics.CacheEvictions.WithLabelValues("clear").Inc()
	}
	return len(cleared)
}

// Keys returns the keys the cache holds
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes unobserved entries nobody read for their GCTime and returns
// how many were removed
func (c *Cache) Sweep() int {
	now := c.config.Clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.observed.Load() > 0 {
			continue
		}
		e.mu.Lock()
		expired := !e.inFlight && now.Sub(e.lastRead) >= e.opts.GCTime
		e.mu.Unlock()
		if !expired {
			continue
		}
		delete(c.entries, key)
		c.index.Remove(key)
		removed++
		c.metrics.CacheEvictions.WithLabelValues("gc").Inc()
	}
	c.drainEvictedLocked()
	c.metrics.CacheEntries.Set(float64(len(c.entries)))
	return removed
}

func (c *Cache) gcLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.config.Clock.After(c.config.GCInterval):
			if n := c.Sweep(); n > 0 {
				c.logger.Debug().Int("removed", n).Msg("Swept unused cache entries")
			}
		}
	}
}

// Close stops the sweeper and waits for fetches in flight
func (c *Cache) Close() error {
	c.runMu.Lock()
	if c.closed {
		c.runMu.Unlock()
		return nil
	}
	c.closed = true
	c.runMu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Cache) find(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key]
}

// lookup returns the entry of key, creating it when create is set. With
// observe set, the entry is counted as observed before c.mu is released so
// it cannot be evicted in between.
func (c *Cache) lookup(key string, create, observe bool) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		if !create {
			return nil
		}
		e = newEntry(key, c.withDefaults(Options{}), c.config.Clock.Now())
		c.entries[key] = e
	}
	if observe {
		e.observed.Add(1)
	}

	// refresh recency; observed entries stay out of eviction
	c.index.Add(key, nil)
	c.drainEvictedLocked()
	c.metrics.CacheEntries.Set(float64(len(c.entries)))
	return e
}

// unobserve is called when the last observer of e closed
func (c *Cache) unobserve(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries[e.key] == e && e.observed.Load() == 0 {
		c.index.Add(e.key, nil)
		c.drainEvictedLocked()
		c.metrics.CacheEntries.Set(float64(len(c.entries)))
	}
}

func (c *Cache) drainEvictedLocked() {
	for _, key := range c.evicted {
		e, ok := c.entries[key]
		if !ok || e.observed.Load() > 0 {
			continue
		}
		delete(c.entries, key)
		c.metrics.CacheEvictions.WithLabelValues("capacity").Inc()
	}
	c.evicted = c.evicted[:0]
}

func (c *Cache) withDefaults(opts Options) Options {
	if opts.StaleTime <= 0 {
		opts.StaleTime = c.config.DefaultStaleTime
	}
	if opts.GCTime <= 0 {
		opts.GCTime = c.config.DefaultGCTime
	}
	return opts
}

func (c *Cache) registerLocked(e *entry, fetch FetchFunc, opts Options, now time.Time) {
	if fetch != nil {
		e.fetch = fetch
		e.opts = c.withDefaults(opts)
	}
	e.lastRead = now
}

// Variables for generating ids. Can be replaced in tests for deterministic
// behavior.
var generateTxnID = func() string {
	return uuid.NewString()
}
