package querycache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Snapshot is a consistent view of one entry
type Snapshot struct {
	Key        string
	Value      any
	HasValue   bool
	Err        error
	FetchedAt  time.Time
	UpdatedAt  time.Time
	IsStale    bool
	IsFetching bool

	// Optimistic is set while a local write awaits confirmation
	Optimistic bool
	TxnID      string
}

// IsLoading reports a first fetch with nothing to show yet
func (s Snapshot) IsLoading() bool {
	return !s.HasValue && s.IsFetching
}

type optimistic struct {
	txnID   string
	base    any
	hasBase bool
	at      time.Time
}

type entry struct {
	key string
	mu  sync.Mutex

	value     any
	hasValue  bool
	err       error
	fetchedAt time.Time
	updatedAt time.Time
	lastRead  time.Time
	stale     bool

	fetch FetchFunc
	opts  Options

	// fetch bookkeeping; started and completed count fetches
	inFlight     bool
	refetchAfter bool
	started      uint64
	completed    uint64
	done         chan struct{}
	epoch        uint64

	pending *optimistic

	observers map[uint64]*Observer
	observed  atomic.Int32
}

func newEntry(key string, opts Options, now time.Time) *entry {
	return &entry{
		key:       key,
		opts:      opts,
		lastRead:  now,
		observers: make(map[uint64]*Observer),
	}
}

func (e *entry) freshLocked(now time.Time) bool {
	if !e.hasValue || e.stale || e.err != nil {
		return false
	}
	if e.pending != nil {
		return true
	}
	return e.opts.StaleTime <= 0 || now.Sub(e.fetchedAt) < e.opts.StaleTime
}

func (e *entry) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		Key:        e.key,
		Value:      e.value,
		HasValue:   e.hasValue,
		Err:        e.err,
		FetchedAt:  e.fetchedAt,
		UpdatedAt:  e.updatedAt,
		IsStale:    !e.freshLocked(now),
		IsFetching: e.inFlight,
	}
	if e.pending != nil {
		s.Optimistic = true
		s.TxnID = e.pending.txnID
	}
	return s
}

func (e *entry) notifyLocked() {
	for _, o := range e.observers {
		select {
		case o.updates <- struct{}{}:
		default:
		}
	}
}

func (e *entry) versionLocked(value any) time.Time {
	if value == nil {
		return time.Time{}
	}
	if e.opts.Version != nil {
		return e.opts.Version(value)
	}
	if v, ok := value.(Versioned); ok {
		return v.Version()
	}
	return time.Time{}
}

// newerLocked reports whether held carries a strictly later server version
// than incoming. Unversioned values never compare as newer.
func (e *entry) newerLocked(held, incoming any) bool {
	hv := e.versionLocked(held)
	iv := e.versionLocked(incoming)
	if hv.IsZero() || iv.IsZero() {
		return false
	}
	return hv.After(iv)
}

// startFetchLocked launches a fetch for e; e.mu must be held and no fetch
// may be in flight
func (c *Cache) startFetchLocked(ctx context.Context, e *entry) error {
	if e.fetch == nil {
		return ErrNoFetcher
	}

	c.runMu.Lock()
	if c.closed {
		c.runMu.Unlock()
		return ErrClosed
	}
	c.wg.Add(1)
	c.runMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	e.inFlight = true
	e.started++
	e.done = make(chan struct{})

	go c.runFetch(ctx, e, e.fetch, e.epoch, e.done)
	return nil
}

func (c *Cache) runFetch(parent context.Context, e *entry, fetch FetchFunc, epoch uint64, done chan struct{}) {
	defer c.wg.Done()

	// The fetch outlives the caller that triggered it but not the cache
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.config.FetchTimeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	ctx, span := telemetry.StartSpan(ctx, "querycache.fetch",
		trace.WithAttributes(attribute.String("cache.key", e.key)))

	start := time.Now()
	value, err := safeFetch(ctx, fetch)
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
	}
	span.End()

	c.metrics.CacheFetchDuration.Observe(time.Since(start).Seconds())
	c.metrics.CacheFetches.WithLabelValues(strconv.FormatBool(err == nil)).Inc()

	if err != nil {
		c.logger.Debug().Err(err).Str("key", e.key).Msg("Fetch failed")
	}

	c.complete(e, epoch, value, err, done)
}

func safeFetch(ctx context.Context, fetch FetchFunc) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("querycache: fetch panic: %v", rec)
		}
	}()
	return fetch(ctx)
}

func (c *Cache) complete(e *entry, epoch uint64, value any, err error, done chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer close(done)

	e.inFlight = false
	e.completed = e.started

	switch {
	case epoch != e.epoch:
		// cleared while fetching; the result belongs to the old entry
	case err != nil:
		// keep the last good value beside the error
		e.err = err
	default:
		c.applyFetchedLocked(e, value)
	}

	if e.refetchAfter {
		e.refetchAfter = false
		e.stale = true
		if e.observed.Load() > 0 {
			c.metrics.CacheDeferredFetch.Inc()
			if startErr := c.startFetchLocked(context.Background(), e); startErr != nil {
				c.logger.Debug().Err(startErr).Str("key", e.key).Msg("Deferred refetch not started")
			}
		}
	}

	e.notifyLocked()
}

// applyFetchedLocked reconciles a fetched value with local writes by server
// version rather than by arrival order
func (c *Cache) applyFetchedLocked(e *entry, value any) {
	now := c.config.Clock.Now()

	switch {
	case e.pending != nil:
		v := e.versionLocked(value)
		if !v.IsZero() && !v.Before(e.pending.at) {
			// the server already reflects the optimistic write, or a newer one
			c.metrics.CacheOptimisticTxns.WithLabelValues("superseded").Inc()
			e.pending = nil
			e.value = value
		} else {
			e.pending.base = value
			e.pending.hasBase = true
		}
	case e.hasValue && e.newerLocked(e.value, value):
		// a newer value was written while the fetch ran
	default:
		e.value = value
	}

	e.hasValue = true
	e.err = nil
	e.stale = false
	e.fetchedAt = now
	e.updatedAt = now
}
