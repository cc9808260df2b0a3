package live

import (
	"context"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/querycache"
)

// QueryOptions tune a cached query
type QueryOptions[T any] struct {
	StaleTime time.Duration
	GCTime    time.Duration

	// Version extracts the server timestamp of a value for reconciling
	// optimistic writes with refetches
	Version func(value T) time.Time
}

// Query is a mounted, typed view of one cached key
type Query[T any] struct {
	engine   *Engine
	key      string
	observer *querycache.Observer
}

// CachedQuery mounts a reader of key on the engine cache. The value is
// fetched when missing or stale; invalidations of key refetch it while the
// query is open.
func CachedQuery[T any](engine *Engine, key string, fetch func(ctx context.Context) (T, error), opts QueryOptions[T]) *Query[T] {
	cacheOpts := querycache.Options{
		StaleTime: opts.StaleTime,
		GCTime:    opts.GCTime,
	}
	if opts.Version != nil {
		cacheOpts.Version = func(v any) time.Time {
			typed, ok := v.(T)
			if !ok {
				return time.Time{}
			}
			return opts.Version(typed)
		}
	}

	var fetchAny querycache.FetchFunc
	if fetch != nil {
		fetchAny = func(ctx context.Context) (any, error) {
			return fetch(ctx)
		}
	}

	return &Query[T]{
		engine:   engine,
		key:      key,
		observer: engine.cache.Observe(context.Background(), key, fetchAny, cacheOpts),
	}
}

// Key returns the cache key
func (q *Query[T]) Key() string {
	return q.key
}

// Data returns the current value and whether there is one
func (q *Query[T]) Data() (T, bool) {
	return typed[T](q.observer.Snapshot())
}

// Snapshot returns the untyped cache view
func (q *Query[T]) Snapshot() querycache.Snapshot {
	return q.observer.Snapshot()
}

// IsLoading reports a first fetch with nothing to show yet
func (q *Query[T]) IsLoading() bool {
	return q.observer.Snapshot().IsLoading()
}

// IsFetching reports a fetch in flight
func (q *Query[T]) IsFetching() bool {
	return q.observer.Snapshot().IsFetching
}

// IsStale reports whether the value is due for a refetch
func (q *Query[T]) IsStale() bool {
	return q.observer.Snapshot().IsStale
}

// Err returns the error of the last fetch, kept beside the last good value
func (q *Query[T]) Err() error {
	return q.observer.Snapshot().Err
}

// Refetch fetches now and waits for the result
func (q *Query[T]) Refetch(ctx context.Context) (T, error) {
	snap, err := q.observer.Refetch(ctx)
	v, _ := typed[T](snap)
	return v, err
}

// Updates signals after every change of the value; closed by Close
func (q *Query[T]) Updates() <-chan struct{} {
	return q.observer.Updates()
}

// Mutate applies fn ahead of the server and returns the transaction to
// Confirm or Rollback
func (q *Query[T]) Mutate(fn func(current T, ok bool) T) string {
	return q.engine.cache.SetOptimistic(q.key, func(current any, ok bool) any {
		v, isT := current.(T)
		return fn(v, ok && isT)
	})
}

// Confirm keeps the optimistic value of txnID
func (q *Query[T]) Confirm(txnID string) error {
	return q.engine.cache.Confirm(q.key, txnID)
}

// Rollback restores the value the optimistic write of txnID replaced
func (q *Query[T]) Rollback(txnID string) error {
	return q.engine.cache.Rollback(q.key, txnID)
}

// Close unmounts the query. When it was the last reader, a pending
// invalidation is dropped and the key left stale for the next mount.
func (q *Query[T]) Close() {
	if q.observer.Closed() {
		return
	}
	q.observer.Close()

	if !q.engine.cache.Observed(q.key) && q.engine.invalidator.Cancel(q.key) {
		q.engine.cache.MarkStale(q.key)
	}
}

func typed[T any](snap querycache.Snapshot) (T, bool) {
	var zero T
	if !snap.HasValue {
		return zero, false
	}
	v, ok := snap.Value.(T)
	if !ok {
		return zero, false
	}
	return v, true
}
