// Package live is the consumer-facing side of the real-time layer. An Engine
// composes the lifecycle registry, the debounced invalidator and the query
// cache; pages mount live scopes, cached queries and notification feeds on
// it and release them on unmount.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Chrisleo-16/xtent-sub002/internal/debounce"
	"github.com/Chrisleo-16/xtent-sub002/internal/lifecycle"
	"github.com/Chrisleo-16/xtent-sub002/internal/notifications"
	"github.com/Chrisleo-16/xtent-sub002/internal/querycache"
	"github.com/Chrisleo-16/xtent-sub002/internal/transport"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoStore is returned by NotificationFeed when the engine has no
	// notification store
	ErrNoStore = errors.New("live: no notification store configured")
)

// Config contains engine configuration
type Config struct {
	Lifecycle     lifecycle.Config
	Debounce      debounce.Config
	Cache         querycache.Config
	Notifications notifications.Config
}

// DefaultConfig returns a default engine configuration
func DefaultConfig() Config {
	return Config{
		Lifecycle:     lifecycle.DefaultConfig(),
		Debounce:      debounce.DefaultConfig(),
		Cache:         querycache.DefaultConfig(),
		Notifications: notifications.DefaultConfig(),
	}
}

// Engine is the process-wide real-time manager
type Engine struct {
	config      Config
	registry    *lifecycle.Registry
	cache       *querycache.Cache
	invalidator *debounce.Invalidator
	store       notifications.Store
	pusher      notifications.Pusher

	mu    sync.Mutex
	feeds map[string]*feedState
	loads singleflight.Group

	logger zerolog.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithNotificationStore sets the store notification feeds load from and
// persist read state to
func WithNotificationStore(store notifications.Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithPusher sets the pusher raising a notification per new insert
func WithPusher(pusher notifications.Pusher) Option {
	return func(e *Engine) {
		e.pusher = pusher
	}
}

// NewEngine creates an engine on top of a transport
func NewEngine(t transport.Transport, config Config, opts ...Option) (*Engine, error) {
	cache, err := querycache.New(config.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	e := &Engine{
		config:   config,
		registry: lifecycle.NewRegistry(t, config.Lifecycle),
		cache:    cache,
		feeds:    make(map[string]*feedState),
		logger:   log.With().Str("component", "live").Logger(),
	}
	// keys without any cache entry have nothing to invalidate
	e.invalidator = debounce.New(e.invalidate, cache.Has, config.Debounce)

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) invalidate(key string) {
	e.cache.Invalidate(key)
}

// Registry returns the lifecycle registry
func (e *Engine) Registry() *lifecycle.Registry {
	return e.registry
}

// Cache returns the query cache
func (e *Engine) Cache() *querycache.Cache {
	return e.cache
}

// Invalidator returns the debounced invalidator
func (e *Engine) Invalidator() *debounce.Invalidator {
	return e.invalidator
}

// Invalidate schedules a debounced invalidation of key, e.g. after a local
// mutation the transport will not echo
func (e *Engine) Invalidate(key string) {
	e.invalidator.Notify(key)
}

// LiveScope acquires scopeKey. filters widen the subscription without a
// callback; bind cache keys or add listeners on the returned scope.
func (e *Engine) LiveScope(scopeKey string, filters ...realtime.Filter) *Scope {
	listeners := make([]lifecycle.Listener, 0, len(filters))
	for _, f := range filters {
		listeners = append(listeners, lifecycle.Listener{Filter: f})
	}

	s := &Scope{
		engine:    e,
		key:       scopeKey,
		listeners: listeners,
		keys:      make(map[string]struct{}),
	}
	s.handle = e.registry.Acquire(scopeKey, listeners...)
	s.handle.OnStatus(s.onStatus)
	return s
}

// SignOut tears down every scope of userID and forgets the user's cached
// queries, pending invalidations and notification feeds
func (e *Engine) SignOut(ctx context.Context, userID string) error {
	if err := realtime.ValidateUserID(userID); err != nil {
		return err
	}

	owned := func(key string) bool {
		return lifecycle.OwnedBy(key, userID)
	}

	e.mu.Lock()
	delete(e.feeds, userID)
	e.mu.Unlock()

	e.invalidator.CancelMatching(owned)
	if err := e.registry.TeardownUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to tear down scopes of %s: %w", userID, err)
	}
	cleared := e.cache.ClearMatching(owned)

	e.logger.Info().Str("user_id", userID).Int("cleared", cleared).Msg("Signed out")
	return nil
}

// Close releases every scope and stops background work
func (e *Engine) Close(ctx context.Context) error {
	e.invalidator.Close()

	var errs []error
	if err := e.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close registry: %w", err))
	}
	if err := e.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close cache: %w", err))
	}
	return errors.Join(errs...)
}

// NotificationScopeKey is the scope the feed of userID subscribes under
func NotificationScopeKey(userID string) string {
	return "notifications:" + userID
}
