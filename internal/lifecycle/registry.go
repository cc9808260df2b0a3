// Package lifecycle owns the live-update channels of the process. Each scope
// key maps to at most one open transport channel, shared by reference between
// every consumer that acquired the key and closed when the last one releases.
package lifecycle

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Chrisleo-16/xtent-sub002/internal/metrics"
	"github.com/Chrisleo-16/xtent-sub002/internal/transport"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registry is the process-wide set of live scopes
type Registry struct {
	config    Config
	transport transport.Transport
	scopes    map[string]*scope
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// NewRegistry creates a registry on top of a transport
func NewRegistry(t transport.Transport, config ...Config) *Registry {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}

	// Apply default configuration values if not provided
	if cfg.UnsubscribeTimeout <= 0 {
		cfg.UnsubscribeTimeout = DefaultConfig().UnsubscribeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = DefaultConfig().Clock
	}

	return &Registry{
		config:    cfg,
		transport: t,
		scopes:    make(map[string]*scope),
		logger:    log.With().Str("component", "lifecycle").Logger(),
		metrics:   metrics.GetMetrics(),
	}
}

// Acquire registers interest in a scope and returns immediately. The first
// acquirer of an idle scope opens a transport channel; later acquirers share
// it and have their listeners attached as soon as the scope processes the
// request.
func (r *Registry) Acquire(scopeKey string, listeners ...Listener) *Handle {
	h := &Handle{
		id:       generateID(),
		scopeKey: scopeKey,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		h.released.Store(true)
		return h
	}

	s, ok := r.scopes[scopeKey]
	if !ok {
		s = newScope(r, scopeKey)
		r.scopes[scopeKey] = s
		r.metrics.ScopesActive.Inc()
		r.wg.Add(1)
		go s.run()
	}
	h.scope = s

	regs := make([]*listenerReg, 0, len(listeners))
	for _, l := range listeners {
		regs = append(regs, &listenerReg{id: generateID(), handleID: h.id, filter: l.Filter, cb: l.Callback})
	}
	s.enqueue(message{kind: msgAcquire, handle: h, listeners: regs})

	return h
}

// Teardown force closes every scope whose key satisfies match, e.g. all
// scopes of a user signing out. Handles of those scopes become released.
// It waits for the transport teardown of each scope or for ctx.
func (r *Registry) Teardown(ctx context.Context, match func(scopeKey string) bool) error {
	r.mu.Lock()
	var waits []chan struct{}
	for key, s := range r.scopes {
		if !match(key) {
			continue
		}
		done := make(chan struct{})
		if s.enqueue(message{kind: msgTeardown, done: done}) {
			waits = append(waits, done)
		}
	}
	r.mu.Unlock()

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// TeardownUser closes the scopes whose last key segment is userID
func (r *Registry) TeardownUser(ctx context.Context, userID string) error {
	return r.Teardown(ctx, func(key string) bool {
		return OwnedBy(key, userID)
	})
}

// Close tears down every scope and rejects further acquisitions
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.logger.Info().Msg("Closing lifecycle registry")

	if err := r.Teardown(ctx, func(string) bool { return true }); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot lists the scopes currently held, sorted by key
func (r *Registry) Snapshot() []ScopeInfo {
	r.mu.Lock()
	scopes := make([]*scope, 0, len(r.scopes))
	for _, s := range r.scopes {
		scopes = append(scopes, s)
	}
	r.mu.Unlock()

	infos := make([]ScopeInfo, 0, len(scopes))
	for _, s := range scopes {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// Scope returns the diagnostic view of one scope
func (r *Registry) Scope(scopeKey string) (ScopeInfo, bool) {
	r.mu.Lock()
	s, ok := r.scopes[scopeKey]
	r.mu.Unlock()
	if !ok {
		return ScopeInfo{}, false
	}
	return s.info(), true
}

// destroy drops an idle scope without interest. It refuses while messages
// are queued, since those were enqueued under r.mu against this scope.
func (r *Registry) destroy(s *scope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.mbMu.Lock()
	defer s.mbMu.Unlock()

	if len(s.queue) > 0 {
		return false
	}
	s.dead = true
	if r.scopes[s.key] == s {
		delete(r.scopes, s.key)
	}
	r.metrics.ScopesActive.Dec()
	return true
}

// OwnedBy reports whether a scope or cache key belongs to userID. Keys carry
// the user as their last colon separated segment, e.g. "dashboard:<userID>".
func OwnedBy(key, userID string) bool {
	if realtime.ValidateUserID(userID) != nil {
		return false
	}
	i := strings.LastIndex(key, ":")
	if i < 0 {
		return false
	}
	return key[i+1:] == userID
}

// Variables for generating ids. Can be replaced in tests for deterministic
// behavior.
var (
	generateID = func() string {
		return uuid.NewString()
	}

	newInstanceSuffix = func() string {
		return strings.ToLower(ulid.Make().String())
	}
)
