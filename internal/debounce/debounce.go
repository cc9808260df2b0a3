// Package debounce coalesces bursts of change notifications per key into a
// single invalidation once the key has been quiet for a configured period.
package debounce

import (
	"strings"
	"sync"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/metrics"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains invalidator configuration
type Config struct {
	// Quiet period that must pass after the last Notify before a key fires
	Wait time.Duration

	// Clock drives the quiet period timers
	Clock clock.Clock
}

// DefaultConfig returns a default invalidator configuration
func DefaultConfig() Config {
	return Config{
		Wait:  300 * time.Millisecond,
		Clock: clock.WallClock,
	}
}

// Sink receives one call per key after its quiet period expires
type Sink func(key string)

// ActiveFunc reports whether a key still has observers. Keys without
// observers are dropped at expiry instead of fired.
type ActiveFunc func(key string) bool

type pending struct {
	timer    clock.Timer
	gen      uint64
	notifies int
}

// Invalidator debounces invalidations per key
type Invalidator struct {
	config  Config
	sink    Sink
	active  ActiveFunc
	pending map[string]*pending
	gen     uint64
	closed  bool
	mu      sync.Mutex
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an invalidator delivering to sink. active may be nil, in which
// case every expiring key fires.
func New(sink Sink, active ActiveFunc, config ...Config) *Invalidator {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}

	if cfg.Wait <= 0 {
		cfg.Wait = DefaultConfig().Wait
	}
	if cfg.Clock == nil {
		cfg.Clock = DefaultConfig().Clock
	}

	return &Invalidator{
		config:  cfg,
		sink:    sink,
		active:  active,
		pending: make(map[string]*pending),
		logger:  log.With().Str("component", "debounce").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Notify starts or restarts the quiet period for key
func (d *Invalidator) Notify(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.metrics.DebounceNotifies.Inc()

	p, ok := d.pending[key]
	if ok {
		p.timer.Stop()
		p.notifies++
		d.metrics.DebounceCoalesced.Inc()
	} else {
		p = &pending{notifies: 1}
		d.pending[key] = p
	}

	// A stopped timer may already be running its func, even one from a
	// cancelled entry; generations are unique across keys and entries so
	// fire discards it.
	d.gen++
	p.gen = d.gen
	gen := p.gen
	p.timer = d.config.Clock.AfterFunc(d.config.Wait, func() {
		d.fire(key, gen)
	})
}

func (d *Invalidator) fire(key string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.gen != gen || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	if d.active != nil && !d.active(key) {
		d.metrics.DebounceCancelled.Inc()
		d.logger.Debug().Str("key", key).Msg("Dropping invalidation for unobserved key")
		return
	}

	d.metrics.DebounceFired.Inc()
	d.logger.Debug().Str("key", key).Int("notifies", p.notifies).Msg("Invalidating")
	d.sink(key)
}

// Cancel stops the pending timer of key. It reports whether one was pending.
func (d *Invalidator) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked(key)
}

// CancelPrefix stops every pending timer whose key starts with prefix and
// returns how many were stopped
func (d *Invalidator) CancelPrefix(prefix string) int {
	return d.CancelMatching(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// CancelMatching stops every pending timer whose key satisfies match
func (d *Invalidator) CancelMatching(match func(key string) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for key := range d.pending {
		if match(key) && d.cancelLocked(key) {
			n++
		}
	}
	return n
}

func (d *Invalidator) cancelLocked(key string) bool {
	p, ok := d.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, key)
	d.metrics.DebounceCancelled.Inc()
	return true
}

// Pending reports whether key has a running quiet period
func (d *Invalidator) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Len returns the number of keys with a running quiet period
func (d *Invalidator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops every pending timer; later notifies are ignored
func (d *Invalidator) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.closed = true
}
