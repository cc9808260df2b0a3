// Package memory is an in-process change transport. Changes published on the
// hub are delivered synchronously to every subscribed channel whose filters
// match, in publish order.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/Chrisleo-16/xtent-sub002/internal/transport"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure Hub implements transport.Transport
var _ transport.Transport = (*Hub)(nil)

// Hub is an in-memory implementation of transport.Transport
type Hub struct {
	mu       sync.RWMutex
	channels map[*Channel]struct{}
	logger   zerolog.Logger

	// accounting
	opened       int
	unsubscribes int
	removed      int
	maxOpen      map[string]int

	// fault injection
	blockUnsubscribe bool
	rejectSubscribe  error
}

// NewHub creates a new in-memory hub
func NewHub() *Hub {
	return &Hub{
		channels: make(map[*Channel]struct{}),
		maxOpen:  make(map[string]int),
		logger:   log.With().Str("component", "transport-memory").Logger(),
	}
}

// OpenChannel creates a channel registered with the hub
func (h *Hub) OpenChannel(name string) transport.Channel {
	ch := &Channel{hub: h, name: name}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.channels[ch] = struct{}{}
	h.opened++

	scope := scopeOf(name)
	open := 0
	for other := range h.channels {
		if scopeOf(other.name) == scope {
			open++
		}
	}
	if open > h.maxOpen[scope] {
		h.maxOpen[scope] = open
	}

	return ch
}

// RemoveChannel forgets a channel
func (h *Hub) RemoveChannel(tc transport.Channel) error {
	ch, ok := tc.(*Channel)
	if !ok {
		return transport.ErrUnknownChannel
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.channels[ch]; !ok {
		return transport.ErrUnknownChannel
	}
	delete(h.channels, ch)
	h.removed++

	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()

	return nil
}

// Publish delivers a change to every subscribed channel with a matching filter
func (h *Hub) Publish(change *realtime.Change) {
	h.mu.RLock()
	channels := make([]*Channel, 0, len(h.channels))
	for ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.RUnlock()

	for _, ch := range channels {
		ch.deliver(change)
	}
}

// Fail reports CHANNEL_ERROR to every subscribed channel whose name starts
// with prefix, simulating a dropped connection
func (h *Hub) Fail(prefix string, err error) {
	h.mu.RLock()
	var failing []*Channel
	for ch := range h.channels {
		if strings.HasPrefix(ch.name, prefix) {
			failing = append(failing, ch)
		}
	}
	h.mu.RUnlock()

	for _, ch := range failing {
		ch.fail(err)
	}
}

// BlockUnsubscribe makes Unsubscribe wait for its context instead of
// acknowledging
func (h *Hub) BlockUnsubscribe(block bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blockUnsubscribe = block
}

// RejectSubscribe makes subsequent subscriptions fail with CHANNEL_ERROR.
// A nil error restores normal behaviour.
func (h *Hub) RejectSubscribe(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejectSubscribe = err
}

// Stats reports channel accounting
type Stats struct {
	Opened       int
	Open         int
	Unsubscribes int
	Removed      int
}

// Stats returns the hub accounting counters
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Opened:       h.opened,
		Open:         len(h.channels),
		Unsubscribes: h.unsubscribes,
		Removed:      h.removed,
	}
}

// MaxOpen returns the highest number of simultaneously open channels seen
// for a scope key
func (h *Hub) MaxOpen(scopeKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.maxOpen[scopeKey]
}

// OpenNames returns the names of the channels currently open
func (h *Hub) OpenNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.channels))
	for ch := range h.channels {
		names = append(names, ch.name)
	}
	return names
}

// scopeOf strips the instance suffix appended after the last colon
func scopeOf(name string) string {
	if i := strings.LastIndex(name, ":"); i > 0 {
		return name[:i]
	}
	return name
}

type listener struct {
	filter realtime.Filter
	cb     transport.ChangeCallback
}

// Channel is a channel on the in-memory hub
type Channel struct {
	hub        *Hub
	name       string
	mu         sync.Mutex
	listeners  []listener
	statusCb   transport.StatusCallback
	subscribed bool
	closed     bool
}

// Name returns the channel name
func (c *Channel) Name() string {
	return c.name
}

// On attaches a filter
func (c *Channel) On(filter realtime.Filter, cb transport.ChangeCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener{filter: filter, cb: cb})
}

// Subscribe confirms the subscription asynchronously, the way a remote
// transport would
func (c *Channel) Subscribe(cb transport.StatusCallback) {
	c.mu.Lock()
	c.statusCb = cb
	c.mu.Unlock()

	c.hub.mu.RLock()
	reject := c.hub.rejectSubscribe
	c.hub.mu.RUnlock()

	go func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if reject == nil {
			c.subscribed = true
		}
		c.mu.Unlock()

		if reject != nil {
			cb(realtime.StatusChannelError, reject)
			return
		}
		cb(realtime.StatusSubscribed, nil)
	}()
}

// Unsubscribe stops delivery and reports CLOSED
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.hub.mu.Lock()
	block := c.hub.blockUnsubscribe
	c.hub.unsubscribes++
	c.hub.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}

	c.mu.Lock()
	wasSubscribed := c.subscribed
	c.subscribed = false
	c.closed = true
	cb := c.statusCb
	c.mu.Unlock()

	if wasSubscribed && cb != nil {
		cb(realtime.StatusClosed, nil)
	}
	return nil
}

func (c *Channel) deliver(change *realtime.Change) {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	listeners := make([]listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		if l.filter.Matches(change) {
			l.cb(change)
		}
	}
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	c.subscribed = false
	cb := c.statusCb
	c.mu.Unlock()

	c.hub.logger.Debug().Str("channel", c.name).Err(err).Msg("Injecting channel error")
	if cb != nil {
		cb(realtime.StatusChannelError, err)
	}
}
