// Package websocket is a change transport speaking the relay protocol. All
// channels of a Transport share one lazily dialled socket; each channel is a
// topic on it.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/transport"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure Transport implements transport.Transport
var _ transport.Transport = (*Transport)(nil)

var (
	// ErrClosed is reported after Close
	ErrClosed = errors.New("websocket transport: closed")

	// ErrConnectionLost is reported to joined channels when the socket drops
	ErrConnectionLost = errors.New("websocket transport: connection lost")

	// ErrAckTimeout is reported when the relay does not answer a request in time
	ErrAckTimeout = errors.New("websocket transport: no reply from relay")
)

// Config contains transport configuration
type Config struct {
	// URL of the relay websocket endpoint, e.g. ws://localhost:8081/realtime
	URL string

	// Header is sent with the websocket handshake
	Header http.Header

	DialTimeout       time.Duration
	AckTimeout        time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:8081/realtime",
		DialTimeout:       10 * time.Second,
		AckTimeout:        10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
	}
}

// conn is one live socket
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

func (c *conn) write(msg realtime.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Transport multiplexes channels over a single websocket
type Transport struct {
	config Config
	dialer *websocket.Dialer

	dialMu sync.Mutex
	mu     sync.Mutex
	conn   *conn
	closed bool

	channels map[string]*Channel
	pending  map[string]chan realtime.Message
	ref      atomic.Uint64

	logger zerolog.Logger
}

// New creates a transport; nothing is dialled until a channel subscribes
func New(config Config) *Transport {
	defaults := DefaultConfig()
	if config.DialTimeout == 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.AckTimeout == 0 {
		config.AckTimeout = defaults.AckTimeout
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}

	return &Transport{
		config:   config,
		dialer:   &websocket.Dialer{HandshakeTimeout: config.DialTimeout},
		channels: make(map[string]*Channel),
		pending:  make(map[string]chan realtime.Message),
		logger:   log.With().Str("component", "transport-websocket").Str("url", config.URL).Logger(),
	}
}

// OpenChannel creates a channel for the topic name
func (t *Transport) OpenChannel(name string) transport.Channel {
	ch := &Channel{t: t, name: name}

	t.mu.Lock()
	t.channels[name] = ch
	t.mu.Unlock()

	return ch
}

// RemoveChannel forgets a channel
func (t *Transport) RemoveChannel(tc transport.Channel) error {
	ch, ok := tc.(*Channel)
	if !ok {
		return transport.ErrUnknownChannel
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.channels[ch.name] != ch {
		return transport.ErrUnknownChannel
	}
	delete(t.channels, ch.name)

	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	return nil
}

// Connected reports whether the socket is up
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Close drops the socket; joined channels see CHANNEL_ERROR
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	c := t.conn
	t.mu.Unlock()

	if c == nil {
		return nil
	}
	err := c.ws.Close()
	<-c.done
	return err
}

// connect returns the live socket, dialling it first if needed
func (t *Transport) connect(ctx context.Context) (*conn, error) {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.conn != nil {
		c := t.conn
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
	defer cancel()

	ws, _, err := t.dialer.DialContext(ctx, t.config.URL, t.config.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	c := &conn{ws: ws, done: make(chan struct{})}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ws.Close()
		return nil, ErrClosed
	}
	t.conn = c
	t.mu.Unlock()

	go t.readLoop(c)
	go t.heartbeatLoop(c)

	t.logger.Info().Msg("Connected to relay")
	return c, nil
}

// request writes msg with a fresh ref and waits for the matching reply
func (t *Transport) request(ctx context.Context, c *conn, msg realtime.Message) error {
	msg.Ref = strconv.FormatUint(t.ref.Add(1), 10)
	reply := make(chan realtime.Message, 1)

	t.mu.Lock()
	t.pending[msg.Ref] = reply
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, msg.Ref)
		t.mu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}

	timer := time.NewTimer(t.config.AckTimeout)
	defer timer.Stop()

	select {
	case r := <-reply:
		if r.Status != realtime.ReplyOK {
			return realtime.NewError(fmt.Sprintf("%s %s rejected: %s", msg.Type, msg.Topic, r.Error))
		}
		return nil
	case <-c.done:
		return ErrConnectionLost
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) readLoop(c *conn) {
	defer close(c.done)

	var readErr error
	for {
		var msg realtime.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			readErr = err
			break
		}

		switch msg.Type {
		case realtime.MsgReply:
			t.mu.Lock()
			reply, ok := t.pending[msg.Ref]
			t.mu.Unlock()
			if ok {
				reply <- msg
			}

		case realtime.MsgChange:
			if ch := t.channel(msg.Topic); ch != nil && msg.Change != nil {
				ch.deliver(msg.Change)
			}

		case realtime.MsgStatus:
			if ch := t.channel(msg.Topic); ch != nil {
				err := ErrConnectionLost
				if msg.Error != "" {
					err = realtime.NewError(msg.Error)
				}
				ch.fail(realtime.Status(msg.Status), err)
			}

		case realtime.MsgHeartbeat:
			// keepalive only

		default:
			t.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown frame")
		}
	}

	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
	}
	channels := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	t.logger.Warn().Err(readErr).Int("channels", len(channels)).Msg("Relay connection lost")

	for _, ch := range channels {
		ch.fail(realtime.StatusChannelError, fmt.Errorf("%w: %v", ErrConnectionLost, readErr))
	}
}

func (t *Transport) heartbeatLoop(c *conn) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(realtime.Message{Type: realtime.MsgHeartbeat}); err != nil {
				t.logger.Debug().Err(err).Msg("Failed to write heartbeat")
			}
		case <-c.done:
			return
		}
	}
}

func (t *Transport) channel(name string) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[name]
}

type listener struct {
	filter realtime.Filter
	cb     transport.ChangeCallback
}

// Channel is one topic on the shared socket
type Channel struct {
	t    *Transport
	name string

	mu        sync.Mutex
	listeners []listener
	statusCb  transport.StatusCallback
	conn      *conn
	joined    bool
	closed    bool
}

// Name returns the topic name
func (ch *Channel) Name() string {
	return ch.name
}

// On attaches a filter. After the join it is sent to the relay as a listen
// request.
func (ch *Channel) On(filter realtime.Filter, cb transport.ChangeCallback) {
	ch.mu.Lock()
	ch.listeners = append(ch.listeners, listener{filter: filter, cb: cb})
	joined := ch.joined
	c := ch.conn
	ch.mu.Unlock()

	if !joined {
		return
	}

	go func() {
		msg := realtime.Message{Type: realtime.MsgListen, Topic: ch.name, Filters: []realtime.Filter{filter}}
		if err := ch.t.request(context.Background(), c, msg); err != nil {
			ch.t.logger.Warn().Err(err).Str("topic", ch.name).Str("filter", filter.String()).Msg("Listen failed")
		}
	}()
}

// Subscribe dials if needed and joins the topic with every attached filter
func (ch *Channel) Subscribe(cb transport.StatusCallback) {
	ch.mu.Lock()
	ch.statusCb = cb
	ch.mu.Unlock()

	go func() {
		c, err := ch.t.connect(context.Background())
		if err != nil {
			ch.report(realtime.StatusChannelError, err)
			return
		}

		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			return
		}
		filters := make([]realtime.Filter, 0, len(ch.listeners))
		for _, l := range ch.listeners {
			filters = append(filters, l.filter)
		}
		ch.conn = c
		ch.mu.Unlock()

		err = ch.t.request(context.Background(), c, realtime.Message{Type: realtime.MsgJoin, Topic: ch.name, Filters: filters})
		if err != nil {
			ch.report(realtime.StatusChannelError, err)
			return
		}

		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			return
		}
		ch.joined = true
		ch.mu.Unlock()

		ch.report(realtime.StatusSubscribed, nil)
	}()
}

// Unsubscribe leaves the topic and reports CLOSED
func (ch *Channel) Unsubscribe(ctx context.Context) error {
	ch.mu.Lock()
	joined := ch.joined
	c := ch.conn
	ch.joined = false
	ch.closed = true
	ch.mu.Unlock()

	if !joined {
		return nil
	}

	err := ch.t.request(ctx, c, realtime.Message{Type: realtime.MsgLeave, Topic: ch.name})
	ch.report(realtime.StatusClosed, nil)
	return err
}

func (ch *Channel) deliver(change *realtime.Change) {
	ch.mu.Lock()
	if !ch.joined {
		ch.mu.Unlock()
		return
	}
	listeners := make([]listener, len(ch.listeners))
	copy(listeners, ch.listeners)
	ch.mu.Unlock()

	for _, l := range listeners {
		if l.cb != nil && l.filter.Matches(change) {
			l.cb(change)
		}
	}
}

// fail ends a joined channel with a terminal status
func (ch *Channel) fail(status realtime.Status, err error) {
	ch.mu.Lock()
	if !ch.joined {
		ch.mu.Unlock()
		return
	}
	ch.joined = false
	ch.mu.Unlock()

	ch.report(status, err)
}

func (ch *Channel) report(status realtime.Status, err error) {
	ch.mu.Lock()
	cb := ch.statusCb
	ch.mu.Unlock()

	if cb != nil {
		cb(status, err)
	}
}
