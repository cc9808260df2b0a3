// Package relay is the reference change transport server. Clients connect
// over a websocket, join topics with a set of row filters, and receive every
// published change matching one of a topic's filters as a change frame.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/metrics"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Config contains relay configuration
type Config struct {
	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Interval between server heartbeats
	HeartbeatInterval time.Duration

	// Broadcast buffer size for batching changes
	BroadcastBufferSize int

	// Flush interval for broadcast buffer
	BroadcastFlushInterval time.Duration

	// Per client queue of changes awaiting delivery
	ClientBufferSize int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxIdleTime:            60 * time.Second,
		HeartbeatInterval:      15 * time.Second,
		BroadcastBufferSize:    200,
		BroadcastFlushInterval: 20 * time.Millisecond,
		ClientBufferSize:       256,
	}
}

// Path is the websocket endpoint
const Path = "/realtime"

// TopicInfo is a diagnostic view of one joined topic
type TopicInfo struct {
	Topic   string   `json:"topic"`
	Clients int      `json:"clients"`
	Filters []string `json:"filters"`
}

var errClientClosed = errors.New("client connection closed")

// client is one connected websocket
type client struct {
	id        string
	send      func(msg realtime.Message) error
	closeConn func() error
	writeMu   sync.Mutex
	closed    bool

	mu         sync.Mutex
	topics     map[string][]realtime.Filter
	lastActive time.Time
}

func (c *client) write(msg realtime.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errClientClosed
	}
	return c.send(msg)
}

// close drops the connection once; later writes fail
func (c *client) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.closeConn != nil {
		if err := c.closeConn(); err != nil {
			log.Debug().Err(err).Str("client_id", c.id).Msg("Error closing client connection")
		}
	}
}

// joined returns the client's topics in order
func (c *client) joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// matching returns the joined topics with a filter matching change
func (c *client) matching(change *realtime.Change) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var topics []string
	for topic, filters := range c.topics {
		for _, f := range filters {
			if f.Matches(change) {
				topics = append(topics, topic)
				break
			}
		}
	}
	sort.Strings(topics)
	return topics
}

// Relay fans published changes out to connected clients
type Relay struct {
	config  Config
	buffer  *BroadcastBuffer
	clients map[string]*client
	mu      sync.RWMutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewRelay creates a relay
func NewRelay(config Config) *Relay {
	defaults := DefaultConfig()
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.BroadcastBufferSize == 0 {
		config.BroadcastBufferSize = defaults.BroadcastBufferSize
	}
	if config.BroadcastFlushInterval == 0 {
		config.BroadcastFlushInterval = defaults.BroadcastFlushInterval
	}
	if config.ClientBufferSize == 0 {
		config.ClientBufferSize = defaults.ClientBufferSize
	}

	r := &Relay{
		config:  config,
		buffer:  NewBroadcastBuffer(config.BroadcastBufferSize, config.BroadcastFlushInterval),
		clients: make(map[string]*client),
		logger:  log.With().Str("component", "relay").Logger(),
		metrics: metrics.GetMetrics(),
	}

	// a client that missed changes can no longer trust its topics
	r.buffer.OnOverflow(func(clientID string) {
		r.failClient(clientID, realtime.StatusChannelError, "client fell behind the change stream")
	})
	return r
}

// Start consumes changes into the relay and runs the heartbeat and idle
// cleanup loops until ctx is done or Shutdown is called
func (r *Relay) Start(ctx context.Context, changes <-chan *realtime.Change) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.logger.Info().Msg("Starting relay")

	if changes != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case change, ok := <-changes:
					if !ok {
						r.logger.Info().Msg("Change stream closed")
						return
					}
					r.Publish(change)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	r.wg.Add(2)
	go r.cleanupIdleClients(ctx)
	go r.sendHeartbeats(ctx)
}

// Publish queues a change for every client with a matching topic filter
func (r *Relay) Publish(change *realtime.Change) {
	if change == nil {
		return
	}
	r.buffer.Publish(change)
}

// RegisterHandlers mounts the websocket endpoint, a health check and the
// Prometheus metrics on a Fiber app
func (r *Relay) RegisterHandlers(app *fiber.App) {
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})
	app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})

	app.Use(Path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get(Path, websocket.New(r.serve))
}

// serve runs one connection; the connection closes when it returns
func (r *Relay) serve(conn *websocket.Conn) {
	c := r.attach(
		func(msg realtime.Message) error { return conn.WriteJSON(msg) },
		func() error {
			// fasthttp releases a hijacked connection only after the handler
			// returns, so end the read loop instead of closing the socket
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				r.logger.Debug().Err(err).Msg("Failed to write close frame")
			}
			return conn.SetReadDeadline(time.Now())
		},
	)
	defer r.removeClient(c.id)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket read error")
			return
		}
		c.touch()
		if messageType == websocket.TextMessage {
			r.handleMessage(c, data)
		}
	}
}

// attach registers a client and starts delivering changes to it
func (r *Relay) attach(send func(realtime.Message) error, closeConn func() error) *client {
	c := &client{
		id:         uuid.NewString(),
		send:       send,
		closeConn:  closeConn,
		topics:     make(map[string][]realtime.Filter),
		lastActive: time.Now(),
	}

	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()
	r.metrics.RelayConnectionsActive.Inc()

	events := r.buffer.Subscribe(c.id, r.config.ClientBufferSize)
	go r.writeLoop(c, events)

	r.logger.Debug().Str("client_id", c.id).Msg("Client connected")
	return c
}

func (r *Relay) writeLoop(c *client, events <-chan *realtime.Change) {
	for change := range events {
		for _, topic := range c.matching(change) {
			if err := c.write(realtime.Message{Type: realtime.MsgChange, Topic: topic, Change: change}); err != nil {
				r.logger.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket write error")
				go r.removeClient(c.id)
				return
			}
			r.metrics.RelayChangesPublished.WithLabelValues(change.Resource).Inc()
		}
	}
}

// handleMessage applies one client frame and writes the reply
func (r *Relay) handleMessage(c *client, data []byte) {
	var msg realtime.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Debug().Err(err).Str("client_id", c.id).Msg("Failed to parse client message")
		r.reply(c, msg, "malformed message")
		return
	}

	switch msg.Type {
	case realtime.MsgJoin:
		if msg.Topic == "" {
			r.reply(c, msg, "topic is required")
			return
		}
		if err := validateFilters(msg.Filters); err != nil {
			r.reply(c, msg, err.Error())
			return
		}
		c.mu.Lock()
		c.topics[msg.Topic] = append([]realtime.Filter(nil), msg.Filters...)
		c.mu.Unlock()

		r.logger.Debug().
			Str("client_id", c.id).
			Str("topic", msg.Topic).
			Int("filters", len(msg.Filters)).
			Msg("Client joined topic")
		r.reply(c, msg, "")

	case realtime.MsgListen:
		if err := validateFilters(msg.Filters); err != nil {
			r.reply(c, msg, err.Error())
			return
		}
		c.mu.Lock()
		filters, joined := c.topics[msg.Topic]
		if joined {
			c.topics[msg.Topic] = append(filters, msg.Filters...)
		}
		c.mu.Unlock()

		if !joined {
			r.reply(c, msg, "topic not joined")
			return
		}
		r.reply(c, msg, "")

	case realtime.MsgLeave:
		c.mu.Lock()
		delete(c.topics, msg.Topic)
		c.mu.Unlock()

		r.logger.Debug().Str("client_id", c.id).Str("topic", msg.Topic).Msg("Client left topic")
		r.reply(c, msg, "")

	case realtime.MsgHeartbeat:
		// keepalive only

	default:
		r.logger.Debug().
			Str("client_id", c.id).
			Str("type", string(msg.Type)).
			Msg("Unknown client message")
		r.reply(c, msg, "unknown message type")
	}
}

func (r *Relay) reply(c *client, req realtime.Message, errMsg string) {
	if req.Ref == "" {
		return
	}
	out := realtime.Message{
		Type:   realtime.MsgReply,
		Topic:  req.Topic,
		Ref:    req.Ref,
		Status: realtime.ReplyOK,
	}
	if errMsg != "" {
		out.Status = realtime.ReplyError
		out.Error = errMsg
	}
	if err := c.write(out); err != nil {
		r.logger.Debug().Err(err).Str("client_id", c.id).Msg("Failed to write reply")
	}
}

func validateFilters(filters []realtime.Filter) error {
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// removeClient drops a client and closes its connection
func (r *Relay) removeClient(clientID string) {
	r.mu.Lock()
	c, exists := r.clients[clientID]
	if exists {
		delete(r.clients, clientID)
	}
	r.mu.Unlock()

	if !exists {
		return
	}

	r.buffer.Unsubscribe(clientID)
	c.close()
	r.metrics.RelayConnectionsActive.Dec()

	r.logger.Debug().Str("client_id", clientID).Msg("Client removed")
}

// failClient writes a status frame for each joined topic of a client, then
// drops it
func (r *Relay) failClient(clientID string, status realtime.Status, reason string) {
	r.mu.RLock()
	c, exists := r.clients[clientID]
	r.mu.RUnlock()
	if !exists {
		return
	}

	for _, topic := range c.joined() {
		if err := c.write(realtime.Message{
			Type:   realtime.MsgStatus,
			Topic:  topic,
			Status: string(status),
			Error:  reason,
		}); err != nil {
			r.logger.Debug().Err(err).Str("client_id", clientID).Msg("Failed to write status")
			break
		}
	}

	if status == realtime.StatusChannelError {
		r.logger.Warn().Str("client_id", clientID).Str("reason", reason).Msg("Failing client channels")
	}
	r.removeClient(clientID)
}

// FailAll reports a channel error on every joined topic and drops every
// client; reconnecting clients reload their state
func (r *Relay) FailAll(reason string) {
	for _, id := range r.clientIDs() {
		r.failClient(id, realtime.StatusChannelError, reason)
	}
}

func (r *Relay) clientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// Clients returns the number of connected clients
func (r *Relay) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Topics lists joined topics with their client count and filters
func (r *Relay) Topics() []TopicInfo {
	r.mu.RLock()
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	byTopic := make(map[string]*TopicInfo)
	seen := make(map[string]map[string]struct{})
	for _, c := range clients {
		c.mu.Lock()
		for topic, filters := range c.topics {
			info, ok := byTopic[topic]
			if !ok {
				info = &TopicInfo{Topic: topic, Filters: []string{}}
				byTopic[topic] = info
				seen[topic] = make(map[string]struct{})
			}
			info.Clients++
			for _, f := range filters {
				s := f.String()
				if _, dup := seen[topic][s]; !dup {
					seen[topic][s] = struct{}{}
					info.Filters = append(info.Filters, s)
				}
			}
		}
		c.mu.Unlock()
	}

	out := make([]TopicInfo, 0, len(byTopic))
	for _, info := range byTopic {
		sort.Strings(info.Filters)
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// cleanupIdleClients periodically removes idle clients
func (r *Relay) cleanupIdleClients(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.performClientCleanup()
		case <-ctx.Done():
			return
		}
	}
}

// performClientCleanup removes clients that have been idle for too long
func (r *Relay) performClientCleanup() {
	now := time.Now()
	var idle []string

	r.mu.RLock()
	for id, c := range r.clients {
		c.mu.Lock()
		lastActive := c.lastActive
		c.mu.Unlock()

		if now.Sub(lastActive) > r.config.MaxIdleTime {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		r.removeClient(id)
		r.logger.Debug().Str("client_id", id).Msg("Removed idle client")
	}
}

// sendHeartbeats periodically writes a heartbeat frame to every client
func (r *Relay) sendHeartbeats(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	heartbeat := realtime.Message{Type: realtime.MsgHeartbeat}
	for {
		select {
		case <-ticker.C:
			r.mu.RLock()
			clients := make([]*client, 0, len(r.clients))
			for _, c := range r.clients {
				clients = append(clients, c)
			}
			r.mu.RUnlock()

			for _, c := range clients {
				if err := c.write(heartbeat); err != nil {
					r.logger.Debug().Err(err).Str("client_id", c.id).Msg("Failed to write heartbeat")
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// Shutdown tells every client its topics are closed, drops all connections
// and stops the background loops
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info().Msg("Shutting down relay")

	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	if err := r.buffer.Close(); err != nil {
		r.logger.Error().Err(err).Msg("Error closing broadcast buffer")
	}

	ids := r.clientIDs()
	for _, id := range ids {
		r.failClient(id, realtime.StatusClosed, "relay shutting down")
	}
	r.logger.Info().Int("closed_clients", len(ids)).Msg("All client connections closed")

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
