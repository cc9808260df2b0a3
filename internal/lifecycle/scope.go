package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/Chrisleo-16/xtent-sub002/internal/transport"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
)

type messageKind int

const (
	msgAcquire messageKind = iota
	msgRelease
	msgAddListener
	msgObserve
	msgStatus
	msgChange
	msgTeardown
)

// message is one entry of a scope mailbox
type message struct {
	kind      messageKind
	handle    *Handle
	listeners []*listenerReg
	observer  func(Status)
	instance  string
	status    realtime.Status
	err       error
	change    *realtime.Change
	target    string
	done      chan struct{}
}

type listenerReg struct {
	id       string
	handleID string
	filter   realtime.Filter
	cb       transport.ChangeCallback
}

// scope serializes everything that happens to one scope key: a single
// goroutine drains a FIFO mailbox, and only that goroutine touches the
// transport channel or the fields below the mailbox.
type scope struct {
	key      string
	registry *Registry

	// mailbox
	mbMu   sync.Mutex
	queue  []message
	signal chan struct{}
	dead   bool

	// owned by the run goroutine
	state      State
	channel    transport.Channel
	instance   string
	generation int
	handles    map[string]*Handle
	listeners  []*listenerReg
	observers  map[string][]func(Status)
	lastErr    error

	// published view for readers outside the run goroutine
	viewMu sync.RWMutex
	view   ScopeInfo
	status Status
}

func newScope(r *Registry, key string) *scope {
	s := &scope{
		key:       key,
		registry:  r,
		signal:    make(chan struct{}, 1),
		handles:   make(map[string]*Handle),
		observers: make(map[string][]func(Status)),
	}
	s.publish()
	return s
}

// enqueue appends to the mailbox. It never blocks and reports false once the
// scope is gone.
func (s *scope) enqueue(m message) bool {
	s.mbMu.Lock()
	if s.dead {
		s.mbMu.Unlock()
		return false
	}
	s.queue = append(s.queue, m)
	s.mbMu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *scope) next() (message, bool) {
	s.mbMu.Lock()
	defer s.mbMu.Unlock()
	if len(s.queue) == 0 {
		return message{}, false
	}
	m := s.queue[0]
	s.queue[0] = message{}
	s.queue = s.queue[1:]
	return m, true
}

func (s *scope) run() {
	defer s.registry.wg.Done()

	for range s.signal {
		for {
			m, ok := s.next()
			if !ok {
				break
			}
			s.handle(m)

			if len(s.handles) == 0 && s.state == StateIdle && s.registry.destroy(s) {
				s.registry.logger.Debug().Str("scope", s.key).Msg("Scope released")
				return
			}
		}
	}
}

func (s *scope) handle(m message) {
	switch m.kind {
	case msgAcquire:
		s.onAcquire(m.handle, m.listeners)
	case msgRelease:
		s.onRelease(m.handle)
	case msgAddListener:
		s.onAddListener(m.handle, m.listeners)
	case msgObserve:
		s.onObserve(m.handle, m.observer)
	case msgStatus:
		s.onStatus(m.instance, m.status, m.err)
	case msgChange:
		s.onChange(m.instance, m.target, m.change)
	case msgTeardown:
		s.onTeardown()
		close(m.done)
	}
}

func (s *scope) onAcquire(h *Handle, regs []*listenerReg) {
	if h.released.Load() {
		// released before the acquire was processed
		return
	}
	s.handles[h.id] = h
	s.listeners = append(s.listeners, regs...)

	switch s.state {
	case StateIdle:
		s.subscribe()
	case StateSubscribing, StateSubscribed:
		for _, l := range regs {
			s.attach(l)
		}
	}
	s.publish()
}

func (s *scope) onRelease(h *Handle) {
	if _, ok := s.handles[h.id]; !ok {
		return
	}
	delete(s.handles, h.id)
	delete(s.observers, h.id)

	kept := s.listeners[:0]
	for _, l := range s.listeners {
		if l.handleID != h.id {
			kept = append(kept, l)
		}
	}
	for i := len(kept); i < len(s.listeners); i++ {
		s.listeners[i] = nil
	}
	s.listeners = kept

	if len(s.handles) == 0 && s.channel != nil {
		s.unsubscribe()
	}
	s.publish()
}

func (s *scope) onAddListener(h *Handle, regs []*listenerReg) {
	if _, ok := s.handles[h.id]; !ok {
		return
	}
	s.listeners = append(s.listeners, regs...)
	if s.channel != nil {
		for _, l := range regs {
			s.attach(l)
		}
	}
	s.publish()
}

func (s *scope) onObserve(h *Handle, fn func(Status)) {
	if _, ok := s.handles[h.id]; !ok {
		fn(Status{State: StateIdle, Err: ErrTornDown})
		return
	}
	s.observers[h.id] = append(s.observers[h.id], fn)
	fn(s.currentStatus())
}

func (s *scope) onStatus(instance string, status realtime.Status, err error) {
	if s.channel == nil || instance != s.instance {
		// late callback from an abandoned instance
		return
	}

	logger := s.registry.logger.With().Str("scope", s.key).Str("instance", instance).Logger()

	switch status {
	case realtime.StatusSubscribed:
		if s.state != StateSubscribing {
			return
		}
		s.lastErr = nil
		s.setState(StateSubscribed)
		logger.Debug().Int("generation", s.generation).Msg("Channel subscribed")

	case realtime.StatusClosed, realtime.StatusChannelError:
		if err == nil {
			err = ErrChannelClosed
		}
		logger.Warn().Err(err).Str("status", string(status)).Msg("Channel failed, abandoning instance")
		s.registry.metrics.TransportErrors.WithLabelValues(string(status)).Inc()

		ch := s.channel
		s.channel = nil
		s.instance = ""
		s.lastErr = err
		s.removeChannel(ch)
		s.setState(StateIdle)
	}
}

func (s *scope) onChange(instance, listenerID string, change *realtime.Change) {
	if s.channel == nil || instance != s.instance {
		return
	}
	for _, l := range s.listeners {
		if l.id != listenerID {
			continue
		}
		if l.cb != nil {
			s.invoke(l, change)
		}
		return
	}
}

func (s *scope) onTeardown() {
	for id, h := range s.handles {
		h.released.Store(true)
		delete(s.handles, id)
	}
	observers := s.observers
	s.observers = make(map[string][]func(Status))
	s.listeners = nil

	if s.channel != nil {
		s.unsubscribe()
	}

	torn := Status{State: StateIdle, Err: ErrTornDown, Generation: s.generation}
	for _, fns := range observers {
		for _, fn := range fns {
			fn(torn)
		}
	}
	s.publish()
}

// subscribe opens a fresh channel instance: Idle -> Subscribing
func (s *scope) subscribe() {
	if s.state != StateIdle {
		return
	}
	r := s.registry

	s.generation++
	s.instance = s.key + ":" + newInstanceSuffix()
	s.channel = r.transport.OpenChannel(s.instance)
	s.lastErr = nil
	r.metrics.ChannelsOpened.Inc()
	r.metrics.ChannelsOpen.Inc()

	s.setState(StateSubscribing)

	for _, l := range s.listeners {
		s.attach(l)
	}

	instance := s.instance
	s.channel.Subscribe(func(status realtime.Status, err error) {
		s.enqueue(message{kind: msgStatus, instance: instance, status: status, err: err})
	})

	r.logger.Debug().
		Str("scope", s.key).
		Str("instance", instance).
		Int("listeners", len(s.listeners)).
		Msg("Opening channel")
}

// unsubscribe closes the current instance: Subscribing/Subscribed ->
// Unsubscribing -> Idle. It blocks the scope until the transport acknowledges
// or the timeout forces idle; requests arriving meanwhile stay queued.
func (s *scope) unsubscribe() {
	r := s.registry
	ch := s.channel
	instance := s.instance

	s.channel = nil
	s.instance = ""
	s.setState(StateUnsubscribing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- ch.Unsubscribe(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			r.logger.Warn().Err(err).Str("scope", s.key).Str("instance", instance).Msg("Unsubscribe failed")
		}
	case <-r.config.Clock.After(r.config.UnsubscribeTimeout):
		r.metrics.TeardownTimeouts.Inc()
		r.logger.Warn().
			Str("scope", s.key).
			Str("instance", instance).
			Dur("timeout", r.config.UnsubscribeTimeout).
			Msg("Unsubscribe not acknowledged, forcing idle")
	}

	s.removeChannel(ch)
	s.setState(StateIdle)
}

func (s *scope) removeChannel(ch transport.Channel) {
	r := s.registry
	if err := r.transport.RemoveChannel(ch); err != nil {
		r.logger.Debug().Err(err).Str("scope", s.key).Str("channel", ch.Name()).Msg("Remove channel failed")
	}
	r.metrics.ChannelsOpen.Dec()
}

func (s *scope) attach(l *listenerReg) {
	instance := s.instance
	id := l.id
	s.channel.On(l.filter, func(change *realtime.Change) {
		s.enqueue(message{kind: msgChange, instance: instance, target: id, change: change})
	})
}

func (s *scope) invoke(l *listenerReg, change *realtime.Change) {
	defer func() {
		if rec := recover(); rec != nil {
			s.registry.logger.Error().
				Str("scope", s.key).
				Str("filter", l.filter.String()).
				Err(fmt.Errorf("listener panic: %v", rec)).
				Msg("Listener failed")
		}
	}()
	s.registry.metrics.ListenerEventsDispatched.Inc()
	l.cb(change)
}

func (s *scope) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.registry.metrics.ScopeTransitions.WithLabelValues(state.String()).Inc()

	s.publish()

	status := s.currentStatus()
	for _, fns := range s.observers {
		for _, fn := range fns {
			fn(status)
		}
	}
}

func (s *scope) currentStatus() Status {
	return Status{
		State:        s.state,
		Disconnected: s.lastErr != nil,
		Err:          s.lastErr,
		Instance:     s.instance,
		Generation:   s.generation,
	}
}

func (s *scope) publish() {
	status := s.currentStatus()

	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	s.status = status
	s.view = ScopeInfo{
		Key:          s.key,
		State:        s.state.String(),
		Instance:     s.instance,
		Generation:   s.generation,
		Refs:         len(s.handles),
		Listeners:    len(s.listeners),
		Disconnected: status.Disconnected,
	}
}

func (s *scope) info() ScopeInfo {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

func (s *scope) snapshotStatus() Status {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.status
}
