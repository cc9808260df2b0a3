package relay

import (
	"sync"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/metrics"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BroadcastBuffer batches published changes and fans them out to every
// subscriber on a flush interval, or sooner once the batch is full
type BroadcastBuffer struct {
	bufferSize    int
	flushInterval time.Duration

	subscribers     map[string]chan *realtime.Change
	subscribersLock sync.RWMutex
	onOverflow      func(id string)

	current     []*realtime.Change
	currentLock sync.Mutex

	forceFlush chan struct{}
	close      chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewBroadcastBuffer creates a broadcast buffer and starts its flush loop
func NewBroadcastBuffer(bufferSize int, flushInterval time.Duration) *BroadcastBuffer {
	b := &BroadcastBuffer{
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		subscribers:   make(map[string]chan *realtime.Change),
		current:       make([]*realtime.Change, 0, bufferSize),
		forceFlush:    make(chan struct{}, 1),
		close:         make(chan struct{}),
		done:          make(chan struct{}),
		logger:        log.With().Str("component", "relay-broadcast").Logger(),
		metrics:       metrics.GetMetrics(),
	}

	go b.flushLoop()

	return b
}

// Subscribe adds a subscriber with a channel of the given capacity
func (b *BroadcastBuffer) Subscribe(id string, buffer int) <-chan *realtime.Change {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	ch := make(chan *realtime.Change, buffer)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel
func (b *BroadcastBuffer) Unsubscribe(id string) {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// OnOverflow sets the function called, in its own goroutine, with the id of
// a subscriber whose channel filled up. The subscriber is already removed.
func (b *BroadcastBuffer) OnOverflow(fn func(id string)) {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()
	b.onOverflow = fn
}

// Subscribers returns the number of subscribers
func (b *BroadcastBuffer) Subscribers() int {
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()
	return len(b.subscribers)
}

// Publish queues a change for the next flush
func (b *BroadcastBuffer) Publish(change *realtime.Change) {
	b.currentLock.Lock()
	defer b.currentLock.Unlock()

	b.current = append(b.current, change)

	if len(b.current) >= b.bufferSize {
		select {
		case b.forceFlush <- struct{}{}:
		default:
		}
	}
}

func (b *BroadcastBuffer) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.forceFlush:
			b.flush()
		case <-b.close:
			b.flush()
			return
		}
	}
}

// flush delivers the queued batch in publish order. A subscriber whose
// channel is full is removed rather than handed a stream with a gap.
func (b *BroadcastBuffer) flush() {
	b.currentLock.Lock()
	batch := b.current
	if len(batch) == 0 {
		b.currentLock.Unlock()
		return
	}
	b.current = make([]*realtime.Change, 0, b.bufferSize)
	b.currentLock.Unlock()

	overflowed, subscribers := b.deliver(batch)
	if len(overflowed) == 0 {
		return
	}

	b.subscribersLock.Lock()
	fn := b.onOverflow
	for _, id := range overflowed {
		if ch, ok := b.subscribers[id]; ok {
			close(ch)
			delete(b.subscribers, id)
		}
	}
	b.subscribersLock.Unlock()

	for _, id := range overflowed {
		b.logger.Warn().
			Str("subscriber_id", id).
			Int("subscribers", subscribers).
			Msg("Subscriber channel is full, dropping subscriber")
		if fn != nil {
			go fn(id)
		}
	}
}

// deliver sends batch to every subscriber and returns the ones that could
// not take all of it
func (b *BroadcastBuffer) deliver(batch []*realtime.Change) ([]string, int) {
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()

	if len(b.subscribers) == 0 {
		return nil, 0
	}

	start := time.Now()
	var overflowed []string
	for id, ch := range b.subscribers {
		for _, change := range batch {
			select {
			case ch <- change:
				continue
			default:
			}
			overflowed = append(overflowed, id)
			break
		}
	}

	delay := time.Since(start)
	b.metrics.RelayFlushDelay.Observe(delay.Seconds())

	if delay > 100*time.Millisecond {
		b.logger.Warn().
			Dur("delay", delay).
			Int("changes", len(batch)).
			Int("subscribers", len(b.subscribers)).
			Int("overflowed", len(overflowed)).
			Msg("High latency in broadcast flush")
	}
	return overflowed, len(b.subscribers)
}

// Close flushes what is queued and closes every subscriber channel
func (b *BroadcastBuffer) Close() error {
	b.closeOnce.Do(func() {
		close(b.close)
		<-b.done

		b.subscribersLock.Lock()
		defer b.subscribersLock.Unlock()
		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
		}
	})
	return nil
}
