// Package notifications keeps a user's notification feed current from
// row-change events: newest first, with an unread counter maintained per
// event and optimistic mark-as-read that rolls back exactly on failure.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/metrics"
	"github.com/Chrisleo-16/xtent-sub002/internal/querycache"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned for notifications not in the feed
	ErrNotFound = errors.New("notifications: notification not found")
)

// Store persists read state and lists a user's notifications, newest first
type Store interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]*realtime.Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) error
}

// Pusher raises an operating system or browser notification
type Pusher interface {
	Push(ctx context.Context, n *realtime.Notification) error
}

// PusherFunc adapts a function to Pusher
type PusherFunc func(ctx context.Context, n *realtime.Notification) error

// Push calls f
func (f PusherFunc) Push(ctx context.Context, n *realtime.Notification) error {
	return f(ctx, n)
}

// Config contains aggregator configuration
type Config struct {
	// Maximum number of notifications kept in the feed; zero keeps all.
	// The unread counter covers the kept notifications only.
	MaxItems int

	// Bound on a single push
	PushTimeout time.Duration

	// Pushes waiting for the pusher; further pushes are dropped
	PushQueueSize int
}

// DefaultConfig returns a default aggregator configuration
func DefaultConfig() Config {
	return Config{
		MaxItems:      50,
		PushTimeout:   5 * time.Second,
		PushQueueSize: 100,
	}
}

// pushedCapacity bounds the ids remembered as pushed
func pushedCapacity(maxItems int) int {
	if maxItems == 0 {
		return 4096
	}
	if n := 4 * maxItems; n > 64 {
		return n
	}
	return 64
}

// Filter returns the change filter selecting the notification rows of userID
func Filter(userID string) realtime.Filter {
	return realtime.Filter{
		Event:     realtime.EventAll,
		Resource:  realtime.NotificationsResource,
		Predicate: realtime.Eq("user_id", userID),
	}
}

// readTxn is one optimistic mark-as-read awaiting the store
type readTxn struct {
	ids []string

	// ids whose read state the server confirmed while the txn was pending
	confirmed map[string]bool
}

type replayed struct {
	typ realtime.EventType
	n   *realtime.Notification
}

// Aggregator is the notification feed of one user
type Aggregator struct {
	userID string
	config Config
	store  Store
	pusher Pusher

	mu      sync.Mutex
	items   []*realtime.Notification
	byID    map[string]*realtime.Notification
	unread  int
	pending map[string]*readTxn
	loaded  bool

	// changes seen while a Load is in flight
	loading int
	replay  []replayed

	observers map[int]chan struct{}
	nextObs   int

	// ids already pushed or listed, so redelivered inserts stay silent
	pushed *lru.Cache

	// pushes run on their own goroutine, in arrival order
	pushMu    sync.Mutex
	pushQueue []*realtime.Notification
	pushing   bool
	pushWG    sync.WaitGroup

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewAggregator creates the feed of userID. pusher may be nil.
func NewAggregator(userID string, store Store, pusher Pusher, config ...Config) *Aggregator {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}

	if cfg.MaxItems < 0 {
		cfg.MaxItems = 0
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultConfig().PushTimeout
	}
	if cfg.PushQueueSize <= 0 {
		cfg.PushQueueSize = DefaultConfig().PushQueueSize
	}

	// only fails for a non-positive size
	pushed, _ := lru.New(pushedCapacity(cfg.MaxItems))

	return &Aggregator{
		userID:    userID,
		config:    cfg,
		store:     store,
		pusher:    pusher,
		byID:      make(map[string]*realtime.Notification),
		pushed:    pushed,
		pending:   make(map[string]*readTxn),
		observers: make(map[int]chan struct{}),
		logger:    log.With().Str("component", "notifications").Str("user_id", userID).Logger(),
		metrics:   metrics.GetMetrics(),
	}
}

// UserID returns the feed owner
func (a *Aggregator) UserID() string {
	return a.userID
}

// Load replaces the feed with the store's current list. Changes applied
// while the listing is in flight are replayed on top of it.
func (a *Aggregator) Load(ctx context.Context) error {
	a.mu.Lock()
	a.loading++
	a.mu.Unlock()

	list, err := a.store.ListNotifications(ctx, a.userID, a.config.MaxItems)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.loading--
	replay := a.replay
	if a.loading == 0 {
		a.replay = nil
	}
	if err != nil {
		return fmt.Errorf("failed to load notifications: %w", err)
	}

	a.replaceLocked(list)
	for _, c := range replay {
		a.applyLocked(c.typ, c.n.Clone())
	}
	a.notifyLocked()
	return nil
}

// Replace swaps the feed for list. Notifications read locally stay read.
func (a *Aggregator) Replace(list []*realtime.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replaceLocked(list)
	a.notifyLocked()
}

func (a *Aggregator) replaceLocked(list []*realtime.Notification) {
	items := make([]*realtime.Notification, 0, len(list))
	byID := make(map[string]*realtime.Notification, len(list))
	for _, n := range list {
		if n == nil || n.Id == "" {
			continue
		}
		n = n.Clone()
		if prev, ok := byID[n.Id]; ok {
			// duplicate row in the listing
			items = removeItem(items, prev)
		}
		if txn, ok := a.pending[n.Id]; ok && n.IsRead {
			txn.confirmed[n.Id] = true
		}
		if local, ok := a.byID[n.Id]; ok && local.IsRead {
			n.IsRead = true
		}
		byID[n.Id] = n
		items = querycache.InsertSorted(items, n, newerFirst)
		a.pushed.Add(n.Id, nil)
	}

	a.items = items
	a.byID = byID
	a.trimLocked()
	a.recountLocked()
	a.loaded = true
}

// Loaded reports whether the feed was loaded at least once
func (a *Aggregator) Loaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loaded
}

// Apply folds a row change into the feed. Changes for other resources or
// users are ignored. Duplicate deliveries leave the feed unchanged.
func (a *Aggregator) Apply(change *realtime.Change) {
	if change == nil || change.Resource != realtime.NotificationsResource {
		return
	}

	n, err := realtime.NotificationFromRecord(change.Row())
	if err != nil {
		a.logger.Warn().Err(err).Str("change_id", change.Id).Msg("Ignoring malformed notification change")
		return
	}
	if n.UserId != "" && n.UserId != a.userID {
		return
	}

	a.metrics.NotificationEvents.WithLabelValues(string(change.Type)).Inc()

	a.mu.Lock()
	if a.loading > 0 {
		a.replay = append(a.replay, replayed{typ: change.Type, n: n.Clone()})
	}
	push := a.applyLocked(change.Type, n)
	a.notifyLocked()
	a.mu.Unlock()

	if push != nil {
		a.enqueuePush(push)
	}
}

// applyLocked folds one decoded change into the feed and returns the
// notification to push, if any
func (a *Aggregator) applyLocked(typ realtime.EventType, n *realtime.Notification) *realtime.Notification {
	switch typ {
	case realtime.EventInsert:
		// a redelivered insert is an update and never pushes
		_, known := a.byID[n.Id]
		a.upsertLocked(n)
		if _, kept := a.byID[n.Id]; kept && !known && !a.pushed.Contains(n.Id) {
			a.pushed.Add(n.Id, nil)
			return n.Clone()
		}
	case realtime.EventUpdate:
		a.upsertLocked(n)
	case realtime.EventDelete:
		a.deleteLocked(n.Id)
	}
	return nil
}

// upsertLocked inserts n at its sorted position or replaces the held copy.
// Read state only moves from unread to read.
func (a *Aggregator) upsertLocked(n *realtime.Notification) {
	if n.UserId == "" {
		n.UserId = a.userID
	}

	old, ok := a.byID[n.Id]
	if !ok {
		a.byID[n.Id] = n
		a.items = querycache.InsertSorted(a.items, n, newerFirst)
		if !n.IsRead {
			a.unread++
		}
		a.trimLocked()
		return
	}

	if n.IsRead {
		if txn, pending := a.pending[n.Id]; pending {
			txn.confirmed[n.Id] = true
		}
	}
	if old.IsRead {
		n.IsRead = true
	}
	if !old.IsRead && n.IsRead {
		a.unread--
	}

	a.byID[n.Id] = n
	if old.Created().Equal(n.Created()) {
		for i, item := range a.items {
			if item == old {
				a.items[i] = n
				break
			}
		}
		return
	}
	a.items = removeItem(a.items, old)
	a.items = querycache.InsertSorted(a.items, n, newerFirst)
}

func (a *Aggregator) deleteLocked(id string) {
	old, ok := a.byID[id]
	if !ok {
		return
	}
	delete(a.byID, id)
	a.items = removeItem(a.items, old)
	if !old.IsRead {
		a.unread--
	}
}

// trimLocked drops the oldest notifications beyond MaxItems
func (a *Aggregator) trimLocked() {
	if a.config.MaxItems == 0 {
		return
	}
	for len(a.items) > a.config.MaxItems {
		last := a.items[len(a.items)-1]
		a.items[len(a.items)-1] = nil
		a.items = a.items[:len(a.items)-1]
		delete(a.byID, last.Id)
		a.pushed.Remove(last.Id)
		if !last.IsRead {
			a.unread--
		}
	}
}

func (a *Aggregator) recountLocked() {
	a.unread = 0
	for _, n := range a.items {
		if !n.IsRead {
			a.unread++
		}
	}
}

// MarkAsRead marks one notification read ahead of the store. When the store
// fails, the notification and the counter are restored exactly and the
// error is returned.
func (a *Aggregator) MarkAsRead(ctx context.Context, id string) error {
	a.mu.Lock()
	n, ok := a.byID[id]
	if !ok {
		a.mu.Unlock()
		return ErrNotFound
	}
	if n.IsRead {
		a.mu.Unlock()
		return nil
	}
	txn := &readTxn{ids: []string{id}, confirmed: make(map[string]bool)}
	a.applyReadLocked(txn)
	a.mu.Unlock()

	err := a.store.MarkRead(ctx, a.userID, id)
	a.finish(txn, err)
	if err != nil {
		return fmt.Errorf("failed to mark notification %s read: %w", id, err)
	}
	return nil
}

// MarkAllAsRead marks every notification in the feed read ahead of the
// store, with the same rollback contract as MarkAsRead
func (a *Aggregator) MarkAllAsRead(ctx context.Context) error {
	a.mu.Lock()
	txn := &readTxn{confirmed: make(map[string]bool)}
	for _, n := range a.items {
		if !n.IsRead {
			txn.ids = append(txn.ids, n.Id)
		}
	}
	if len(txn.ids) == 0 {
		a.mu.Unlock()
		return nil
	}
	a.applyReadLocked(txn)
	a.mu.Unlock()

	err := a.store.MarkAllRead(ctx, a.userID)
	a.finish(txn, err)
	if err != nil {
		return fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	return nil
}

func (a *Aggregator) applyReadLocked(txn *readTxn) {
	for _, id := range txn.ids {
		n := a.byID[id].Clone()
		n.IsRead = true
		a.swapLocked(n)
		a.unread--
		a.pending[id] = txn
	}
	a.notifyLocked()
}

// finish settles txn. On failure every notification the server did not
// confirm meanwhile goes back to unread.
func (a *Aggregator) finish(txn *readTxn, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range txn.ids {
		if a.pending[id] == txn {
			delete(a.pending, id)
		}
	}
	if err == nil {
		return
	}

	a.metrics.NotificationRollbacks.Inc()
	a.logger.Warn().Err(err).Int("count", len(txn.ids)).Msg("Rolling back mark as read")

	for _, id := range txn.ids {
		if txn.confirmed[id] {
			continue
		}
		cur, ok := a.byID[id]
		if !ok || !cur.IsRead {
			continue
		}
		n := cur.Clone()
		n.IsRead = false
		a.swapLocked(n)
		a.unread++
	}
	a.notifyLocked()
}

// swapLocked swaps the held copy of n.Id for n at the same position
func (a *Aggregator) swapLocked(n *realtime.Notification) {
	old := a.byID[n.Id]
	a.byID[n.Id] = n
	for i, item := range a.items {
		if item == old {
			a.items[i] = n
			return
		}
	}
}

// Items returns copies of the feed, newest first
func (a *Aggregator) Items() []*realtime.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*realtime.Notification, len(a.items))
	for i, n := range a.items {
		out[i] = n.Clone()
	}
	return out
}

// Get returns a copy of one notification
func (a *Aggregator) Get(id string) (*realtime.Notification, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.byID[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// UnreadCount returns the number of unread notifications in the feed
func (a *Aggregator) UnreadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread
}

// Subscribe returns a channel signalled after every feed change and a
// function that unsubscribes and closes it. Signals coalesce.
func (a *Aggregator) Subscribe() (<-chan struct{}, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextObs
	a.nextObs++
	ch := make(chan struct{}, 1)
	a.observers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			delete(a.observers, id)
			close(ch)
		})
	}
}

func (a *Aggregator) notifyLocked() {
	for _, ch := range a.observers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// enqueuePush hands n to the push goroutine, starting it when idle
func (a *Aggregator) enqueuePush(n *realtime.Notification) {
	if a.pusher == nil {
		return
	}

	a.pushMu.Lock()
	defer a.pushMu.Unlock()

	if len(a.pushQueue) >= a.config.PushQueueSize {
		a.logger.Warn().Str("notification_id", n.Id).Msg("Push queue is full, dropping push")
		return
	}
	a.pushQueue = append(a.pushQueue, n)
	a.pushWG.Add(1)
	if !a.pushing {
		a.pushing = true
		go a.drainPushes()
	}
}

// drainPushes pushes queued notifications until the queue is empty
func (a *Aggregator) drainPushes() {
	for {
		a.pushMu.Lock()
		if len(a.pushQueue) == 0 {
			a.pushing = false
			a.pushMu.Unlock()
			return
		}
		n := a.pushQueue[0]
		a.pushQueue[0] = nil
		a.pushQueue = a.pushQueue[1:]
		a.pushMu.Unlock()

		a.push(n)
		a.pushWG.Done()
	}
}

func (a *Aggregator) push(n *realtime.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.PushTimeout)
	defer cancel()

	a.metrics.NotificationPushes.Inc()
	if err := a.pusher.Push(ctx, n); err != nil {
		a.logger.Warn().Err(err).Str("notification_id", n.Id).Msg("Push failed")
	}
}

// newerFirst orders by creation time descending, then by id descending
func newerFirst(a, b *realtime.Notification) bool {
	ta, tb := a.Created(), b.Created()
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return a.Id > b.Id
}

func removeItem(items []*realtime.Notification, target *realtime.Notification) []*realtime.Notification {
	for i, item := range items {
		if item == target {
			copy(items[i:], items[i+1:])
			items[len(items)-1] = nil
			return items[:len(items)-1]
		}
	}
	return items
}
