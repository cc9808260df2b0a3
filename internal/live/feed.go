package live

import (
	"context"
	"sync"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/lifecycle"
	"github.com/Chrisleo-16/xtent-sub002/internal/notifications"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
)

const feedReloadTimeout = 30 * time.Second

// feedState is the notification feed of one user, shared by every open Feed
type feedState struct {
	agg   *notifications.Aggregator
	scope *Scope
	refs  int
}

// Feed is one consumer's view of a user's notifications
type Feed struct {
	engine  *Engine
	userID  string
	state   *feedState
	updates <-chan struct{}
	cancel  func()
	once    sync.Once
}

// NotificationFeed opens the notification feed of userID. The first feed of
// a user subscribes and loads; concurrent first loads share one listing.
func (e *Engine) NotificationFeed(ctx context.Context, userID string) (*Feed, error) {
	if e.store == nil {
		return nil, ErrNoStore
	}
	if err := realtime.ValidateUserID(userID); err != nil {
		return nil, err
	}

	e.mu.Lock()
	fs, ok := e.feeds[userID]
	if !ok {
		agg := notifications.NewAggregator(userID, e.store, e.pusher, e.config.Notifications)
		scope := e.LiveScope(NotificationScopeKey(userID))
		scope.AddListener(notifications.Filter(userID), agg.Apply)
		scope.OnReconnect(func() {
			go e.reloadFeed(agg)
		})
		fs = &feedState{agg: agg, scope: scope}
		e.feeds[userID] = fs
	}
	fs.refs++
	e.mu.Unlock()

	if !fs.agg.Loaded() {
		loaded := e.loads.DoChan(userID, func() (interface{}, error) {
			// shared by every concurrent opener, so one caller giving up
			// must not cancel it for the rest
			loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), feedReloadTimeout)
			defer cancel()
			return nil, fs.agg.Load(loadCtx)
		})

		var err error
		select {
		case res := <-loaded:
			err = res.Err
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			e.releaseFeed(userID, fs)
			return nil, err
		}
	}

	updates, cancel := fs.agg.Subscribe()
	return &Feed{
		engine:  e,
		userID:  userID,
		state:   fs,
		updates: updates,
		cancel:  cancel,
	}, nil
}

func (e *Engine) reloadFeed(agg *notifications.Aggregator) {
	ctx, cancel := context.WithTimeout(context.Background(), feedReloadTimeout)
	defer cancel()

	if err := agg.Load(ctx); err != nil {
		e.logger.Warn().Err(err).Str("user_id", agg.UserID()).Msg("Failed to reload notifications after reconnect")
	}
}

func (e *Engine) releaseFeed(userID string, fs *feedState) {
	e.mu.Lock()
	fs.refs--
	last := fs.refs == 0
	if last && e.feeds[userID] == fs {
		delete(e.feeds, userID)
	}
	e.mu.Unlock()

	if last {
		fs.scope.Close()
	}
}

// UserID returns the feed owner
func (f *Feed) UserID() string {
	return f.userID
}

// Items returns the notifications, newest first
func (f *Feed) Items() []*realtime.Notification {
	return f.state.agg.Items()
}

// UnreadCount returns the number of unread notifications
func (f *Feed) UnreadCount() int {
	return f.state.agg.UnreadCount()
}

// MarkAsRead marks one notification read; on failure the feed is restored
// and the error returned
func (f *Feed) MarkAsRead(ctx context.Context, id string) error {
	return f.state.agg.MarkAsRead(ctx, id)
}

// MarkAllAsRead marks every notification read; on failure the feed is
// restored and the error returned
func (f *Feed) MarkAllAsRead(ctx context.Context) error {
	return f.state.agg.MarkAllAsRead(ctx)
}

// Reload replaces the feed with the store's current list
func (f *Feed) Reload(ctx context.Context) error {
	return f.state.agg.Load(ctx)
}

// Status returns the status of the feed's live scope
func (f *Feed) Status() lifecycle.Status {
	return f.state.scope.Status()
}

// Reconnect resubscribes after the feed's channel failed
func (f *Feed) Reconnect() {
	f.state.scope.Reconnect()
}

// Updates signals after every feed change; closed by Close
func (f *Feed) Updates() <-chan struct{} {
	return f.updates
}

// Close releases the feed. The last feed of a user releases the scope.
func (f *Feed) Close() {
	f.once.Do(func() {
		f.cancel()
		f.engine.releaseFeed(f.userID, f.state)
	})
}
