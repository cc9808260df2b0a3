package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/transport"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusLog struct {
	mu       sync.Mutex
	statuses []realtime.Status
	errs     []error
}

func (l *statusLog) record(status realtime.Status, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
	l.errs = append(l.errs, err)
}

func (l *statusLog) last() realtime.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return ""
	}
	return l.statuses[len(l.statuses)-1]
}

func subscribe(t *testing.T, hub *Hub, name string) (transport.Channel, *statusLog) {
	t.Helper()
	ch := hub.OpenChannel(name)
	log := &statusLog{}
	ch.Subscribe(log.record)
	require.Eventually(t, func() bool { return log.last() == realtime.StatusSubscribed }, time.Second, time.Millisecond)
	return ch, log
}

func TestPublishMatchesFilters(t *testing.T) {
	hub := NewHub()
	ch, _ := subscribe(t, hub, "dashboard:u1:01")

	var got []string
	ch.On(realtime.Filter{Event: realtime.EventInsert, Resource: "payments", Predicate: realtime.Eq("landlord_id", "u1")}, func(c *realtime.Change) {
		got = append(got, c.Id)
	})

	hub.Publish(&realtime.Change{Id: "a", Type: realtime.EventInsert, Resource: "payments", Record: map[string]any{"landlord_id": "u1"}})
	hub.Publish(&realtime.Change{Id: "b", Type: realtime.EventInsert, Resource: "payments", Record: map[string]any{"landlord_id": "u2"}})
	hub.Publish(&realtime.Change{Id: "c", Type: realtime.EventUpdate, Resource: "payments", Record: map[string]any{"landlord_id": "u1"}})
	hub.Publish(&realtime.Change{Id: "d", Type: realtime.EventInsert, Resource: "payments", Record: map[string]any{"landlord_id": "u1"}})

	assert.Equal(t, []string{"a", "d"}, got)
}

func TestNothingDeliveredBeforeSubscribe(t *testing.T) {
	hub := NewHub()
	ch := hub.OpenChannel("x:u1:01")
	delivered := 0
	ch.On(realtime.Filter{Resource: "payments"}, func(*realtime.Change) { delivered++ })

	hub.Publish(&realtime.Change{Type: realtime.EventInsert, Resource: "payments"})
	assert.Zero(t, delivered)
}

func TestUnsubscribeReportsClosed(t *testing.T) {
	hub := NewHub()
	ch, log := subscribe(t, hub, "x:u1:01")

	require.NoError(t, ch.Unsubscribe(context.Background()))
	assert.Equal(t, realtime.StatusClosed, log.last())
	require.NoError(t, hub.RemoveChannel(ch))
	assert.ErrorIs(t, hub.RemoveChannel(ch), transport.ErrUnknownChannel)

	stats := hub.Stats()
	assert.Equal(t, Stats{Opened: 1, Open: 0, Unsubscribes: 1, Removed: 1}, stats)
}

func TestFailReportsChannelError(t *testing.T) {
	hub := NewHub()
	_, a := subscribe(t, hub, "caretaker:u1:01")
	_, b := subscribe(t, hub, "caretaker:u2:01")

	boom := errors.New("boom")
	hub.Fail("caretaker:u1", boom)

	assert.Equal(t, realtime.StatusChannelError, a.last())
	assert.Equal(t, realtime.StatusSubscribed, b.last())
	a.mu.Lock()
	assert.ErrorIs(t, a.errs[len(a.errs)-1], boom)
	a.mu.Unlock()
}

func TestRejectSubscribe(t *testing.T) {
	hub := NewHub()
	hub.RejectSubscribe(errors.New("denied"))

	ch := hub.OpenChannel("x:u1:01")
	log := &statusLog{}
	ch.Subscribe(log.record)
	require.Eventually(t, func() bool { return log.last() == realtime.StatusChannelError }, time.Second, time.Millisecond)
}

func TestBlockedUnsubscribeWaitsForContext(t *testing.T) {
	hub := NewHub()
	ch, _ := subscribe(t, hub, "x:u1:01")
	hub.BlockUnsubscribe(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ch.Unsubscribe(ctx), context.DeadlineExceeded)
}

func TestMaxOpenPerScope(t *testing.T) {
	hub := NewHub()
	a := hub.OpenChannel("dashboard:u1:01")
	hub.OpenChannel("dashboard:u1:02")
	require.NoError(t, hub.RemoveChannel(a))
	hub.OpenChannel("dashboard:u1:03")

	assert.Equal(t, 2, hub.MaxOpen("dashboard:u1"))
	assert.ElementsMatch(t, []string{"dashboard:u1:02", "dashboard:u1:03"}, hub.OpenNames())
}
