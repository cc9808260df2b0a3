package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/transport/memory"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func paymentFilter(userID string) realtime.Filter {
	return realtime.Filter{Event: realtime.EventAll, Resource: "payments", Predicate: realtime.Eq("landlord_id", userID)}
}

func paymentChange(id, userID string) *realtime.Change {
	return &realtime.Change{
		Id:       id,
		Type:     realtime.EventInsert,
		Resource: "payments",
		Record:   map[string]any{"id": id, "landlord_id": userID},
	}
}

func waitState(t *testing.T, h *Handle, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Status().State == state
	}, waitFor, tick, "scope %s never reached %s (at %s)", h.ScopeKey(), state, h.Status().State)
}

func waitGone(t *testing.T, r *Registry, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := r.Scope(key)
		return !ok
	}, waitFor, tick, "scope %s was never released", key)
}

// recorder collects changes delivered to a listener
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (rec *recorder) callback(c *realtime.Change) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.ids = append(rec.ids, c.Id)
}

func (rec *recorder) got() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]string, len(rec.ids))
	copy(out, rec.ids)
	return out
}

func TestAcquireOpensChannel(t *testing.T) {
	hub := memory.NewHub()
	r := NewRegistry(hub)
	defer r.Close(context.Background())

	h := r.Acquire("dashboard:u1", Listener{Filter: paymentFilter("u1")})
	assert.Equal(t, "dashboard:u1", h.ScopeKey())
	waitState(t, h, StateSubscribed)

	status := h.Status()
	assert.True(t, strings.HasPrefix(status.Instance, "dashboard:u1:"), status.Instance)
	assert.Equal(t, 1, status.Generation)
	assert.False(t, status.Disconnected)

	stats := hub.Stats()
	assert.Equal(t, 1, stats.Opened)
	assert.Equal(t, 1, stats.Open)

	info, ok := r.Scope("dashboard:u1")
	require.True(t, ok)
	assert.Equal(t, 1, info.Refs)
	assert.Equal(t, 1, info.Listeners)
	assert.Equal(t, "subscribed", info.State)
}

func TestConcurrentAcquireSingleChannel(t *testing.T) {
	hub := memory.NewHub()
	r := NewRegistry(hub)
	defer r.Close(context.Background())

	const n = 50
	handles := make([]*Handle, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = r.Acquire("dashboard:u1", Listener{Filter: paymentFilter("u1")})
		}(i)
	}
	wg.Wait()

	waitState(t, handles[0], StateSubscribed)
	require.Eventually(t, func() bool {
		info, ok := r.Scope("dashboard:u1")
		return ok && info.Refs == n
	}, waitFor, tick)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.Release()
		}(handles[i])
	}
	wg.Wait()

	waitGone(t, r, "dashboard:u1")

	stats := hub.Stats()
	assert.Equal(t, 1, stats.Opened, "exactly one channel should have been opened")
	assert.Equal(t, 1, stats.Unsubscribes, "exactly one unsubscribe after the last release")
	assert.Equal(t, 0, stats.Open)
	assert.Equal(t, 1, hub.MaxOpen("dashboard:u1"))
}

func TestAcquireReleaseChurnNeverOverlapsChannels(t *testing.T) {
	hub := memory.NewHub()
	r := NewRegistry(hub)
	defer r.Close(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				h := r.Acquire("tenant:u9")
				h.Release()
			}
		}()
	}
	wg.Wait()

	waitGone(t, r, "tenant:u9")
	assert.LessOrEqual(t, hub.MaxOpen("tenant:u9"), 1)
	assert.Equal(t, 0, hub.Stats().Open)
}

func TestListenersReceiveChangesInOrder(t *testing.T) {
	hub := memory.NewHub()
	r := NewRegistry(hub)
	defer r.Close(context.Background())

	first := &recorder{}
	second := &recorder{}

	h := r.Acquire("dashboard:u1", Listener{Filter: paymentFilter("u1"), Callback: first.callback})
	// registered before the channel is confirmed, so it is buffered
	h.AddListener(Listener{Filter: paymentFilter("u1"), Callback: second.callback})
	waitState(t, h, StateSubscribed)

	var want []string
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("p%03d", i)
		want = append(want, id)
		hub.Publish(paymentChange(id, "u1"))
	}
	hub.Publish(paymentChange("other", "u2"))

	require.Eventually(t, func() bool { return len(first.got()) == 100 && len(second.got()) == 100 }, waitFor, tick)
	assert.Equal(t, want, first.got())
	assert.Equal(t, want, second.got())
}

func TestListenerAddedAfterSubscribe(t *testing.T) {
	hub := memory.NewHub()
	r := NewRegistry(hub)
	defer r.Close(context.Background())

	h := r.Acquire("dashboard:u1")
	waitState(t, h, StateSubscribed)

	rec := &recorder{}
	h.AddListener(Listener{Filter: paymentFilter("u1"), Callback: rec.callback})
	require.Eventually(t, func() bool {
		info, _ := r.Scope("dashboard:u1")
		return info.Listeners == 1
	}, waitFor, tick)

	hub.Publish(paymentChange("p1", "u1"))
	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, waitFor, tick)
	assert.Equal(t, 1, hub.Stats().Opened, "adding a listener must not reopen the channel")
}

func TestSecondAcquirerSharesChannel(t *testing.T) {
	hub := memory.NewHub()
	r := NewRegistry(hub)
	defer r.Close(context.Background())

	a := &recorder{}
	b := &recorder{}
	ha := r.Acquire("dashboard:u1", Listener{Filter: paymentFilter("u1"), Callback: a.callback})
	waitState(t, ha, StateSubscribed)
	hb := r.Acquire("dashboard:u1", Listener{Filter: paymentFilter("u1"), Callback: b.callback})
	require.Eventually(t, func() bool {
		info, _ := r.Scope("dashboard:u1")
		return info.Refs == 2 && info.Listeners == 2
	}, waitFor, tick)

	hub.Publish(paymentChange("p1", "u1"))
	require.Eventually(t, func() bool { return len(a.got()) == 1 && len(b.got()) == 1 }, waitFor, tick)

	// releasing one consumer keeps the channel and stops only its listener
	hb.Release()
	require.Eventually(t, func() bool {
		info, _ := r.Scope("dashboard:u1")
		return info.Refs == 1
	}, waitFor, tick)

	hub.Publish(paymentChange("p2", "u1"))
	require.Eventually(t, func() bool { return len(a.got()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"p1"}, b.got())
	assert.Equal(t, 1, hub.Stats().Opened)
	assert.Equal(t, 0, hub.Stats().Unsubscribes)
	assert.Equal(t, StateSubscribed, ha.Status().State)
}

func TestReleaseIsIdempotent(t *testing.T) {
	hub := memory.NewHub()
	r := NewRegistry(hub)
	defer r.Close(context.Background())

	keep := r.Acquire("admin:u1")
	drop := r.Acquire("admin:u1")
	waitState(t, keep, StateSubscribed)

	assert.NotPanics(t, func() {
		drop.Release()
		drop.Release()
		drop.Release()
	})
	assert.True(t, drop.Released())

	require.Eventually(t, func() bool {
		info, _ := r.Scope("admin:u1")
		return info.Refs == 1
	}, waitFor, tick)

	// the surviving handle still holds the channel
	time.Sleep(20 * time.Millisecond)
	info, ok := r.Scope("admin:u1")
	require.True(t, ok)
	assert.Equal(t, 1, info.Refs)
	assert.Equal(t, 0, hub.Stats().Unsubscribes)

	keep.Release()
	keep.Release()
	waitGone(t, r, "admin:u1")
	assert.Equal(t, 1, hub.Stats().Unsubscribes)
}

func TestChangesAfterReleaseAreDropped(t *testing.T) {
	hub := memory.NewHub()
	r := NewRegistry(hub)
	defer r.Close(context.Background())

	rec := &recorder{}
	h := r.Acquire("dashboard:u1", Listener{Filter: paymentFilter("u1"), Callback: rec.callback})
	waitState(t, h, StateSubscribed)

	h.Release()
	waitGone(t, r, "dashboard:u1")

	hub.Publish(paymentChange("late", "u1"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.got())
}

func TestChannelErrorRequiresReacquire(t *testing.T) {
	hub := memory.NewHub()
	r := NewRegistry(hub)
	defer r.Close(context.Background())

	var mu sync.Mutex
	var seen []State
	h := r.Acquire("caretaker:u1", Listener{Filter: paymentFilter("u1")})
	h.OnStatus(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.State)
	})
	waitState(t, h, StateSubscribed)
	firstInstance := h.Status().Instance

	hub.Fail("caretaker:u1", errors.New("connection reset"))
	waitState(t, h, StateIdle)

	status := h.Status()
	assert.True(t, status.Disconnected)
	require.Error(t, status.Err)
	assert.Contains(t, status.Err.Error(), "connection reset")

	// no automatic retry
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateIdle, h.Status().State)
	assert.Equal(t, 1, hub.Stats().Opened)
	assert.Equal(t, 0, hub.Stats().Open)

	retry := r.Acquire("caretaker:u1")
	waitState(t, retry, StateSubscribed)
	h.Release()

	status = retry.Status()
	assert.Equal(t, 2, status.Generation)
	assert.NotEqual(t, firstInstance, status.Instance)
	assert.False(t, status.Disconnected)

	mu.Lock()
	assert.Contains(t, seen, StateIdle)
	assert.Equal(t, StateSubscribed, seen[len(seen)-1])
	mu.Unlock()
}

func TestRejectedSubscribeReportsError(t *testing.T) {
	hub := memory.NewHub()
	hub.RejectSubscribe(errors.New("not authorized"))
	r := NewRegistry(hub)
	defer r.Close(context.Background())

	h := r.Acquire("admin:u1")
	require.Eventually(t, func() bool {
		return h.Status().Disconnected
	}, waitFor, tick)
	assert.Equal(t, StateIdle, h.Status().State)
	assert.Equal(t, 0, hub.Stats().Open)
}

func TestStuckTeardownForcesIdle(t *testing.T) {
	hub := memory.NewHub()
	hub.BlockUnsubscribe(true)
	r := NewRegistry(hub, Config{UnsubscribeTimeout: 50 * time.Millisecond, Clock: clock.WallClock})
	defer r.Close(context.Background())

	h := r.Acquire("dashboard:u1")
	waitState(t, h, StateSubscribed)

	start := time.Now()
	h.Release()
	waitGone(t, r, "dashboard:u1")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, hub.Stats().Open, "a forced teardown still removes the channel")

	hub.BlockUnsubscribe(false)
	again := r.Acquire("dashboard:u1")
	waitState(t, again, StateSubscribed)
	assert.Equal(t, 2, hub.Stats().Opened)
	assert.Equal(t, 1, again.Status().Generation, "a released scope starts over")
}

func TestAcquireDuringTeardownIsQueued(t *testing.T) {
	hub := memory.NewHub()
	hub.BlockUnsubscribe(true)
	r := NewRegistry(hub, Config{UnsubscribeTimeout: 100 * time.Millisecond})
	defer r.Close(context.Background())

	h := r.Acquire("listing:u1")
	waitState(t, h, StateSubscribed)
	h.Release()

	require.Eventually(t, func() bool {
		info, ok := r.Scope("listing:u1")
		return ok && info.State == "unsubscribing"
	}, waitFor, tick)

	next := r.Acquire("listing:u1")
	assert.Equal(t, StateUnsubscribing, next.Status().State)

	hub.BlockUnsubscribe(false)
	waitState(t, next, StateSubscribed)
	assert.Equal(t, 2, next.Status().Generation)
	assert.Equal(t, 1, hub.MaxOpen("listing:u1"))
}

func TestTeardownUser(t *testing.T) {
	hub := memory.NewHub()
	r := NewRegistry(hub)
	defer r.Close(context.Background())

	u1dash := r.Acquire("dashboard:u1")
	u1notes := r.Acquire("notifications:u1")
	u2dash := r.Acquire("dashboard:u2")
	waitState(t, u1dash, StateSubscribed)
	waitState(t, u1notes, StateSubscribed)
	waitState(t, u2dash, StateSubscribed)

	var mu sync.Mutex
	var last Status
	u1dash.OnStatus(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		last = s
	})

	require.NoError(t, r.TeardownUser(context.Background(), "u1"))

	assert.True(t, u1dash.Released())
	assert.True(t, u1notes.Released())
	assert.False(t, u2dash.Released())
	waitGone(t, r, "dashboard:u1")
	waitGone(t, r, "notifications:u1")

	mu.Lock()
	assert.ErrorIs(t, last.Err, ErrTornDown)
	mu.Unlock()

	assert.NotPanics(t, func() { u1dash.Release() })

	keys := []string{}
	for _, info := range r.Snapshot() {
		keys = append(keys, info.Key)
	}
	assert.Equal(t, []string{"dashboard:u2"}, keys)
	assert.Equal(t, 1, hub.Stats().Open)
}

func TestCloseRejectsAcquire(t *testing.T) {
	hub := memory.NewHub()
	r := NewRegistry(hub)

	h := r.Acquire("dashboard:u1")
	waitState(t, h, StateSubscribed)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	assert.Equal(t, 0, hub.Stats().Open)

	late := r.Acquire("dashboard:u1")
	assert.ErrorIs(t, late.Status().Err, ErrRegistryClosed)
	assert.NotPanics(t, func() {
		late.AddListener(Listener{Filter: paymentFilter("u1")})
		late.Release()
	})
	assert.Empty(t, r.Snapshot())
}

func TestListenerPanicDoesNotKillScope(t *testing.T) {
	hub := memory.NewHub()
	r := NewRegistry(hub)
	defer r.Close(context.Background())

	rec := &recorder{}
	h := r.Acquire("dashboard:u1",
		Listener{Filter: paymentFilter("u1"), Callback: func(*realtime.Change) { panic("boom") }},
		Listener{Filter: paymentFilter("u1"), Callback: rec.callback},
	)
	waitState(t, h, StateSubscribed)

	hub.Publish(paymentChange("p1", "u1"))
	hub.Publish(paymentChange("p2", "u1"))
	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, waitFor, tick)
	assert.Equal(t, StateSubscribed, h.Status().State)
}

func TestOwnedBy(t *testing.T) {
	assert.True(t, OwnedBy("dashboard:u1", "u1"))
	assert.True(t, OwnedBy("stats:admin:u1", "u1"))
	assert.False(t, OwnedBy("dashboard:u10", "u1"))
	assert.False(t, OwnedBy("dashboard", "dashboard"))
	assert.False(t, OwnedBy("dashboard:u1", ""))

	// ids that would span key segments own nothing
	assert.False(t, OwnedBy("dashboard:a:b", "a:b"))
	assert.False(t, OwnedBy("stats:a:b", "b:"))
}
