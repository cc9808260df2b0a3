package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBroadcastBuffer tests batching and fan-out to subscribers
func TestBroadcastBuffer(t *testing.T) {
	flushInterval := 20 * time.Millisecond
	buffer := NewBroadcastBuffer(10, flushInterval)
	defer buffer.Close()

	const numSubscribers = 5
	channels := make([]<-chan *realtime.Change, numSubscribers)
	for i := 0; i < numSubscribers; i++ {
		channels[i] = buffer.Subscribe(fmt.Sprintf("subscriber-%d", i), 10)
	}
	assert.Equal(t, numSubscribers, buffer.Subscribers())

	buffer.Publish(&realtime.Change{Id: "c1", Type: realtime.EventInsert, Resource: "payments"})
	buffer.Publish(&realtime.Change{Id: "c2", Type: realtime.EventInsert, Resource: "payments"})

	for i, ch := range channels {
		for _, want := range []string{"c1", "c2"} {
			select {
			case got := <-ch:
				assert.Equal(t, want, got.Id, "subscriber %d order", i)
			case <-time.After(time.Second):
				t.Fatalf("timeout waiting for subscriber %d", i)
			}
		}
	}

	buffer.Unsubscribe("subscriber-0")
	_, open := <-channels[0]
	assert.False(t, open)
	assert.Equal(t, numSubscribers-1, buffer.Subscribers())
}

func TestBroadcastBufferFlushesWhenFull(t *testing.T) {
	buffer := NewBroadcastBuffer(3, time.Hour)
	defer buffer.Close()

	ch := buffer.Subscribe("s", 10)
	for i := 0; i < 3; i++ {
		buffer.Publish(&realtime.Change{Id: fmt.Sprint(i), Resource: "payments"})
	}

	select {
	case got := <-ch:
		assert.Equal(t, "0", got.Id)
	case <-time.After(time.Second):
		t.Fatal("full buffer was not flushed")
	}
}

func TestBroadcastBufferCloseFlushes(t *testing.T) {
	buffer := NewBroadcastBuffer(100, time.Hour)
	ch := buffer.Subscribe("s", 10)
	buffer.Publish(&realtime.Change{Id: "last", Resource: "payments"})

	require.NoError(t, buffer.Close())
	require.NoError(t, buffer.Close())

	got, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "last", got.Id)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestBroadcastBufferDropsOverflowingSubscriber(t *testing.T) {
	buffer := NewBroadcastBuffer(100, time.Hour)
	defer buffer.Close()

	overflowed := make(chan string, 1)
	buffer.OnOverflow(func(id string) { overflowed <- id })

	slow := buffer.Subscribe("slow", 1)
	fast := buffer.Subscribe("fast", 10)
	for i := 0; i < 3; i++ {
		buffer.Publish(&realtime.Change{Id: fmt.Sprint(i), Resource: "payments"})
	}
	buffer.flush()

	select {
	case id := <-overflowed:
		assert.Equal(t, "slow", id)
	case <-time.After(time.Second):
		t.Fatal("overflow was not reported")
	}
	assert.Equal(t, 1, buffer.Subscribers())

	// the slow subscriber keeps what fit, then sees its channel closed
	got, ok := <-slow
	require.True(t, ok)
	assert.Equal(t, "0", got.Id)
	_, ok = <-slow
	assert.False(t, ok)

	assert.Len(t, fast, 3)
}

// fakeConn records the frames written to a client; a non-nil gate holds
// change frames until closed
type fakeConn struct {
	mu     sync.Mutex
	frames []realtime.Message
	closed bool
	gate   chan struct{}
}

func (f *fakeConn) send(msg realtime.Message) error {
	if f.gate != nil && msg.Type == realtime.MsgChange {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
	return nil
}

func (f *fakeConn) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) ofType(typ realtime.MessageType) []realtime.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []realtime.Message
	for _, m := range f.frames {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	r := NewRelay(Config{BroadcastFlushInterval: 5 * time.Millisecond})
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r
}

func send(t *testing.T, r *Relay, c *client, msg realtime.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	r.handleMessage(c, data)
}

func TestJoinAndReceiveMatchingChanges(t *testing.T) {
	r := newTestRelay(t)
	conn := &fakeConn{}
	c := r.attach(conn.send, conn.close)

	send(t, r, c, realtime.Message{
		Type:  realtime.MsgJoin,
		Topic: "dashboard:u1:01",
		Ref:   "1",
		Filters: []realtime.Filter{
			{Event: realtime.EventInsert, Resource: "payments", Predicate: realtime.Eq("landlord_id", "u1")},
		},
	})

	replies := conn.ofType(realtime.MsgReply)
	require.Len(t, replies, 1)
	assert.Equal(t, realtime.ReplyOK, replies[0].Status)
	assert.Equal(t, "1", replies[0].Ref)

	r.Publish(&realtime.Change{Id: "a", Type: realtime.EventInsert, Resource: "payments", Record: map[string]any{"landlord_id": "u1"}})
	r.Publish(&realtime.Change{Id: "b", Type: realtime.EventInsert, Resource: "payments", Record: map[string]any{"landlord_id": "u2"}})
	r.Publish(&realtime.Change{Id: "c", Type: realtime.EventInsert, Resource: "payments", Record: map[string]any{"landlord_id": "u1"}})

	require.Eventually(t, func() bool { return len(conn.ofType(realtime.MsgChange)) == 2 }, time.Second, 5*time.Millisecond)
	changes := conn.ofType(realtime.MsgChange)
	assert.Equal(t, "a", changes[0].Change.Id)
	assert.Equal(t, "c", changes[1].Change.Id)
	assert.Equal(t, "dashboard:u1:01", changes[0].Topic)
}

func TestListenRequiresJoin(t *testing.T) {
	r := newTestRelay(t)
	conn := &fakeConn{}
	c := r.attach(conn.send, conn.close)

	send(t, r, c, realtime.Message{Type: realtime.MsgListen, Topic: "x:u1", Ref: "1", Filters: []realtime.Filter{{Resource: "payments"}}})
	send(t, r, c, realtime.Message{Type: realtime.MsgJoin, Topic: "x:u1", Ref: "2"})
	send(t, r, c, realtime.Message{Type: realtime.MsgListen, Topic: "x:u1", Ref: "3", Filters: []realtime.Filter{{Resource: "payments"}}})

	replies := conn.ofType(realtime.MsgReply)
	require.Len(t, replies, 3)
	assert.Equal(t, realtime.ReplyError, replies[0].Status)
	assert.Equal(t, realtime.ReplyOK, replies[1].Status)
	assert.Equal(t, realtime.ReplyOK, replies[2].Status)

	topics := r.Topics()
	require.Len(t, topics, 1)
	assert.Equal(t, []string{"*:payments"}, topics[0].Filters)
}

func TestInvalidFiltersRejected(t *testing.T) {
	r := newTestRelay(t)
	conn := &fakeConn{}
	c := r.attach(conn.send, conn.close)

	send(t, r, c, realtime.Message{Type: realtime.MsgJoin, Topic: "x:u1", Ref: "1", Filters: []realtime.Filter{{Resource: ""}}})
	send(t, r, c, realtime.Message{Type: realtime.MsgJoin, Topic: "x:u1", Ref: "2", Filters: []realtime.Filter{{Resource: "t", Predicate: "bogus"}}})
	send(t, r, c, realtime.Message{Type: realtime.MsgJoin, Ref: "3"})
	send(t, r, c, realtime.Message{Type: "shout", Ref: "4"})
	r.handleMessage(c, []byte("{not json"))

	replies := conn.ofType(realtime.MsgReply)
	require.Len(t, replies, 4)
	for _, reply := range replies {
		assert.Equal(t, realtime.ReplyError, reply.Status, reply.Ref)
		assert.NotEmpty(t, reply.Error)
	}
	assert.Empty(t, r.Topics())
}

func TestLeaveStopsDelivery(t *testing.T) {
	r := newTestRelay(t)
	conn := &fakeConn{}
	c := r.attach(conn.send, conn.close)

	send(t, r, c, realtime.Message{Type: realtime.MsgJoin, Topic: "x:u1", Ref: "1", Filters: []realtime.Filter{{Resource: "payments"}}})
	send(t, r, c, realtime.Message{Type: realtime.MsgLeave, Topic: "x:u1", Ref: "2"})

	r.Publish(&realtime.Change{Id: "a", Type: realtime.EventInsert, Resource: "payments"})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, conn.ofType(realtime.MsgChange))
	assert.Len(t, conn.ofType(realtime.MsgReply), 2)
}

func TestTopicsAggregatesClients(t *testing.T) {
	r := newTestRelay(t)
	a, b := &fakeConn{}, &fakeConn{}
	ca := r.attach(a.send, a.close)
	cb := r.attach(b.send, b.close)

	filter := realtime.Filter{Event: realtime.EventInsert, Resource: "notifications", Predicate: realtime.Eq("user_id", "u1")}
	send(t, r, ca, realtime.Message{Type: realtime.MsgJoin, Topic: "notifications:u1", Filters: []realtime.Filter{filter}})
	send(t, r, cb, realtime.Message{Type: realtime.MsgJoin, Topic: "notifications:u1", Filters: []realtime.Filter{filter}})
	send(t, r, cb, realtime.Message{Type: realtime.MsgJoin, Topic: "dashboard:u1"})

	topics := r.Topics()
	require.Len(t, topics, 2)
	assert.Equal(t, "dashboard:u1", topics[0].Topic)
	assert.Equal(t, TopicInfo{Topic: "notifications:u1", Clients: 2, Filters: []string{filter.String()}}, topics[1])
	assert.Equal(t, 2, r.Clients())
}

func TestStartConsumesChangeStream(t *testing.T) {
	r := newTestRelay(t)
	conn := &fakeConn{}
	c := r.attach(conn.send, conn.close)
	send(t, r, c, realtime.Message{Type: realtime.MsgJoin, Topic: "x:u1", Filters: []realtime.Filter{{Resource: "payments"}}})

	stream := make(chan *realtime.Change, 1)
	r.Start(context.Background(), stream)
	stream <- &realtime.Change{Id: "a", Type: realtime.EventInsert, Resource: "payments"}

	require.Eventually(t, func() bool { return len(conn.ofType(realtime.MsgChange)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestIdleClientsRemoved(t *testing.T) {
	r := NewRelay(Config{MaxIdleTime: 10 * time.Millisecond})
	defer r.Shutdown(context.Background())

	conn := &fakeConn{}
	c := r.attach(conn.send, conn.close)
	c.mu.Lock()
	c.lastActive = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	r.performClientCleanup()
	assert.Equal(t, 0, r.Clients())
	assert.True(t, conn.isClosed())
}

func TestShutdownReportsClosedTopics(t *testing.T) {
	r := NewRelay(Config{})
	conn := &fakeConn{}
	c := r.attach(conn.send, conn.close)
	send(t, r, c, realtime.Message{Type: realtime.MsgJoin, Topic: "x:u1"})

	require.NoError(t, r.Shutdown(context.Background()))

	statuses := conn.ofType(realtime.MsgStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, "x:u1", statuses[0].Topic)
	assert.Equal(t, string(realtime.StatusClosed), statuses[0].Status)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, r.Clients())

	// frames after the close are refused
	assert.ErrorIs(t, c.write(realtime.Message{Type: realtime.MsgHeartbeat}), errClientClosed)
}

func TestSlowClientGetsChannelError(t *testing.T) {
	r := NewRelay(Config{BroadcastFlushInterval: 5 * time.Millisecond, ClientBufferSize: 1})
	defer r.Shutdown(context.Background())

	conn := &fakeConn{gate: make(chan struct{})}
	c := r.attach(conn.send, conn.close)
	send(t, r, c, realtime.Message{Type: realtime.MsgJoin, Topic: "x:u1", Filters: []realtime.Filter{{Resource: "payments"}}})

	for i := 0; i < 5; i++ {
		r.Publish(&realtime.Change{Id: fmt.Sprint(i), Type: realtime.EventInsert, Resource: "payments"})
	}
	require.Eventually(t, func() bool { return r.buffer.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	close(conn.gate)

	require.Eventually(t, func() bool { return conn.isClosed() }, time.Second, 5*time.Millisecond)
	statuses := conn.ofType(realtime.MsgStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, "x:u1", statuses[0].Topic)
	assert.Equal(t, string(realtime.StatusChannelError), statuses[0].Status)
	assert.Equal(t, 0, r.Clients())
	assert.Less(t, len(conn.ofType(realtime.MsgChange)), 5)
}

func TestFailAllReportsChannelError(t *testing.T) {
	r := newTestRelay(t)
	a, b := &fakeConn{}, &fakeConn{}
	ca := r.attach(a.send, a.close)
	r.attach(b.send, b.close)
	send(t, r, ca, realtime.Message{Type: realtime.MsgJoin, Topic: "notifications:u1"})
	send(t, r, ca, realtime.Message{Type: realtime.MsgJoin, Topic: "dashboard:u1"})

	r.FailAll("change stream lost events")

	statuses := a.ofType(realtime.MsgStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, "dashboard:u1", statuses[0].Topic)
	assert.Equal(t, "notifications:u1", statuses[1].Topic)
	for _, st := range statuses {
		assert.Equal(t, string(realtime.StatusChannelError), st.Status)
		assert.Equal(t, "change stream lost events", st.Error)
	}
	assert.Empty(t, b.ofType(realtime.MsgStatus))
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Equal(t, 0, r.Clients())
}

func TestRegisterHandlersServesHealthAndMetrics(t *testing.T) {
	r := newTestRelay(t)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	r.RegisterHandlers(app)

	resp, err := app.Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	// plain HTTP on the websocket path is refused
	resp, err = app.Test(httptest.NewRequest("GET", Path, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
