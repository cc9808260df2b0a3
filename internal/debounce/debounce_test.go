package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fired struct {
	mu   sync.Mutex
	keys []string
	at   []time.Time
}

func (f *fired) sink(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.at = append(f.at, time.Now())
}

func (f *fired) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func (f *fired) snapshot() ([]string, []time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...), append([]time.Time(nil), f.at...)
}

func TestBurstCoalescesIntoOneInvalidation(t *testing.T) {
	f := &fired{}
	d := New(f.sink, nil, Config{Wait: 300 * time.Millisecond})
	defer d.Close()

	// 50 notifies spread over ~100ms
	var last time.Time
	for i := 0; i < 50; i++ {
		d.Notify("dashboard:u1")
		last = time.Now()
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(400 * time.Millisecond)

	keys, at := f.snapshot()
	require.Len(t, keys, 1)
	assert.Equal(t, "dashboard:u1", keys[0])

	delay := at[0].Sub(last)
	assert.GreaterOrEqual(t, delay, 300*time.Millisecond)
	assert.Less(t, delay, 400*time.Millisecond)
	assert.False(t, d.Pending("dashboard:u1"))
}

func TestQuietPeriodRestartsOnNotify(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	f := &fired{}
	d := New(f.sink, nil, Config{Wait: 300 * time.Millisecond, Clock: clk})
	defer d.Close()

	d.Notify("k")
	require.NoError(t, clk.WaitAdvance(200*time.Millisecond, time.Second, 1))
	assert.Equal(t, 0, f.count())

	// restart: 200ms already elapsed must not count
	d.Notify("k")
	require.NoError(t, clk.WaitAdvance(299*time.Millisecond, time.Second, 1))
	assert.Equal(t, 0, f.count())
	assert.True(t, d.Pending("k"))

	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, time.Millisecond)

	// nothing else is scheduled
	clk.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, f.count())
}

func TestKeysAreIndependent(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	f := &fired{}
	d := New(f.sink, nil, Config{Wait: 100 * time.Millisecond, Clock: clk})
	defer d.Close()

	d.Notify("a")
	d.Notify("b")
	d.Notify("a")
	assert.Equal(t, 2, d.Len())

	require.NoError(t, clk.WaitAdvance(100*time.Millisecond, time.Second, 2))
	require.Eventually(t, func() bool { return f.count() == 2 }, time.Second, time.Millisecond)

	keys, _ := f.snapshot()
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
	assert.Equal(t, 0, d.Len())
}

func TestCancelStopsPendingInvalidation(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	f := &fired{}
	d := New(f.sink, nil, Config{Wait: 100 * time.Millisecond, Clock: clk})
	defer d.Close()

	d.Notify("notifications:u1")
	d.Notify("dashboard:u1")
	d.Notify("dashboard:u2")

	assert.True(t, d.Cancel("notifications:u1"))
	assert.False(t, d.Cancel("notifications:u1"))
	assert.Equal(t, 1, d.CancelPrefix("dashboard:u1"))

	require.NoError(t, clk.WaitAdvance(100*time.Millisecond, time.Second, 1))
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, time.Millisecond)

	keys, _ := f.snapshot()
	assert.Equal(t, []string{"dashboard:u2"}, keys)
}

func TestStaleTimerAfterCancelIsIgnored(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	f := &fired{}
	d := New(f.sink, nil, Config{Wait: 100 * time.Millisecond, Clock: clk})
	defer d.Close()

	d.Notify("stats:u1")
	d.mu.Lock()
	stale := d.pending["stats:u1"].gen
	d.mu.Unlock()

	require.True(t, d.Cancel("stats:u1"))
	d.Notify("stats:u1")

	// the cancelled timer's func was already running when Stop was called
	d.fire("stats:u1", stale)
	assert.Equal(t, 0, f.count())
	assert.True(t, d.Pending("stats:u1"))

	require.NoError(t, clk.WaitAdvance(100*time.Millisecond, time.Second, 1))
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, time.Millisecond)
	assert.False(t, d.Pending("stats:u1"))
}

func TestUnobservedKeyIsDropped(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	f := &fired{}

	var mu sync.Mutex
	observed := map[string]bool{"seen": true}
	active := func(key string) bool {
		mu.Lock()
		defer mu.Unlock()
		return observed[key]
	}

	d := New(f.sink, active, Config{Wait: 50 * time.Millisecond, Clock: clk})
	defer d.Close()

	d.Notify("seen")
	d.Notify("unseen")
	require.NoError(t, clk.WaitAdvance(50*time.Millisecond, time.Second, 2))

	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	keys, _ := f.snapshot()
	assert.Equal(t, []string{"seen"}, keys)
	assert.Equal(t, 0, d.Len())
}

func TestCloseIgnoresLaterNotifies(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	f := &fired{}
	d := New(f.sink, nil, Config{Wait: 50 * time.Millisecond, Clock: clk})

	d.Notify("k")
	d.Close()
	d.Notify("k")

	assert.Equal(t, 0, d.Len())
	clk.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, f.count())
}

func TestDefaultConfig(t *testing.T) {
	d := New(func(string) {}, nil, Config{})
	assert.Equal(t, 300*time.Millisecond, d.config.Wait)
	assert.NotNil(t, d.config.Clock)
}
