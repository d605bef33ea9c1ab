package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-relay/internal/protocol"
)

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// pending returns timers that are neither stopped nor fired.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) fire(t *fakeTimer) {
	c.mu.Lock()
	if t.stopped || t.fired {
		c.mu.Unlock()
		return
	}
	t.fired = true
	c.mu.Unlock()
	t.f()
}

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	mu        sync.Mutex
	written   []string
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, string(data))
	return nil
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.incoming:
		if data == nil {
			return nil, protocol.ErrFrameTooLarge
		}
		return data, nil
	case <-t.closed:
		return nil, errTransportClosed
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) frames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.written...)
}

type fakeDialer struct {
	mu         sync.Mutex
	fail       bool
	dials      int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(context.Context, string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func newTestController(t *testing.T, cfg Config, handler Handler) (*Controller, *fakeDialer, *fakeClock) {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "ws://relay.test/?token=t&roomId=r1"
	}
	dialer := &fakeDialer{}
	clock := newFakeClock()
	c, err := NewController(cfg, dialer, handler, zerolog.New(io.Discard), WithClock(clock))
	require.NoError(t, err)
	return c, dialer, clock
}

func TestReconnectBackoffThenGiveUp(t *testing.T) {
	var gaveUp, disconnects int
	c, dialer, clock := newTestController(t, Config{}, Handler{
		OnGaveUp:     func() { gaveUp++ },
		OnDisconnect: func(error) { disconnects++ },
	})
	dialer.setFail(true)

	require.Error(t, c.Connect(context.Background()))

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		pending := clock.pending()
		if len(pending) == 0 {
			break
		}
		require.Len(t, pending, 1)
		assert.Equal(t, StateReconnecting, c.State())
		delays = append(delays, pending[0].delay)
		clock.fire(pending[0])
	}

	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}, delays)
	assert.Equal(t, StateGaveUp, c.State())
	assert.Equal(t, 1, gaveUp)
	assert.Equal(t, 6, disconnects)
	assert.Equal(t, 6, dialer.dials)
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	c, dialer, clock := newTestController(t, Config{MaxAttempts: 8}, Handler{})
	dialer.setFail(true)
	require.Error(t, c.Connect(context.Background()))

	var last time.Duration
	for pending := clock.pending(); len(pending) == 1; pending = clock.pending() {
		last = pending[0].delay
		clock.fire(pending[0])
	}
	assert.Equal(t, 30*time.Second, last)
}

func TestOpenResetsAttempts(t *testing.T) {
	c, dialer, clock := newTestController(t, Config{}, Handler{})
	dialer.setFail(true)
	require.Error(t, c.Connect(context.Background()))
	clock.fire(clock.pending()[0])
	require.Equal(t, 2000*time.Millisecond, clock.pending()[0].delay)

	dialer.setFail(false)
	clock.fire(clock.pending()[0])
	require.Equal(t, StateOpen, c.State())

	dialer.last().Close()
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, time.Second, 5*time.Millisecond)

	var reconnect *fakeTimer
	for _, tm := range clock.pending() {
		if tm.delay != 30*time.Second {
			reconnect = tm
		}
	}
	require.NotNil(t, reconnect)
	assert.Equal(t, 1000*time.Millisecond, reconnect.delay)
}

func TestCursorThrottle(t *testing.T) {
	c, _, clock := newTestController(t, Config{}, Handler{})
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Send(protocol.CursorUpdate{X: 1, Y: 1}))
	clock.Advance(5 * time.Millisecond)
	require.ErrorIs(t, c.Send(protocol.CursorUpdate{X: 2, Y: 2}), ErrThrottled)

	clock.Advance(15 * time.Millisecond)
	require.NoError(t, c.Send(protocol.CursorUpdate{X: 3, Y: 3}))
	clock.Advance(20 * time.Millisecond)
	require.NoError(t, c.Send(protocol.CursorUpdate{X: 4, Y: 4}))

	// Pings are never throttled.
	require.NoError(t, c.Send(protocol.Ping{}))
	require.NoError(t, c.Send(protocol.Ping{}))
}

func TestThrottleTransmitsOnlyAllowed(t *testing.T) {
	c, dialer, clock := newTestController(t, Config{}, Handler{})
	require.NoError(t, c.Connect(context.Background()))

	_ = c.Send(protocol.CursorUpdate{X: 1, Y: 1})
	clock.Advance(5 * time.Millisecond)
	_ = c.Send(protocol.CursorUpdate{X: 2, Y: 2})
	clock.Advance(20 * time.Millisecond)
	_ = c.Send(protocol.CursorUpdate{X: 3, Y: 3})

	frames := dialer.last().frames()
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"type":"cursor.update","x":1,"y":1}`, frames[0])
	assert.JSONEq(t, `{"type":"cursor.update","x":3,"y":3}`, frames[1])
}

func TestQueueFlushOnConnect(t *testing.T) {
	connected := 0
	c, dialer, _ := newTestController(t, Config{}, Handler{OnConnect: func() { connected++ }})

	require.NoError(t, c.Send(protocol.Ping{}))
	require.NoError(t, c.Send(protocol.SnapshotRequest{}))
	assert.Equal(t, 2, c.Queued())

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Send(protocol.CursorUpdate{X: 5, Y: 6}))

	frames := dialer.last().frames()
	require.Len(t, frames, 3)
	assert.JSONEq(t, `{"type":"ping"}`, frames[0])
	assert.JSONEq(t, `{"type":"snapshot.request"}`, frames[1])
	assert.JSONEq(t, `{"type":"cursor.update","x":5,"y":6}`, frames[2])
	assert.Equal(t, 0, c.Queued())
	assert.Equal(t, 1, connected)
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	c, dialer, clock := newTestController(t, Config{QueueSize: 2}, Handler{})

	require.NoError(t, c.Send(protocol.CursorUpdate{X: 1, Y: 1}))
	clock.Advance(time.Second)
	require.NoError(t, c.Send(protocol.CursorUpdate{X: 2, Y: 2}))
	clock.Advance(time.Second)
	require.NoError(t, c.Send(protocol.CursorUpdate{X: 3, Y: 3}))
	assert.Equal(t, 2, c.Queued())

	require.NoError(t, c.Connect(context.Background()))
	frames := dialer.last().frames()
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"type":"cursor.update","x":2,"y":2}`, frames[0])
	assert.JSONEq(t, `{"type":"cursor.update","x":3,"y":3}`, frames[1])
}

func TestUnboundedQueue(t *testing.T) {
	c, _, _ := newTestController(t, Config{QueueSize: -1}, Handler{})
	for i := 0; i < 1000; i++ {
		require.NoError(t, c.Send(protocol.Ping{}))
	}
	assert.Equal(t, 1000, c.Queued())
}

func TestSendRawRejectsOversized(t *testing.T) {
	c, dialer, _ := newTestController(t, Config{}, Handler{})
	require.NoError(t, c.Connect(context.Background()))

	big := `{"type":"cursor.update","x":1,"y":1,"pad":"` + strings.Repeat("p", protocol.MaxFrameBytes) + `"}`
	require.ErrorIs(t, c.SendRaw([]byte(big)), protocol.ErrFrameTooLarge)
	assert.Empty(t, dialer.last().frames())
	assert.Equal(t, StateOpen, c.State())

	require.NoError(t, c.SendRaw([]byte(`{"type":"ping"}`)))
	assert.Len(t, dialer.last().frames(), 1)
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	c, dialer, clock := newTestController(t, Config{}, Handler{})
	require.NoError(t, c.Connect(context.Background()))
	transport := dialer.last()

	c.Disconnect()
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, transport.isClosed())

	// Give the read loop time to observe the close; it must not reconnect.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, clock.pending())
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 1, dialer.dials)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	c, dialer, clock := newTestController(t, Config{}, Handler{})
	dialer.setFail(true)
	require.Error(t, c.Connect(context.Background()))
	require.Len(t, clock.pending(), 1)

	c.Disconnect()
	assert.Empty(t, clock.pending())
	assert.Equal(t, StateIdle, c.State())
}

func TestHeartbeat(t *testing.T) {
	c, dialer, clock := newTestController(t, Config{}, Handler{})
	require.NoError(t, c.Connect(context.Background()))

	pending := clock.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 30*time.Second, pending[0].delay)

	clock.fire(pending[0])
	assert.Equal(t, []string{`{"type":"ping"}`}, dialer.last().frames())

	next := clock.pending()
	require.Len(t, next, 1, "heartbeat rescheduled")

	dialer.last().Close()
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, time.Second, 5*time.Millisecond)
	assert.NotContains(t, clock.pending(), next[0], "heartbeat cancelled on close")
}

func TestInboundDispatch(t *testing.T) {
	var (
		mu      sync.Mutex
		joins   []protocol.PresenceJoin
		leaves  []protocol.PresenceLeave
		cursors []protocol.CursorMoved
		pongs   int
	)
	c, dialer, _ := newTestController(t, Config{}, Handler{
		OnPresenceJoin:  func(m protocol.PresenceJoin) { mu.Lock(); joins = append(joins, m); mu.Unlock() },
		OnPresenceLeave: func(m protocol.PresenceLeave) { mu.Lock(); leaves = append(leaves, m); mu.Unlock() },
		OnCursorUpdate:  func(m protocol.CursorMoved) { mu.Lock(); cursors = append(cursors, m); mu.Unlock() },
		OnPong:          func() { mu.Lock(); pongs++; mu.Unlock() },
	})
	require.NoError(t, c.Connect(context.Background()))

	t1 := dialer.last()
	t1.incoming <- []byte(`{"type":"presence.join","userId":"U1","email":"u1@test.com"}`)
	t1.incoming <- nil // oversized frame reported by the transport
	t1.incoming <- []byte(`{"type":"board.locked"}`)
	t1.incoming <- []byte(`{"type":"cursor.update","userId":"U1","x":1,"y":2}`)
	t1.incoming <- []byte(`garbage`)
	t1.incoming <- []byte(`{"type":"presence.leave","userId":"U1"}`)
	t1.incoming <- []byte(`{"type":"pong"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pongs == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []protocol.PresenceJoin{{UserID: "U1", Email: "u1@test.com"}}, joins)
	assert.Equal(t, []protocol.CursorMoved{{UserID: "U1", X: 1, Y: 2}}, cursors)
	assert.Equal(t, []protocol.PresenceLeave{{UserID: "U1"}}, leaves)
	assert.Equal(t, StateOpen, c.State())
}

func TestRelayURL(t *testing.T) {
	u, err := RelayURL("ws://localhost:8080", "tok", "room-1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/?roomId=room-1&token=tok", u)

	_, err = NewController(Config{}, &fakeDialer{}, Handler{}, zerolog.New(io.Discard))
	require.ErrorIs(t, err, ErrNoURL)
}
