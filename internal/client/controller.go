// Package client keeps one logical relay session alive over reconnecting
// WebSocket transports. It queues frames while disconnected, sends heartbeat
// pings and throttles cursor updates.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-relay/internal/protocol"
)

var (
	// ErrThrottled is returned for cursor updates sent faster than the throttle interval.
	ErrThrottled = errors.New("client: cursor update throttled")
	// ErrNoURL is returned when the controller has no relay URL.
	ErrNoURL = errors.New("client: relay url is required")
)

// State is the controller's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateReconnecting
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	case StateGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

// Handler receives connection events and relay messages. Callbacks run on
// controller goroutines without internal locks held; nil callbacks are skipped.
type Handler struct {
	OnConnect       func()
	OnDisconnect    func(err error)
	OnGaveUp        func()
	OnPresenceJoin  func(protocol.PresenceJoin)
	OnPresenceLeave func(protocol.PresenceLeave)
	OnCursorUpdate  func(protocol.CursorMoved)
	OnSnapshotAck   func()
	OnPong          func()
}

// Config controls reconnect, heartbeat, throttle and queue behaviour.
type Config struct {
	// URL is the full relay URL including token and roomId, see RelayURL.
	URL               string
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	CursorThrottle    time.Duration
	// QueueSize caps frames held while disconnected. Zero uses the default;
	// a negative value keeps every frame.
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.CursorThrottle <= 0 {
		c.CursorThrottle = 16 * time.Millisecond
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock, for tests.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// Controller maintains a single logical channel to the relay.
type Controller struct {
	cfg     Config
	dialer  Dialer
	handler Handler
	clock   Clock
	logger  zerolog.Logger

	mu         sync.Mutex
	state      State
	gen        uint64
	transport  Transport
	attempts   int
	reconnect  Timer
	heartbeat  Timer
	queue      *outboundQueue
	lastCursor time.Time
	sentCursor bool
}

// NewController builds a controller. Call Connect to start.
func NewController(cfg Config, dialer Dialer, handler Handler, logger zerolog.Logger, opts ...Option) (*Controller, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if dialer == nil {
		return nil, errors.New("client: dialer is required")
	}
	cfg.applyDefaults()
	c := &Controller{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		clock:   realClock{},
		logger:  logger,
		queue:   newOutboundQueue(cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Queued returns the number of frames waiting for a connection.
func (c *Controller) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

// Connect cancels any pending reconnect and opens a new transport. A failed
// dial counts as a close and follows the reconnect policy.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateIdle || c.state == StateGaveUp {
		c.attempts = 0
	}
	gen := c.beginConnectLocked()
	c.mu.Unlock()

	return c.dial(ctx, gen)
}

func (c *Controller) beginConnectLocked() uint64 {
	stopTimer(&c.reconnect)
	c.gen++
	c.state = StateConnecting
	return c.gen
}

func (c *Controller) dial(ctx context.Context, gen uint64) error {
	t, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		c.handleClose(gen, err)
		return err
	}
	c.handleOpen(gen, t)
	return nil
}

func (c *Controller) handleOpen(gen uint64, t Transport) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = t.Close()
		return
	}
	c.state = StateOpen
	c.transport = t
	c.attempts = 0
	c.flushLocked()
	c.scheduleHeartbeatLocked(gen)
	c.mu.Unlock()

	c.logger.Debug().Msg("relay connection open")
	go c.readLoop(gen, t)
	if c.handler.OnConnect != nil {
		c.handler.OnConnect()
	}
}

// flushLocked sends queued frames while the transport stays open.
func (c *Controller) flushLocked() {
	for c.state == StateOpen && c.transport != nil {
		frame, ok := c.queue.pop()
		if !ok {
			return
		}
		if err := c.transport.WriteMessage(frame); err != nil {
			c.logger.Warn().Err(err).Msg("flush write failed")
			return
		}
	}
}

func (c *Controller) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = StateClosed
	c.transport = nil
	stopTimer(&c.heartbeat)

	gaveUp := false
	if c.attempts < c.cfg.MaxAttempts {
		delay := c.backoffLocked()
		c.attempts++
		c.state = StateReconnecting
		token := c.gen
		c.reconnect = c.clock.AfterFunc(delay, func() { c.fireReconnect(token) })
		c.logger.Info().Err(cause).Dur("delay", delay).Int("attempt", c.attempts).Msg("relay connection closed; reconnecting")
	} else {
		c.state = StateGaveUp
		gaveUp = true
		c.logger.Warn().Err(cause).Int("attempts", c.attempts).Msg("relay connection closed; giving up")
	}
	c.mu.Unlock()

	if c.handler.OnDisconnect != nil {
		c.handler.OnDisconnect(cause)
	}
	if gaveUp && c.handler.OnGaveUp != nil {
		c.handler.OnGaveUp()
	}
}

// backoffLocked returns min(BaseDelay * 2^attempts, MaxDelay).
func (c *Controller) backoffLocked() time.Duration {
	delay := c.cfg.BaseDelay
	for i := 0; i < c.attempts; i++ {
		delay *= 2
		if delay >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if delay > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return delay
}

func (c *Controller) fireReconnect(token uint64) {
	c.mu.Lock()
	if token != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	gen := c.beginConnectLocked()
	c.mu.Unlock()

	_ = c.dial(context.Background(), gen)
}

func (c *Controller) scheduleHeartbeatLocked(gen uint64) {
	stopTimer(&c.heartbeat)
	c.heartbeat = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.sendHeartbeat(gen) })
}

func (c *Controller) sendHeartbeat(gen uint64) {
	frame, err := protocol.EncodeInbound(protocol.Ping{})
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateOpen {
		return
	}
	if err := c.transport.WriteMessage(frame); err != nil {
		c.logger.Debug().Err(err).Msg("heartbeat write failed")
	}
	c.scheduleHeartbeatLocked(gen)
}

func (c *Controller) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.ReadMessage()
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			c.logger.Warn().Msg("dropping oversized frame from relay")
			continue
		}
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Controller) dispatch(data []byte) {
	msg, err := protocol.DecodeOutbound(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping frame from relay")
		return
	}

	h := c.handler
	switch m := msg.(type) {
	case protocol.PresenceJoin:
		if h.OnPresenceJoin != nil {
			h.OnPresenceJoin(m)
		}
	case protocol.PresenceLeave:
		if h.OnPresenceLeave != nil {
			h.OnPresenceLeave(m)
		}
	case protocol.CursorMoved:
		if h.OnCursorUpdate != nil {
			h.OnCursorUpdate(m)
		}
	case protocol.SnapshotAck:
		if h.OnSnapshotAck != nil {
			h.OnSnapshotAck()
		}
	case protocol.Pong:
		if h.OnPong != nil {
			h.OnPong()
		}
	case protocol.UnknownOutbound:
		c.logger.Debug().Str("type", m.Type).Msg("ignoring unknown message type")
	default:
		c.logger.Error().Str("variant", fmt.Sprintf("%T", msg)).Msg("unhandled outbound variant")
	}
}

// Send encodes msg and sends it, or queues it while disconnected.
func (c *Controller) Send(msg protocol.Inbound) error {
	frame, err := protocol.EncodeInbound(msg)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping outbound message")
		return err
	}
	_, cursor := msg.(protocol.CursorUpdate)
	return c.send(frame, cursor)
}

// SendRaw validates a pre-serialized frame and sends or queues it. Frames
// above the size cap are dropped with protocol.ErrFrameTooLarge.
func (c *Controller) SendRaw(frame []byte) error {
	msg, err := protocol.DecodeInbound(frame)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping outbound frame")
		return err
	}
	_, cursor := msg.(protocol.CursorUpdate)
	return c.send(frame, cursor)
}

func (c *Controller) send(frame []byte, cursor bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cursor {
		now := c.clock.Now()
		if c.sentCursor && now.Sub(c.lastCursor) < c.cfg.CursorThrottle {
			return ErrThrottled
		}
		c.lastCursor = now
		c.sentCursor = true
	}

	if c.state == StateOpen && c.transport != nil {
		return c.transport.WriteMessage(frame)
	}
	if c.queue.push(frame) {
		c.logger.Debug().Int("limit", c.cfg.QueueSize).Msg("outbound queue full; dropped oldest frame")
	}
	return nil
}

// Disconnect tears the session down without reconnecting.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.gen++
	stopTimer(&c.reconnect)
	stopTimer(&c.heartbeat)
	t := c.transport
	c.transport = nil
	c.state = StateIdle
	c.attempts = 0
	c.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
