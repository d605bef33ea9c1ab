package ws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/canvas-relay/internal/auth"
	"github.com/example/canvas-relay/internal/protocol"
)

// pendingLimit caps frames held while a connection is still being admitted.
const pendingLimit = 64

var (
	errSendBufferFull = errors.New("send buffer full")
	errClosed         = errors.New("connection closed")
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthorizing
	StateJoined
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorizing:
		return "authorizing"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
	readGuard          int64
}

// Connection is one upgraded WebSocket session. Identity fields are set once
// during admission and never change afterwards.
type Connection struct {
	id     string
	conn   *websocket.Conn
	logger zerolog.Logger
	opts   connectionOptions

	roomID string
	claims auth.Claims

	state     atomic.Int32
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	reason    atomic.Int32
	lastPong  atomic.Int64

	inbound  chan []byte
	readDone chan struct{}

	flowMu  sync.Mutex
	flowing bool
	pending [][]byte
}

func newConnection(id string, conn *websocket.Conn, logger zerolog.Logger, opts connectionOptions) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:     id,
		conn:   conn,
		logger: logger,
		opts:   opts,
		send:   make(chan []byte, opts.sendBufferSize),
		ctx:    ctx,
		cancel: cancel,

		inbound:  make(chan []byte),
		readDone: make(chan struct{}),
	}
	c.reason.Store(int32(protocol.CloseNormal))
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// ID returns the process-unique connection identifier.
func (c *Connection) ID() string { return c.id }

// RoomID returns the room the connection was admitted to.
func (c *Connection) RoomID() string { return c.roomID }

// UserID returns the verified user identifier.
func (c *Connection) UserID() string { return c.claims.UserID }

// Email returns the verified email claim.
func (c *Connection) Email() string { return c.claims.Email }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Open reports whether the connection is joined and not yet closing.
func (c *Connection) Open() bool {
	return c.State() == StateJoined && c.ctx.Err() == nil
}

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

// advance moves the connection from one admission state to the next. It
// fails once the connection has closed, since Close stores a terminal state.
func (c *Connection) advance(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *Connection) admit(roomID string, claims auth.Claims) {
	c.roomID = roomID
	c.claims = claims
}

// Send enqueues a frame for the writer goroutine. A full queue closes the
// connection with CloseBackpressure.
func (c *Connection) Send(frame []byte) error {
	if c.ctx.Err() != nil {
		return errClosed
	}
	select {
	case c.send <- frame:
		relaySendQueueDepth.Observe(float64(len(c.send)))
		return nil
	case <-c.ctx.Done():
		return errClosed
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		relayBackpressureCloses.Inc()
		c.Close(protocol.CloseBackpressure)
		return errSendBufferFull
	}
}

// Close sends a close frame carrying reason and tears down the transport.
// Only the first call has an effect.
func (c *Connection) Close(reason protocol.CloseReason) {
	c.closeOnce.Do(func() {
		c.reason.Store(int32(reason))
		if reason.IsRejection() {
			c.setState(StateRejected)
		} else {
			c.setState(StateClosed)
		}
		c.cancel()
		msg := websocket.FormatCloseMessage(reason.Code(), reason.Text())
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.writeTimeout))
		_ = c.conn.Close()
	})
}

// CloseReason returns the reason the connection was closed with.
func (c *Connection) CloseReason() protocol.CloseReason {
	return protocol.CloseReason(c.reason.Load())
}

// startReader begins reading the transport. Frames that arrive during
// admission are held (up to pendingLimit) until run starts; a transport close
// at any point closes the connection and cancels its context.
func (c *Connection) startReader() {
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	go func() {
		defer close(c.readDone)
		if err := c.readLoop(c.forward); err != nil {
			c.logger.Debug().Err(err).Msg("read loop exited")
		}
		c.Close(protocol.CloseNormal)
	}()
}

func (c *Connection) forward(frame []byte) {
	c.flowMu.Lock()
	if !c.flowing {
		if len(c.pending) < pendingLimit {
			c.pending = append(c.pending, frame)
		} else {
			relayFramesDropped.WithLabelValues("admission_backlog").Inc()
		}
		c.flowMu.Unlock()
		return
	}
	c.flowMu.Unlock()

	select {
	case c.inbound <- frame:
	case <-c.ctx.Done():
	}
}

// waitReader blocks until the reader started by startReader has exited.
func (c *Connection) waitReader() { <-c.readDone }

// run starts the write and heartbeat pumps and hands inbound frames to handle
// one at a time until the transport closes. startReader must have been called.
func (c *Connection) run(handle func(frame []byte)) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	c.flowMu.Lock()
	held := c.pending
	c.pending = nil
	c.flowing = true
	c.flowMu.Unlock()
	for _, frame := range held {
		handle(frame)
	}

	for done := false; !done; {
		select {
		case frame := <-c.inbound:
			handle(frame)
		case <-c.readDone:
			done = true
		}
	}
	c.Close(protocol.CloseNormal)
	wg.Wait()
}

func (c *Connection) readLoop(handle func(frame []byte)) error {
	for {
		msgType, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}

		var buf bytes.Buffer
		n, err := io.Copy(&buf, io.LimitReader(r, c.opts.readGuard+1))
		if err != nil {
			return err
		}
		if n > c.opts.readGuard {
			if _, err := io.Copy(io.Discard, r); err != nil {
				return err
			}
			relayFramesDropped.WithLabelValues("too_large").Inc()
			c.logger.Warn().Int64("bytes", n).Msg("dropping oversized frame")
			continue
		}
		if msgType != websocket.TextMessage {
			relayFramesDropped.WithLabelValues("binary").Inc()
			c.logger.Debug().Msg("dropping binary frame")
			continue
		}

		handle(buf.Bytes())
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.Close(protocol.CloseInternal)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close(protocol.CloseInternal)
				return
			}
		}
	}
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.Close(protocol.CloseHeartbeatTimeout)
					return
				}
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close(protocol.CloseHeartbeatTimeout)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
