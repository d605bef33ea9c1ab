package ws

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-relay/internal/auth"
	"github.com/example/canvas-relay/internal/protocol"
)

// serveRawConnection upgrades one request into a Connection that is joined but
// has no writer running, so its send queue only drains when the test says so.
func serveRawConnection(t *testing.T, bufferSize int) (*websocket.Conn, *Connection) {
	t.Helper()
	ready := make(chan *Connection, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newConnection("conn-1", wsConn, zerolog.New(io.Discard), connectionOptions{
			sendBufferSize: bufferSize,
			writeTimeout:   time.Second,
			readGuard:      defaultReadGuard,
		})
		c.admit("r1", auth.Claims{UserID: "U1"})
		c.setState(StateJoined)
		ready <- c
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-ready:
		return client, c
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not ready")
		return nil, nil
	}
}

func TestConnectionBackpressureCloses(t *testing.T) {
	client, c := serveRawConnection(t, 2)

	require.True(t, c.Open())
	require.NoError(t, c.Send([]byte(`{"type":"pong"}`)))
	require.NoError(t, c.Send([]byte(`{"type":"pong"}`)))
	require.ErrorIs(t, c.Send([]byte(`{"type":"pong"}`)), errSendBufferFull)

	assert.False(t, c.Open())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, protocol.CloseBackpressure, c.CloseReason())
	assert.ErrorIs(t, c.Send([]byte(`{}`)), errClosed)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}

func TestConnectionRejectionState(t *testing.T) {
	_, c := serveRawConnection(t, 1)

	c.Close(protocol.CloseNotAuthorized)
	c.Close(protocol.CloseInternal)

	assert.Equal(t, StateRejected, c.State())
	assert.Equal(t, protocol.CloseNotAuthorized, c.CloseReason())
}

func TestConnectionAdmissionStopsAfterClose(t *testing.T) {
	_, c := serveRawConnection(t, 1)
	c.setState(StateAuthorizing)

	c.Close(protocol.CloseNormal)
	assert.False(t, c.advance(StateAuthorizing, StateJoined))
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.Open())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "joined", StateJoined.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "unknown", State(42).String())
}
