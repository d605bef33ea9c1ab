package ws

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-relay/internal/protocol"
)

type mockMember struct {
	id     string
	room   string
	user   string
	email  string
	closed bool
	reason protocol.CloseReason

	mu       sync.Mutex
	received [][]byte
	sendErr  error
}

func newMockMember(id, room, user string) *mockMember {
	return &mockMember{id: id, room: room, user: user, email: user + "@test.com"}
}

func (m *mockMember) ID() string     { return m.id }
func (m *mockMember) RoomID() string { return m.room }
func (m *mockMember) UserID() string { return m.user }
func (m *mockMember) Email() string  { return m.email }

func (m *mockMember) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *mockMember) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, frame)
	return nil
}

func (m *mockMember) Close(reason protocol.CloseReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.reason = reason
}

func (m *mockMember) messages(t *testing.T) []protocol.Outbound {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Outbound, 0, len(m.received))
	for _, frame := range m.received {
		msg, err := protocol.DecodeOutbound(frame)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func newTestHub() *Hub {
	return NewHub(zerolog.New(io.Discard))
}

func TestHubJoinAnnouncesToOthersOnly(t *testing.T) {
	hub := newTestHub()
	a := newMockMember("c1", "r1", "A")
	b := newMockMember("c2", "r1", "B")

	require.True(t, hub.Join(b))
	require.True(t, hub.Join(a))

	assert.Equal(t, []protocol.Outbound{protocol.PresenceJoin{UserID: "A", Email: "A@test.com"}}, b.messages(t))
	assert.Empty(t, a.messages(t))

	assert.False(t, hub.Join(a), "second join is a no-op")
	assert.Len(t, b.messages(t), 1)
}

func TestHubLeave(t *testing.T) {
	hub := newTestHub()
	a := newMockMember("c1", "r1", "A")
	b := newMockMember("c2", "r1", "B")
	c := newMockMember("c3", "r1", "C")
	hub.Join(a)
	hub.Join(b)
	hub.Join(c)

	require.True(t, hub.Leave(a))

	leave := protocol.PresenceLeave{UserID: "A"}
	assert.Contains(t, b.messages(t), protocol.Outbound(leave))
	assert.Contains(t, c.messages(t), protocol.Outbound(leave))

	stranger := newMockMember("c4", "r1", "D")
	assert.False(t, hub.Leave(stranger), "never joined")
	assert.False(t, hub.Leave(a), "already left")

	for _, m := range []*mockMember{b, c} {
		count := 0
		for _, msg := range m.messages(t) {
			if _, ok := msg.(protocol.PresenceLeave); ok {
				count++
			}
		}
		assert.Equal(t, 1, count, m.id)
	}
}

func TestHubBroadcast(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*Hub) (sender *mockMember, others []*mockMember)
		wantCount map[string]int
	}{
		{
			name: "excludes sender",
			setup: func(h *Hub) (*mockMember, []*mockMember) {
				s := newMockMember("s", "r1", "S")
				r1 := newMockMember("r1", "r1", "R1")
				r2 := newMockMember("r2", "r1", "R2")
				h.Join(s)
				h.Join(r1)
				h.Join(r2)
				return s, []*mockMember{r1, r2}
			},
			wantCount: map[string]int{"r1": 1, "r2": 1},
		},
		{
			name: "no cross-room delivery",
			setup: func(h *Hub) (*mockMember, []*mockMember) {
				s := newMockMember("s", "r1", "S")
				other := newMockMember("o", "r2", "O")
				h.Join(s)
				h.Join(other)
				return s, []*mockMember{other}
			},
			wantCount: map[string]int{"o": 0},
		},
		{
			name: "skips closed members",
			setup: func(h *Hub) (*mockMember, []*mockMember) {
				s := newMockMember("s", "r1", "S")
				gone := newMockMember("g", "r1", "G")
				h.Join(s)
				h.Join(gone)
				gone.Close(protocol.CloseNormal)
				return s, []*mockMember{gone}
			},
			wantCount: map[string]int{"g": 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newTestHub()
			sender, others := tt.setup(hub)
			before := make(map[string]int)
			for _, m := range others {
				before[m.id] = len(m.messages(t))
			}

			hub.Broadcast(sender.room, protocol.CursorMoved{UserID: sender.user, X: 1, Y: 2}, sender)

			for _, m := range others {
				assert.Equal(t, tt.wantCount[m.id], len(m.messages(t))-before[m.id], m.id)
			}
			for _, msg := range sender.messages(t) {
				_, isCursor := msg.(protocol.CursorMoved)
				assert.False(t, isCursor, "sender received its own cursor")
			}
		})
	}
}

func TestHubBroadcastSerializesOnce(t *testing.T) {
	hub := newTestHub()
	a := newMockMember("a", "r1", "A")
	b := newMockMember("b", "r1", "B")
	c := newMockMember("c", "r1", "C")
	hub.Join(a)
	hub.Join(b)
	hub.Join(c)
	b.received = nil
	c.received = nil

	sent := hub.Broadcast("r1", protocol.CursorMoved{UserID: "A", X: 3, Y: 4}, a)
	require.Equal(t, 2, sent)
	require.Len(t, b.received, 1)
	require.Len(t, c.received, 1)
	assert.Same(t, &b.received[0][0], &c.received[0][0])
}

func TestHubBroadcastCountsFailedSends(t *testing.T) {
	hub := newTestHub()
	a := newMockMember("a", "r1", "A")
	b := newMockMember("b", "r1", "B")
	hub.Join(a)
	hub.Join(b)
	b.sendErr = errors.New("queue full")

	assert.Equal(t, 0, hub.Broadcast("r1", protocol.Pong{}, a))
}

func TestHubPrunesEmptyRooms(t *testing.T) {
	hub := newTestHub()
	a := newMockMember("a", "r1", "A")
	hub.Join(a)
	rooms, members := hub.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, members)

	hub.Leave(a)
	rooms, members = hub.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, members)

	again := newMockMember("a2", "r1", "A")
	require.True(t, hub.Join(again))
	assert.Equal(t, []MemberInfo{{ConnID: "a2", UserID: "A", Email: "A@test.com"}}, hub.Members("r1"))
}

type recordingPublisher struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func (p *recordingPublisher) Publish(roomID string, frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frames == nil {
		p.frames = make(map[string][][]byte)
	}
	p.frames[roomID] = append(p.frames[roomID], frame)
}

func TestHubPublishesAndDeliversRelayedFrames(t *testing.T) {
	hub := newTestHub()
	pub := &recordingPublisher{}
	hub.SetPublisher(pub)

	a := newMockMember("a", "r1", "A")
	hub.Join(a)
	hub.Broadcast("r1", protocol.CursorMoved{UserID: "A", X: 1, Y: 1}, a)
	assert.Len(t, pub.frames["r1"], 2, "join and cursor are relayed")

	frame, err := protocol.EncodeOutbound(protocol.CursorMoved{UserID: "remote", X: 5, Y: 6})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.DeliverLocal("r1", frame))
	assert.Equal(t, []protocol.Outbound{protocol.CursorMoved{UserID: "remote", X: 5, Y: 6}}, a.messages(t))
	assert.Equal(t, 0, hub.DeliverLocal("r2", frame))
}

func TestHubCloseAll(t *testing.T) {
	hub := newTestHub()
	a := newMockMember("a", "r1", "A")
	b := newMockMember("b", "r2", "B")
	hub.Join(a)
	hub.Join(b)

	assert.Equal(t, 2, hub.CloseAll(protocol.CloseServerShutdown))
	assert.True(t, a.closed)
	assert.Equal(t, protocol.CloseServerShutdown, b.reason)
}

func TestHubRefusesJoinAfterCloseAll(t *testing.T) {
	hub := newTestHub()
	hub.CloseAll(protocol.CloseServerShutdown)

	late := newMockMember("late", "r1", "L")
	assert.False(t, hub.Join(late))
	rooms, members := hub.Stats()
	assert.Zero(t, rooms)
	assert.Zero(t, members)
}
