package ws

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/canvas-relay/internal/protocol"
)

// Member is a joined participant of a room as seen by the Hub.
type Member interface {
	ID() string
	RoomID() string
	UserID() string
	Email() string
	// Open reports whether the transport still accepts frames.
	Open() bool
	// Send enqueues a serialized frame without blocking.
	Send(frame []byte) error
	Close(reason protocol.CloseReason)
}

// MemberInfo is a point-in-time description of a joined member.
type MemberInfo struct {
	ConnID string `json:"connId"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// Publisher receives every frame broadcast locally so it can be relayed to
// other relay instances.
type Publisher interface {
	Publish(roomID string, frame []byte)
}

// Hub tracks joined members keyed by room ID and fans out frames to them.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[Member]struct{}
	logger zerolog.Logger

	pubMu     sync.RWMutex
	publisher Publisher

	closing bool
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{rooms: make(map[string]map[Member]struct{}), logger: logger}
}

// SetPublisher installs the cross-instance publisher. Nil disables relaying.
func (h *Hub) SetPublisher(p Publisher) {
	h.pubMu.Lock()
	h.publisher = p
	h.pubMu.Unlock()
}

// Join registers m under its room and announces it to the other members.
// It returns false when m was already registered or CloseAll has run.
func (h *Hub) Join(m Member) bool {
	roomID := m.RoomID()

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return false
	}
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[Member]struct{})
		h.rooms[roomID] = members
	}
	if _, ok := members[m]; ok {
		h.mu.Unlock()
		return false
	}
	members[m] = struct{}{}
	size := len(members)
	h.mu.Unlock()

	relayConnections.WithLabelValues(roomID).Set(float64(size))
	h.Broadcast(roomID, protocol.PresenceJoin{UserID: m.UserID(), Email: m.Email()}, m)
	return true
}

// Leave removes m and announces its departure to the remaining members.
// Members that were never joined produce no announcement.
func (h *Hub) Leave(m Member) bool {
	roomID := m.RoomID()

	h.mu.Lock()
	members := h.rooms[roomID]
	if _, ok := members[m]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(members, m)
	size := len(members)
	if size == 0 {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()

	if size == 0 {
		relayConnections.DeleteLabelValues(roomID)
	} else {
		relayConnections.WithLabelValues(roomID).Set(float64(size))
	}
	h.Broadcast(roomID, protocol.PresenceLeave{UserID: m.UserID()}, nil)
	return true
}

// Broadcast serializes msg once and delivers it to every open member of the
// room except skip. It returns the number of local recipients.
func (h *Hub) Broadcast(roomID string, msg protocol.Outbound, skip Member) int {
	frame, err := protocol.EncodeOutbound(msg)
	if err != nil {
		relayFramesDropped.WithLabelValues("outbound_encode").Inc()
		h.logger.Warn().Err(err).Str("room_id", roomID).Msg("dropping outbound frame")
		return 0
	}

	sent := h.deliver(roomID, frame, skip)

	h.pubMu.RLock()
	p := h.publisher
	h.pubMu.RUnlock()
	if p != nil {
		p.Publish(roomID, frame)
	}
	return sent
}

// DeliverLocal hands an already serialized frame to every open member of the
// room. It is the entry point for frames relayed from other instances.
func (h *Hub) DeliverLocal(roomID string, frame []byte) int {
	if len(frame) > protocol.MaxFrameBytes {
		relayFramesDropped.WithLabelValues("too_large").Inc()
		return 0
	}
	return h.deliver(roomID, frame, nil)
}

func (h *Hub) deliver(roomID string, frame []byte, skip Member) int {
	h.mu.RLock()
	members := h.rooms[roomID]
	if len(members) == 0 {
		h.mu.RUnlock()
		return 0
	}
	recipients := make([]Member, 0, len(members))
	for m := range members {
		if m != skip {
			recipients = append(recipients, m)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, m := range recipients {
		if !m.Open() {
			continue
		}
		if err := m.Send(frame); err == nil {
			sent++
		}
	}
	relayBroadcastRecipients.Observe(float64(sent))
	return sent
}

// Members lists the members currently joined to roomID.
func (h *Hub) Members(roomID string) []MemberInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[roomID]
	out := make([]MemberInfo, 0, len(members))
	for m := range members {
		out = append(out, MemberInfo{ConnID: m.ID(), UserID: m.UserID(), Email: m.Email()})
	}
	return out
}

// Stats reports the number of non-empty rooms and joined members.
func (h *Hub) Stats() (rooms, members int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.rooms {
		members += len(set)
	}
	return len(h.rooms), members
}

// CloseAll closes every joined member with reason and refuses later joins.
// Each member's own close path performs the leave.
func (h *Hub) CloseAll(reason protocol.CloseReason) int {
	h.mu.Lock()
	h.closing = true
	all := make([]Member, 0)
	for _, set := range h.rooms {
		for m := range set {
			all = append(all, m)
		}
	}
	h.mu.Unlock()

	for _, m := range all {
		m.Close(reason)
	}
	return len(all)
}
