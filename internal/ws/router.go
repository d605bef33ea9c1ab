package ws

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/canvas-relay/internal/protocol"
)

// Router classifies inbound frames from joined members and dispatches them.
// Bad frames are logged and dropped; they never close the connection.
type Router struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewRouter creates a router broadcasting through hub.
func NewRouter(hub *Hub, logger zerolog.Logger) *Router {
	return &Router{hub: hub, logger: logger}
}

// Route handles one frame sent by from.
func (r *Router) Route(from Member, frame []byte) {
	msg, err := protocol.DecodeInbound(frame)
	if err != nil {
		relayFramesDropped.WithLabelValues(dropReason(err)).Inc()
		r.logger.Warn().Err(err).Str("conn_id", from.ID()).Msg("dropping inbound frame")
		return
	}

	switch m := msg.(type) {
	case protocol.CursorUpdate:
		relayFrames.WithLabelValues(protocol.TypeCursorUpdate).Inc()
		r.hub.Broadcast(from.RoomID(), protocol.CursorMoved{UserID: from.UserID(), X: m.X, Y: m.Y}, from)
	case protocol.SnapshotRequest:
		relayFrames.WithLabelValues(protocol.TypeSnapshotRequest).Inc()
		r.reply(from, protocol.SnapshotAck{})
	case protocol.Ping:
		relayFrames.WithLabelValues(protocol.TypePing).Inc()
		r.reply(from, protocol.Pong{})
	case protocol.UnknownInbound:
		relayFramesDropped.WithLabelValues("unknown_type").Inc()
		r.logger.Debug().Str("type", m.Type).Str("conn_id", from.ID()).Msg("ignoring unknown message type")
	default:
		r.logger.Error().Str("variant", fmt.Sprintf("%T", msg)).Msg("unhandled inbound variant")
	}
}

func (r *Router) reply(to Member, msg protocol.Outbound) {
	frame, err := protocol.EncodeOutbound(msg)
	if err != nil {
		r.logger.Warn().Err(err).Msg("dropping reply")
		return
	}
	if err := to.Send(frame); err != nil {
		r.logger.Debug().Err(err).Str("conn_id", to.ID()).Msg("reply not delivered")
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "too_large"
	case errors.Is(err, protocol.ErrMalformed):
		return "malformed"
	case errors.Is(err, protocol.ErrInvalidCursor):
		return "invalid_cursor"
	default:
		return "invalid_shape"
	}
}
