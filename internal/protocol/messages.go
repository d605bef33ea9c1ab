// Package protocol defines the relay's JSON wire contract: the inbound and
// outbound message variants, the frame size cap and the close reasons.
//
// Both message directions are closed sum types. Adding a variant means adding
// a case to the encode/decode switches here and to the router.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameBytes caps the serialized size of any frame in either direction.
const MaxFrameBytes = 64 << 10

// Wire type tags.
const (
	TypeCursorUpdate    = "cursor.update"
	TypeSnapshotRequest = "snapshot.request"
	TypePing            = "ping"
	TypePresenceJoin    = "presence.join"
	TypePresenceLeave   = "presence.leave"
	TypeSnapshotAck     = "snapshot.ack"
	TypePong            = "pong"
)

var (
	// ErrMalformed is returned for frames that are not valid JSON.
	ErrMalformed = errors.New("protocol: malformed frame")
	// ErrInvalidShape is returned for JSON that is not an object with a string type.
	ErrInvalidShape = errors.New("protocol: frame is not an object with a string type")
	// ErrFrameTooLarge is returned when a serialized frame exceeds MaxFrameBytes.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")
	// ErrInvalidCursor is returned for cursor updates without numeric coordinates.
	ErrInvalidCursor = errors.New("protocol: cursor.update requires numeric x and y")
	// ErrInvalidPresence is returned for presence events without a user id.
	ErrInvalidPresence = errors.New("protocol: presence event requires userId")
)

// Inbound is a client-to-server message.
type Inbound interface{ inbound() }

// CursorUpdate reports the sender's pointer position.
type CursorUpdate struct {
	X float64
	Y float64
}

// SnapshotRequest asks the relay to acknowledge a snapshot fetch.
type SnapshotRequest struct{}

// Ping is an application-level heartbeat.
type Ping struct{}

// UnknownInbound carries a well-formed frame whose type the relay does not know.
type UnknownInbound struct {
	Type string
}

func (CursorUpdate) inbound()    {}
func (SnapshotRequest) inbound() {}
func (Ping) inbound()            {}
func (UnknownInbound) inbound()  {}

// Outbound is a server-to-client message.
type Outbound interface{ outbound() }

// PresenceJoin announces a user that joined the room.
type PresenceJoin struct {
	UserID string
	Email  string
}

// PresenceLeave announces a user whose connection left the room.
type PresenceLeave struct {
	UserID string
}

// CursorMoved relays another user's pointer position. On the wire it shares
// the cursor.update tag with the inbound variant.
type CursorMoved struct {
	UserID string
	X      float64
	Y      float64
}

// SnapshotAck acknowledges a SnapshotRequest.
type SnapshotAck struct{}

// Pong answers a Ping.
type Pong struct{}

// UnknownOutbound carries a server frame whose type this build does not know.
type UnknownOutbound struct {
	Type string
}

func (PresenceJoin) outbound()    {}
func (PresenceLeave) outbound()   {}
func (CursorMoved) outbound()     {}
func (SnapshotAck) outbound()     {}
func (Pong) outbound()            {}
func (UnknownOutbound) outbound() {}

type typedFrame struct {
	Type string `json:"type"`
}

type cursorInFrame struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type cursorOutFrame struct {
	Type   string  `json:"type"`
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type presenceJoinFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

type presenceLeaveFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// DecodeInbound parses and validates one client frame. The size check runs on
// the compacted form of the frame so insignificant whitespace does not count.
func DecodeInbound(data []byte) (Inbound, error) {
	fields, typ, err := decodeObject(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeCursorUpdate:
		x, okX := number(fields["x"])
		y, okY := number(fields["y"])
		if !okX || !okY {
			return nil, ErrInvalidCursor
		}
		return CursorUpdate{X: x, Y: y}, nil
	case TypeSnapshotRequest:
		return SnapshotRequest{}, nil
	case TypePing:
		return Ping{}, nil
	default:
		return UnknownInbound{Type: typ}, nil
	}
}

// EncodeInbound serializes a client message.
func EncodeInbound(msg Inbound) ([]byte, error) {
	var frame any
	switch m := msg.(type) {
	case CursorUpdate:
		frame = cursorInFrame{Type: TypeCursorUpdate, X: m.X, Y: m.Y}
	case SnapshotRequest:
		frame = typedFrame{Type: TypeSnapshotRequest}
	case Ping:
		frame = typedFrame{Type: TypePing}
	case UnknownInbound:
		return nil, fmt.Errorf("protocol: cannot encode unknown inbound type %q", m.Type)
	default:
		panic(fmt.Sprintf("protocol: unhandled inbound variant %T", msg))
	}
	return marshalCapped(frame)
}

// EncodeOutbound serializes a server message.
func EncodeOutbound(msg Outbound) ([]byte, error) {
	var frame any
	switch m := msg.(type) {
	case PresenceJoin:
		frame = presenceJoinFrame{Type: TypePresenceJoin, UserID: m.UserID, Email: m.Email}
	case PresenceLeave:
		frame = presenceLeaveFrame{Type: TypePresenceLeave, UserID: m.UserID}
	case CursorMoved:
		frame = cursorOutFrame{Type: TypeCursorUpdate, UserID: m.UserID, X: m.X, Y: m.Y}
	case SnapshotAck:
		frame = typedFrame{Type: TypeSnapshotAck}
	case Pong:
		frame = typedFrame{Type: TypePong}
	case UnknownOutbound:
		return nil, fmt.Errorf("protocol: cannot encode unknown outbound type %q", m.Type)
	default:
		panic(fmt.Sprintf("protocol: unhandled outbound variant %T", msg))
	}
	return marshalCapped(frame)
}

// DecodeOutbound parses one server frame on the client side.
func DecodeOutbound(data []byte) (Outbound, error) {
	fields, typ, err := decodeObject(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypePresenceJoin:
		userID, ok := str(fields["userId"])
		if !ok || userID == "" {
			return nil, ErrInvalidPresence
		}
		email, _ := str(fields["email"])
		return PresenceJoin{UserID: userID, Email: email}, nil
	case TypePresenceLeave:
		userID, ok := str(fields["userId"])
		if !ok || userID == "" {
			return nil, ErrInvalidPresence
		}
		return PresenceLeave{UserID: userID}, nil
	case TypeCursorUpdate:
		userID, _ := str(fields["userId"])
		x, okX := number(fields["x"])
		y, okY := number(fields["y"])
		if !okX || !okY {
			return nil, ErrInvalidCursor
		}
		return CursorMoved{UserID: userID, X: x, Y: y}, nil
	case TypeSnapshotAck:
		return SnapshotAck{}, nil
	case TypePong:
		return Pong{}, nil
	default:
		return UnknownOutbound{Type: typ}, nil
	}
}

func decodeObject(data []byte) (map[string]json.RawMessage, string, error) {
	if !json.Valid(data) {
		return nil, "", ErrMalformed
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, "", ErrInvalidShape
	}
	typ, ok := str(fields["type"])
	if !ok {
		return nil, "", ErrInvalidShape
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, "", ErrMalformed
	}
	if compact.Len() > MaxFrameBytes {
		return nil, "", ErrFrameTooLarge
	}
	return fields, typ, nil
}

func marshalCapped(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// number reports whether raw is a JSON number. null and strings are rejected.
func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var v *float64
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return 0, false
	}
	return *v, true
}

func str(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var v *string
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return "", false
	}
	return *v, true
}
