package protocol

// Close codes used on the wire (RFC 6455 section 7.4.1).
const (
	closeNormalClosure   = 1000
	closeGoingAway       = 1001
	closePolicyViolation = 1008
	closeInternalError   = 1011
	closeTryAgainLater   = 1013
)

// CloseReason enumerates why the relay ends a connection. Reasons are mapped
// to numeric close codes only when a close frame is written.
type CloseReason uint8

const (
	CloseNormal CloseReason = iota
	CloseMissingParams
	CloseInvalidToken
	CloseNotAuthorized
	CloseBackpressure
	CloseHeartbeatTimeout
	CloseServerShutdown
	CloseInternal
)

// Code returns the wire close code. All admission rejections share the policy
// violation code; clients tell them apart by the reason text.
func (r CloseReason) Code() int {
	switch r {
	case CloseNormal:
		return closeNormalClosure
	case CloseMissingParams, CloseInvalidToken, CloseNotAuthorized:
		return closePolicyViolation
	case CloseBackpressure:
		return closeTryAgainLater
	case CloseHeartbeatTimeout, CloseServerShutdown:
		return closeGoingAway
	default:
		return closeInternalError
	}
}

// Text returns the human readable reason sent in the close frame.
func (r CloseReason) Text() string {
	switch r {
	case CloseNormal:
		return "bye"
	case CloseMissingParams:
		return "Missing token or roomId"
	case CloseInvalidToken:
		return "Invalid token"
	case CloseNotAuthorized:
		return "Not authorized for this room"
	case CloseBackpressure:
		return "backpressure"
	case CloseHeartbeatTimeout:
		return "missed heartbeats"
	case CloseServerShutdown:
		return "server shutting down"
	default:
		return "internal error"
	}
}

// String returns a stable label for logs and metrics.
func (r CloseReason) String() string {
	switch r {
	case CloseNormal:
		return "normal"
	case CloseMissingParams:
		return "missing_params"
	case CloseInvalidToken:
		return "invalid_token"
	case CloseNotAuthorized:
		return "not_authorized"
	case CloseBackpressure:
		return "backpressure"
	case CloseHeartbeatTimeout:
		return "heartbeat_timeout"
	case CloseServerShutdown:
		return "server_shutdown"
	default:
		return "internal"
	}
}

// IsRejection reports whether the reason ends a connection before it joined a room.
func (r CloseReason) IsRejection() bool {
	return r == CloseMissingParams || r == CloseInvalidToken || r == CloseNotAuthorized
}
