package presence

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/canvas-relay/internal/auth"
	"github.com/example/canvas-relay/internal/rooms"
)

type rosterResponse struct {
	RoomID  string  `json:"roomId"`
	Members []Entry `json:"members"`
}

// HTTPHandler exposes room rosters to room members.
type HTTPHandler struct {
	svc      *Service
	verifier auth.Verifier
	authz    rooms.Authorizer
	logger   zerolog.Logger
}

// NewHTTPHandler builds the handler for GET /rooms/{roomId}/presence.
func NewHTTPHandler(svc *Service, verifier auth.Verifier, authz rooms.Authorizer, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, verifier: verifier, authz: authz, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "rooms" || parts[1] == "" || parts[2] != "presence" {
		http.NotFound(w, r)
		return
	}
	roomID := parts[1]

	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	member, err := h.authz.IsRoomMember(r.Context(), roomID, claims.UserID)
	if err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Msg("membership check failed")
	}
	if err != nil || !member {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	entries, err := h.svc.Roster(r.Context(), roomID)
	if err != nil {
		h.logger.Error().Err(err).Str("room_id", roomID).Msg("roster lookup failed")
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rosterResponse{RoomID: roomID, Members: entries}); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}
