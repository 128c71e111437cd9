// ABOUTME: HTTP handlers for the producer API, room and session listings, and health checks
// ABOUTME: Errors are JSON bodies of the form {"error": "..."}

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/mission-gateway/internal/auth"
	"github.com/2389/mission-gateway/internal/rooms"
	"github.com/2389/mission-gateway/internal/store"
)

// RoomsResponse is the JSON response for GET /api/rooms.
type RoomsResponse struct {
	InstanceID  string           `json:"instance_id"`
	Connections int              `json:"connections"`
	Rooms       []rooms.RoomStat `json:"rooms"`
}

// SessionResponse is one row of GET /api/sessions.
type SessionResponse struct {
	ConnectionID  string     `json:"connection_id"`
	PrincipalID   string     `json:"principal_id"`
	PrincipalKind string     `json:"principal_kind"`
	InstanceID    string     `json:"instance_id"`
	RemoteAddr    string     `json:"remote_addr,omitempty"`
	ConnectedAt   time.Time  `json:"connected_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CloseReason   string     `json:"close_reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handlePublishEvent handles POST /api/events.
func (g *Gateway) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := g.publish(req, auth.FromContext(r.Context()))
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("publishing producer event", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handleListRooms handles GET /api/rooms. Counts are local to this instance.
func (g *Gateway) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RoomsResponse{
		InstanceID:  g.instanceID,
		Connections: g.gatekeeper.Count(),
		Rooms:       g.registry.Stats(),
	})
}

// handleListSessions handles GET /api/sessions?principal_id=&open=true&limit=.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if g.ledger == nil {
		sendJSONError(w, http.StatusNotFound, "session ledger disabled")
		return
	}

	q := r.URL.Query()
	filter := store.SessionFilter{
		PrincipalID: q.Get("principal_id"),
		InstanceID:  q.Get("instance_id"),
		OpenOnly:    q.Get("open") == "true",
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 || limit > 1000 {
			sendJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = limit
	}

	sessions, err := g.ledger.ListSessions(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing sessions", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionResponse{
			ConnectionID:  s.ConnectionID,
			PrincipalID:   s.PrincipalID,
			PrincipalKind: s.PrincipalKind,
			InstanceID:    s.InstanceID,
			RemoteAddr:    s.RemoteAddr,
			ConnectedAt:   s.ConnectedAt,
			ClosedAt:      s.ClosedAt,
			CloseReason:   s.CloseReason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the bus subscription is established.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus not connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready (" + strconv.Itoa(g.gatekeeper.Count()) + " connections)"))
}
