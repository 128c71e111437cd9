// ABOUTME: Producer ingress shared by POST /api/events and the gRPC EventIngress service
// ABOUTME: Validates the kind and payload, then publishes the body as sent to the chosen rooms

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/mission-gateway/internal/auth"
	"github.com/2389/mission-gateway/internal/events"
)

// ErrBadRequest marks producer input the gateway refuses to publish.
var ErrBadRequest = errors.New("bad request")

// PublishRequest is one producer event. Without Room the event fans out to
// the default rooms of its kind.
type PublishRequest struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// PublishResponse lists one event ID per room published to.
type PublishResponse struct {
	IDs   []string `json:"ids"`
	Rooms []string `json:"rooms"`
}

func (g *Gateway) publish(req PublishRequest, by *auth.Identity) (*PublishResponse, error) {
	kind, err := events.ParseDomainKind(req.Event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: data is required", ErrBadRequest)
	}
	payload, err := events.DecodeVerbatim(string(kind), req.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	targets := []string{req.Room}
	if req.Room == "" {
		targets = events.DefaultRooms(payload)
	}
	for _, room := range targets {
		if err := events.ValidateRoom(room); err != nil {
			return nil, fmt.Errorf("%w: room %q: %v", ErrBadRequest, room, err)
		}
	}

	resp := &PublishResponse{
		IDs:   make([]string, 0, len(targets)),
		Rooms: targets,
	}
	for _, room := range targets {
		d := g.router.Publish(events.New(room, payload))
		resp.IDs = append(resp.IDs, d.EventID)
	}

	principal := ""
	if by != nil {
		principal = by.PrincipalID
	}
	g.logger.Debug("producer event published", "kind", kind, "rooms", targets, "principal_id", principal)
	return resp, nil
}
