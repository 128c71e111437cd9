// ABOUTME: Client-to-server frame types and the gatekeeper's error taxonomy
// ABOUTME: Maps teardown reasons to WebSocket close codes and metric labels

package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/2389/mission-gateway/internal/auth"
	"github.com/2389/mission-gateway/internal/heartbeat"
	"github.com/2389/mission-gateway/internal/rooms"
)

var (
	// ErrHandshakeTimeout means no auth frame arrived within the handshake window.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrMalformedFrame means a client frame could not be decoded. It is
	// reported to the client and never closes the connection.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrConnectionClosed is returned by Enqueue after teardown and used as
	// the reason when the client goes away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrServerShutdown is the reason given to connections closed by CloseAll.
	ErrServerShutdown = errors.New("server shutting down")

	// ErrEvicted is the default reason for Gatekeeper.Evict.
	ErrEvicted = errors.New("evicted")
)

// Close codes sent with the close frame.
const (
	CloseUnauthorized     = 4401
	CloseTimeout          = 4408
	CloseBackpressure     = 4429
	CloseServerGoingAway  = websocket.CloseGoingAway
	CloseNormal           = websocket.CloseNormalClosure
	maxCloseReasonLength  = 123
	rateLimitExceededText = "rate limit exceeded"
)

// Client frame types.
const (
	FrameAuth        = "auth"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameHeartbeat   = "heartbeat"
)

// ClientFrame is the envelope of every client message.
type ClientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AuthData is the body of the handshake frame.
type AuthData struct {
	Token string `json:"token"`
}

// RoomData is the body of subscribe and unsubscribe.
type RoomData struct {
	Room string `json:"room"`
}

// HeartbeatData is the body of heartbeat. The timestamp is echoed back as is.
type HeartbeatData struct {
	Timestamp *int64 `json:"timestamp"`
}

func decodeClientFrame(raw []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return ClientFrame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// decodeData unmarshals a frame body. An absent body decodes to the zero value.
func decodeData(f ClientFrame, v any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

// closeCode picks the close frame code for a teardown reason.
func closeCode(reason error) int {
	switch {
	case errors.Is(reason, auth.ErrUnauthorized):
		return CloseUnauthorized
	case errors.Is(reason, ErrHandshakeTimeout), errors.Is(reason, heartbeat.ErrTimeout):
		return CloseTimeout
	case errors.Is(reason, rooms.ErrBackpressure):
		return CloseBackpressure
	case errors.Is(reason, ErrServerShutdown):
		return CloseServerGoingAway
	default:
		return CloseNormal
	}
}

// reasonLabel is the metrics label for a teardown reason.
func reasonLabel(reason error) string {
	switch {
	case errors.Is(reason, heartbeat.ErrTimeout):
		return "heartbeat_timeout"
	case errors.Is(reason, rooms.ErrBackpressure):
		return "backpressure"
	case errors.Is(reason, ErrServerShutdown):
		return "shutdown"
	case errors.Is(reason, ErrEvicted):
		return "evicted"
	case errors.Is(reason, ErrConnectionClosed):
		return "client"
	default:
		return "error"
	}
}

// closeText trims a reason to fit a control frame.
func closeText(reason error) string {
	if reason == nil {
		return ""
	}
	s := reason.Error()
	if len(s) <= maxCloseReasonLength {
		return s
	}
	n := maxCloseReasonLength
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
