// ABOUTME: Server-to-client wire frames encoded as JSON text messages
// ABOUTME: Domain events carry room and timestamp; control replies carry neither

package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the JSON shape of every server-to-client message.
type Frame struct {
	Event     string    `json:"event"`
	Room      string    `json:"room,omitempty"`
	Data      Payload   `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// EncodeFrame encodes an event for delivery to room members.
func EncodeFrame(ev Event) ([]byte, error) {
	if ev.Payload == nil {
		return nil, fmt.Errorf("encoding frame %s: empty payload", ev.ID)
	}
	data, err := json.Marshal(Frame{
		Event:     string(ev.Kind()),
		Room:      ev.Room,
		Data:      ev.Payload,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding frame %s: %w", ev.ID, err)
	}
	return data, nil
}

// EncodeControl encodes a reply addressed to a single connection.
func EncodeControl(p Payload) ([]byte, error) {
	data, err := json.Marshal(Frame{Event: string(p.Kind()), Data: p})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", p.Kind(), err)
	}
	return data, nil
}

// WireFrame is the decoding counterpart of Frame, used by clients and tests.
type WireFrame struct {
	Event     string          `json:"event"`
	Room      string          `json:"room,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
}

// DecodeFrame parses a server frame and its typed payload.
func DecodeFrame(data []byte) (WireFrame, Payload, error) {
	var wf WireFrame
	if err := json.Unmarshal(data, &wf); err != nil {
		return WireFrame{}, nil, fmt.Errorf("decoding frame: %w", err)
	}
	p, err := DecodePayload(wf.Event, wf.Data)
	if err != nil {
		return wf, nil, err
	}
	return wf, p, nil
}
