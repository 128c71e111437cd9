// ABOUTME: CBOR envelope carrying one event between gateway instances
// ABOUTME: The payload travels as its JSON encoding so unknown kinds survive the hop

package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/mission-gateway/internal/codec"
	"github.com/2389/mission-gateway/internal/events"
)

const envelopeVersion = 1

// ErrBadEnvelope is returned for envelopes that cannot be turned back into an event.
var ErrBadEnvelope = errors.New("bad bus envelope")

type envelope struct {
	Version   int    `cbor:"v"`
	ID        string `cbor:"id"`
	Room      string `cbor:"room"`
	Kind      string `cbor:"kind"`
	Origin    string `cbor:"origin"`
	Timestamp int64  `cbor:"ts"` // unix milliseconds
	Data      []byte `cbor:"data"`
}

// EncodeEnvelope serializes ev for the bus.
func EncodeEnvelope(ev events.Event) ([]byte, error) {
	if ev.Payload == nil {
		return nil, fmt.Errorf("%w: event %s has no payload", ErrBadEnvelope, ev.ID)
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload of %s: %w", ev.ID, err)
	}
	return codec.Marshal(envelope{
		Version:   envelopeVersion,
		ID:        ev.ID,
		Room:      ev.Room,
		Kind:      string(ev.Kind()),
		Origin:    ev.Origin,
		Timestamp: ev.Timestamp.UnixMilli(),
		Data:      data,
	})
}

// DecodeEnvelope parses a bus message back into an event.
func DecodeEnvelope(raw []byte) (events.Event, error) {
	var env envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return events.Event{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Version < 1 {
		return events.Event{}, fmt.Errorf("%w: version %d", ErrBadEnvelope, env.Version)
	}
	if env.ID == "" || env.Room == "" || env.Kind == "" {
		return events.Event{}, fmt.Errorf("%w: missing id, room or kind", ErrBadEnvelope)
	}

	payload, err := events.DecodeVerbatim(env.Kind, env.Data)
	if err != nil {
		return events.Event{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	return events.Event{
		ID:        env.ID,
		Room:      env.Room,
		Payload:   payload,
		Origin:    env.Origin,
		Timestamp: time.UnixMilli(env.Timestamp).UTC(),
	}, nil
}
