// ABOUTME: Event type and the closed set of server-emitted event kinds
// ABOUTME: Each kind carries its own typed payload; Unknown exists only at the wire boundary

package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrUnknownKind is returned when a producer names an event kind outside the enumeration.
var ErrUnknownKind = errors.New("unknown event kind")

// Kind names a server-to-client event.
type Kind string

// Control kinds are replies to a single connection.
const (
	KindConnected    Kind = "connected"
	KindSubscribed   Kind = "subscribed"
	KindUnsubscribed Kind = "unsubscribed"
	KindHeartbeatAck Kind = "heartbeat_ack"
	KindError        Kind = "error"
)

// Domain kinds are produced by external collaborators and fanned out to rooms.
const (
	KindAgentStatusChanged  Kind = "agent:status_changed"
	KindAgentHeartbeat      Kind = "agent:heartbeat"
	KindTaskCreated         Kind = "task:created"
	KindTaskAssigned        Kind = "task:assigned"
	KindTaskUpdated         Kind = "task:updated"
	KindTaskCompleted       Kind = "task:completed"
	KindConversationMessage Kind = "conversation:message"
	KindSystemAlert         Kind = "system:alert"
)

var domainKinds = map[Kind]struct{}{
	KindAgentStatusChanged:  {},
	KindAgentHeartbeat:      {},
	KindTaskCreated:         {},
	KindTaskAssigned:        {},
	KindTaskUpdated:         {},
	KindTaskCompleted:       {},
	KindConversationMessage: {},
	KindSystemAlert:         {},
}

// IsDomain reports whether k is one of the domain event kinds.
func (k Kind) IsDomain() bool {
	_, ok := domainKinds[k]
	return ok
}

// ParseDomainKind validates a producer-supplied event name.
func ParseDomainKind(name string) (Kind, error) {
	k := Kind(name)
	if !k.IsDomain() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return k, nil
}

// Payload is implemented by every typed event body.
type Payload interface {
	Kind() Kind
}

// Event is one unit of dispatch to a room. It is treated as immutable once
// handed to a router.
type Event struct {
	ID        string
	Room      string
	Payload   Payload
	Origin    string // instance that first published the event
	Timestamp time.Time
}

// New creates an event for room with a fresh ID and the current time.
// Origin is left empty; the router stamps it with the local instance.
func New(room string, payload Payload) Event {
	return Event{
		ID:        NewID(),
		Room:      room,
		Payload:   payload,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// NewID returns a lexically sortable event identifier.
func NewID() string {
	return ulid.Make().String()
}

// Kind returns the payload kind, or "" for an empty event.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Delivery summarizes what a router did with one published event.
type Delivery struct {
	EventID   string
	Delivered int
	Dropped   int
	Forwarded bool
}

// Sink accepts events for dispatch. The router implements it.
type Sink interface {
	Publish(ev Event) Delivery
}

// ID identifies an agent, task or conversation. Producers send it as a JSON
// string or a JSON number; both decode to the same text, so {"task_id":42}
// and {"task_id":"42"} name the same task room. It marshals as a string.
type ID string

// UnmarshalJSON accepts a string or a number literal.
func (id *ID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number, got %s", b)
	}
	*id = ID(n)
	return nil
}

// String returns the identifier text.
func (id ID) String() string { return string(id) }

// Verbatim is a domain payload together with the exact JSON body it was
// decoded from. It marshals to that body, so producer fields the typed view
// does not model reach clients unchanged and IDs keep their original form.
type Verbatim struct {
	Typed Payload
	Raw   json.RawMessage
}

func (v Verbatim) Kind() Kind { return v.Typed.Kind() }

// MarshalJSON returns the original body.
func (v Verbatim) MarshalJSON() ([]byte, error) {
	return v.Raw, nil
}

// TypedView returns the typed payload behind a Verbatim, or p itself.
func TypedView(p Payload) Payload {
	if v, ok := p.(Verbatim); ok {
		return v.Typed
	}
	return p
}

// Connected is sent once after a successful handshake.
type Connected struct {
	ConnectionID string `json:"connection_id"`
	PrincipalID  string `json:"principal_id"`
}

func (Connected) Kind() Kind { return KindConnected }

// Subscribed acknowledges a join.
type Subscribed struct {
	Room string `json:"room"`
}

func (Subscribed) Kind() Kind { return KindSubscribed }

// Unsubscribed acknowledges a leave.
type Unsubscribed struct {
	Room string `json:"room"`
}

func (Unsubscribed) Kind() Kind { return KindUnsubscribed }

// HeartbeatAck echoes the client-supplied timestamp. A nil timestamp is
// echoed as null.
type HeartbeatAck struct {
	Timestamp *int64 `json:"timestamp"`
}

func (HeartbeatAck) Kind() Kind { return KindHeartbeatAck }

// Error reports a rejected client frame to that connection only.
type Error struct {
	Message string `json:"message"`
}

func (Error) Kind() Kind { return KindError }

// AgentStatusChanged reports an agent status transition.
type AgentStatusChanged struct {
	AgentID   ID             `json:"agent_id"`
	OldStatus string         `json:"old_status"`
	NewStatus string         `json:"new_status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (AgentStatusChanged) Kind() Kind { return KindAgentStatusChanged }

// AgentHeartbeat relays an agent's own liveness signal to watchers.
type AgentHeartbeat struct {
	AgentID  ID             `json:"agent_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (AgentHeartbeat) Kind() Kind { return KindAgentHeartbeat }

// TaskCreated announces a new task.
type TaskCreated struct {
	TaskID ID             `json:"task_id"`
	Task   map[string]any `json:"task,omitempty"`
}

func (TaskCreated) Kind() Kind { return KindTaskCreated }

// TaskAssigned announces that a task was handed to an agent.
type TaskAssigned struct {
	TaskID  ID             `json:"task_id"`
	AgentID ID             `json:"agent_id"`
	Task    map[string]any `json:"task,omitempty"`
}

func (TaskAssigned) Kind() Kind { return KindTaskAssigned }

// TaskUpdated carries task progress.
type TaskUpdated struct {
	TaskID   ID             `json:"task_id"`
	Progress *int           `json:"progress,omitempty"`
	Status   string         `json:"status,omitempty"`
	Update   map[string]any `json:"update,omitempty"`
}

func (TaskUpdated) Kind() Kind { return KindTaskUpdated }

// TaskCompleted carries the final result of a task.
type TaskCompleted struct {
	TaskID ID             `json:"task_id"`
	Result map[string]any `json:"result,omitempty"`
}

func (TaskCompleted) Kind() Kind { return KindTaskCompleted }

// ConversationMessage carries one message of an agent conversation.
type ConversationMessage struct {
	ConversationID ID             `json:"conversation_id"`
	Message        map[string]any `json:"message,omitempty"`
}

func (ConversationMessage) Kind() Kind { return KindConversationMessage }

// SystemAlert is a dashboard-wide notice.
type SystemAlert struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (SystemAlert) Kind() Kind { return KindSystemAlert }

// Unknown preserves an event whose kind this build does not know, so newer
// instances can relay through older ones. It marshals back to its raw body.
type Unknown struct {
	Name string
	Raw  json.RawMessage
}

func (u Unknown) Kind() Kind { return Kind(u.Name) }

// MarshalJSON returns the raw body unchanged.
func (u Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("null"), nil
	}
	return u.Raw, nil
}

// DecodePayload turns a kind name and its JSON body into a typed payload.
// Names outside the enumeration decode to Unknown when the body is valid JSON.
func DecodePayload(name string, data []byte) (Payload, error) {
	var p Payload
	switch Kind(name) {
	case KindConnected:
		p = &Connected{}
	case KindSubscribed:
		p = &Subscribed{}
	case KindUnsubscribed:
		p = &Unsubscribed{}
	case KindHeartbeatAck:
		p = &HeartbeatAck{}
	case KindError:
		p = &Error{}
	case KindAgentStatusChanged:
		p = &AgentStatusChanged{}
	case KindAgentHeartbeat:
		p = &AgentHeartbeat{}
	case KindTaskCreated:
		p = &TaskCreated{}
	case KindTaskAssigned:
		p = &TaskAssigned{}
	case KindTaskUpdated:
		p = &TaskUpdated{}
	case KindTaskCompleted:
		p = &TaskCompleted{}
	case KindConversationMessage:
		p = &ConversationMessage{}
	case KindSystemAlert:
		p = &SystemAlert{}
	default:
		if name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrUnknownKind)
		}
		if len(data) > 0 && !json.Valid(data) {
			return nil, fmt.Errorf("decoding %s payload: invalid JSON", name)
		}
		return Unknown{Name: name, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", name, err)
		}
	}
	return deref(p), nil
}

// DecodeVerbatim is DecodePayload for bodies that are delivered as sent:
// producer input and bus envelopes. Known kinds are validated through their
// typed view and wrapped in Verbatim; unknown kinds already keep their body.
func DecodeVerbatim(name string, data []byte) (Payload, error) {
	p, err := DecodePayload(name, data)
	if err != nil {
		return nil, err
	}
	if _, ok := p.(Unknown); ok || len(data) == 0 {
		return p, nil
	}
	return Verbatim{Typed: p, Raw: append(json.RawMessage(nil), data...)}, nil
}

// deref returns the value form of a decoded payload so callers always see
// the same concrete types producers construct.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Connected:
		return *v
	case *Subscribed:
		return *v
	case *Unsubscribed:
		return *v
	case *HeartbeatAck:
		return *v
	case *Error:
		return *v
	case *AgentStatusChanged:
		return *v
	case *AgentHeartbeat:
		return *v
	case *TaskCreated:
		return *v
	case *TaskAssigned:
		return *v
	case *TaskUpdated:
		return *v
	case *TaskCompleted:
		return *v
	case *ConversationMessage:
		return *v
	case *SystemAlert:
		return *v
	}
	return p
}
