// ABOUTME: Typed producer helpers that fan one domain event out to its default rooms
// ABOUTME: Used by the HTTP/gRPC ingress and by in-process producers

package events

// DefaultRooms returns the rooms a domain payload is published to when the
// producer does not name a room.
func DefaultRooms(p Payload) []string {
	switch v := TypedView(p).(type) {
	case AgentStatusChanged:
		return []string{AgentRoom(v.AgentID.String()), DashboardRoom}
	case AgentHeartbeat:
		return []string{AgentRoom(v.AgentID.String())}
	case TaskCreated:
		return []string{DashboardRoom}
	case TaskAssigned:
		return []string{TaskRoom(v.TaskID.String()), AgentRoom(v.AgentID.String()), DashboardRoom}
	case TaskUpdated:
		return []string{TaskRoom(v.TaskID.String()), DashboardRoom}
	case TaskCompleted:
		return []string{TaskRoom(v.TaskID.String()), DashboardRoom}
	case ConversationMessage:
		return []string{ConversationRoom(v.ConversationID.String())}
	case SystemAlert:
		return []string{DashboardRoom}
	}
	return nil
}

// Publisher builds domain events and hands them to a Sink.
type Publisher struct {
	sink Sink
}

// NewPublisher creates a Publisher writing to sink.
func NewPublisher(sink Sink) *Publisher {
	return &Publisher{sink: sink}
}

// EmitTo publishes payload to a single room.
func (p *Publisher) EmitTo(room string, payload Payload) Delivery {
	return p.sink.Publish(New(room, payload))
}

// Emit publishes payload to each of its default rooms, in order, and returns
// one Delivery per room.
func (p *Publisher) Emit(payload Payload) []Delivery {
	rooms := DefaultRooms(payload)
	out := make([]Delivery, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, p.EmitTo(room, payload))
	}
	return out
}

// AgentStatusChanged publishes a status transition.
func (p *Publisher) AgentStatusChanged(agentID, oldStatus, newStatus string, metadata map[string]any) []Delivery {
	return p.Emit(AgentStatusChanged{
		AgentID:   ID(agentID),
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Metadata:  metadata,
	})
}

// AgentHeartbeat publishes an agent liveness signal.
func (p *Publisher) AgentHeartbeat(agentID string, metadata map[string]any) []Delivery {
	return p.Emit(AgentHeartbeat{AgentID: ID(agentID), Metadata: metadata})
}

// TaskCreated publishes a new task.
func (p *Publisher) TaskCreated(taskID string, task map[string]any) []Delivery {
	return p.Emit(TaskCreated{TaskID: ID(taskID), Task: task})
}

// TaskAssigned publishes a task assignment.
func (p *Publisher) TaskAssigned(taskID, agentID string, task map[string]any) []Delivery {
	return p.Emit(TaskAssigned{TaskID: ID(taskID), AgentID: ID(agentID), Task: task})
}

// TaskUpdated publishes task progress.
func (p *Publisher) TaskUpdated(update TaskUpdated) []Delivery {
	return p.Emit(update)
}

// TaskCompleted publishes a task result.
func (p *Publisher) TaskCompleted(taskID string, result map[string]any) []Delivery {
	return p.Emit(TaskCompleted{TaskID: ID(taskID), Result: result})
}

// ConversationMessage publishes a conversation message.
func (p *Publisher) ConversationMessage(conversationID string, message map[string]any) []Delivery {
	return p.Emit(ConversationMessage{ConversationID: ID(conversationID), Message: message})
}

// SystemAlert publishes a dashboard-wide alert. Severity defaults to "info".
func (p *Publisher) SystemAlert(message, severity string) []Delivery {
	if severity == "" {
		severity = "info"
	}
	return p.Emit(SystemAlert{Message: message, Severity: severity})
}
