// ABOUTME: Room naming convention shared by producers, the gatekeeper and the ingress
// ABOUTME: dashboard is global; agent:, task: and conversation: rooms are per entity

package events

import (
	"errors"
	"strings"
)

// DashboardRoom is the global room every connection joins on admission.
const DashboardRoom = "dashboard"

const (
	agentPrefix        = "agent:"
	taskPrefix         = "task:"
	conversationPrefix = "conversation:"
)

// Room validation errors. The messages are shown to clients verbatim.
var (
	ErrRoomRequired = errors.New("room name required")
	ErrInvalidRoom  = errors.New("invalid room format")
	ErrGlobalRoom   = errors.New("cannot unsubscribe from dashboard")
)

// AgentRoom returns the room for one agent.
func AgentRoom(agentID string) string { return agentPrefix + agentID }

// TaskRoom returns the room for one task.
func TaskRoom(taskID string) string { return taskPrefix + taskID }

// ConversationRoom returns the room for one conversation.
func ConversationRoom(conversationID string) string { return conversationPrefix + conversationID }

// ValidateSubscribable checks a room a client may explicitly subscribe to.
// The dashboard room is joined automatically and is not accepted here.
func ValidateSubscribable(room string) error {
	if room == "" {
		return ErrRoomRequired
	}
	for _, prefix := range []string{agentPrefix, taskPrefix, conversationPrefix} {
		if id, ok := strings.CutPrefix(room, prefix); ok && id != "" {
			return nil
		}
	}
	return ErrInvalidRoom
}

// ValidateRoom checks a room a producer may publish to.
func ValidateRoom(room string) error {
	if room == DashboardRoom {
		return nil
	}
	return ValidateSubscribable(room)
}
