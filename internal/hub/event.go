// ABOUTME: Wire event model shared by inbound and outbound relay streams
// ABOUTME: Tagged envelope {type, conversationId, payload} plus typed payloads

package hub

import (
	"encoding/json"
	"fmt"

	"github.com/2389/coven-relay/internal/store"
)

// EventType tags an event envelope.
type EventType string

// Inbound and outbound event types.
const (
	EventJoin         EventType = "join"
	EventLeave        EventType = "leave"
	EventUserMessage  EventType = "user_message"
	EventAgentMessage EventType = "agent_message"
	EventTyping       EventType = "typing"
	EventStatusUpdate EventType = "status_update"
	EventReaction     EventType = "reaction"

	// Outbound only
	EventConnected EventType = "connected"
	EventHistory   EventType = "history"
	EventPresence  EventType = "presence"
	EventError     EventType = "error"
)

// Error codes carried by EventError payloads.
const (
	ErrCodeMalformed   = "malformed_event"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeNotFound    = "not_found"
	ErrCodeForbidden   = "forbidden"
	ErrCodePersistence = "persistence_failed"
	ErrCodeClosed      = "conversation_closed"
	ErrCodeInternal    = "internal"
)

// Event is the envelope exchanged with connections in both directions.
type Event struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload. A nil payload leaves
// the payload empty.
func NewEvent(t EventType, conversationID string, payload any) *Event {
	ev := &Event{Type: t, ConversationID: conversationID}
	if payload == nil {
		return ev
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return NewErrorEvent(conversationID, ErrCodeInternal, fmt.Sprintf("encoding %s payload: %v", t, err))
	}
	ev.Payload = raw
	return ev
}

// NewErrorEvent builds an error notification for a single connection.
func NewErrorEvent(conversationID, code, message string) *Event {
	raw, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &Event{Type: EventError, ConversationID: conversationID, Payload: raw}
}

// MessageEvent wraps a persisted message as user_message or agent_message.
func MessageEvent(msg *store.Message) *Event {
	t := EventUserMessage
	if msg.SenderKind == store.SenderAgent {
		t = EventAgentMessage
	}
	return NewEvent(t, msg.ConversationID, msg)
}

// Decode unmarshals the payload into v. An empty payload decodes as {}.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// ConnectedPayload greets a newly admitted connection.
type ConnectedPayload struct {
	ConnectionID  string `json:"connectionId"`
	ParticipantID string `json:"participantId"`
	IsAgent       bool   `json:"isAgent"`
	AgentID       string `json:"agentId,omitempty"`
}

// HistoryPayload carries recent messages to a joining connection only.
type HistoryPayload struct {
	Messages []*store.Message `json:"messages"`
}

// SendPayload is the inbound body of user_message and agent_message.
type SendPayload struct {
	Content  string         `json:"content"`
	Type     string         `json:"type,omitempty"`
	ParentID string         `json:"parentId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// ClientID lets a client retry a send without creating a duplicate.
	ClientID string         `json:"clientId,omitempty"`
}

// TypingPayload flags a participant as typing (or composing, for agents).
type TypingPayload struct {
	ParticipantID string `json:"participantId,omitempty"`
	IsTyping      bool   `json:"isTyping"`
}

// StatusPayload carries a conversation lifecycle status.
type StatusPayload struct {
	Status string `json:"status"`
}

// ReactionPayload toggles a reaction on a message.
type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

// PresencePayload announces a participant joining or leaving a conversation.
type PresencePayload struct {
	ParticipantID string `json:"participantId"`
	Online        bool   `json:"online"`
}

// ErrorPayload is delivered only to the connection that caused the error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
