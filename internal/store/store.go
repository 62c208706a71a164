// ABOUTME: Store interface and data types for coven-relay persistence
// ABOUTME: Defines Conversation, Message, Agent and the Store contract the relay consumes

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a conversation whose ID is taken
var ErrDuplicateConversation = errors.New("conversation already exists")

// Conversation lifecycle statuses
const (
	ConversationActive    = "active"
	ConversationCompleted = "completed"
)

// SenderKind distinguishes human senders from simulated agents
type SenderKind string

const (
	SenderUser  SenderKind = "user"
	SenderAgent SenderKind = "agent"
)

// MessageType constants for message content types
const (
	MessageTypeText   = "text"
	MessageTypeCode   = "code"
	MessageTypeSystem = "system"
)

// Conversation is a named set of participants sharing a message timeline.
// ParticipantIDs keeps the order participants were added in; the agent
// orchestrator evaluates agents in that order.
type Conversation struct {
	ID             string
	Title          string
	ParticipantIDs []string
	Status         string // "active" or "completed"
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// HasParticipant reports whether id is a member of the conversation.
func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.ParticipantIDs {
		if p == id {
			return true
		}
	}
	return false
}

// ConversationPatch holds the optional fields UpdateConversation applies.
// Nil fields are left untouched.
type ConversationPatch struct {
	Title          *string
	Status         *string
	LastActivityAt *time.Time
}

// Message is a single persisted message. It is immutable once created except
// for its Reactions map.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	SenderKind     SenderKind          `json:"senderKind"`
	Content        string              `json:"content"`
	Type           string              `json:"type"`
	ParentID       string              `json:"parentId,omitempty"`
	Reactions      map[string][]string `json:"reactions"` // reaction -> participant IDs
	Metadata       map[string]any      `json:"metadata,omitempty"`
	CreatedAt      time.Time           `json:"timestamp"`
}

// Agent describes a simulated participant and the role that drives when it replies.
type Agent struct {
	ID        string
	Name      string
	Role      string
	CreatedAt time.Time
}

// Store defines the persistence contract consumed by the relay
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationsByParticipant(ctx context.Context, participantID string) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error

	// Messages. CreateMessage assigns ID and CreatedAt when they are empty.
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessagesByConversation(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	ToggleReaction(ctx context.Context, messageID, reaction, participantID string) (*Message, error)

	// Agent roster
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Close releases any resources held by the store
	Close() error
}

// toggleParticipant adds participantID to ids if absent, or removes it if present.
func toggleParticipant(ids []string, participantID string) []string {
	for i, id := range ids {
		if id == participantID {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return append(ids, participantID)
}
