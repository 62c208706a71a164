// ABOUTME: Message relay: the single path by which messages enter a conversation
// ABOUTME: Persists first, then records activity, then fans out, then hands user messages to the orchestrator

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/hub"
	"github.com/2389/coven-relay/internal/store"
)

// Relay errors
var (
	ErrEmptyContent       = errors.New("message content is empty")
	ErrInvalidSenderKind  = errors.New("invalid sender kind")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidStatus      = errors.New("invalid conversation status")
	ErrNotParticipant     = errors.New("sender is not a participant in the conversation")
	ErrConversationClosed = errors.New("conversation is completed")
	ErrPersistence        = errors.New("persisting message failed")
	ErrDuplicate          = errors.New("duplicate submission")
)

// Store is the persistence the relay writes through.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch store.ConversationPatch) error
	CreateMessage(ctx context.Context, msg *store.Message) error
	ToggleReaction(ctx context.Context, messageID, reaction, participantID string) (*store.Message, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
}

// Broadcaster fans events out to a conversation's live members.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID string, ev *hub.Event, excludeConnID string) int
}

// Responder reacts to persisted user messages. Implementations must not block.
type Responder interface {
	HandleUserMessage(ctx context.Context, conv *store.Conversation, msg *store.Message)
}

// SubmitRequest describes a message entering a conversation.
type SubmitRequest struct {
	ConversationID string
	SenderID       string
	SenderKind     store.SenderKind
	Content        string
	Type           string
	ParentID       string
	Metadata       map[string]any

	// ClientMessageID is an optional sender-chosen key. A second submission
	// with the same key inside the dedupe window is rejected with ErrDuplicate.
	ClientMessageID string

	// ExcludeConnID suppresses the echo to the sender's own connection.
	ExcludeConnID string
}

// Relay persists messages and delivers them to conversation members.
type Relay struct {
	store       Store
	broadcaster Broadcaster
	responder   Responder
	recent      *dedupe.Cache
	logger      *slog.Logger
}

// New creates a Relay.
func New(s Store, b Broadcaster, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:       s,
		broadcaster: b,
		logger:      logger.With("component", "relay"),
	}
}

// SetResponder sets the component notified of user messages.
// Must be called before the relay starts accepting messages.
func (r *Relay) SetResponder(responder Responder) {
	r.responder = responder
}

// SetDedupe enables idempotent submission for requests carrying a
// ClientMessageID. Must be called before the relay starts accepting messages.
func (r *Relay) SetDedupe(c *dedupe.Cache) {
	r.recent = c
}

func dedupeKey(req SubmitRequest) string {
	return req.ConversationID + "|" + req.SenderID + "|" + req.ClientMessageID
}

// Submit persists a message, updates the conversation's last activity,
// broadcasts the message and, for user messages, notifies the responder.
// Nothing is broadcast unless persistence succeeds.
func (r *Relay) Submit(ctx context.Context, req SubmitRequest) (*store.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}
	if req.SenderKind != store.SenderUser && req.SenderKind != store.SenderAgent {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSenderKind, req.SenderKind)
	}
	msgType := req.Type
	if msgType == "" {
		msgType = store.MessageTypeText
	}
	switch msgType {
	case store.MessageTypeText, store.MessageTypeCode, store.MessageTypeSystem:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType)
	}

	conv, err := r.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", req.ConversationID, err)
	}
	if !conv.HasParticipant(req.SenderID) {
		return nil, ErrNotParticipant
	}
	if req.SenderKind == store.SenderUser && conv.Status == store.ConversationCompleted {
		return nil, ErrConversationClosed
	}

	var key string
	if r.recent != nil && req.ClientMessageID != "" {
		key = dedupeKey(req)
		if prior, dup := r.recent.Reserve(key); dup {
			return nil, fmt.Errorf("%w: client message %s (message %q)", ErrDuplicate, req.ClientMessageID, prior)
		}
	}

	// 1. Persist. The message gets its durable ID and server timestamp here.
	msg := &store.Message{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		SenderKind:     req.SenderKind,
		Content:        req.Content,
		Type:           msgType,
		ParentID:       req.ParentID,
		Metadata:       req.Metadata,
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		if key != "" {
			r.recent.Release(key)
		}
		r.logger.Error("persisting message",
			"conversation_id", req.ConversationID,
			"sender_id", req.SenderID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if key != "" {
		r.recent.Commit(key, msg.ID)
	}

	// 2. Record activity. The message is already durable, so failure here is logged only.
	activity := msg.CreatedAt
	if err := r.store.UpdateConversation(ctx, req.ConversationID, store.ConversationPatch{LastActivityAt: &activity}); err != nil {
		r.logger.Warn("updating last activity", "conversation_id", req.ConversationID, "error", err)
	}

	// 3. Fan out
	delivered := r.broadcaster.Broadcast(ctx, req.ConversationID, hub.MessageEvent(msg), req.ExcludeConnID)

	r.logger.Debug("message relayed",
		"conversation_id", req.ConversationID,
		"message_id", msg.ID,
		"sender_kind", msg.SenderKind,
		"delivered", delivered,
	)

	// 4. Let agents respond to humans
	if req.SenderKind == store.SenderUser && r.responder != nil {
		r.responder.HandleUserMessage(ctx, conv, msg)
	}

	return msg, nil
}

// SetStatus changes a conversation's lifecycle status and broadcasts it.
func (r *Relay) SetStatus(ctx context.Context, conversationID, status string) error {
	if status != store.ConversationActive && status != store.ConversationCompleted {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	now := time.Now()
	patch := store.ConversationPatch{Status: &status, LastActivityAt: &now}
	if err := r.store.UpdateConversation(ctx, conversationID, patch); err != nil {
		return fmt.Errorf("updating conversation %s: %w", conversationID, err)
	}

	r.broadcaster.Broadcast(ctx, conversationID,
		hub.NewEvent(hub.EventStatusUpdate, conversationID, hub.StatusPayload{Status: status}), "")

	r.logger.Info("conversation status changed", "conversation_id", conversationID, "status", status)
	return nil
}

// ToggleReaction adds or removes a participant's reaction on a message and
// broadcasts the updated message.
func (r *Relay) ToggleReaction(ctx context.Context, conversationID, messageID, reaction, participantID string) (*store.Message, error) {
	if strings.TrimSpace(reaction) == "" {
		return nil, fmt.Errorf("reaction is required")
	}

	existing, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("loading message %s: %w", messageID, err)
	}
	if existing.ConversationID != conversationID {
		return nil, fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}

	msg, err := r.store.ToggleReaction(ctx, messageID, reaction, participantID)
	if err != nil {
		return nil, fmt.Errorf("toggling reaction: %w", err)
	}

	r.broadcaster.Broadcast(ctx, conversationID, hub.NewEvent(hub.EventReaction, conversationID, msg), "")
	return msg, nil
}
