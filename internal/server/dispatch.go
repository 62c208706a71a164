// ABOUTME: Inbound event dispatch for relay connections
// ABOUTME: Validates each event and routes it to the hub or relay; errors go back to the sender only

package server

import (
	"context"
	"errors"

	"github.com/2389/coven-relay/internal/hub"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

// HandleEvent applies one inbound event from connection c. Every failure is
// reported to c alone and leaves relay state unchanged.
func (s *Server) HandleEvent(ctx context.Context, c *hub.Connection, ev *hub.Event) {
	if ev.ConversationID == "" {
		s.reject(ctx, c, ev, hub.ErrCodeMalformed, "conversationId is required")
		return
	}

	switch ev.Type {
	case hub.EventJoin:
		s.handleJoin(ctx, c, ev)
	case hub.EventLeave:
		s.hub.Leave(ctx, c.ID, ev.ConversationID)
	case hub.EventUserMessage, hub.EventAgentMessage:
		s.handleMessage(ctx, c, ev)
	case hub.EventTyping:
		s.handleTyping(ctx, c, ev)
	case hub.EventStatusUpdate:
		s.handleStatus(ctx, c, ev)
	case hub.EventReaction:
		s.handleReaction(ctx, c, ev)
	default:
		s.reject(ctx, c, ev, hub.ErrCodeMalformed, "unknown event type "+string(ev.Type))
	}
}

func (s *Server) handleJoin(ctx context.Context, c *hub.Connection, ev *hub.Event) {
	conv, err := s.store.GetConversation(ctx, ev.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		s.reject(ctx, c, ev, hub.ErrCodeNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("loading conversation", "conversation_id", ev.ConversationID, "error", err)
		s.reject(ctx, c, ev, hub.ErrCodeInternal, "could not load conversation")
		return
	}
	if !conv.HasParticipant(c.Identity.ParticipantID) {
		s.reject(ctx, c, ev, hub.ErrCodeForbidden, "not a participant in this conversation")
		return
	}

	if _, err := s.hub.Join(ctx, c.ID, ev.ConversationID); err != nil {
		s.logger.Debug("join failed", "connection_id", c.ID, "conversation_id", ev.ConversationID, "error", err)
	}
}

func (s *Server) handleMessage(ctx context.Context, c *hub.Connection, ev *hub.Event) {
	kind := store.SenderUser
	if ev.Type == hub.EventAgentMessage {
		kind = store.SenderAgent
	}
	if (kind == store.SenderAgent) != c.Identity.IsAgent {
		s.reject(ctx, c, ev, hub.ErrCodeForbidden, string(ev.Type)+" is not allowed for this identity")
		return
	}
	if !s.requireJoined(ctx, c, ev) {
		return
	}

	var p hub.SendPayload
	if err := ev.Decode(&p); err != nil {
		s.reject(ctx, c, ev, hub.ErrCodeMalformed, "invalid message payload")
		return
	}

	req := relay.SubmitRequest{
		ConversationID: ev.ConversationID,
		SenderID:       c.Identity.ParticipantID,
		SenderKind:     kind,
		Content:        p.Content,
		Type:           p.Type,
		ParentID:       p.ParentID,
		Metadata:       p.Metadata,

		ClientMessageID: p.ClientID,
	}
	// Humans get their own message back as the acknowledgement carrying the
	// server ID and timestamp. Agent connections do not need the echo.
	if kind == store.SenderAgent {
		req.ExcludeConnID = c.ID
	}

	if _, err := s.relay.Submit(ctx, req); err != nil {
		if errors.Is(err, relay.ErrDuplicate) {
			s.logger.Debug("duplicate submission ignored", "connection_id", c.ID, "client_id", p.ClientID)
			return
		}
		code, message := classifySubmitError(err)
		if code == hub.ErrCodeInternal || code == hub.ErrCodePersistence {
			s.logger.Error("submitting message", "conversation_id", ev.ConversationID, "error", err)
		}
		s.reject(ctx, c, ev, code, message)
	}
}

func (s *Server) handleTyping(ctx context.Context, c *hub.Connection, ev *hub.Event) {
	if !s.requireJoined(ctx, c, ev) {
		return
	}
	var p hub.TypingPayload
	if err := ev.Decode(&p); err != nil {
		s.reject(ctx, c, ev, hub.ErrCodeMalformed, "invalid typing payload")
		return
	}
	s.hub.SetTyping(ctx, ev.ConversationID, c.Identity.ParticipantID, p.IsTyping)
}

func (s *Server) handleStatus(ctx context.Context, c *hub.Connection, ev *hub.Event) {
	if !s.requireJoined(ctx, c, ev) {
		return
	}
	var p hub.StatusPayload
	if err := ev.Decode(&p); err != nil {
		s.reject(ctx, c, ev, hub.ErrCodeMalformed, "invalid status payload")
		return
	}
	if err := s.relay.SetStatus(ctx, ev.ConversationID, p.Status); err != nil {
		code, message := classifySubmitError(err)
		s.reject(ctx, c, ev, code, message)
	}
}

func (s *Server) handleReaction(ctx context.Context, c *hub.Connection, ev *hub.Event) {
	if !s.requireJoined(ctx, c, ev) {
		return
	}
	var p hub.ReactionPayload
	if err := ev.Decode(&p); err != nil || p.MessageID == "" || p.Reaction == "" {
		s.reject(ctx, c, ev, hub.ErrCodeMalformed, "reaction requires messageId and reaction")
		return
	}
	if _, err := s.relay.ToggleReaction(ctx, ev.ConversationID, p.MessageID, p.Reaction, c.Identity.ParticipantID); err != nil {
		code, message := classifySubmitError(err)
		s.reject(ctx, c, ev, code, message)
	}
}

// requireJoined rejects events for conversations the connection has not joined.
func (s *Server) requireJoined(ctx context.Context, c *hub.Connection, ev *hub.Event) bool {
	if c.InConversation(ev.ConversationID) {
		return true
	}
	s.reject(ctx, c, ev, hub.ErrCodeForbidden, "join the conversation first")
	return false
}

func (s *Server) reject(ctx context.Context, c *hub.Connection, ev *hub.Event, code, message string) {
	s.logger.Debug("event rejected",
		"connection_id", c.ID,
		"event", ev.Type,
		"conversation_id", ev.ConversationID,
		"code", code,
	)
	_ = s.hub.SendTo(ctx, c.ID, hub.NewErrorEvent(ev.ConversationID, code, message))
}

// classifySubmitError maps relay errors to wire error codes.
func classifySubmitError(err error) (code, message string) {
	switch {
	case errors.Is(err, relay.ErrPersistence):
		return hub.ErrCodePersistence, "message could not be saved"
	case errors.Is(err, relay.ErrConversationClosed):
		return hub.ErrCodeClosed, "conversation is completed"
	case errors.Is(err, relay.ErrNotParticipant):
		return hub.ErrCodeForbidden, "not a participant in this conversation"
	case errors.Is(err, store.ErrNotFound):
		return hub.ErrCodeNotFound, "not found"
	case errors.Is(err, relay.ErrEmptyContent),
		errors.Is(err, relay.ErrInvalidMessageType),
		errors.Is(err, relay.ErrInvalidSenderKind),
		errors.Is(err, relay.ErrInvalidStatus):
		return hub.ErrCodeMalformed, err.Error()
	default:
		return hub.ErrCodeInternal, "internal error"
	}
}
