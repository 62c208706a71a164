// ABOUTME: HTTP API handlers for health, stats, and conversation management
// ABOUTME: Conversations are created here; live messaging happens over /ws

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/hub"
	"github.com/2389/coven-relay/internal/orchestrator"
	"github.com/2389/coven-relay/internal/store"
)

const maxMessagesLimit = 1000

// CreateConversationRequest is the JSON body for POST /api/conversations.
type CreateConversationRequest struct {
	ID             string   `json:"id,omitempty"`
	Title          string   `json:"title"`
	ParticipantIDs []string `json:"participant_ids"`
}

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	ParticipantIDs []string `json:"participant_ids"`
	Status         string   `json:"status"`
	CreatedAt      string   `json:"created_at"`
	LastActivityAt string   `json:"last_activity_at"`
}

// MessageResponse is the JSON form of a message.
type MessageResponse struct {
	ID         string              `json:"id"`
	SenderID   string              `json:"sender_id"`
	SenderKind string              `json:"sender_kind"`
	Content    string              `json:"content"`
	Type       string              `json:"type"`
	ParentID   string              `json:"parent_id,omitempty"`
	Reactions  map[string][]string `json:"reactions,omitempty"`
	CreatedAt  string              `json:"created_at"`
}

// ConversationMessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type ConversationMessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

// AgentResponse is the JSON form of a roster entry.
type AgentResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	ServerID      string `json:"server_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	StartedAt     string `json:"started_at"`
	hub.Stats
	Agents orchestrator.Stats `json:"agents"`
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleConversationMessages)
	mux.HandleFunc("GET /ws", s.handleWS)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatsResponse{
		ServerID:      s.serverID,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		StartedAt:     s.startedAt.UTC().Format(time.RFC3339),
		Stats:         s.hub.Stats(),
		Agents:        s.orchestrator.Stats(),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.logger.Error("listing agents", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	resp := make([]AgentResponse, len(agents))
	for i, a := range agents {
		resp[i] = AgentResponse{ID: a.ID, Name: a.Name, Role: a.Role}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCreateConversation creates a conversation and joins any live
// connections of its participants.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		s.sendJSONError(w, http.StatusBadRequest, "title is required")
		return
	}
	participants := dedupeIDs(req.ParticipantIDs)
	if len(participants) == 0 {
		s.sendJSONError(w, http.StatusBadRequest, "participant_ids is required")
		return
	}

	conv := &store.Conversation{
		ID:             req.ID,
		Title:          req.Title,
		ParticipantIDs: participants,
	}
	err := s.store.CreateConversation(r.Context(), conv)
	if errors.Is(err, store.ErrDuplicateConversation) {
		s.sendJSONError(w, http.StatusConflict, "conversation already exists")
		return
	}
	if err != nil {
		s.logger.Error("creating conversation", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Info("conversation created", "conversation_id", conv.ID, "participants", len(participants))
	s.joinLiveParticipants(r, conv)
	s.writeJSON(w, http.StatusCreated, toConversationResponse(conv))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.lookupConversation(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleConversationMessages returns message history, optionally limited by ?limit=N.
func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	limit := s.config.Relay.HistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxMessagesLimit)
	}

	conv, ok := s.lookupConversation(w, r)
	if !ok {
		return
	}

	messages, err := s.store.GetMessagesByConversation(r.Context(), conv.ID, limit)
	if err != nil {
		s.logger.Error("loading messages", "conversation_id", conv.ID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ConversationMessagesResponse{
		ConversationID: conv.ID,
		Messages:       make([]MessageResponse, len(messages)),
	}
	for i, m := range messages {
		resp.Messages[i] = MessageResponse{
			ID:         m.ID,
			SenderID:   m.SenderID,
			SenderKind: string(m.SenderKind),
			Content:    m.Content,
			Type:       m.Type,
			ParentID:   m.ParentID,
			Reactions:  m.Reactions,
			CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lookupConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	id := r.PathValue("id")
	if id == "" {
		s.sendJSONError(w, http.StatusBadRequest, "conversation id is required")
		return nil, false
	}
	conv, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("loading conversation", "conversation_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return conv, true
}

// joinLiveParticipants joins already-connected participants to a new conversation.
func (s *Server) joinLiveParticipants(r *http.Request, conv *store.Conversation) {
	for _, c := range s.hub.Connections() {
		if !conv.HasParticipant(c.Identity.ParticipantID) {
			continue
		}
		if _, err := s.hub.Join(r.Context(), c.ID, conv.ID); err != nil {
			s.logger.Debug("joining live participant", "connection_id", c.ID, "error", err)
		}
	}
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:             c.ID,
		Title:          c.Title,
		ParticipantIDs: c.ParticipantIDs,
		Status:         c.Status,
		CreatedAt:      c.CreatedAt.UTC().Format(time.RFC3339),
		LastActivityAt: c.LastActivityAt.UTC().Format(time.RFC3339),
	}
}

// dedupeIDs trims, drops empties and removes duplicates, keeping first occurrence order.
func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
