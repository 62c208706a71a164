// ABOUTME: Hub owns the connection registry, membership index and typing tracker.
// ABOUTME: It admits and tears down connections and fans events out to conversation members.

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/store"
)

// Hub errors
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrInvalidIdentity    = errors.New("identity requires a participant id")
)

// Defaults used when Options leave a field zero.
const (
	DefaultHistoryLimit = 50
	DefaultTypingTTL    = 10 * time.Second
	DefaultPingTimeout  = 10 * time.Second
)

// ConversationSource is the slice of the persistence contract the hub reads.
type ConversationSource interface {
	GetConversationsByParticipant(ctx context.Context, participantID string) ([]*store.Conversation, error)
	GetMessagesByConversation(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
}

// Options configures a Hub.
type Options struct {
	HistoryLimit int
	TypingTTL    time.Duration
	PingTimeout  time.Duration
	Logger       *slog.Logger
}

// Stats is a point-in-time view of hub occupancy.
type Stats struct {
	Connections   int `json:"connections"`
	Conversations int `json:"conversations"`
	Typing        int `json:"typing"`
}

// Hub tracks live connections and routes events between them.
type Hub struct {
	source       ConversationSource
	logger       *slog.Logger
	historyLimit int
	pingTimeout  time.Duration
	now          func() time.Time

	mu    sync.RWMutex
	conns map[string]*Connection
	seq   atomic.Uint64

	index  *membershipIndex
	typing *TypingTracker
}

// New creates a Hub reading conversations and history from source.
func New(source ConversationSource, opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}

	return &Hub{
		source:       source,
		logger:       logger.With("component", "hub"),
		historyLimit: opts.HistoryLimit,
		pingTimeout:  opts.PingTimeout,
		now:          time.Now,
		conns:        make(map[string]*Connection),
		index:        newMembershipIndex(),
		typing:       NewTypingTracker(opts.TypingTTL),
	}
}

// Typing exposes the hub's typing tracker.
func (h *Hub) Typing() *TypingTracker {
	return h.typing
}

// Admit registers a new connection, greets it and auto-joins it to every
// active conversation its participant belongs to. Auto-join failures are
// logged and do not fail admission.
func (h *Hub) Admit(ctx context.Context, identity Identity, transport Transport) (*Connection, error) {
	if identity.ParticipantID == "" {
		return nil, ErrInvalidIdentity
	}

	id := fmt.Sprintf("conn-%d-%s", h.seq.Add(1), uuid.New().String()[:8])
	conn := newConnection(id, identity, transport, h.now())

	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()

	h.logger.Info("connection admitted",
		"connection_id", id,
		"participant_id", identity.ParticipantID,
		"is_agent", identity.IsAgent,
	)

	greeting := NewEvent(EventConnected, "", ConnectedPayload{
		ConnectionID:  id,
		ParticipantID: identity.ParticipantID,
		IsAgent:       identity.IsAgent,
		AgentID:       identity.AgentID,
	})
	if err := h.SendTo(ctx, id, greeting); err != nil {
		return nil, fmt.Errorf("greeting connection: %w", err)
	}

	convs, err := h.source.GetConversationsByParticipant(ctx, identity.ParticipantID)
	if err != nil {
		h.logger.Warn("auto-join lookup failed", "connection_id", id, "error", err)
		return conn, nil
	}
	for _, c := range convs {
		if c.Status != store.ConversationActive {
			continue
		}
		if _, err := h.Join(ctx, id, c.ID); err != nil {
			h.logger.Warn("auto-join failed", "connection_id", id, "conversation_id", c.ID, "error", err)
		}
	}

	return conn, nil
}

// Get returns the connection with the given ID.
func (h *Hub) Get(connID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[connID]
	return conn, ok
}

// Connections returns a snapshot of all registered connections, ordered by ID.
func (h *Hub) Connections() []*Connection {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// Touch records activity on a connection. Returns false if it is unknown.
func (h *Hub) Touch(connID string) bool {
	conn, ok := h.Get(connID)
	if !ok {
		return false
	}
	conn.touch(h.now())
	return true
}

// Teardown unregisters a connection, removes it from every conversation it
// joined, purges its typing flags and closes its transport. Safe to call
// more than once; only the first call returns true.
func (h *Hub) Teardown(connID string) bool {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	delete(h.conns, connID)
	h.mu.Unlock()
	if !ok {
		return false
	}

	conn.mu.Lock()
	conn.closed = true
	joined := make([]string, 0, len(conn.conversations))
	for convID := range conn.conversations {
		joined = append(joined, convID)
	}
	conn.conversations = make(map[string]struct{})
	conn.pending = make(map[string][]*Event)
	conn.mu.Unlock()

	ctx := context.Background()
	for _, convID := range joined {
		if _, last := h.index.remove(convID, connID); last {
			h.afterDeparture(ctx, conn, convID)
		}
	}

	if err := conn.transport.Close(); err != nil {
		h.logger.Debug("closing transport", "connection_id", connID, "error", err)
	}

	h.logger.Info("connection torn down",
		"connection_id", connID,
		"participant_id", conn.Identity.ParticipantID,
		"conversations", len(joined),
	)
	return true
}

// Join adds a connection to a conversation and delivers recent history to
// that connection only. Broadcasts for the conversation that race with the
// history read are held and delivered after it, minus any message the
// history already carries. Joining twice is a no-op that returns false.
func (h *Hub) Join(ctx context.Context, connID, conversationID string) (bool, error) {
	conn, ok := h.Get(connID)
	if !ok {
		return false, ErrConnectionNotFound
	}
	participantID := conn.Identity.ParticipantID

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return false, ErrConnectionClosed
	}
	if _, joined := conn.conversations[conversationID]; joined {
		conn.mu.Unlock()
		return false, nil
	}
	conn.conversations[conversationID] = struct{}{}
	conn.pending[conversationID] = nil
	_, first := h.index.add(conversationID, connID, participantID)
	conn.mu.Unlock()

	h.logger.Debug("joined conversation", "connection_id", connID, "conversation_id", conversationID)

	if first {
		h.broadcast(ctx, conversationID, NewEvent(EventPresence, conversationID, PresencePayload{
			ParticipantID: participantID,
			Online:        true,
		}), func(c *Connection) bool { return c.ID == connID })
	}

	history, err := h.source.GetMessagesByConversation(ctx, conversationID, h.historyLimit)
	if err != nil {
		h.logger.Warn("loading history", "conversation_id", conversationID, "error", err)
		_ = h.flushHistory(ctx, conn, conversationID, NewErrorEvent(conversationID, ErrCodeInternal, "history unavailable"), nil)
		return true, nil
	}
	if history == nil {
		history = []*store.Message{}
	}
	seen := make(map[string]struct{}, len(history))
	for _, m := range history {
		seen[m.ID] = struct{}{}
	}
	head := NewEvent(EventHistory, conversationID, HistoryPayload{Messages: history})
	if err := h.flushHistory(ctx, conn, conversationID, head, seen); err != nil {
		return true, fmt.Errorf("delivering history: %w", err)
	}
	return true, nil
}

// Leave removes a connection from a conversation. Returns false if the
// connection was not a member.
func (h *Hub) Leave(ctx context.Context, connID, conversationID string) bool {
	conn, ok := h.Get(connID)
	if !ok {
		return false
	}

	conn.mu.Lock()
	if _, joined := conn.conversations[conversationID]; !joined {
		conn.mu.Unlock()
		return false
	}
	delete(conn.conversations, conversationID)
	delete(conn.pending, conversationID)
	_, last := h.index.remove(conversationID, connID)
	conn.mu.Unlock()

	if last {
		h.afterDeparture(ctx, conn, conversationID)
	}
	h.logger.Debug("left conversation", "connection_id", connID, "conversation_id", conversationID)
	return true
}

// MembersOf returns the IDs of connections joined to a conversation, sorted.
func (h *Hub) MembersOf(conversationID string) []string {
	return h.index.members(conversationID)
}

// Broadcast delivers ev to every member of a conversation except
// excludeConnID (which may be empty). Members whose transport fails are torn
// down; delivery to the rest continues. Returns the number of deliveries.
func (h *Hub) Broadcast(ctx context.Context, conversationID string, ev *Event, excludeConnID string) int {
	var skip func(*Connection) bool
	if excludeConnID != "" {
		skip = func(c *Connection) bool { return c.ID == excludeConnID }
	}
	return h.broadcast(ctx, conversationID, ev, skip)
}

// SendTo delivers ev to a single connection, tearing it down on failure.
func (h *Hub) SendTo(ctx context.Context, connID string, ev *Event) error {
	conn, ok := h.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	if err := conn.Send(ctx, ev); err != nil {
		h.logger.Debug("send failed", "connection_id", connID, "event", ev.Type, "error", err)
		h.Teardown(connID)
		return err
	}
	return nil
}

// SetTyping updates a typing flag and, when the visible state changes,
// broadcasts it to the conversation's members other than the participant's
// own connections. Returns whether the state changed.
func (h *Hub) SetTyping(ctx context.Context, conversationID, participantID string, isTyping bool) bool {
	if !h.typing.Set(conversationID, participantID, isTyping) {
		return false
	}
	h.broadcastTyping(ctx, conversationID, participantID, isTyping)
	return true
}

// ExpireTyping drops typing flags older than the TTL and broadcasts an
// implicit stop for each. Returns the number expired.
func (h *Hub) ExpireTyping(ctx context.Context) int {
	expired := h.typing.Expire()
	for _, k := range expired {
		h.broadcastTyping(ctx, k.ConversationID, k.ParticipantID, false)
	}
	if len(expired) > 0 {
		h.logger.Debug("expired typing flags", "count", len(expired))
	}
	return len(expired)
}

// ReapDead tears down connections whose transport has closed. When
// staleAfter is positive, connections idle longer than that are pinged and
// torn down if the ping fails. Returns the number of connections reaped.
func (h *Hub) ReapDead(ctx context.Context, staleAfter time.Duration) int {
	reaped := 0
	now := h.now()
	for _, conn := range h.Connections() {
		if !conn.transport.IsOpen() {
			if h.Teardown(conn.ID) {
				reaped++
			}
			continue
		}
		if staleAfter <= 0 || now.Sub(conn.LastActivity()) < staleAfter {
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, h.pingTimeout)
		err := conn.transport.Ping(pingCtx)
		cancel()
		if err != nil {
			h.logger.Info("stale connection failed ping", "connection_id", conn.ID, "error", err)
			if h.Teardown(conn.ID) {
				reaped++
			}
			continue
		}
		conn.touch(h.now())
	}
	return reaped
}

// Stats returns current occupancy counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	conns := len(h.conns)
	h.mu.RUnlock()

	return Stats{
		Connections:   conns,
		Conversations: h.index.conversations(),
		Typing:        h.typing.Len(),
	}
}

// Close tears down every connection.
func (h *Hub) Close() {
	for _, conn := range h.Connections() {
		h.Teardown(conn.ID)
	}
}

func (h *Hub) broadcast(ctx context.Context, conversationID string, ev *Event, skip func(*Connection) bool) int {
	var failed []string
	delivered := 0

	for _, id := range h.index.members(conversationID) {
		conn, ok := h.Get(id)
		if !ok {
			continue
		}
		if skip != nil && skip(conn) {
			continue
		}
		if !conn.transport.IsOpen() {
			failed = append(failed, id)
			continue
		}
		// Held events count as delivered; they go out with the history.
		if err := conn.deliver(ctx, conversationID, ev); err != nil {
			h.logger.Debug("broadcast delivery failed",
				"connection_id", id,
				"conversation_id", conversationID,
				"event", ev.Type,
				"error", err,
			)
			failed = append(failed, id)
			continue
		}
		delivered++
	}

	for _, id := range failed {
		h.Teardown(id)
	}
	return delivered
}

func (h *Hub) broadcastTyping(ctx context.Context, conversationID, participantID string, isTyping bool) {
	ev := NewEvent(EventTyping, conversationID, TypingPayload{ParticipantID: participantID, IsTyping: isTyping})
	h.broadcast(ctx, conversationID, ev, func(c *Connection) bool {
		return c.Identity.ParticipantID == participantID
	})
}

// flushHistory completes a join's history delivery, tearing the connection
// down if its transport rejects it.
func (h *Hub) flushHistory(ctx context.Context, conn *Connection, conversationID string, head *Event, seen map[string]struct{}) error {
	if err := conn.flushHistory(ctx, conversationID, head, seen); err != nil {
		h.logger.Debug("history delivery failed", "connection_id", conn.ID, "conversation_id", conversationID, "error", err)
		h.Teardown(conn.ID)
		return err
	}
	return nil
}

// afterDeparture clears typing and announces presence once a participant's
// last connection has left a conversation.
func (h *Hub) afterDeparture(ctx context.Context, conn *Connection, conversationID string) {
	participantID := conn.Identity.ParticipantID
	if h.typing.Set(conversationID, participantID, false) {
		h.broadcastTyping(ctx, conversationID, participantID, false)
	}
	h.broadcast(ctx, conversationID, NewEvent(EventPresence, conversationID, PresencePayload{
		ParticipantID: participantID,
		Online:        false,
	}), nil)
}
