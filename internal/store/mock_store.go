// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, chronological
	messageIndex  map[string]*Message      // keyed by message ID
	agents        map[string]*Agent        // keyed by agent ID

	// CreateMessageErr, when set, is returned by CreateMessage without persisting.
	CreateMessageErr error
	// CreateMessageDelay delays CreateMessage to simulate a slow database.
	CreateMessageDelay time.Duration
	// OnCreateMessage, when set, is invoked after a message is persisted.
	OnCreateMessage func(msg *Message)
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		messageIndex:  make(map[string]*Message),
		agents:        make(map[string]*Agent),
	}
}

func copyConversation(c *Conversation) *Conversation {
	result := *c
	result.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return &result
}

func copyMessage(m *Message) *Message {
	result := *m
	result.Reactions = make(map[string][]string, len(m.Reactions))
	for k, v := range m.Reactions {
		result.Reactions[k] = append([]string(nil), v...)
	}
	if m.Metadata != nil {
		result.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			result.Metadata[k] = v
		}
	}
	return &result
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.CreatedAt
	}
	if conv.Status == "" {
		conv.Status = ConversationActive
	}

	m.conversations[conv.ID] = copyConversation(conv)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// GetConversationsByParticipant returns conversations containing the participant.
func (m *MockStore) GetConversationsByParticipant(ctx context.Context, participantID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, c := range m.conversations {
		if c.HasParticipant(participantID) {
			result = append(result, copyConversation(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivityAt.After(result[j].LastActivityAt)
	})
	return result, nil
}

// UpdateConversation applies the non-nil fields of patch.
func (m *MockStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Title != nil {
		c.Title = *patch.Title
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.LastActivityAt != nil {
		c.LastActivityAt = *patch.LastActivityAt
	}
	return nil
}

// CreateMessage stores a message, honoring the injected error and delay.
func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	if m.CreateMessageDelay > 0 {
		select {
		case <-time.After(m.CreateMessageDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	if m.CreateMessageErr != nil {
		err := m.CreateMessageErr
		m.mu.Unlock()
		return err
	}
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("inserting message: conversation %s: %w", msg.ConversationID, ErrNotFound)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	if msg.Reactions == nil {
		msg.Reactions = map[string][]string{}
	}

	stored := copyMessage(msg)
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], stored)
	m.messageIndex[msg.ID] = stored
	hook := m.OnCreateMessage
	m.mu.Unlock()

	if hook != nil {
		hook(copyMessage(msg))
	}
	return nil
}

// SetCreateMessageErr changes the injected CreateMessage error under lock.
func (m *MockStore) SetCreateMessageErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateMessageErr = err
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messageIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// GetMessagesByConversation returns the newest limit messages in chronological order.
// If limit <= 0, returns all messages.
func (m *MockStore) GetMessagesByConversation(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		result[i] = copyMessage(msg)
	}
	return result, nil
}

// ToggleReaction adds or removes a participant's reaction.
func (m *MockStore) ToggleReaction(ctx context.Context, messageID, reaction, participantID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messageIndex[messageID]
	if !ok {
		return nil, ErrNotFound
	}

	ids := toggleParticipant(msg.Reactions[reaction], participantID)
	if len(ids) == 0 {
		delete(msg.Reactions, reaction)
	} else {
		msg.Reactions[reaction] = ids
	}
	return copyMessage(msg), nil
}

// UpsertAgent inserts or replaces an agent.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns all agents ordered by name.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agentCopy := *a
		result = append(result, &agentCopy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
