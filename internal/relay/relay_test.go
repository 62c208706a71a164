// ABOUTME: Tests for the message relay's ordering and failure scoping
// ABOUTME: Uses a real hub with recording transports and the store MockStore

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/hub"
	"github.com/2389/coven-relay/internal/store"
)

// recordingTransport captures events; onSend runs before each capture.
type recordingTransport struct {
	mu     sync.Mutex
	events []*hub.Event
	fail   bool
	open   bool
	onSend func(ev *hub.Event)
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{open: true}
}

func (r *recordingTransport) Send(ctx context.Context, ev *hub.Event) error {
	if r.onSend != nil {
		r.onSend(ev)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail || !r.open {
		return errors.New("send failed")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingTransport) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func (r *recordingTransport) Ping(ctx context.Context) error { return nil }

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
	return nil
}

func (r *recordingTransport) ofType(t hub.EventType) []*hub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*hub.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type recordingResponder struct {
	mu   sync.Mutex
	msgs []*store.Message
}

func (r *recordingResponder) HandleUserMessage(ctx context.Context, conv *store.Conversation, msg *store.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

type fixture struct {
	store     *store.MockStore
	hub       *hub.Hub
	relay     *Relay
	responder *recordingResponder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := store.NewMockStore()
	require.NoError(t, ms.CreateConversation(t.Context(), &store.Conversation{
		ID:             "conv-1",
		Title:          "Launch",
		ParticipantIDs: []string{"alice", "bob", "agent-ops"},
	}))

	h := hub.New(ms, hub.Options{})
	r := New(ms, h, nil)
	resp := &recordingResponder{}
	r.SetResponder(resp)
	return &fixture{store: ms, hub: h, relay: r, responder: resp}
}

func (f *fixture) connect(t *testing.T, participantID string) (*hub.Connection, *recordingTransport) {
	t.Helper()
	tr := newRecordingTransport()
	conn, err := f.hub.Admit(t.Context(), hub.Identity{ParticipantID: participantID}, tr)
	require.NoError(t, err)
	require.Contains(t, conn.Conversations(), "conv-1")
	return conn, tr
}

func TestSubmitPersistsBeforeBroadcast(t *testing.T) {
	f := newFixture(t)
	_, bobTr := f.connect(t, "bob")

	var persistedAtDelivery bool
	bobTr.onSend = func(ev *hub.Event) {
		if ev.Type != hub.EventUserMessage {
			return
		}
		var m store.Message
		require.NoError(t, ev.Decode(&m))
		_, err := f.store.GetMessage(context.Background(), m.ID)
		persistedAtDelivery = err == nil
	}

	msg, err := f.relay.Submit(t.Context(), SubmitRequest{
		ConversationID: "conv-1",
		SenderID:       "alice",
		SenderKind:     store.SenderUser,
		Content:        "hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, store.MessageTypeText, msg.Type)
	assert.True(t, persistedAtDelivery)

	conv, err := f.store.GetConversation(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.True(t, conv.LastActivityAt.Equal(msg.CreatedAt))

	require.Len(t, f.responder.msgs, 1)
	assert.Equal(t, msg.ID, f.responder.msgs[0].ID)
}

func TestSubmitPersistenceFailureBroadcastsNothing(t *testing.T) {
	f := newFixture(t)
	_, bobTr := f.connect(t, "bob")
	f.store.SetCreateMessageErr(errors.New("disk full"))

	_, err := f.relay.Submit(t.Context(), SubmitRequest{
		ConversationID: "conv-1",
		SenderID:       "alice",
		SenderKind:     store.SenderUser,
		Content:        "hello",
	})
	require.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, bobTr.ofType(hub.EventUserMessage))
	assert.Empty(t, f.responder.msgs)
}

func TestSubmitExcludesSenderConnection(t *testing.T) {
	f := newFixture(t)
	aliceConn, aliceTr := f.connect(t, "alice")
	_, bobTr := f.connect(t, "bob")

	_, err := f.relay.Submit(t.Context(), SubmitRequest{
		ConversationID: "conv-1",
		SenderID:       "alice",
		SenderKind:     store.SenderUser,
		Content:        "hi bob",
		ExcludeConnID:  aliceConn.ID,
	})
	require.NoError(t, err)
	assert.Empty(t, aliceTr.ofType(hub.EventUserMessage))
	assert.Len(t, bobTr.ofType(hub.EventUserMessage), 1)
}

func TestSubmitFailingMemberDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	brokenConn, brokenTr := f.connect(t, "alice")
	_, bobTr := f.connect(t, "bob")

	brokenTr.mu.Lock()
	brokenTr.fail = true
	brokenTr.mu.Unlock()

	_, err := f.relay.Submit(t.Context(), SubmitRequest{
		ConversationID: "conv-1",
		SenderID:       "agent-ops",
		SenderKind:     store.SenderAgent,
		Content:        "deploy is green",
	})
	require.NoError(t, err)

	events := bobTr.ofType(hub.EventAgentMessage)
	require.Len(t, events, 1)
	var m store.Message
	require.NoError(t, events[0].Decode(&m))
	assert.Equal(t, "deploy is green", m.Content)

	_, ok := f.hub.Get(brokenConn.ID)
	assert.False(t, ok, "failing connection is torn down")
	assert.Empty(t, f.responder.msgs, "agent messages are not handed to the responder")
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
	}{
		{
			name:    "empty content",
			req:     SubmitRequest{ConversationID: "conv-1", SenderID: "alice", SenderKind: store.SenderUser, Content: "  "},
			wantErr: ErrEmptyContent,
		},
		{
			name:    "bad sender kind",
			req:     SubmitRequest{ConversationID: "conv-1", SenderID: "alice", SenderKind: "robot", Content: "x"},
			wantErr: ErrInvalidSenderKind,
		},
		{
			name:    "bad type",
			req:     SubmitRequest{ConversationID: "conv-1", SenderID: "alice", SenderKind: store.SenderUser, Content: "x", Type: "video"},
			wantErr: ErrInvalidMessageType,
		},
		{
			name:    "unknown conversation",
			req:     SubmitRequest{ConversationID: "nope", SenderID: "alice", SenderKind: store.SenderUser, Content: "x"},
			wantErr: store.ErrNotFound,
		},
		{
			name:    "outsider",
			req:     SubmitRequest{ConversationID: "conv-1", SenderID: "mallory", SenderKind: store.SenderUser, Content: "x"},
			wantErr: ErrNotParticipant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.relay.Submit(t.Context(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCompletedConversationRejectsUserMessages(t *testing.T) {
	f := newFixture(t)
	_, bobTr := f.connect(t, "bob")

	require.NoError(t, f.relay.SetStatus(t.Context(), "conv-1", store.ConversationCompleted))
	assert.Len(t, bobTr.ofType(hub.EventStatusUpdate), 1)

	_, err := f.relay.Submit(t.Context(), SubmitRequest{
		ConversationID: "conv-1",
		SenderID:       "alice",
		SenderKind:     store.SenderUser,
		Content:        "anyone?",
	})
	assert.ErrorIs(t, err, ErrConversationClosed)

	// Agents may still post a wrap-up
	_, err = f.relay.Submit(t.Context(), SubmitRequest{
		ConversationID: "conv-1",
		SenderID:       "agent-ops",
		SenderKind:     store.SenderAgent,
		Content:        "closing notes",
	})
	assert.NoError(t, err)

	assert.ErrorIs(t, f.relay.SetStatus(t.Context(), "conv-1", "archived"), ErrInvalidStatus)
}

func TestToggleReactionBroadcastsUpdatedMessage(t *testing.T) {
	f := newFixture(t)
	_, bobTr := f.connect(t, "bob")

	msg, err := f.relay.Submit(t.Context(), SubmitRequest{
		ConversationID: "conv-1",
		SenderID:       "alice",
		SenderKind:     store.SenderUser,
		Content:        "ship it",
	})
	require.NoError(t, err)

	updated, err := f.relay.ToggleReaction(t.Context(), "conv-1", msg.ID, "+1", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, updated.Reactions["+1"])

	reactions := bobTr.ofType(hub.EventReaction)
	require.Len(t, reactions, 1)

	updated, err = f.relay.ToggleReaction(t.Context(), "conv-1", msg.ID, "+1", "bob")
	require.NoError(t, err)
	assert.Empty(t, updated.Reactions["+1"])

	_, err = f.relay.ToggleReaction(t.Context(), "conv-other", msg.ID, "+1", "bob")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitDeduplicatesClientRetries(t *testing.T) {
	f := newFixture(t)
	f.relay.SetDedupe(dedupe.New(time.Minute, 100))
	_, bobTr := f.connect(t, "bob")

	req := SubmitRequest{
		ConversationID:  "conv-1",
		SenderID:        "alice",
		SenderKind:      store.SenderUser,
		Content:         "ship it",
		ClientMessageID: "c-42",
	}

	// A failed write releases the key so the retry goes through
	f.store.SetCreateMessageErr(errors.New("disk full"))
	_, err := f.relay.Submit(t.Context(), req)
	require.ErrorIs(t, err, ErrPersistence)
	f.store.SetCreateMessageErr(nil)

	msg, err := f.relay.Submit(t.Context(), req)
	require.NoError(t, err)

	_, err = f.relay.Submit(t.Context(), req)
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), msg.ID)

	// Same client ID from a different sender is a different key
	req.SenderID = "bob"
	_, err = f.relay.Submit(t.Context(), req)
	require.NoError(t, err)

	msgs, err := f.store.GetMessagesByConversation(t.Context(), "conv-1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Len(t, bobTr.ofType(hub.EventUserMessage), 2)
	assert.Len(t, f.responder.msgs, 2)
}
