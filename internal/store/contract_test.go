// ABOUTME: Behavioral contract shared by every Store implementation
// ABOUTME: Run against both SQLiteStore and MockStore so the mock stays faithful

package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreContract(t *testing.T, s Store) {
	t.Helper()

	t.Run("conversation round trip", func(t *testing.T) {
		ctx := t.Context()
		conv := &Conversation{
			ID:             "conv-roundtrip",
			Title:          "Launch",
			ParticipantIDs: []string{"user-1", "agent-b", "agent-a"},
		}
		require.NoError(t, s.CreateConversation(ctx, conv))

		got, err := s.GetConversation(ctx, "conv-roundtrip")
		require.NoError(t, err)
		assert.Equal(t, "Launch", got.Title)
		assert.Equal(t, ConversationActive, got.Status)
		assert.Equal(t, []string{"user-1", "agent-b", "agent-a"}, got.ParticipantIDs, "participant order must be preserved")
		assert.False(t, got.CreatedAt.IsZero())

		err = s.CreateConversation(ctx, &Conversation{ID: "conv-roundtrip"})
		assert.ErrorIs(t, err, ErrDuplicateConversation)
	})

	t.Run("missing conversation", func(t *testing.T) {
		_, err := s.GetConversation(t.Context(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		status := ConversationCompleted
		err = s.UpdateConversation(t.Context(), "nope", ConversationPatch{Status: &status})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("conversations by participant", func(t *testing.T) {
		ctx := t.Context()
		base := time.Now().Add(-time.Hour)
		require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "bp-old", ParticipantIDs: []string{"bp-user"}, CreatedAt: base}))
		require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "bp-new", ParticipantIDs: []string{"bp-user", "x"}, CreatedAt: base.Add(time.Minute)}))
		require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "bp-other", ParticipantIDs: []string{"x"}}))

		convs, err := s.GetConversationsByParticipant(ctx, "bp-user")
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, "bp-new", convs[0].ID, "most recently active first")
		assert.Equal(t, "bp-old", convs[1].ID)
	})

	t.Run("update conversation", func(t *testing.T) {
		ctx := t.Context()
		require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "upd", ParticipantIDs: []string{"u"}}))

		status := ConversationCompleted
		at := time.Now().Add(time.Hour).UTC()
		require.NoError(t, s.UpdateConversation(ctx, "upd", ConversationPatch{Status: &status, LastActivityAt: &at}))

		got, err := s.GetConversation(ctx, "upd")
		require.NoError(t, err)
		assert.Equal(t, ConversationCompleted, got.Status)
		assert.WithinDuration(t, at, got.LastActivityAt, time.Millisecond)
	})

	t.Run("messages are ordered and limited", func(t *testing.T) {
		ctx := t.Context()
		require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "msgs", ParticipantIDs: []string{"u"}}))

		base := time.Now()
		for i := range 5 {
			msg := &Message{
				ConversationID: "msgs",
				SenderID:       "u",
				SenderKind:     SenderUser,
				Content:        fmt.Sprintf("m%d", i),
				CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
			}
			require.NoError(t, s.CreateMessage(ctx, msg))
			assert.NotEmpty(t, msg.ID, "CreateMessage assigns an ID")
			assert.Equal(t, MessageTypeText, msg.Type)
		}

		all, err := s.GetMessagesByConversation(ctx, "msgs", 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "m0", all[0].Content)
		assert.Equal(t, "m4", all[4].Content)

		last, err := s.GetMessagesByConversation(ctx, "msgs", 2)
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, "m3", last[0].Content)
		assert.Equal(t, "m4", last[1].Content)
	})

	t.Run("message fields round trip", func(t *testing.T) {
		ctx := t.Context()
		require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "fields", ParticipantIDs: []string{"u", "a"}}))

		parent := &Message{ConversationID: "fields", SenderID: "u", SenderKind: SenderUser, Content: "root"}
		require.NoError(t, s.CreateMessage(ctx, parent))

		reply := &Message{
			ConversationID: "fields",
			SenderID:       "a",
			SenderKind:     SenderAgent,
			Content:        "fmt.Println(1)",
			Type:           MessageTypeCode,
			ParentID:       parent.ID,
			Metadata:       map[string]any{"language": "go"},
		}
		require.NoError(t, s.CreateMessage(ctx, reply))

		got, err := s.GetMessage(ctx, reply.ID)
		require.NoError(t, err)
		assert.Equal(t, SenderAgent, got.SenderKind)
		assert.Equal(t, MessageTypeCode, got.Type)
		assert.Equal(t, parent.ID, got.ParentID)
		assert.Equal(t, "go", got.Metadata["language"])
		assert.NotNil(t, got.Reactions)

		_, err = s.GetMessage(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("toggle reaction", func(t *testing.T) {
		ctx := t.Context()
		require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "react", ParticipantIDs: []string{"u1", "u2"}}))
		msg := &Message{ConversationID: "react", SenderID: "u1", SenderKind: SenderUser, Content: "ship it"}
		require.NoError(t, s.CreateMessage(ctx, msg))

		got, err := s.ToggleReaction(ctx, msg.ID, "+1", "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"u1"}, got.Reactions["+1"])

		got, err = s.ToggleReaction(ctx, msg.ID, "+1", "u2")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"u1", "u2"}, got.Reactions["+1"])

		got, err = s.ToggleReaction(ctx, msg.ID, "+1", "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"u2"}, got.Reactions["+1"])

		_, err = s.ToggleReaction(ctx, "missing", "+1", "u1")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("agent roster", func(t *testing.T) {
		ctx := t.Context()
		require.NoError(t, s.UpsertAgent(ctx, &Agent{ID: "agent-z", Name: "Zed", Role: "devops"}))
		require.NoError(t, s.UpsertAgent(ctx, &Agent{ID: "agent-m", Name: "Mara", Role: "designer"}))
		require.NoError(t, s.UpsertAgent(ctx, &Agent{ID: "agent-z", Name: "Zed", Role: "lead"}))

		got, err := s.GetAgent(ctx, "agent-z")
		require.NoError(t, err)
		assert.Equal(t, "lead", got.Role)

		agents, err := s.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 2)
		assert.Equal(t, "Mara", agents[0].Name)

		_, err = s.GetAgent(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
