// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Also covers the failure-injection hooks used by relay tests

package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_Contract(t *testing.T) {
	runStoreContract(t, NewMockStore())
}

func TestMockStore_CreateMessageErr(t *testing.T) {
	s := NewMockStore()
	ctx := t.Context()
	require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "c1", ParticipantIDs: []string{"u1"}}))

	boom := errors.New("disk full")
	s.SetCreateMessageErr(boom)

	err := s.CreateMessage(ctx, &Message{ConversationID: "c1", SenderID: "u1", SenderKind: SenderUser, Content: "x"})
	assert.ErrorIs(t, err, boom)

	msgs, err := s.GetMessagesByConversation(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "failed create must not persist")
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := t.Context()
	require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "c1", ParticipantIDs: []string{"u1"}}))

	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	got.ParticipantIDs[0] = "mutated"

	again, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", again.ParticipantIDs[0])
}
