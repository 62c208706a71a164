// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers schema creation, driver selection, and the shared store contract

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "relay.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestOpenSQLiteStore_UnsupportedDriver(t *testing.T) {
	_, err := OpenSQLiteStore("postgres", filepath.Join(t.TempDir(), "relay.db"))
	assert.ErrorContains(t, err, "unsupported sqlite driver")
}

func TestOpenSQLiteStore_InMemory(t *testing.T) {
	s, err := OpenSQLiteStore(DriverModernC, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	runStoreContract(t, s)
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, newTestStore(t))
}

func TestSQLiteStore_MessageMustBelongToConversation(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateMessage(t.Context(), &Message{
		ConversationID: "missing",
		SenderID:       "u1",
		SenderKind:     SenderUser,
		Content:        "orphan",
	})
	assert.Error(t, err)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	ctx := t.Context()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "c1", ParticipantIDs: []string{"u1", "a1"}}))
	require.NoError(t, s.CreateMessage(ctx, &Message{ConversationID: "c1", SenderID: "u1", SenderKind: SenderUser, Content: "hi"}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	conv, err := reopened.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "a1"}, conv.ParticipantIDs)

	msgs, err := reopened.GetMessagesByConversation(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}
