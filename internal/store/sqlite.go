// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Defaults to modernc.org/sqlite; the cgo mattn driver is selectable by name

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names
const (
	DriverModernC = "sqlite"  // modernc.org/sqlite, pure Go
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure-Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLiteStore(DriverModernC, path)
}

// OpenSQLiteStore opens a store with an explicit driver name.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func OpenSQLiteStore(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernC
	}
	if driver != DriverModernC && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would get its own empty database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			title            TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'active',
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,

			CHECK (status IN ('active', 'completed'))
		);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			participant_id  TEXT NOT NULL,
			position        INTEGER NOT NULL,

			PRIMARY KEY (conversation_id, participant_id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_participant
			ON conversation_participants(participant_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT NOT NULL,
			sender_kind     TEXT NOT NULL,
			content         TEXT NOT NULL,
			type            TEXT NOT NULL DEFAULT 'text',
			parent_id       TEXT,
			metadata_json   TEXT,
			created_at      TEXT NOT NULL,

			CHECK (sender_kind IN ('user', 'agent')),
			CHECK (type IN ('text', 'code', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS message_reactions (
			message_id     TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			reaction       TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			created_at     TEXT NOT NULL,

			PRIMARY KEY (message_id, reaction, participant_id)
		);

		CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			role       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// formatTime renders timestamps so that lexical order matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// isConstraintViolation checks if the error is a SQLite UNIQUE/PRIMARY KEY violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateConversation inserts a conversation and its ordered participant list.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.CreatedAt
	}
	if conv.Status == "" {
		conv.Status = ConversationActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, status, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, conv.Title, conv.Status, formatTime(conv.CreatedAt), formatTime(conv.LastActivityAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for i, participantID := range conv.ParticipantIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, participant_id, position)
			VALUES (?, ?, ?)
		`, conv.ID, participantID, i)
		if err != nil {
			return fmt.Errorf("inserting participant %s: %w", participantID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "participants", len(conv.ParticipantIDs))
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var createdAt, lastActivity string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, created_at, last_activity_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(&conv.ID, &conv.Title, &conv.Status, &createdAt, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	conv.CreatedAt = parseTime(createdAt)
	conv.LastActivityAt = parseTime(lastActivity)

	participants, err := s.participants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	conv.ParticipantIDs = participants

	return &conv, nil
}

func (s *SQLiteStore) participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY position
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetConversationsByParticipant returns every conversation the participant belongs to,
// most recently active first.
func (s *SQLiteStore) GetConversationsByParticipant(ctx context.Context, participantID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.participant_id = ?
		ORDER BY c.last_activity_at DESC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations by participant: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	convs := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// UpdateConversation applies the non-nil fields of patch.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	var sets []string
	var args []any

	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.LastActivityAt != nil {
		sets = append(sets, "last_activity_at = ?")
		args = append(args, formatTime(*patch.LastActivityAt))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage persists a message, assigning its ID and server timestamp.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}

	var metadata sql.NullString
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sender_kind, content, type, parent_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		string(msg.SenderKind),
		msg.Content,
		msg.Type,
		sql.NullString{String: msg.ParentID, Valid: msg.ParentID != ""},
		metadata,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	if msg.Reactions == nil {
		msg.Reactions = map[string][]string{}
	}

	s.logger.Debug("created message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

const messageColumns = `id, conversation_id, sender_id, sender_kind, content, type, parent_id, metadata_json, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var kind, createdAt string
	var parentID, metadata sql.NullString

	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &kind, &msg.Content,
		&msg.Type, &parentID, &metadata, &createdAt); err != nil {
		return nil, err
	}
	msg.SenderKind = SenderKind(kind)
	msg.ParentID = parentID.String
	msg.CreatedAt = parseTime(createdAt)
	msg.Reactions = map[string][]string{}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

// GetMessage retrieves a single message with its reactions.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	if err := s.loadReactions(ctx, []*Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessagesByConversation returns the newest limit messages in chronological order.
// If limit <= 0, returns all messages.
func (s *SQLiteStore) GetMessagesByConversation(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, rowid DESC"
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// Reverse into chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	if err := s.loadReactions(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// loadReactions fills the Reactions map of each message.
func (s *SQLiteStore) loadReactions(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	byID := make(map[string]*Message, len(msgs))
	placeholders := make([]string, 0, len(msgs))
	args := make([]any, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		placeholders = append(placeholders, "?")
		args = append(args, m.ID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, reaction, participant_id
		FROM message_reactions
		WHERE message_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY created_at
	`, args...)
	if err != nil {
		return fmt.Errorf("querying reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, reaction, participantID string
		if err := rows.Scan(&messageID, &reaction, &participantID); err != nil {
			return fmt.Errorf("scanning reaction: %w", err)
		}
		if m, ok := byID[messageID]; ok {
			m.Reactions[reaction] = append(m.Reactions[reaction], participantID)
		}
	}
	return rows.Err()
}

// ToggleReaction adds the participant's reaction if absent or removes it if
// present, returning the updated message.
func (s *SQLiteStore) ToggleReaction(ctx context.Context, messageID, reaction, participantID string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE id = ?", messageID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking message: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM message_reactions
		WHERE message_id = ? AND reaction = ? AND participant_id = ?
	`, messageID, reaction, participantID)
	if err != nil {
		return nil, fmt.Errorf("removing reaction: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if removed == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, reaction, participant_id, created_at)
			VALUES (?, ?, ?, ?)
		`, messageID, reaction, participantID, formatTime(time.Now()))
		if err != nil {
			return nil, fmt.Errorf("adding reaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reaction: %w", err)
	}
	return s.GetMessage(ctx, messageID)
}

// UpsertAgent inserts an agent or updates its name and role.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role
	`, agent.ID, agent.Name, agent.Role, formatTime(agent.CreatedAt))
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, created_at FROM agents WHERE id = ?
	`, id).Scan(&agent.ID, &agent.Name, &agent.Role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	agent.CreatedAt = parseTime(createdAt)
	return &agent, nil
}

// ListAgents returns the roster ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, role, created_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var agent Agent
		var createdAt string
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Role, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agent.CreatedAt = parseTime(createdAt)
		agents = append(agents, &agent)
	}
	return agents, rows.Err()
}
