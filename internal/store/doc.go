// Package store provides persistent storage for the relay using SQLite.
//
// # Architecture
//
// The relay treats persistence as a collaborator behind the Store interface.
// SQLiteStore is the production implementation and MockStore is an in-memory
// stand-in for tests that can inject failures and latency.
//
// # Data Models
//
//   - Conversation: ID, title, ordered participant IDs, status (active/completed),
//     creation and last-activity timestamps
//   - Message: immutable once created except for its reaction map
//   - Agent: roster entry (display name + role) for simulated participants
//
// # SQLite Configuration
//
// Two drivers are supported, selected by name:
//
//   - "sqlite": modernc.org/sqlite (pure Go, default)
//   - "sqlite3": github.com/mattn/go-sqlite3 (cgo)
//
// Both run with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC RFC 3339 strings so that lexical
// order matches chronological order.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: conversation ID already taken
package store
