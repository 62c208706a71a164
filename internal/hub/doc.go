// Package hub tracks live relay connections and routes events between them.
//
// # Overview
//
// The Hub combines three shared structures:
//
//   - Connection registry: every admitted connection with its identity,
//     joined conversations and last-activity time.
//   - Membership index: conversation ID to connection IDs, used for fan-out.
//     Each conversation has its own roster lock.
//   - Typing tracker: ephemeral (conversation, participant) flags with a TTL.
//
// A connection is in a conversation's roster if and only if the conversation
// is in the connection's joined set. Both sides are updated while the
// connection's lock is held, and teardown marks the connection closed under
// the same lock so no join can slip in after it.
//
// # Lock Order
//
//	Connection.mu -> membershipIndex.mu -> roster.mu
//
// No lock is held while calling the ConversationSource. A connection's lock
// is held across its own transport sends, which never block.
//
// # Presence
//
// Rosters record which participant owns each connection, so the first
// arrival and last departure of a participant are decided under the roster
// lock. Concurrent joins or teardowns of one participant's connections
// produce exactly one online and one offline notice.
//
// # Delivery
//
// Broadcast snapshots a roster and delivers to each member in turn. A
// transport that is closed or returns an error is torn down; the remaining
// members still receive the event.
//
// A joining connection's first event for a conversation is its history.
// Broadcasts that reach it before the history has been read and sent are
// held on the connection, then delivered after the history minus any
// message the history already contains.
package hub
