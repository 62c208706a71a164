// Package relay is the single entry point for messages entering a conversation.
//
// Submit runs four steps in order:
//
//  1. Persist the message through the store, obtaining its ID and timestamp.
//  2. Update the conversation's last-activity time (logged on failure).
//  3. Broadcast the persisted message to the conversation's live members.
//  4. For user messages, notify the Responder (the agent orchestrator).
//
// A persistence failure stops at step 1: nothing is broadcast and the error
// wraps ErrPersistence so callers can report it to the sender.
package relay
