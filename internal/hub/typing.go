// ABOUTME: Thread-safe TTL tracker for per-participant typing flags.
// ABOUTME: Entries self-expire so a transport that vanishes mid-typing is cleaned up.

package hub

import (
	"sort"
	"sync"
	"time"
)

// TypingKey identifies one typing status.
type TypingKey struct {
	ConversationID string
	ParticipantID  string
}

// TypingTracker holds ephemeral typing flags keyed by conversation and
// participant. Every operation is O(1) or O(participants in one conversation),
// so a single mutex serves all conversations.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time // conversationID -> participantID -> set time
	ttl     time.Duration
	now     func() time.Time
}

// NewTypingTracker creates a tracker whose entries expire after ttl.
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{
		entries: make(map[string]map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Set stores or refreshes a typing flag, or deletes it when isTyping is false.
// Returns true if the visible state changed (started, or stopped from typing).
func (t *TypingTracker) Set(conversationID, participantID string, isTyping bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv := t.entries[conversationID]
	if !isTyping {
		if _, ok := conv[participantID]; !ok {
			return false
		}
		t.deleteLocked(conversationID, participantID)
		return true
	}

	if conv == nil {
		conv = make(map[string]time.Time)
		t.entries[conversationID] = conv
	}
	_, existed := conv[participantID]
	conv[participantID] = t.now()
	return !existed
}

// IsTyping reports whether participantID has an unexpired flag in conversationID.
func (t *TypingTracker) IsTyping(conversationID, participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.entries[conversationID][participantID]
	if !ok {
		return false
	}
	return t.now().Sub(set) < t.ttl
}

// Typing returns the participants currently flagged in conversationID, sorted.
func (t *TypingTracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var ids []string
	for id, set := range t.entries[conversationID] {
		if now.Sub(set) < t.ttl {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Expire removes every flag older than the TTL and returns the removed keys.
func (t *TypingTracker) Expire() []TypingKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []TypingKey
	for convID, conv := range t.entries {
		for participantID, set := range conv {
			if now.Sub(set) >= t.ttl {
				expired = append(expired, TypingKey{ConversationID: convID, ParticipantID: participantID})
				delete(conv, participantID)
			}
		}
		if len(conv) == 0 {
			delete(t.entries, convID)
		}
	}
	return expired
}

// Len returns the number of stored flags, expired or not.
func (t *TypingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, conv := range t.entries {
		n += len(conv)
	}
	return n
}

// deleteLocked removes one flag. Must be called with mu held.
func (t *TypingTracker) deleteLocked(conversationID, participantID string) {
	conv, ok := t.entries[conversationID]
	if !ok {
		return
	}
	delete(conv, participantID)
	if len(conv) == 0 {
		delete(t.entries, conversationID)
	}
}
