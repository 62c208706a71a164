// ABOUTME: Conversation membership index mapping conversation IDs to connection IDs.
// ABOUTME: Each conversation has its own roster lock; the outer map lock is held only for lookup.

package hub

import (
	"sort"
	"sync"
)

// roster is one conversation's member set. A roster that has emptied is
// marked dead and must not receive new members; callers fetch a fresh one.
type roster struct {
	mu      sync.Mutex
	members map[string]string // connection ID -> participant ID
	dead    bool
}

// membershipIndex is the conversation -> connections half of the join
// relation. The connection -> conversations half lives on Connection.
type membershipIndex struct {
	mu      sync.RWMutex
	rosters map[string]*roster
}

func newMembershipIndex() *membershipIndex {
	return &membershipIndex{rosters: make(map[string]*roster)}
}

// add inserts connID, owned by participantID, into conversationID's roster.
// added is false if it was already present. first reports whether no other
// connection of the same participant was in the roster, decided under the
// roster lock so concurrent joins agree on a single arrival.
func (m *membershipIndex) add(conversationID, connID, participantID string) (added, first bool) {
	for {
		r := m.getOrCreate(conversationID)
		r.mu.Lock()
		if r.dead {
			// Lost a race with the last leave; the dead roster has been
			// (or is about to be) unlinked, so retry on a fresh one.
			r.mu.Unlock()
			continue
		}
		if _, exists := r.members[connID]; exists {
			r.mu.Unlock()
			return false, false
		}
		first = !r.hasParticipantLocked(participantID)
		r.members[connID] = participantID
		r.mu.Unlock()
		return true, first
	}
}

// remove deletes connID from conversationID's roster, dropping the roster
// when it empties. removed is false if connID was not a member. last reports
// whether that connection was its participant's final one in the roster.
func (m *membershipIndex) remove(conversationID, connID string) (removed, last bool) {
	m.mu.RLock()
	r, ok := m.rosters[conversationID]
	m.mu.RUnlock()
	if !ok {
		return false, false
	}

	r.mu.Lock()
	participantID, exists := r.members[connID]
	if !exists {
		r.mu.Unlock()
		return false, false
	}
	delete(r.members, connID)
	last = !r.hasParticipantLocked(participantID)
	empty := len(r.members) == 0
	if empty {
		r.dead = true
	}
	r.mu.Unlock()

	if empty {
		m.mu.Lock()
		if m.rosters[conversationID] == r {
			delete(m.rosters, conversationID)
		}
		m.mu.Unlock()
	}
	return true, last
}

// members returns a sorted snapshot of conversationID's connection IDs.
func (m *membershipIndex) members(conversationID string) []string {
	m.mu.RLock()
	r, ok := m.rosters[conversationID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// conversations returns the number of conversations with at least one member.
func (m *membershipIndex) conversations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rosters)
}

func (m *membershipIndex) getOrCreate(conversationID string) *roster {
	m.mu.RLock()
	r, ok := m.rosters[conversationID]
	m.mu.RUnlock()
	if ok && !r.isDead() {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok = m.rosters[conversationID]
	if !ok || r.isDead() {
		r = &roster{members: make(map[string]string)}
		m.rosters[conversationID] = r
	}
	return r
}

func (r *roster) isDead() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dead
}

func (r *roster) hasParticipantLocked(participantID string) bool {
	for _, p := range r.members {
		if p == participantID {
			return true
		}
	}
	return false
}
