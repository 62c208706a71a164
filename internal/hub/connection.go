// ABOUTME: Represents a single live connection and its conversation join state.
// ABOUTME: The transport is abstract so WebSockets and test fakes share one model.

package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Transport is the delivery handle behind a connection.
type Transport interface {
	// Send queues an event for delivery. It returns an error if the transport
	// is closed or cannot accept more events.
	Send(ctx context.Context, ev *Event) error
	// IsOpen reports whether the underlying stream is still usable.
	IsOpen() bool
	// Ping checks liveness of an otherwise idle transport.
	Ping(ctx context.Context) error
	// Close releases the transport. It must be safe to call more than once.
	Close() error
}

// Identity is who a connection speaks for.
type Identity struct {
	ParticipantID string
	IsAgent       bool
	AgentID       string
}

// Connection is a live endpoint for one participant. It is owned by the Hub.
type Connection struct {
	ID       string
	Identity Identity

	transport Transport

	mu            sync.Mutex
	conversations map[string]struct{}
	// pending holds broadcasts for conversations whose history has not been
	// delivered yet. A key present means history is still outstanding.
	pending       map[string][]*Event
	lastActivity  time.Time
	closed        bool
}

func newConnection(id string, identity Identity, transport Transport, now time.Time) *Connection {
	return &Connection{
		ID:            id,
		Identity:      identity,
		transport:     transport,
		conversations: make(map[string]struct{}),
		pending:       make(map[string][]*Event),
		lastActivity:  now,
	}
}

// Send delivers an event over the connection's transport.
func (c *Connection) Send(ctx context.Context, ev *Event) error {
	return c.transport.Send(ctx, ev)
}

// deliver sends a conversation broadcast, or holds it when the
// conversation's history is still outstanding.
func (c *Connection) deliver(ctx context.Context, conversationID string, ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if queue, ok := c.pending[conversationID]; ok {
		c.pending[conversationID] = append(queue, ev)
		return nil
	}
	return c.transport.Send(ctx, ev)
}

// flushHistory sends head (the history or its failure notice) and then
// the broadcasts held since the join, skipping messages whose IDs are in
// seen. Later broadcasts go straight to the transport.
func (c *Connection) flushHistory(ctx context.Context, conversationID string, head *Event, seen map[string]struct{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	held, ok := c.pending[conversationID]
	if !ok {
		return nil
	}
	delete(c.pending, conversationID)

	if err := c.transport.Send(ctx, head); err != nil {
		return err
	}
	for _, ev := range held {
		if ev.Type == EventUserMessage || ev.Type == EventAgentMessage {
			if _, dup := seen[gjson.GetBytes(ev.Payload, "id").String()]; dup {
				continue
			}
		}
		if err := c.transport.Send(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Conversations returns the IDs this connection has joined, sorted.
func (c *Connection) Conversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.conversations))
	for id := range c.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InConversation reports whether the connection has joined conversationID.
func (c *Connection) InConversation(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conversations[conversationID]
	return ok
}

// LastActivity returns the time of the last inbound event or successful probe.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// IsClosed reports whether teardown has started for this connection.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	c.mu.Unlock()
}
