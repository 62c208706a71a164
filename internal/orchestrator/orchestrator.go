// ABOUTME: Agent response orchestrator: picks which agents answer a user message
// ABOUTME: Queues replies per conversation and drains each queue on one goroutine with pacing

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/generate"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

// Fallback modes when generation fails
const (
	FallbackApologize = "apologize"
	FallbackSkip      = "skip"
)

// Defaults used when Options leave a field zero.
const (
	DefaultReplyDelay    = 3 * time.Second
	DefaultContextWindow = 20
	DefaultJuniorChance  = 0.3
)

// Store is the persistence the orchestrator reads.
type Store interface {
	ListAgents(ctx context.Context) ([]*store.Agent, error)
	GetMessagesByConversation(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
}

// Submitter posts agent replies into a conversation.
type Submitter interface {
	Submit(ctx context.Context, req relay.SubmitRequest) (*store.Message, error)
}

// TypingNotifier shows and clears an agent's composing indicator.
type TypingNotifier interface {
	SetTyping(ctx context.Context, conversationID, participantID string, isTyping bool) bool
}

// Options configures an Orchestrator.
type Options struct {
	ReplyDelay    time.Duration
	ContextWindow int
	JuniorChance  float64
	Fallback      string
	// Roll returns a value in [0, 1) for spontaneous participation. Defaults to math/rand.
	Roll   func() float64
	Logger *slog.Logger
}

// Entry is one queued agent reply.
type Entry struct {
	ConversationID string
	Trigger        *store.Message
	Agent          *store.Agent
	Role           Role
}

type queue struct {
	entries  []Entry
	draining bool
}

// Stats is a point-in-time view of pending agent work.
type Stats struct {
	Queued   int `json:"queued"`
	Draining int `json:"draining"`
}

// Orchestrator decides which agents reply and paces their replies.
type Orchestrator struct {
	store     Store
	generator generate.Generator
	submitter Submitter
	typing    TypingNotifier
	logger    *slog.Logger

	replyDelay    time.Duration
	contextWindow int
	juniorChance  float64
	fallback      string
	roll          func() float64

	roster atomic.Pointer[[]*store.Agent]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*queue // keyed by conversation ID
	closed bool
}

// New creates an Orchestrator. Drain loops run until Close.
func New(s Store, gen generate.Generator, submitter Submitter, typing TypingNotifier, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReplyDelay <= 0 {
		opts.ReplyDelay = DefaultReplyDelay
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = DefaultContextWindow
	}
	if opts.Fallback == "" {
		opts.Fallback = FallbackApologize
	}
	if opts.Roll == nil {
		opts.Roll = rand.Float64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:         s,
		generator:     gen,
		submitter:     submitter,
		typing:        typing,
		logger:        logger.With("component", "orchestrator"),
		replyDelay:    opts.ReplyDelay,
		contextWindow: opts.ContextWindow,
		juniorChance:  opts.JuniorChance,
		fallback:      opts.Fallback,
		roll:          opts.Roll,
		ctx:           ctx,
		cancel:        cancel,
		queues:        make(map[string]*queue),
	}
}

// LoadRoster reads the agent roster from the store and caches it for
// HandleUserMessage. Call it again whenever the roster changes.
func (o *Orchestrator) LoadRoster(ctx context.Context) error {
	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	o.roster.Store(&agents)
	o.logger.Debug("agent roster loaded", "count", len(agents))
	return nil
}

// HandleUserMessage queues a reply from every agent in the conversation that
// is eligible to answer msg. It works from the cached roster and returns
// without touching the store or waiting for any reply.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, conv *store.Conversation, msg *store.Message) {
	roster := o.roster.Load()
	if roster == nil {
		o.logger.Warn("agent roster not loaded; no agents will reply", "conversation_id", conv.ID)
		return
	}

	entries := o.Candidates(conv, msg, *roster)
	if len(entries) == 0 {
		return
	}
	o.Enqueue(entries)
}

// Candidates returns queue entries for the agents eligible to answer msg, in
// the order they appear in the conversation's participant list.
func (o *Orchestrator) Candidates(conv *store.Conversation, msg *store.Message, agents []*store.Agent) []Entry {
	byID := make(map[string]*store.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	var entries []Entry
	for _, pid := range conv.ParticipantIDs {
		agent, ok := byID[pid]
		if !ok || pid == msg.SenderID {
			continue
		}
		role, err := ParseRole(agent.Role)
		if err != nil {
			o.logger.Debug("agent has unrecognized role", "agent_id", agent.ID, "role", agent.Role)
		}
		if reason := o.eligibility(agent, role, msg.Content); reason != "" {
			o.logger.Debug("agent queued",
				"conversation_id", conv.ID,
				"agent_id", agent.ID,
				"reason", reason,
			)
			entries = append(entries, Entry{
				ConversationID: conv.ID,
				Trigger:        msg,
				Agent:          agent,
				Role:           role,
			})
		}
	}
	return entries
}

// eligibility returns why an agent should reply, or "" if it should not.
// The random roll is only taken once every deterministic rule has failed.
func (o *Orchestrator) eligibility(agent *store.Agent, role Role, content string) string {
	text := strings.ToLower(content)

	if name := strings.ToLower(agent.Name); name != "" && containsWord(text, name) {
		return "name"
	}
	if kw := strings.ToLower(agent.Role); kw != "" && containsWord(text, kw) {
		return "role"
	}
	if role != RoleUnknown && containsWord(text, role.String()) {
		return "role"
	}
	if role.Matches(text) {
		return "specialty"
	}
	if role.Spontaneous() && o.juniorChance > 0 && o.roll() < o.juniorChance {
		return "chance"
	}
	return ""
}

// Enqueue appends entries to their conversation's queue and starts a drain
// loop if none is running. All entries must share one conversation.
func (o *Orchestrator) Enqueue(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	convID := entries[0].ConversationID

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	q, ok := o.queues[convID]
	if !ok {
		q = &queue{}
		o.queues[convID] = q
	}
	q.entries = append(q.entries, entries...)
	start := !q.draining
	if start {
		q.draining = true
		o.wg.Add(1)
	}
	o.mu.Unlock()

	if start {
		go o.drain(convID)
	}
}

// drain is the single consumer for one conversation's queue.
func (o *Orchestrator) drain(convID string) {
	defer o.wg.Done()
	o.logger.Debug("drain started", "conversation_id", convID)

	for {
		entry, ok := o.next(convID)
		if !ok {
			o.logger.Debug("drain finished", "conversation_id", convID)
			return
		}

		o.respond(o.ctx, entry)

		if err := sleep(o.ctx, o.replyDelay); err != nil {
			o.abandon(convID)
			return
		}
	}
}

// next pops the head entry, or clears the draining flag if the queue is empty.
func (o *Orchestrator) next(convID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	q := o.queues[convID]
	if q == nil || len(q.entries) == 0 || o.closed {
		delete(o.queues, convID)
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	return e, true
}

func (o *Orchestrator) abandon(convID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if q, ok := o.queues[convID]; ok && len(q.entries) > 0 {
		o.logger.Info("dropping queued replies", "conversation_id", convID, "count", len(q.entries))
	}
	delete(o.queues, convID)
}

// respond produces one agent reply. Failures are logged, never returned.
func (o *Orchestrator) respond(ctx context.Context, e Entry) {
	agentID := e.Agent.ID
	logger := o.logger.With("conversation_id", e.ConversationID, "agent_id", agentID)

	o.typing.SetTyping(ctx, e.ConversationID, agentID, true)
	stopTyping := func() { o.typing.SetTyping(context.Background(), e.ConversationID, agentID, false) }

	history, err := o.store.GetMessagesByConversation(ctx, e.ConversationID, o.contextWindow+1)
	if err != nil {
		logger.Warn("loading context window", "error", err)
		history = nil
	}
	history = withoutMessage(history, e.Trigger.ID, o.contextWindow)

	var metadata map[string]any
	text, err := o.generator.Generate(ctx, buildPrompt(e), history)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			stopTyping()
			return
		}
		logger.Warn("generation failed", "error", err, "fallback", o.fallback)
		if o.fallback == FallbackSkip {
			stopTyping()
			return
		}
		text = fallbackLine(e.Agent)
		metadata = map[string]any{"fallback": true}
	}

	stopTyping()
	msg, err := o.submitter.Submit(ctx, relay.SubmitRequest{
		ConversationID: e.ConversationID,
		SenderID:       agentID,
		SenderKind:     store.SenderAgent,
		Content:        text,
		ParentID:       e.Trigger.ID,
		Metadata:       metadata,
	})
	if err != nil {
		logger.Error("submitting agent reply", "error", err)
		return
	}
	logger.Info("agent replied", "message_id", msg.ID)
}

// Draining reports whether a drain loop is active for the conversation.
func (o *Orchestrator) Draining(convID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.queues[convID]
	return ok && q.draining
}

// Stats returns pending entry and active drain counts.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	var s Stats
	for _, q := range o.queues {
		s.Queued += len(q.entries)
		if q.draining {
			s.Draining++
		}
	}
	return s
}

// Close cancels every drain loop and waits for them to exit. Queued replies
// are dropped.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
}

func buildPrompt(e Entry) string {
	return fmt.Sprintf("You are %s, the team's %s. Reply to %s's message:\n%s",
		e.Agent.Name, e.Agent.Role, e.Trigger.SenderID, e.Trigger.Content)
}

func fallbackLine(agent *store.Agent) string {
	return fmt.Sprintf("Sorry, %s couldn't put a reply together just now. Could you ask again in a moment?", agent.Name)
}

// withoutMessage drops the message with id and keeps at most limit of the newest.
func withoutMessage(msgs []*store.Message, id string, limit int) []*store.Message {
	out := make([]*store.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
