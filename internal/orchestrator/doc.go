// Package orchestrator decides which simulated agents answer a user message
// and paces their replies.
//
// # Eligibility
//
// Agents are checked in conversation participant order. An agent is queued
// when the message mentions its name or role keyword, when the text falls in
// its role's remit (see Role.Matches), or, for spontaneous roles, when an
// injectable roll lands under the configured chance.
//
// # Draining
//
// Each conversation has one queue and at most one drain goroutine. The
// draining flag is checked and set under the same lock that appends to the
// queue, so concurrent messages extend the running drain rather than start
// a second one. The drain pops an entry, shows a composing indicator,
// generates a reply, submits it through the relay, then waits ReplyDelay
// before the next entry. A failed generation becomes an apology or is
// skipped; the queue continues either way.
//
// Drains run on the orchestrator's own context. Connection teardown does not
// stop them; Close does.
package orchestrator
