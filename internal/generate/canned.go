// ABOUTME: Offline generator returning deterministic in-character replies
// ABOUTME: Used by default so the relay runs without any provider credentials

package generate

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/2389/coven-relay/internal/store"
)

var cannedReplies = []string{
	"Good call. I'll take a look at %s and report back.",
	"I can help with %s. Give me a few minutes.",
	"On %s: I'd start small and iterate.",
	"Noted on %s. Anything blocking you right now?",
	"Let me dig into %s and share what I find.",
}

// Canned picks a reply template by hashing the prompt, so the same prompt
// always yields the same reply.
type Canned struct{}

// NewCanned creates a canned generator.
func NewCanned() *Canned {
	return &Canned{}
}

// Generate returns a canned reply referencing the last line of prompt.
func (c *Canned) Generate(ctx context.Context, prompt string, history []*store.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	topic := lastLine(prompt)
	if topic == "" {
		return "", ErrEmptyResponse
	}
	if r := []rune(topic); len(r) > 60 {
		topic = strings.TrimSpace(string(r[:60])) + "..."
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	tmpl := cannedReplies[h.Sum32()%uint32(len(cannedReplies))]
	return fmt.Sprintf(tmpl, fmt.Sprintf("%q", topic)), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
