// Package llm is the text-generation collaborator the pipeline asks for code.
package llm

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrModel     = errors.New("model request failed")
	ErrNoReply   = errors.New("model returned no reply")
	ErrExhausted = errors.New("scripted model has no replies left")
)

// Client generates a reply for a prompt.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Scripted replays fixed replies in order. It records every prompt it was
// given, which makes it useful in tests and for offline CLI runs.
type Scripted struct {
	mu      sync.Mutex
	replies []string
	prompts []string
	loop    bool
}

// NewScripted returns a client replying with replies in order, then failing
// with ErrExhausted.
func NewScripted(replies ...string) *Scripted {
	return &Scripted{replies: replies}
}

// Looping returns a client that starts over after the last reply.
func Looping(replies ...string) *Scripted {
	return &Scripted{replies: replies, loop: true}
}

func (s *Scripted) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	if len(s.replies) == 0 || (!s.loop && n >= len(s.replies)) {
		return "", ErrExhausted
	}
	return s.replies[n%len(s.replies)], nil
}

// Prompts returns every prompt received so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}
