// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

// Step describes one Complete call.
type Step struct {
	// Err is returned by Complete itself.
	Err error
	// Chunks are delivered in order by Recv.
	Chunks []string
	// StreamErr is returned by Recv after the chunks instead of io.EOF.
	StreamErr error
	// Delay is waited before each chunk (and before StreamErr).
	Delay time.Duration
	// Hold, when set, blocks the first Recv until it is closed or the call's
	// context ends.
	Hold <-chan struct{}
	// Hang blocks Recv after the chunks until the context ends.
	Hang  bool
	Usage thread.Usage
}

// Provider replays Steps in order. Once the script is exhausted it answers
// every call with Fallback (or "ok" when Fallback is empty).
type Provider struct {
	Inline   bool
	Fallback Step

	mu       sync.Mutex
	steps    []Step
	requests []llm.Request
	started  chan int
}

// New returns a provider that plays steps in order.
func New(steps ...Step) *Provider {
	return &Provider{steps: steps, started: make(chan int, 64)}
}

func (p *Provider) Name() string            { return "scripted" }
func (p *Provider) InlineAttachments() bool { return p.Inline }

func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	n := len(p.requests)
	var step Step
	if len(p.steps) > 0 {
		step, p.steps = p.steps[0], p.steps[1:]
	} else {
		step = p.Fallback
		if step.Err == nil && len(step.Chunks) == 0 && step.StreamErr == nil && !step.Hang {
			step.Chunks = []string{"ok"}
		}
	}
	p.mu.Unlock()

	select {
	case p.started <- n:
	default:
	}

	if step.Err != nil {
		return nil, step.Err
	}
	return &stream{ctx: ctx, step: step}, nil
}

// Calls returns how many times Complete was invoked.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns a copy of every request received.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

// Started receives the call number each time Complete is entered.
func (p *Provider) Started() <-chan int { return p.started }

type stream struct {
	ctx  context.Context
	step Step
	next int
	held bool
}

func (s *stream) wait(d time.Duration) error {
	if d <= 0 {
		return s.ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *stream) Recv() (llm.Chunk, error) {
	if !s.held && s.step.Hold != nil {
		s.held = true
		select {
		case <-s.ctx.Done():
			return llm.Chunk{}, s.ctx.Err()
		case <-s.step.Hold:
		}
	}
	if err := s.wait(s.step.Delay); err != nil {
		return llm.Chunk{}, err
	}
	if s.next < len(s.step.Chunks) {
		c := llm.Chunk{Text: s.step.Chunks[s.next]}
		s.next++
		return c, nil
	}
	if s.step.StreamErr != nil {
		return llm.Chunk{}, s.step.StreamErr
	}
	if s.step.Hang {
		<-s.ctx.Done()
		return llm.Chunk{}, s.ctx.Err()
	}
	return llm.Chunk{}, io.EOF
}

func (s *stream) Usage() thread.Usage { return s.step.Usage }
func (s *stream) Close() error        { return nil }

var _ llm.Provider = (*Provider)(nil)
