package llm

import (
	"context"
	"io"
	"strings"

	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

// Echo is an offline provider that streams the last user message back word
// by word. It backs `provider.kind: echo` for local runs without credentials.
type Echo struct{}

func (Echo) Name() string            { return "echo" }
func (Echo) InlineAttachments() bool { return false }

func (Echo) Complete(ctx context.Context, req Request) (Stream, error) {
	var last string
	input := len(req.System) / 4
	for _, m := range req.Messages {
		input += len(m.Content)/4 + 4
		if m.Role == RoleUser {
			last = m.Content
		}
	}
	words := strings.Fields(last)
	chunks := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		chunks[i] = w
	}
	if !req.Stream {
		chunks = []string{strings.Join(chunks, "")}
	}
	return &sliceStream{ctx: ctx, chunks: chunks, usage: thread.Usage{InputTokens: input, OutputTokens: len(words)}}, nil
}

type sliceStream struct {
	ctx    context.Context
	chunks []string
	next   int
	usage  thread.Usage
}

func (s *sliceStream) Recv() (Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.next >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := Chunk{Text: s.chunks[s.next]}
	s.next++
	return c, nil
}

func (s *sliceStream) Usage() thread.Usage { return s.usage }
func (s *sliceStream) Close() error        { return nil }

var _ Provider = Echo{}
