// Package anthropic adapts the Anthropic Messages API to llm.Provider.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/bdobrica/Kioku/common/redact"
	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

const providerName = "anthropic"

// Options configure the adapter.
type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	// Inline embeds image and text attachments as content blocks.
	Inline bool
	Logger *slog.Logger
}

// Provider wraps an Anthropic client.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

// New builds a Provider from options.
func New(opts Options) *Provider {
	reqOpts := []option.RequestOption{
		option.WithHeader("User-Agent", version.UserAgent()),
		option.WithMaxRetries(0),
	}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(reqOpts...)
	return NewFromClient(&client, opts)
}

// NewFromClient wraps an existing client.
func NewFromClient(client *anthropic.Client, opts Options) *Provider {
	if opts.Model == "" {
		opts.Model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Provider{client: client, opts: opts}
}

func (p *Provider) Name() string            { return providerName }
func (p *Provider) InlineAttachments() bool { return p.opts.Inline }

func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Stream, error) {
	params := p.buildParams(req)
	if req.Stream {
		s := p.client.Messages.NewStreaming(ctx, params)
		return &eventStream{p: p, s: s}, nil
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return &singleStream{
		text:  b.String(),
		usage: thread.Usage{InputTokens: int(resp.Usage.InputTokens), OutputTokens: int(resp.Usage.OutputTokens)},
	}, nil
}

func (p *Provider) buildParams(req llm.Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.opts.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.opts.MaxTokens
	}

	var system []anthropic.TextBlockParam
	if req.System != "" {
		system = append(system, anthropic.TextBlockParam{Text: req.System})
	}

	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			// Anthropic only accepts a top-level system prompt.
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case llm.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(userBlocks(m)...))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}
	return params
}

func userBlocks(m llm.Message) []anthropic.ContentBlockParamUnion {
	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}
	for _, a := range m.Attachments {
		switch {
		case a.Data == nil:
		case strings.HasPrefix(a.Ref.MIMEType, "image/"):
			blocks = append(blocks, anthropic.NewImageBlockBase64(a.Ref.MIMEType, base64.StdEncoding.EncodeToString(a.Data)))
		case strings.HasPrefix(a.Ref.MIMEType, "text/"):
			blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("[file %s]\n%s", a.Ref.Name, a.Data)))
		}
	}
	return blocks
}

func (p *Provider) mapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llm.StatusError(providerName, apiErr.StatusCode, redact.String(apiErr.Error(), p.opts.APIKey))
	}
	return llm.NetworkError(providerName, err)
}

type eventStream struct {
	p     *Provider
	s     *ssestream.Stream[anthropic.MessageStreamEventUnion]
	usage thread.Usage
}

func (e *eventStream) Recv() (llm.Chunk, error) {
	for e.s.Next() {
		switch ev := e.s.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			e.usage.InputTokens = int(ev.Message.Usage.InputTokens)
		case anthropic.MessageDeltaEvent:
			e.usage.OutputTokens = int(ev.Usage.OutputTokens)
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				return llm.Chunk{Text: d.Text}, nil
			}
		}
	}
	if err := e.s.Err(); err != nil {
		return llm.Chunk{}, e.p.mapError(err)
	}
	return llm.Chunk{}, io.EOF
}

func (e *eventStream) Usage() thread.Usage { return e.usage }
func (e *eventStream) Close() error        { return e.s.Close() }

type singleStream struct {
	text  string
	done  bool
	usage thread.Usage
}

func (s *singleStream) Recv() (llm.Chunk, error) {
	if s.done {
		return llm.Chunk{}, io.EOF
	}
	s.done = true
	return llm.Chunk{Text: s.text}, nil
}

func (s *singleStream) Usage() thread.Usage { return s.usage }
func (s *singleStream) Close() error        { return nil }

var _ llm.Provider = (*Provider)(nil)
