// Package openai adapts the OpenAI Chat Completions API to llm.Provider.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/bdobrica/Kioku/common/redact"
	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

const providerName = "openai"

// Options configure the adapter.
type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	// Inline embeds image and text attachments as content parts.
	Inline bool
	Logger *slog.Logger
}

// Provider wraps an OpenAI client.
type Provider struct {
	client *openai.Client
	opts   Options
}

// New builds a Provider from options.
func New(opts Options) *Provider {
	reqOpts := []option.RequestOption{option.WithHeader("User-Agent", version.UserAgent())}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	// Retries belong to the completion orchestrator.
	reqOpts = append(reqOpts, option.WithMaxRetries(0))
	client := openai.NewClient(reqOpts...)
	return NewFromClient(&client, opts)
}

// NewFromClient wraps an existing client.
func NewFromClient(client *openai.Client, opts Options) *Provider {
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
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
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
		s := p.client.Chat.Completions.NewStreaming(ctx, params)
		return &chunkStream{p: p, s: s}, nil
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", llm.ErrInvalidRequest)
	}
	return &singleStream{
		text: resp.Choices[0].Message.Content,
		usage: thread.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) buildParams(req llm.Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.opts.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.opts.MaxTokens
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, userMessage(m))
		}
	}

	return openai.ChatCompletionNewParams{
		Model:               model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
}

// userMessage uses content parts only when bytes are attached; the plain
// string form keeps requests small otherwise.
func userMessage(m llm.Message) openai.ChatCompletionMessageParamUnion {
	inlined := false
	for _, a := range m.Attachments {
		if a.Data != nil {
			inlined = true
			break
		}
	}
	if !inlined {
		return openai.UserMessage(m.Content)
	}

	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(m.Content)}
	for _, a := range m.Attachments {
		switch {
		case a.Data == nil:
		case strings.HasPrefix(a.Ref.MIMEType, "image/"):
			url := "data:" + a.Ref.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
		case strings.HasPrefix(a.Ref.MIMEType, "text/"):
			parts = append(parts, openai.TextContentPart(fmt.Sprintf("[file %s]\n%s", a.Ref.Name, a.Data)))
		}
	}
	return openai.UserMessage(parts)
}

func (p *Provider) mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := redact.String(apiErr.Message, p.opts.APIKey)
		return llm.StatusError(providerName, apiErr.StatusCode, msg)
	}
	return llm.NetworkError(providerName, err)
}

type chunkStream struct {
	p       *Provider
	s       *ssestream.Stream[openai.ChatCompletionChunk]
	pending []string
	usage   thread.Usage
}

func (c *chunkStream) Recv() (llm.Chunk, error) {
	for len(c.pending) == 0 {
		if !c.s.Next() {
			if err := c.s.Err(); err != nil {
				return llm.Chunk{}, c.p.mapError(err)
			}
			return llm.Chunk{}, io.EOF
		}
		ck := c.s.Current()
		if ck.Usage.PromptTokens > 0 || ck.Usage.CompletionTokens > 0 {
			c.usage = thread.Usage{InputTokens: int(ck.Usage.PromptTokens), OutputTokens: int(ck.Usage.CompletionTokens)}
		}
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				c.pending = append(c.pending, ch.Delta.Content)
			}
		}
	}
	text := c.pending[0]
	c.pending = c.pending[1:]
	return llm.Chunk{Text: text}, nil
}

func (c *chunkStream) Usage() thread.Usage { return c.usage }
func (c *chunkStream) Close() error        { return c.s.Close() }

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
