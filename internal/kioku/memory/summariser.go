package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

// summariserSystemPrompt asks for a summary that can replace the folded turns
// in later context windows.
const summariserSystemPrompt = "You maintain the running memory of a conversation. " +
	"Merge the previous summary with the new transcript into one concise summary. " +
	"Keep facts, decisions, names, open questions and references to attachments. " +
	"Reply with the summary only."

// SummaryInput is what a Summariser folds.
type SummaryInput struct {
	ThreadID string
	// Prior is the summary text being replaced, possibly empty.
	Prior string
	// Turns are the raw turns being retired, oldest first.
	Turns []thread.Turn
}

// Summariser folds a previous summary and retired turns into new summary text.
type Summariser interface {
	Summarise(ctx context.Context, in SummaryInput) (string, error)
}

// InternalCaller runs a model call that is never committed to a thread.
// completion.Orchestrator satisfies it.
type InternalCaller interface {
	CallInternal(ctx context.Context, threadID string, req llm.Request) (string, error)
}

// LLMSummariser produces summaries with a model call tagged as internal.
type LLMSummariser struct {
	caller    InternalCaller
	model     string
	maxTokens int
}

// NewLLMSummariser creates a Summariser backed by caller. An empty model uses
// the provider's default.
func NewLLMSummariser(caller InternalCaller, model string, maxTokens int) *LLMSummariser {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &LLMSummariser{caller: caller, model: model, maxTokens: maxTokens}
}

// Summarise sends the prior summary and the transcript to the model.
func (s *LLMSummariser) Summarise(ctx context.Context, in SummaryInput) (string, error) {
	if len(in.Turns) == 0 {
		return in.Prior, nil
	}

	var b strings.Builder
	if in.Prior != "" {
		fmt.Fprintf(&b, "Previous summary:\n%s\n\n", in.Prior)
	}
	b.WriteString("Transcript:\n")
	b.WriteString(formatTranscript(in.Turns))

	text, err := s.caller.CallInternal(ctx, in.ThreadID, llm.Request{
		Model:     s.model,
		System:    summariserSystemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summariser llm: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("summariser llm: empty summary")
	}
	return text, nil
}

// formatTranscript renders turns as "role: content" lines.
func formatTranscript(turns []thread.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if t.Failed() {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", t.Role, renderTurn(t))
	}
	return b.String()
}

// TailSummariser keeps the prior summary and appends the last few retired
// turns verbatim. Crude, but it spends no model calls.
type TailSummariser struct {
	// Keep is the number of retired turns appended. Defaults to 3.
	Keep int
	// MaxChars caps the summary length, oldest text dropped first. Zero
	// means 4000.
	MaxChars int
}

// Summarise returns the prior summary followed by the tail of the turns.
func (s TailSummariser) Summarise(_ context.Context, in SummaryInput) (string, error) {
	keep := s.Keep
	if keep <= 0 {
		keep = 3
	}
	maxChars := s.MaxChars
	if maxChars <= 0 {
		maxChars = 4000
	}

	start := len(in.Turns) - keep
	if start < 0 {
		start = 0
	}
	summary := formatTranscript(in.Turns[start:])
	if in.Prior != "" {
		summary = in.Prior + "\n" + summary
	}
	if len(summary) > maxChars {
		summary = summary[len(summary)-maxChars:]
		for len(summary) > 0 && !utf8.RuneStart(summary[0]) {
			summary = summary[1:]
		}
	}
	return summary, nil
}

var (
	_ Summariser = (*LLMSummariser)(nil)
	_ Summariser = TailSummariser{}
)
