package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

// DefaultBudgetTokens is the default context budget.
const DefaultBudgetTokens = 8000

// Fetcher loads attachment bytes on demand. attachment.Session satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// AssemblerConfig configures payload assembly.
type AssemblerConfig struct {
	// BudgetTokens is the estimated-token ceiling for a whole payload.
	BudgetTokens int
	// SystemPrompt precedes the summary in the system message.
	SystemPrompt string
}

// Assembler builds bounded payloads for model calls. It is safe for
// concurrent use.
type Assembler struct {
	cfg    AssemblerConfig
	logger *slog.Logger
}

// NewAssembler returns an Assembler. A non-positive budget uses
// DefaultBudgetTokens.
func NewAssembler(cfg AssemblerConfig, logger *slog.Logger) *Assembler {
	if cfg.BudgetTokens <= 0 {
		cfg.BudgetTokens = DefaultBudgetTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{cfg: cfg, logger: logger}
}

// Budget returns the configured token budget.
func (a *Assembler) Budget() int { return a.cfg.BudgetTokens }

// Payload is an assembled context.
type Payload struct {
	System   string
	Messages []llm.Message
	// Seqs lists the raw turns included, oldest first. The new turn is last.
	Seqs []int64
	// Truncated is set when raw turns had to be dropped to fit the budget,
	// or when the summary and new turn alone exceed it.
	Truncated bool
	// Dropped counts raw turns removed by trimming.
	Dropped         int
	EstimatedTokens int
}

// Assemble builds [system + summary] + [raw turns after the high-water mark,
// oldest first] + [newTurn]. newTurn may already be committed to th; it is
// never duplicated. When fetcher is non-nil the new turn's attachments are
// inlined; otherwise every attachment is passed by reference.
func (a *Assembler) Assemble(ctx context.Context, th *thread.Thread, newTurn thread.Turn, fetcher Fetcher) (Payload, error) {
	system := a.systemText(th.Summary)

	type entry struct {
		seq int64
		msg llm.Message
	}
	var history []entry
	for _, t := range th.RawTurns() {
		if t.Seq >= newTurn.Seq {
			break
		}
		// Failed assistant turns carry no model output to replay.
		if t.Failed() {
			continue
		}
		content := renderTurn(t)
		if content == "" {
			continue
		}
		history = append(history, entry{seq: t.Seq, msg: llm.Message{Role: llmRole(t.Role), Content: content}})
	}

	last := llm.Message{Role: llmRole(newTurn.Role), Content: renderTurn(newTurn)}
	if fetcher != nil {
		for _, ref := range newTurn.Attachments() {
			data, err := fetcher.Fetch(ctx, ref.ID)
			if err != nil {
				return Payload{}, fmt.Errorf("memory: inline attachment %s: %w", ref.ID, err)
			}
			last.Attachments = append(last.Attachments, llm.Attachment{Ref: ref, Data: data})
		}
	}

	fixed := EstimateTokens(system, []llm.Message{last})
	used := fixed
	for _, e := range history {
		used += messageTokens(e.msg)
	}

	p := Payload{System: system}
	for len(history) > 0 && used > a.cfg.BudgetTokens {
		used -= messageTokens(history[0].msg)
		history = history[1:]
		p.Dropped++
	}
	if p.Dropped > 0 || fixed > a.cfg.BudgetTokens {
		p.Truncated = true
		a.logger.Warn("memory: context truncated",
			"thread_id", th.ID,
			"dropped_turns", p.Dropped,
			"budget", a.cfg.BudgetTokens,
			"estimated", used,
		)
	}

	for _, e := range history {
		p.Messages = append(p.Messages, e.msg)
		p.Seqs = append(p.Seqs, e.seq)
	}
	p.Messages = append(p.Messages, last)
	p.Seqs = append(p.Seqs, newTurn.Seq)
	p.Messages = coalesce(p.Messages)
	p.EstimatedTokens = used
	return p, nil
}

func (a *Assembler) systemText(s thread.Summary) string {
	var parts []string
	if a.cfg.SystemPrompt != "" {
		parts = append(parts, a.cfg.SystemPrompt)
	}
	if s.Text != "" {
		parts = append(parts, fmt.Sprintf("Summary of the conversation so far (turns 1-%d):\n%s", s.HighWaterMark, s.Text))
	}
	return strings.Join(parts, "\n\n")
}

// renderTurn flattens a turn to text. Attachments appear as reference lines.
func renderTurn(t thread.Turn) string {
	var b strings.Builder
	for _, p := range t.Parts {
		switch p.Kind {
		case thread.PartText:
			b.WriteString(p.Text)
		case thread.PartAttachment:
			if p.Attachment == nil {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "[attachment id=%s type=%s", p.Attachment.ID, p.Attachment.MIMEType)
			if p.Attachment.Name != "" {
				fmt.Fprintf(&b, " name=%q", p.Attachment.Name)
			}
			b.WriteByte(']')
		}
	}
	if t.Incomplete && b.Len() > 0 {
		b.WriteString(" [incomplete]")
	}
	return b.String()
}

func llmRole(r thread.Role) llm.Role {
	if r == thread.RoleAssistant {
		return llm.RoleAssistant
	}
	return llm.RoleUser
}

// coalesce merges adjacent messages with the same role. Skipped failed
// replies would otherwise leave two user messages side by side, which some
// providers reject.
func coalesce(msgs []llm.Message) []llm.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			prev := &out[n-1]
			prev.Content = prev.Content + "\n\n" + m.Content
			prev.Attachments = append(prev.Attachments, m.Attachments...)
			continue
		}
		out = append(out, m)
	}
	return out
}
