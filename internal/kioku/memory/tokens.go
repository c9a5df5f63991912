// Package memory bounds a thread's history into a model's context window.
//
// Two pieces cooperate: the Compactor folds older turns into the thread's
// summary and advances its high-water mark; the Assembler builds each call's
// payload from that summary, the raw turns after the mark and the new turn,
// trimming the oldest raw turns if the estimate still exceeds the budget.
package memory

import (
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

const (
	charsPerToken      = 4
	perMessageOverhead = 4 // role label, delimiters
	// inlineImageTokens is charged for every inlined non-text attachment.
	inlineImageTokens = 800
)

// EstimateTokens returns a rough token count for a payload. Uses ~4
// characters per token plus a small per-message overhead. The budget is a
// soft limit, so an estimate is enough.
func EstimateTokens(system string, msgs []llm.Message) int {
	total := 0
	if system != "" {
		total += len(system)/charsPerToken + perMessageOverhead
	}
	for _, m := range msgs {
		total += messageTokens(m)
	}
	return total
}

func messageTokens(m llm.Message) int {
	n := len(m.Content)/charsPerToken + perMessageOverhead
	for _, a := range m.Attachments {
		if a.Data == nil {
			continue
		}
		if len(a.Ref.MIMEType) >= 5 && a.Ref.MIMEType[:5] == "text/" {
			n += len(a.Data) / charsPerToken
		} else {
			n += inlineImageTokens
		}
	}
	return n
}

// turnTokens estimates a committed turn the way it would be rendered.
func turnTokens(t thread.Turn) int {
	return len(renderTurn(t))/charsPerToken + perMessageOverhead
}

// RawWindowTokens estimates the turns after the summary's high-water mark.
func RawWindowTokens(th *thread.Thread) int {
	total := 0
	for _, t := range th.RawTurns() {
		total += turnTokens(t)
	}
	return total
}
