// Package thread defines the durable conversation model: threads, their
// append-only turns and the compacted summary that stands in for folded turns.
package thread

import (
	"strings"
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a thread.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Outcome is the terminal result recorded on an assistant turn.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Reason classifies why an assistant turn did not succeed.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonTimeout           Reason = "timeout"
	ReasonUpstreamTransient Reason = "upstream_transient"
	ReasonUpstreamFatal     Reason = "upstream_fatal"
	ReasonCancelled         Reason = "cancelled"
	ReasonInternal          Reason = "internal"
)

// PartKind discriminates the content carried by a Part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartAttachment PartKind = "attachment"
)

// AttachmentRef points at a user-owned file. Turns never embed file bytes.
type AttachmentRef struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Name     string `json:"name,omitempty"`
}

// Part is one ordered content segment of a turn.
type Part struct {
	Kind       PartKind       `json:"kind"`
	Text       string         `json:"text,omitempty"`
	Attachment *AttachmentRef `json:"attachment,omitempty"`
}

// TextPart is shorthand for a text segment.
func TextPart(s string) Part { return Part{Kind: PartText, Text: s} }

// AttachmentPart is shorthand for an attachment segment. Only the ID needs to
// be set by clients; the resolver fills in the rest.
func AttachmentPart(ref AttachmentRef) Part {
	return Part{Kind: PartAttachment, Attachment: &ref}
}

// Usage is the token accounting reported by the provider for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Turn is one committed message. Turns are immutable once appended.
type Turn struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`

	// Assistant turns only.
	Outcome    Outcome `json:"outcome,omitempty"`
	Reason     Reason  `json:"reason,omitempty"`
	Error      string  `json:"error,omitempty"`
	Incomplete bool    `json:"incomplete,omitempty"`
	CallID     string  `json:"call_id,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

// Text concatenates the text parts of the turn.
func (t Turn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Attachments returns the attachment references carried by the turn.
func (t Turn) Attachments() []AttachmentRef {
	var out []AttachmentRef
	for _, p := range t.Parts {
		if p.Kind == PartAttachment && p.Attachment != nil {
			out = append(out, *p.Attachment)
		}
	}
	return out
}

// Failed reports whether the turn is an assistant turn with a failed outcome.
func (t Turn) Failed() bool {
	return t.Role == RoleAssistant && t.Outcome == OutcomeFailed
}

// Summary is the compacted stand-in for every turn with Seq <= HighWaterMark.
type Summary struct {
	Text          string    `json:"text"`
	HighWaterMark int64     `json:"high_water_mark"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// Thread is one conversation owned by one user.
type Thread struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Model       string    `json:"model,omitempty"`
	Status      Status    `json:"status"`
	Turns       []Turn    `json:"turns"`
	Summary     Summary   `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Version is the optimistic concurrency token. It is owned by the store
	// and not persisted inside the document.
	Version int64 `json:"-"`
}

// LastSeq returns the sequence number of the newest turn, or 0.
func (t *Thread) LastSeq() int64 {
	if len(t.Turns) == 0 {
		return 0
	}
	return t.Turns[len(t.Turns)-1].Seq
}

// RawTurns returns the turns not yet folded into the summary, oldest first.
// The returned slice aliases the thread's storage.
func (t *Thread) RawTurns() []Turn {
	mark := t.Summary.HighWaterMark
	for i, turn := range t.Turns {
		if turn.Seq > mark {
			return t.Turns[i:]
		}
	}
	return nil
}

// Turn returns the turn with the given sequence number.
func (t *Thread) Turn(seq int64) (Turn, bool) {
	for _, turn := range t.Turns {
		if turn.Seq == seq {
			return turn, true
		}
	}
	return Turn{}, false
}

// Clone returns a deep copy safe to hand to readers.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	c := *t
	c.Turns = make([]Turn, len(t.Turns))
	for i, turn := range t.Turns {
		turn.Parts = cloneParts(turn.Parts)
		if turn.Usage != nil {
			u := *turn.Usage
			turn.Usage = &u
		}
		c.Turns[i] = turn
	}
	return &c
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		if p.Attachment != nil {
			ref := *p.Attachment
			p.Attachment = &ref
		}
		out[i] = p
	}
	return out
}
