// Package llm is the provider-neutral contract for completion backends.
//
// Adapters (openai, anthropic) translate a Request into their wire format and
// expose the response as a Stream of text chunks. Non-streaming calls yield
// one chunk. Every adapter maps upstream failures onto the sentinel errors
// below so callers can decide on retry without knowing the vendor.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

var (
	// ErrRateLimit is returned when the upstream API reports throttling
	// (HTTP 429, or Anthropic's 529 overloaded). Transient.
	ErrRateLimit = errors.New("llm: upstream rate limit exceeded")
	// ErrConnection covers network failures and 5xx responses. Transient.
	ErrConnection = errors.New("llm: upstream connection failure")
	// ErrAuthentication is returned for rejected provider credentials. Fatal.
	ErrAuthentication = errors.New("llm: upstream authentication failed")
	// ErrInvalidRequest is returned when the upstream rejects the request
	// itself (bad model name, context too long, malformed input). Fatal.
	ErrInvalidRequest = errors.New("llm: upstream rejected request")
)

// Role of a payload message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment is an attachment as seen by a provider. Data is nil when the
// attachment is passed by reference only.
type Attachment struct {
	Ref  thread.AttachmentRef
	Data []byte
}

// Message is one element of the assembled context.
type Message struct {
	Role        Role
	Content     string
	Attachments []Attachment
}

// Request is a single completion call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
	Stream    bool
}

// Chunk is an incremental piece of output.
type Chunk struct {
	Text string
}

// Stream yields output chunks. Recv returns io.EOF after the last chunk.
type Stream interface {
	Recv() (Chunk, error)
	// Usage is valid after Recv has returned io.EOF.
	Usage() thread.Usage
	Close() error
}

// Provider is a completion backend.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string
	// InlineAttachments reports whether attachment bytes must be embedded in
	// the request instead of being referenced.
	InlineAttachments() bool
	// Complete starts a completion. Errors returned here and from
	// Stream.Recv wrap one of the sentinel errors when classifiable.
	Complete(ctx context.Context, req Request) (Stream, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrConnection)
}

// StatusError maps an upstream HTTP status onto the sentinel errors.
func StatusError(provider string, status int, msg string) error {
	var kind error
	switch {
	case status == 429 || status == 529:
		kind = ErrRateLimit
	case status == 401 || status == 403:
		kind = ErrAuthentication
	case status == 408 || status >= 500:
		kind = ErrConnection
	default:
		kind = ErrInvalidRequest
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return fmt.Errorf("%w: %s HTTP %d", kind, provider, status)
	}
	return fmt.Errorf("%w: %s HTTP %d: %s", kind, provider, status, msg)
}

// NetworkError wraps transport failures as ErrConnection. Context
// cancellation and deadlines are returned unchanged so callers can tell a
// caller-side stop from an upstream fault.
func NetworkError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "unexpected EOF") {
		return fmt.Errorf("%w: %s: %v", ErrConnection, provider, err)
	}
	return fmt.Errorf("llm: %s: %w", provider, err)
}
