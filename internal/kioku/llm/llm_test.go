package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestStatusError(t *testing.T) {
	tests := []struct {
		status    int
		want      error
		transient bool
	}{
		{429, ErrRateLimit, true},
		{529, ErrRateLimit, true},
		{500, ErrConnection, true},
		{503, ErrConnection, true},
		{408, ErrConnection, true},
		{401, ErrAuthentication, false},
		{403, ErrAuthentication, false},
		{400, ErrInvalidRequest, false},
		{404, ErrInvalidRequest, false},
		{422, ErrInvalidRequest, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := StatusError("openai", tt.status, "boom")
			if !errors.Is(err, tt.want) {
				t.Fatalf("status %d: got %v, want %v", tt.status, err, tt.want)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("status %d: IsTransient = %v", tt.status, !tt.transient)
			}
		})
	}
}

func TestNetworkError(t *testing.T) {
	if err := NetworkError("x", nil); err != nil {
		t.Fatalf("nil in, %v out", err)
	}
	if err := NetworkError("x", context.Canceled); !errors.Is(err, context.Canceled) || IsTransient(err) {
		t.Errorf("cancellation should pass through untouched: %v", err)
	}
	if err := NetworkError("x", fmt.Errorf("read: %w", syscall.ECONNRESET)); !errors.Is(err, ErrConnection) {
		t.Errorf("ECONNRESET should be ErrConnection: %v", err)
	}
	opErr := &net.OpError{Op: "dial", Err: errors.New("refused")}
	if err := NetworkError("x", opErr); !errors.Is(err, ErrConnection) {
		t.Errorf("net.OpError should be ErrConnection: %v", err)
	}
	if err := NetworkError("x", errors.New("weird")); IsTransient(err) {
		t.Errorf("unclassified errors are not transient: %v", err)
	}
}

func TestEcho(t *testing.T) {
	ctx := context.Background()
	req := Request{Stream: true, Messages: []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "ok"},
		{Role: RoleUser, Content: "hello there world"},
	}}
	s, err := Echo{}.Complete(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for {
		c, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, c.Text)
	}
	if len(got) != 3 || got[0]+got[1]+got[2] != "hello there world" {
		t.Fatalf("unexpected chunks %q", got)
	}
	if s.Usage().OutputTokens != 3 {
		t.Errorf("usage %+v", s.Usage())
	}

	req.Stream = false
	s, _ = Echo{}.Complete(ctx, req)
	c, _ := s.Recv()
	if c.Text != "hello there world" {
		t.Errorf("non-streaming chunk %q", c.Text)
	}
}
