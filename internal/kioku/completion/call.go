package completion

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

// State is the lifecycle position of a Call.
type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StateStreaming State = "streaming"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Kind separates user-visible calls from internal ones such as compaction.
type Kind string

const (
	KindUser     Kind = "user"
	KindInternal Kind = "internal"
)

// Result is the terminal outcome of a Call.
type Result struct {
	CallID string
	State  State
	Reason thread.Reason
	// Text is the accumulated output, possibly partial.
	Text string
	// Incomplete is set when the call ended early with partial output.
	Incomplete bool
	// Err is nil only for StateSucceeded. It wraps ErrTimeout,
	// ErrUpstreamTransient, ErrUpstreamFatal or ErrCancelled, and the
	// provider's error when there was one.
	Err      error
	Usage    thread.Usage
	Attempts int
	Elapsed  time.Duration

	// Turn is the committed assistant turn and Version the thread version
	// after the commit. Both are zero for internal calls or when the commit
	// failed, in which case CommitErr is set.
	Turn      *thread.Turn
	Version   int64
	CommitErr error
}

// Call is one in-flight model invocation. It is safe for concurrent use; any
// number of readers may follow its output.
type Call struct {
	ID       string
	ThreadID string
	UserSeq  int64
	Kind     Kind

	cancel context.CancelCauseFunc

	mu       sync.Mutex
	state    State
	chunks   []string
	changed  chan struct{}
	finished bool
	result   Result
	done     chan struct{}
}

func newCall(id string, req Request) *Call {
	return &Call{
		ID:       id,
		ThreadID: req.ThreadID,
		UserSeq:  req.UserSeq,
		Kind:     req.Kind,
		state:    StatePending,
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Text returns the output received so far.
func (c *Call) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.chunks, "")
}

// Done is closed once the call is terminal and its turn committed.
func (c *Call) Done() <-chan struct{} { return c.done }

// Cancel stops the call. The resulting cancelled turn is still committed.
// Safe to call multiple times and after completion.
func (c *Call) Cancel() {
	if c.cancel != nil {
		c.cancel(ErrCancelled)
	}
}

// Wait blocks until the call finishes or ctx ends. The returned error is the
// call's own error, or the context's cause when ctx ended first; in that
// case the call keeps running.
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, c.result.Err
	case <-ctx.Done():
		return Result{CallID: c.ID, State: c.State()}, context.Cause(ctx)
	}
}

// Result returns the terminal result once Done is closed.
func (c *Call) Result() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.finished
}

// Stream returns a reader positioned at the first chunk. Each reader sees
// every chunk regardless of when it was created.
func (c *Call) Stream() *Reader { return &Reader{c: c} }

func (c *Call) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.broadcastLocked()
	c.mu.Unlock()
}

func (c *Call) appendChunk(text string) {
	c.mu.Lock()
	c.chunks = append(c.chunks, text)
	c.state = StateStreaming
	c.broadcastLocked()
	c.mu.Unlock()
}

func (c *Call) delivered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks) > 0
}

func (c *Call) finish(res Result) {
	c.mu.Lock()
	c.state = res.State
	c.result = res
	c.finished = true
	c.broadcastLocked()
	c.mu.Unlock()
	close(c.done)
}

func (c *Call) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Reader follows a Call's chunk log.
type Reader struct {
	c    *Call
	next int
}

// Next returns the next chunk, blocking until one is available. After the
// last chunk it returns io.EOF if the call succeeded and the call's error
// otherwise.
func (r *Reader) Next(ctx context.Context) (string, error) {
	for {
		r.c.mu.Lock()
		if r.next < len(r.c.chunks) {
			s := r.c.chunks[r.next]
			r.next++
			r.c.mu.Unlock()
			return s, nil
		}
		if r.c.finished {
			err := r.c.result.Err
			r.c.mu.Unlock()
			if err != nil {
				return "", err
			}
			return "", io.EOF
		}
		ch := r.c.changed
		r.c.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", context.Cause(ctx)
		case <-ch:
		}
	}
}
