// Package completion runs model calls asynchronously and commits their
// outcome as an assistant turn.
//
// A Call moves pending → submitted → streaming* → succeeded | failed |
// cancelled. Calls are deduplicated per (thread, user turn); transient
// upstream errors are retried with backoff until the first chunk has been
// delivered. Whatever the outcome, user calls end with exactly one committed
// assistant turn, after which the in-flight record is dropped and waiters are
// released.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/common/trace"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

var (
	// ErrTimeout is the wall-clock ceiling of an invocation expiring.
	ErrTimeout = errors.New("completion: timed out")
	// ErrUpstreamTransient is a retryable upstream failure that outlived the
	// retry policy.
	ErrUpstreamTransient = errors.New("completion: transient upstream failure")
	// ErrUpstreamFatal is a non-retryable upstream failure.
	ErrUpstreamFatal = errors.New("completion: upstream failure")
	// ErrCancelled is the call being cancelled by its caller.
	ErrCancelled = errors.New("completion: cancelled")
	// ErrCallInFlight is returned when a thread already has a user call in
	// flight for a different turn.
	ErrCallInFlight = errors.New("completion: another call is in flight for this thread")
	// ErrClosed is returned by Invoke after Shutdown.
	ErrClosed = errors.New("completion: orchestrator closed")

	errAttemptTimeout = errors.New("completion: attempt timed out")
)

// TurnCommitter appends turns under optimistic concurrency. threads.Store
// satisfies it.
type TurnCommitter interface {
	AppendTurn(ctx context.Context, threadID string, expectedVersion int64, t thread.Turn) (int64, error)
}

// Config controls timeouts and retries.
type Config struct {
	// Timeout is the wall-clock ceiling of one invocation, retries included.
	Timeout time.Duration
	// AttemptTimeout bounds a single provider attempt. Zero disables it.
	// Expiry counts as a transient failure.
	AttemptTimeout time.Duration
	// Retry is the backoff policy for transient failures.
	Retry retry.Config
	// CommitTimeout bounds the assistant turn write, which runs on a
	// context detached from cancellation.
	CommitTimeout time.Duration
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		Timeout:        120 * time.Second,
		AttemptTimeout: 0,
		Retry:          retry.DefaultConfig,
		CommitTimeout:  10 * time.Second,
	}
}

// Request describes one invocation.
type Request struct {
	ThreadID string
	// UserSeq is the sequence of the user turn being answered. The assistant
	// turn is committed at UserSeq+1.
	UserSeq int64
	// ExpectedVersion is the thread version the assistant turn is appended
	// against.
	ExpectedVersion int64
	LLM             llm.Request
	Kind            Kind
}

type callKey struct {
	threadID string
	seq      int64
	kind     Kind
	id       string // internal calls are never deduplicated
}

// Orchestrator owns the in-flight registry.
type Orchestrator struct {
	provider llm.Provider
	store    TurnCommitter
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	closed   bool
	inflight map[callKey]*Call
	byThread map[string]*Call
	wg       sync.WaitGroup
}

// New creates an Orchestrator. If logger is nil, the default slog logger is
// used. store may be nil when only internal calls are made.
func New(provider llm.Provider, store TurnCommitter, cfg Config, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = def.CommitTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = def.Retry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		provider: provider,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[callKey]*Call),
		byThread: make(map[string]*Call),
	}
}

// Provider returns the backend in use.
func (o *Orchestrator) Provider() llm.Provider { return o.provider }

// Invoke starts req asynchronously. A repeated Invoke for the same thread and
// user turn returns the existing Call; a user call for a different turn of
// a thread that already has one in flight fails with ErrCallInFlight.
//
// The call does not stop when ctx ends; use Call.Cancel. Values such as the
// trace id are carried over.
func (o *Orchestrator) Invoke(ctx context.Context, req Request) (*Call, error) {
	if req.ThreadID == "" {
		return nil, fmt.Errorf("completion: thread id is required")
	}
	if req.Kind == "" {
		req.Kind = KindUser
	}
	if req.Kind == KindUser && o.store == nil {
		return nil, fmt.Errorf("completion: user calls need a turn committer")
	}

	id := "call_" + strings.ToLower(ulid.Make().String())
	k := callKey{threadID: req.ThreadID, seq: req.UserSeq, kind: req.Kind}
	if req.Kind == KindInternal {
		k.id = id
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := o.inflight[k]; ok {
		o.mu.Unlock()
		o.logger.Debug("completion: joined in-flight call", "call_id", existing.ID, "thread_id", req.ThreadID, "seq", req.UserSeq)
		return existing, nil
	}
	if req.Kind == KindUser {
		if other, ok := o.byThread[req.ThreadID]; ok {
			o.mu.Unlock()
			return nil, fmt.Errorf("%w: %s (seq %d)", ErrCallInFlight, other.ID, other.UserSeq)
		}
	}
	c := newCall(id, req)
	base, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	c.cancel = cancel
	o.inflight[k] = c
	if req.Kind == KindUser {
		o.byThread[req.ThreadID] = c
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go o.run(base, k, c, req)
	return c, nil
}

// CallInternal runs an internal call to completion and returns its text. It
// is never committed to the thread. Cancelling ctx cancels the call.
func (o *Orchestrator) CallInternal(ctx context.Context, threadID string, req llm.Request) (string, error) {
	c, err := o.Invoke(ctx, Request{ThreadID: threadID, LLM: req, Kind: KindInternal})
	if err != nil {
		return "", err
	}
	res, err := c.Wait(ctx)
	if err != nil && ctx.Err() != nil && !res.State.Terminal() {
		c.Cancel()
		<-c.Done()
	}
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// InFlight returns the user call in flight for threadID, if any.
func (o *Orchestrator) InFlight(threadID string) (*Call, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.byThread[threadID]
	return c, ok
}

// Shutdown cancels every in-flight call and waits for their commits, or for
// ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	calls := make([]*Call, 0, len(o.inflight))
	for _, c := range o.inflight {
		calls = append(calls, c)
	}
	o.mu.Unlock()

	for _, c := range calls {
		c.Cancel()
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (o *Orchestrator) run(base context.Context, k callKey, c *Call, req Request) {
	defer o.wg.Done()
	defer c.cancel(nil)

	logger := o.logger.With("call_id", c.ID, "thread_id", c.ThreadID, "kind", string(c.Kind))
	if id := trace.FromContext(base); id != "" {
		logger = logger.With("trace_id", id)
	}

	start := time.Now()
	ctx, cancelTimeout := context.WithTimeoutCause(base, o.cfg.Timeout, ErrTimeout)
	defer cancelTimeout()

	c.setState(StateSubmitted)

	var usage thread.Usage
	attempts := 0
	policy := o.cfg.Retry
	policy.ShouldRetry = func(err error) bool {
		return !c.delivered() && isTransient(err)
	}
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("completion: attempt failed, retrying",
			"attempt", attempt,
			"max", policy.MaxAttempts,
			"delay", delay.String(),
			"err", err,
		)
	}
	err := retry.Do(ctx, policy, func(attempt int) error {
		attempts = attempt
		u, err := o.attempt(ctx, c, req.LLM)
		usage = u
		return err
	})

	res := classify(err)
	res.CallID = c.ID
	res.Text = c.Text()
	res.Incomplete = res.State != StateSucceeded && res.Text != ""
	res.Usage = usage
	res.Attempts = attempts
	res.Elapsed = time.Since(start)

	if req.Kind == KindUser {
		o.commit(base, c, req, &res, logger)
	}

	o.mu.Lock()
	delete(o.inflight, k)
	if o.byThread[c.ThreadID] == c {
		delete(o.byThread, c.ThreadID)
	}
	o.mu.Unlock()

	c.finish(res)

	if res.State == StateSucceeded {
		logger.Info("completion finished",
			"state", string(res.State),
			"attempts", res.Attempts,
			"output_tokens", res.Usage.OutputTokens,
			"elapsed", res.Elapsed.String(),
		)
	} else {
		logger.Warn("completion finished",
			"state", string(res.State),
			"reason", string(res.Reason),
			"attempts", res.Attempts,
			"incomplete", res.Incomplete,
			"elapsed", res.Elapsed.String(),
			"err", res.Err,
		)
	}
}

// attempt makes one provider call and drains its stream into c.
func (o *Orchestrator) attempt(ctx context.Context, c *Call, req llm.Request) (thread.Usage, error) {
	actx := ctx
	if o.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeoutCause(ctx, o.cfg.AttemptTimeout, errAttemptTimeout)
		defer cancel()
	}

	s, err := o.provider.Complete(actx, req)
	if err != nil {
		return thread.Usage{}, contextual(actx, err)
	}
	defer s.Close()

	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return s.Usage(), nil
		}
		if err != nil {
			return s.Usage(), contextual(actx, err)
		}
		if chunk.Text == "" {
			continue
		}
		c.appendChunk(chunk.Text)
	}
}

// commit appends the assistant turn. It runs on a context that ignores the
// call's cancellation so a cancelled or timed-out call is still recorded.
func (o *Orchestrator) commit(base context.Context, c *Call, req Request, res *Result, logger *slog.Logger) {
	turn := thread.Turn{
		ID:         strings.ToLower(ulid.Make().String()),
		Seq:        req.UserSeq + 1,
		Role:       thread.RoleAssistant,
		CreatedAt:  o.now().UTC(),
		Outcome:    outcome(res.State),
		Reason:     res.Reason,
		Incomplete: res.Incomplete,
		CallID:     c.ID,
	}
	if res.Text != "" || res.State == StateSucceeded {
		turn.Parts = []thread.Part{thread.TextPart(res.Text)}
	}
	if res.Err != nil {
		turn.Error = res.Err.Error()
	}
	if res.Usage != (thread.Usage{}) {
		u := res.Usage
		turn.Usage = &u
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(base), o.cfg.CommitTimeout)
	defer cancel()
	version, err := o.store.AppendTurn(ctx, req.ThreadID, req.ExpectedVersion, turn)
	if err != nil {
		logger.Error("completion: failed to commit assistant turn",
			"seq", turn.Seq,
			"expected_version", req.ExpectedVersion,
			"err", err,
		)
		res.CommitErr = fmt.Errorf("completion: commit assistant turn: %w", err)
		if res.Err == nil {
			res.Err = res.CommitErr
		}
		return
	}
	res.Turn = &turn
	res.Version = version
}

// contextual replaces an error caused by ctx ending with ctx's cause.
func contextual(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

func isTransient(err error) bool {
	return llm.IsTransient(err) || errors.Is(err, errAttemptTimeout)
}

// classify maps the final attempt error onto a terminal state.
func classify(err error) Result {
	switch {
	case err == nil:
		return Result{State: StateSucceeded}
	case errors.Is(err, ErrCancelled):
		return Result{State: StateCancelled, Reason: thread.ReasonCancelled, Err: ErrCancelled}
	case errors.Is(err, ErrTimeout):
		return Result{State: StateFailed, Reason: thread.ReasonTimeout, Err: ErrTimeout}
	case isTransient(err):
		return Result{State: StateFailed, Reason: thread.ReasonUpstreamTransient, Err: fmt.Errorf("%w: %w", ErrUpstreamTransient, err)}
	default:
		return Result{State: StateFailed, Reason: thread.ReasonUpstreamFatal, Err: fmt.Errorf("%w: %w", ErrUpstreamFatal, err)}
	}
}

func outcome(s State) thread.Outcome {
	switch s {
	case StateSucceeded:
		return thread.OutcomeSuccess
	case StateCancelled:
		return thread.OutcomeCancelled
	default:
		return thread.OutcomeFailed
	}
}
