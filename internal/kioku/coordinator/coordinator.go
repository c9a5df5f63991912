// Package coordinator is the entry point for conversation traffic. It
// serialises work per thread and drives one user turn through attachment
// resolution, context assembly, the model call and compaction.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/bdobrica/Kioku/common/trace"
	"github.com/bdobrica/Kioku/internal/kioku/attachment"
	"github.com/bdobrica/Kioku/internal/kioku/auth"
	"github.com/bdobrica/Kioku/internal/kioku/completion"
	"github.com/bdobrica/Kioku/internal/kioku/events"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/memories"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
	"github.com/bdobrica/Kioku/internal/kioku/threads"
)

var (
	// ErrThreadBusy is returned when another submission holds the thread.
	// Callers should retry with backoff.
	ErrThreadBusy = errors.New("coordinator: thread is busy")
	// ErrThreadArchived is returned when submitting to an archived thread.
	ErrThreadArchived = errors.New("coordinator: thread is archived")
	// ErrEmptyTurn is returned for a submission without content.
	ErrEmptyTurn = errors.New("coordinator: turn has no content")
	// ErrMemoriesDisabled is returned by the memory operations when no
	// memory store was wired.
	ErrMemoriesDisabled = errors.New("coordinator: memory store is not configured")
)

// Warning is a non-fatal condition attached to a result.
type Warning string

// WarningContextTruncated means older raw turns were left out of the call.
const WarningContextTruncated Warning = "context_truncated"

// ThreadStore is the persistence the coordinator needs. threads.Store
// satisfies it.
type ThreadStore interface {
	Create(ctx context.Context, t *thread.Thread) (*thread.Thread, error)
	Get(ctx context.Context, id string) (*thread.Thread, error)
	List(ctx context.Context, userID string) ([]*thread.Thread, error)
	AppendTurn(ctx context.Context, id string, expectedVersion int64, t thread.Turn) (int64, error)
	UpdateMetadata(ctx context.Context, id string, expectedVersion int64, md threads.Metadata) (int64, error)
	SetStatus(ctx context.Context, id string, status thread.Status) (int64, error)
}

// Deps are the collaborators of a Coordinator. Memories, Events and Logger
// are optional.
type Deps struct {
	Auth         auth.Authorizer
	Threads      ThreadStore
	Resolver     *attachment.Resolver
	Assembler    *memory.Assembler
	Compactor    *memory.Compactor
	Orchestrator *completion.Orchestrator
	Memories     *memories.Store
	Events       *events.Broker
	Logger       *slog.Logger
}

// Config holds per-call defaults.
type Config struct {
	// DefaultModel is used when a thread has no model of its own. Empty
	// leaves the choice to the provider.
	DefaultModel string
	// MaxTokens caps each reply. Zero leaves the provider default.
	MaxTokens int
	// FailureCommitTimeout bounds writing a failed assistant turn when the
	// call could not be started. Zero means 10 s.
	FailureCommitTimeout time.Duration
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	auth      auth.Authorizer
	threads   ThreadStore
	resolver  *attachment.Resolver
	assembler *memory.Assembler
	compactor *memory.Compactor
	orch      *completion.Orchestrator
	memories  *memories.Store
	events    *events.Broker
	logger    *slog.Logger
	cfg       Config

	leases *leaseTable
	now    func() time.Time
	newID  func() string
}

// New wires a Coordinator.
func New(d Deps, cfg Config) (*Coordinator, error) {
	switch {
	case d.Auth == nil:
		return nil, fmt.Errorf("coordinator: authorizer is required")
	case d.Threads == nil:
		return nil, fmt.Errorf("coordinator: thread store is required")
	case d.Resolver == nil:
		return nil, fmt.Errorf("coordinator: attachment resolver is required")
	case d.Assembler == nil:
		return nil, fmt.Errorf("coordinator: context assembler is required")
	case d.Compactor == nil:
		return nil, fmt.Errorf("coordinator: compactor is required")
	case d.Orchestrator == nil:
		return nil, fmt.Errorf("coordinator: orchestrator is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.FailureCommitTimeout <= 0 {
		cfg.FailureCommitTimeout = 10 * time.Second
	}
	return &Coordinator{
		auth:      d.Auth,
		threads:   d.Threads,
		resolver:  d.Resolver,
		assembler: d.Assembler,
		compactor: d.Compactor,
		orch:      d.Orchestrator,
		memories:  d.Memories,
		events:    d.Events,
		logger:    d.Logger,
		cfg:       cfg,
		leases:    newLeaseTable(),
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// SubmitRequest is one user turn.
type SubmitRequest struct {
	Token string
	// ThreadID selects the thread; empty starts a new one.
	ThreadID string
	Parts    []thread.Part
	// Title and Model apply to new threads only.
	Title string
	Model string
}

// Result is the outcome of a submission.
type Result struct {
	ThreadID string
	UserTurn thread.Turn
	// AssistantTurn is nil only when the failed turn itself could not be
	// written.
	AssistantTurn *thread.Turn
	Text          string
	State         completion.State
	CallID        string
	// Version is the thread version after the assistant turn.
	Version   int64
	Warnings  []Warning
	Compacted bool
}

// HasWarning reports whether w was raised.
func (r *Result) HasWarning(w Warning) bool {
	for _, got := range r.Warnings {
		if got == w {
			return true
		}
	}
	return false
}

// Submission is an accepted turn whose reply is still being produced.
type Submission struct {
	ThreadID string
	UserTurn thread.Turn
	Warnings []Warning

	call   *completion.Call
	done   chan struct{}
	result *Result
	err    error
}

// CallID identifies the model call, or is empty if none was started.
func (s *Submission) CallID() string {
	if s.call == nil {
		return ""
	}
	return s.call.ID
}

// Stream follows the reply chunks. It returns nil when no call was started.
func (s *Submission) Stream() *completion.Reader {
	if s.call == nil {
		return nil
	}
	return s.call.Stream()
}

// Cancel stops the model call. A cancelled assistant turn is still
// committed.
func (s *Submission) Cancel() {
	if s.call != nil {
		s.call.Cancel()
	}
}

// Done is closed once the assistant turn is committed and the thread lease is
// released.
func (s *Submission) Done() <-chan struct{} { return s.done }

// Wait blocks until the submission is finished or ctx ends. The call keeps
// running when ctx ends first.
func (s *Submission) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// SubmitTurn accepts a user turn and blocks until the reply is committed.
// If ctx ends first the call is cancelled and the cancelled turn committed
// before SubmitTurn returns.
func (c *Coordinator) SubmitTurn(ctx context.Context, req SubmitRequest) (*Result, error) {
	sub, err := c.SubmitTurnStream(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := sub.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		sub.Cancel()
		<-sub.Done()
		return sub.result, sub.err
	}
	return res, err
}

// SubmitTurnStream accepts a user turn and returns once the model call has
// started. Errors returned here mean nothing was committed, except for
// failures after the user turn was appended, which also commit a failed
// assistant turn.
func (c *Coordinator) SubmitTurnStream(ctx context.Context, req SubmitRequest) (*Submission, error) {
	ctx, _ = trace.Ensure(ctx)
	principal, err := c.auth.Authorize(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if !hasContent(req.Parts) {
		return nil, ErrEmptyTurn
	}
	logger := observability.WithTrace(ctx, c.logger).With("user_id", principal.UserID)

	session := c.resolver.Session(principal.UserID)
	var refs map[string]thread.AttachmentRef
	if req.ThreadID == "" {
		// A new thread is only created once its attachments resolve.
		if refs, err = session.Resolve(ctx, attachment.IDs(req.Parts)); err != nil {
			logger.Info("turn rejected", "err", err)
			return nil, err
		}
	}

	th, release, err := c.acquireThread(ctx, principal.UserID, req)
	if err != nil {
		return nil, err
	}
	logger = logger.With("thread_id", th.ID)

	// From here on every return path must release the lease exactly once.
	if req.ThreadID != "" {
		if refs, err = session.Resolve(ctx, attachment.IDs(req.Parts)); err != nil {
			release()
			logger.Info("turn rejected", "err", err)
			return nil, err
		}
	}

	userTurn := thread.Turn{
		ID:        newTurnID(),
		Seq:       th.LastSeq() + 1,
		Role:      thread.RoleUser,
		Parts:     attachment.Bind(req.Parts, refs),
		CreatedAt: c.now().UTC(),
	}
	version, err := c.threads.AppendTurn(ctx, th.ID, th.Version, userTurn)
	if err != nil {
		release()
		return nil, fmt.Errorf("coordinator: append user turn: %w", err)
	}
	th.Turns = append(th.Turns, userTurn)
	th.Version = version
	c.publish(events.Event{Type: events.TurnAccepted, UserID: principal.UserID, ThreadID: th.ID, Seq: userTurn.Seq})
	logger.Info("turn accepted", "seq", userTurn.Seq, "attachments", len(refs))

	sub := &Submission{ThreadID: th.ID, UserTurn: userTurn, done: make(chan struct{})}

	compacted := c.compact(ctx, principal.UserID, th)

	var fetcher memory.Fetcher
	if c.orch.Provider().InlineAttachments() {
		fetcher = session
	}
	payload, err := c.assembler.Assemble(ctx, th, userTurn, fetcher)
	if err != nil {
		return nil, c.failBeforeCall(ctx, th, userTurn, release, logger, fmt.Errorf("coordinator: assemble context: %w", err))
	}
	if payload.Truncated {
		sub.Warnings = append(sub.Warnings, WarningContextTruncated)
		c.publish(events.Event{
			Type: events.ContextTruncated, UserID: principal.UserID, ThreadID: th.ID, Seq: userTurn.Seq,
			Metadata: map[string]string{"dropped_turns": fmt.Sprint(payload.Dropped)},
		})
	}

	model := th.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	call, err := c.orch.Invoke(ctx, completion.Request{
		ThreadID:        th.ID,
		UserSeq:         userTurn.Seq,
		ExpectedVersion: th.Version,
		Kind:            completion.KindUser,
		LLM: llm.Request{
			Model:     model,
			System:    payload.System,
			Messages:  payload.Messages,
			MaxTokens: c.cfg.MaxTokens,
			Stream:    true,
		},
	})
	if err != nil {
		return nil, c.failBeforeCall(ctx, th, userTurn, release, logger, fmt.Errorf("coordinator: start completion: %w", err))
	}
	sub.call = call
	c.publish(events.Event{Type: events.CompletionStarted, UserID: principal.UserID, ThreadID: th.ID, CallID: call.ID, Seq: userTurn.Seq})

	go c.finish(context.WithoutCancel(ctx), principal.UserID, th, sub, compacted, release, logger)
	return sub, nil
}

// acquireThread loads or creates the target thread and takes its lease.
func (c *Coordinator) acquireThread(ctx context.Context, userID string, req SubmitRequest) (*thread.Thread, func(), error) {
	if req.ThreadID == "" {
		title := req.Title
		if title == "" {
			title = defaultTitle(req.Parts)
		}
		th, err := c.threads.Create(ctx, &thread.Thread{
			ID:     c.newID(),
			UserID: userID,
			Title:  title,
			Model:  req.Model,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("coordinator: create thread: %w", err)
		}
		release, ok := c.leases.tryAcquire(th.ID)
		if !ok {
			return nil, nil, ErrThreadBusy
		}
		return th, release, nil
	}

	release, ok := c.leases.tryAcquire(req.ThreadID)
	if !ok {
		return nil, nil, ErrThreadBusy
	}
	th, err := c.ownedThread(ctx, userID, req.ThreadID)
	if err != nil {
		release()
		return nil, nil, err
	}
	if th.Status == thread.StatusArchived {
		release()
		return nil, nil, ErrThreadArchived
	}
	return th, release, nil
}

// finish waits for the call, runs post-commit compaction and releases the
// lease.
func (c *Coordinator) finish(ctx context.Context, userID string, th *thread.Thread, sub *Submission, compacted bool, release func(), logger *slog.Logger) {
	defer close(sub.done)
	defer release()

	if c.events != nil && c.events.Subscribers(userID) > 0 {
		r := sub.call.Stream()
		for {
			chunk, err := r.Next(ctx)
			if err != nil {
				break
			}
			c.publish(events.Event{Type: events.CompletionChunk, UserID: userID, ThreadID: th.ID, CallID: sub.call.ID, Data: chunk})
		}
	}
	res, callErr := sub.call.Wait(ctx)

	result := &Result{
		ThreadID:  th.ID,
		UserTurn:  sub.UserTurn,
		Text:      res.Text,
		State:     res.State,
		CallID:    sub.call.ID,
		Version:   th.Version,
		Warnings:  sub.Warnings,
		Compacted: compacted,
	}
	if res.Turn != nil {
		result.AssistantTurn = res.Turn
		result.Version = res.Version
		th.Turns = append(th.Turns, *res.Turn)
		th.Version = res.Version
		if c.compact(ctx, userID, th) {
			result.Compacted = true
			result.Version = th.Version
		}
	}

	c.publish(events.Event{
		Type: events.CompletionFinished, UserID: userID, ThreadID: th.ID, CallID: sub.call.ID,
		Seq:      sub.UserTurn.Seq + 1,
		Metadata: map[string]string{"state": string(res.State), "reason": string(res.Reason)},
	})
	logger.Debug("submission finished", "call_id", sub.call.ID, "state", string(res.State))

	sub.result = result
	sub.err = callErr
}

// failBeforeCall records a failed assistant turn for a user turn that never
// reached the model, then releases the lease.
func (c *Coordinator) failBeforeCall(ctx context.Context, th *thread.Thread, userTurn thread.Turn, release func(), logger *slog.Logger, cause error) error {
	defer release()

	turn := thread.Turn{
		ID:        newTurnID(),
		Seq:       userTurn.Seq + 1,
		Role:      thread.RoleAssistant,
		CreatedAt: c.now().UTC(),
		Outcome:   thread.OutcomeFailed,
		Reason:    thread.ReasonInternal,
		Error:     cause.Error(),
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FailureCommitTimeout)
	defer cancel()
	if _, err := c.threads.AppendTurn(wctx, th.ID, th.Version, turn); err != nil {
		logger.Error("coordinator: failed to record failed turn", "seq", turn.Seq, "err", err)
		return errors.Join(cause, err)
	}
	logger.Warn("turn failed before completion", "seq", userTurn.Seq, "err", cause)
	return cause
}

// compact runs the compactor and announces a successful pass.
func (c *Coordinator) compact(ctx context.Context, userID string, th *thread.Thread) bool {
	s, changed := c.compactor.MaybeCompact(ctx, th)
	if changed {
		c.publish(events.Event{
			Type: events.ThreadCompacted, UserID: userID, ThreadID: th.ID, Seq: s.HighWaterMark,
			Metadata: map[string]string{"high_water_mark": fmt.Sprint(s.HighWaterMark)},
		})
	}
	return changed
}

// GetThreadSnapshot returns the thread as last committed. It takes no lease,
// so a reply in flight is not visible until it is committed.
func (c *Coordinator) GetThreadSnapshot(ctx context.Context, token, threadID string) (*thread.Thread, error) {
	principal, err := c.auth.Authorize(ctx, token)
	if err != nil {
		return nil, err
	}
	return c.ownedThread(ctx, principal.UserID, threadID)
}

// ListThreads returns the caller's threads, most recently updated first.
func (c *Coordinator) ListThreads(ctx context.Context, token string) ([]*thread.Thread, error) {
	principal, err := c.auth.Authorize(ctx, token)
	if err != nil {
		return nil, err
	}
	return c.threads.List(ctx, principal.UserID)
}

// ThreadUpdate changes user-editable fields. Nil fields are unchanged.
type ThreadUpdate struct {
	Title       *string
	Description *string
	Model       *string
	Archived    *bool
}

// UpdateThread applies u under the thread lease.
func (c *Coordinator) UpdateThread(ctx context.Context, token, threadID string, u ThreadUpdate) (*thread.Thread, error) {
	principal, err := c.auth.Authorize(ctx, token)
	if err != nil {
		return nil, err
	}
	release, ok := c.leases.tryAcquire(threadID)
	if !ok {
		return nil, ErrThreadBusy
	}
	defer release()

	th, err := c.ownedThread(ctx, principal.UserID, threadID)
	if err != nil {
		return nil, err
	}
	if u.Title != nil || u.Description != nil || u.Model != nil {
		md := threads.Metadata{Title: u.Title, Description: u.Description, Model: u.Model}
		if _, err := c.threads.UpdateMetadata(ctx, threadID, th.Version, md); err != nil {
			return nil, fmt.Errorf("coordinator: update thread: %w", err)
		}
	}
	if u.Archived != nil {
		status := thread.StatusActive
		if *u.Archived {
			status = thread.StatusArchived
		}
		if _, err := c.threads.SetStatus(ctx, threadID, status); err != nil {
			return nil, fmt.Errorf("coordinator: set thread status: %w", err)
		}
	}

	updated, err := c.threads.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	c.publish(events.Event{Type: events.ThreadUpdated, UserID: principal.UserID, ThreadID: threadID})
	return updated, nil
}

// Subscribe streams the caller's events until ctx ends or cancel is called.
func (c *Coordinator) Subscribe(ctx context.Context, token string, f events.Filter) (<-chan events.Event, func(), error) {
	if c.events == nil {
		return nil, nil, fmt.Errorf("coordinator: events are disabled")
	}
	principal, err := c.auth.Authorize(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := c.events.Subscribe(ctx, principal.UserID, f)
	return ch, cancel, nil
}

// CompactPending retries compaction for threads whose last attempt failed.
// Busy threads are skipped and stay pending. It returns how many threads
// were compacted.
func (c *Coordinator) CompactPending(ctx context.Context) (int, error) {
	compacted := 0
	for _, id := range c.compactor.Pending() {
		if ctx.Err() != nil {
			return compacted, context.Cause(ctx)
		}
		release, ok := c.leases.tryAcquire(id)
		if !ok {
			continue
		}
		th, err := c.threads.Get(ctx, id)
		if err != nil {
			release()
			if errors.Is(err, threads.ErrThreadNotFound) {
				continue
			}
			return compacted, fmt.Errorf("coordinator: load %s for compaction: %w", id, err)
		}
		if c.compact(ctx, th.UserID, th) {
			compacted++
		}
		release()
	}
	return compacted, nil
}

// ownedThread loads threadID and checks that userID owns it.
func (c *Coordinator) ownedThread(ctx context.Context, userID, threadID string) (*thread.Thread, error) {
	th, err := c.threads.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if th.UserID != userID {
		c.logger.Warn("coordinator: thread owner mismatch", "thread_id", threadID, "user_id", userID)
		return nil, auth.ErrUnauthorized
	}
	return th, nil
}

func (c *Coordinator) publish(ev events.Event) {
	if c.events != nil {
		c.events.Publish(ev)
	}
}

func hasContent(parts []thread.Part) bool {
	for _, p := range parts {
		switch p.Kind {
		case thread.PartText:
			if strings.TrimSpace(p.Text) != "" {
				return true
			}
		case thread.PartAttachment:
			if p.Attachment != nil && p.Attachment.ID != "" {
				return true
			}
		}
	}
	return false
}

const maxTitleRunes = 60

func defaultTitle(parts []thread.Part) string {
	for _, p := range parts {
		if p.Kind != thread.PartText {
			continue
		}
		text := strings.Join(strings.Fields(p.Text), " ")
		if text == "" {
			continue
		}
		if utf8.RuneCountInString(text) <= maxTitleRunes {
			return text
		}
		runes := []rune(text)
		return string(runes[:maxTitleRunes]) + "…"
	}
	return "New conversation"
}

func newTurnID() string { return strings.ToLower(ulid.Make().String()) }
