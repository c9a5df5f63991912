package completion

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/internal/kioku/kv"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/llm/llmtest"
	"github.com/bdobrica/Kioku/internal/kioku/thread"
	"github.com/bdobrica/Kioku/internal/kioku/threads"
)

type fixture struct {
	store    *threads.Store
	provider *llmtest.Provider
	orch     *Orchestrator
	version  int64
}

func fastConfig() Config {
	return Config{
		Timeout:       2 * time.Second,
		Retry:         retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		CommitTimeout: time.Second,
	}
}

// newFixture stores thread th1 with one user turn at seq 1.
func newFixture(t *testing.T, cfg Config, steps ...llmtest.Step) *fixture {
	t.Helper()
	ctx := context.Background()
	store := threads.New(kv.NewMemory(), nil)
	th, err := store.Create(ctx, &thread.Thread{ID: "th1", UserID: "alice"})
	require.NoError(t, err)
	v, err := store.AppendTurn(ctx, th.ID, th.Version, thread.Turn{
		ID: "u1", Seq: 1, Role: thread.RoleUser, Parts: []thread.Part{thread.TextPart("hello")},
	})
	require.NoError(t, err)

	p := llmtest.New(steps...)
	return &fixture{store: store, provider: p, orch: New(p, store, cfg, nil), version: v}
}

func (f *fixture) request() Request {
	return Request{
		ThreadID:        "th1",
		UserSeq:         1,
		ExpectedVersion: f.version,
		LLM:             llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}}, Stream: true},
	}
}

func (f *fixture) invokeAndWait(t *testing.T) (Result, error) {
	t.Helper()
	c, err := f.orch.Invoke(context.Background(), f.request())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Wait(ctx)
}

func (f *fixture) lastTurn(t *testing.T) thread.Turn {
	t.Helper()
	th, err := f.store.Get(context.Background(), "th1")
	require.NoError(t, err)
	require.NotEmpty(t, th.Turns)
	return th.Turns[len(th.Turns)-1]
}

func drain(t *testing.T, r *Reader) ([]string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []string
	for {
		s, err := r.Next(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
}

func TestInvoke_SuccessCommitsAssistantTurn(t *testing.T) {
	f := newFixture(t, fastConfig(), llmtest.Step{
		Chunks: []string{"Hel", "lo"},
		Usage:  thread.Usage{InputTokens: 5, OutputTokens: 2},
	})

	c, err := f.orch.Invoke(context.Background(), f.request())
	require.NoError(t, err)
	r1, r2 := c.Stream(), c.Stream()

	res, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, "Hello", res.Text)
	assert.False(t, res.Incomplete)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Turn)
	assert.EqualValues(t, 2, res.Turn.Seq)

	got := f.lastTurn(t)
	assert.Equal(t, thread.RoleAssistant, got.Role)
	assert.Equal(t, thread.OutcomeSuccess, got.Outcome)
	assert.Equal(t, "Hello", got.Text())
	assert.Equal(t, c.ID, got.CallID)
	require.NotNil(t, got.Usage)
	assert.Equal(t, 2, got.Usage.OutputTokens)

	th, _ := f.store.Get(context.Background(), "th1")
	assert.Equal(t, th.Version, res.Version)

	// Both readers see every chunk, even when created before any arrived.
	for _, r := range []*Reader{r1, r2, c.Stream()} {
		chunks, err := drain(t, r)
		assert.Equal(t, io.EOF, err)
		assert.Equal(t, []string{"Hel", "lo"}, chunks)
	}
}

func TestInvoke_DeduplicatesSameTurn(t *testing.T) {
	hold := make(chan struct{})
	f := newFixture(t, fastConfig(), llmtest.Step{Hold: hold, Chunks: []string{"once"}})

	first, err := f.orch.Invoke(context.Background(), f.request())
	require.NoError(t, err)
	second, err := f.orch.Invoke(context.Background(), f.request())
	require.NoError(t, err)
	assert.Same(t, first, second)

	inflight, ok := f.orch.InFlight("th1")
	require.True(t, ok)
	assert.Same(t, first, inflight)

	other := f.request()
	other.UserSeq = 3
	_, err = f.orch.Invoke(context.Background(), other)
	assert.ErrorIs(t, err, ErrCallInFlight)

	close(hold)
	_, err = first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.provider.Calls())

	_, ok = f.orch.InFlight("th1")
	assert.False(t, ok, "in-flight record must be gone once waiters are released")
}

func TestInvoke_ConcurrentDuplicatesInvokeProviderOnce(t *testing.T) {
	hold := make(chan struct{})
	f := newFixture(t, fastConfig(), llmtest.Step{Hold: hold, Chunks: []string{"x"}})

	var wg sync.WaitGroup
	calls := make(chan *Call, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.orch.Invoke(context.Background(), f.request())
			if err == nil {
				calls <- c
			}
		}()
	}
	wg.Wait()
	close(calls)
	close(hold)

	var first *Call
	for c := range calls {
		if first == nil {
			first = c
		}
		assert.Same(t, first, c)
	}
	require.NotNil(t, first)
	_, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.provider.Calls())
}

func TestInvoke_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t, fastConfig(),
		llmtest.Step{Err: llm.ErrRateLimit},
		llmtest.Step{Err: llm.ErrConnection},
		llmtest.Step{Chunks: []string{"third time"}},
	)

	res, err := f.invokeAndWait(t)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, f.provider.Calls())
	assert.Equal(t, "third time", f.lastTurn(t).Text())
}

func TestInvoke_RetryExhaustionCommitsFailedTurn(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 2
	f := newFixture(t, cfg,
		llmtest.Step{Err: llm.ErrRateLimit},
		llmtest.Step{Err: llm.ErrRateLimit},
	)

	res, err := f.invokeAndWait(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamTransient)
	assert.ErrorIs(t, err, llm.ErrRateLimit)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, thread.ReasonUpstreamTransient, res.Reason)
	assert.Equal(t, 2, f.provider.Calls())

	got := f.lastTurn(t)
	assert.EqualValues(t, 2, got.Seq)
	assert.Equal(t, thread.OutcomeFailed, got.Outcome)
	assert.Equal(t, thread.ReasonUpstreamTransient, got.Reason)
	assert.NotEmpty(t, got.Error)
	assert.False(t, got.Incomplete)
}

func TestInvoke_FatalErrorsAreNotRetried(t *testing.T) {
	for _, upstream := range []error{llm.ErrAuthentication, llm.ErrInvalidRequest} {
		t.Run(upstream.Error(), func(t *testing.T) {
			f := newFixture(t, fastConfig(), llmtest.Step{Err: upstream})

			res, err := f.invokeAndWait(t)
			assert.ErrorIs(t, err, ErrUpstreamFatal)
			assert.ErrorIs(t, err, upstream)
			assert.Equal(t, thread.ReasonUpstreamFatal, res.Reason)
			assert.Equal(t, 1, f.provider.Calls())
			assert.Equal(t, thread.OutcomeFailed, f.lastTurn(t).Outcome)
		})
	}
}

func TestInvoke_NoRetryAfterFirstChunk(t *testing.T) {
	f := newFixture(t, fastConfig(), llmtest.Step{Chunks: []string{"par"}, StreamErr: llm.ErrConnection})

	c, err := f.orch.Invoke(context.Background(), f.request())
	require.NoError(t, err)
	res, err := c.Wait(context.Background())

	assert.ErrorIs(t, err, ErrUpstreamTransient)
	assert.Equal(t, 1, f.provider.Calls())
	assert.True(t, res.Incomplete)
	assert.Equal(t, "par", res.Text)

	got := f.lastTurn(t)
	assert.True(t, got.Incomplete)
	assert.Equal(t, "par", got.Text())

	chunks, err := drain(t, c.Stream())
	assert.Equal(t, []string{"par"}, chunks)
	assert.ErrorIs(t, err, ErrUpstreamTransient)
}

func TestInvoke_TimeoutPreservesPartialOutput(t *testing.T) {
	cfg := fastConfig()
	cfg.Timeout = 50 * time.Millisecond
	f := newFixture(t, cfg, llmtest.Step{Chunks: []string{"partial"}, Hang: true})

	res, err := f.invokeAndWait(t)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, thread.ReasonTimeout, res.Reason)
	assert.True(t, res.Incomplete)

	got := f.lastTurn(t)
	assert.Equal(t, thread.ReasonTimeout, got.Reason)
	assert.True(t, got.Incomplete)
	assert.Equal(t, "partial", got.Text())
}

func TestInvoke_AttemptTimeoutIsRetried(t *testing.T) {
	cfg := fastConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg, llmtest.Step{Hang: true})

	res, err := f.invokeAndWait(t)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "ok", res.Text)
}

func TestCall_CancelCommitsCancelledTurn(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	f := newFixture(t, fastConfig(), llmtest.Step{Hold: hold})

	c, err := f.orch.Invoke(context.Background(), f.request())
	require.NoError(t, err)
	select {
	case <-f.provider.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("provider not called")
	}
	c.Cancel()
	c.Cancel()

	res, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, StateCancelled, c.State())

	got := f.lastTurn(t)
	assert.Equal(t, thread.OutcomeCancelled, got.Outcome)
	assert.Equal(t, thread.ReasonCancelled, got.Reason)

	_, ok := f.orch.InFlight("th1")
	assert.False(t, ok)
}

func TestCall_WaitContextDoesNotStopCall(t *testing.T) {
	hold := make(chan struct{})
	f := newFixture(t, fastConfig(), llmtest.Step{Hold: hold, Chunks: []string{"late"}})

	c, err := f.orch.Invoke(context.Background(), f.request())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(hold)
	res, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", res.Text)
}

func TestInvoke_CommitConflictIsReported(t *testing.T) {
	f := newFixture(t, fastConfig())
	req := f.request()
	req.ExpectedVersion = f.version - 1

	c, err := f.orch.Invoke(context.Background(), req)
	require.NoError(t, err)
	res, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, threads.ErrVersionConflict)
	assert.Nil(t, res.Turn)
	assert.ErrorIs(t, res.CommitErr, threads.ErrVersionConflict)
}

func TestCallInternal_IsNeverCommitted(t *testing.T) {
	f := newFixture(t, fastConfig(), llmtest.Step{Chunks: []string{"a summary"}})
	before, _ := f.store.Get(context.Background(), "th1")

	text, err := f.orch.CallInternal(context.Background(), "th1", llm.Request{})
	require.NoError(t, err)
	assert.Equal(t, "a summary", text)

	after, _ := f.store.Get(context.Background(), "th1")
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, after.Turns, 1)

	// An internal call does not block a user call on the same thread.
	res, err := f.invokeAndWait(t)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
}

func TestShutdown_CancelsInFlightCalls(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	f := newFixture(t, fastConfig(), llmtest.Step{Hold: hold})

	c, err := f.orch.Invoke(context.Background(), f.request())
	require.NoError(t, err)
	<-f.provider.Started()

	require.NoError(t, f.orch.Shutdown(context.Background()))
	res, _ := c.Result()
	assert.Equal(t, StateCancelled, res.State)

	_, err = f.orch.Invoke(context.Background(), f.request())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		state  State
		reason thread.Reason
	}{
		{nil, StateSucceeded, thread.ReasonNone},
		{ErrCancelled, StateCancelled, thread.ReasonCancelled},
		{errors.Join(llm.ErrConnection, ErrCancelled), StateCancelled, thread.ReasonCancelled},
		{ErrTimeout, StateFailed, thread.ReasonTimeout},
		{errAttemptTimeout, StateFailed, thread.ReasonUpstreamTransient},
		{llm.ErrRateLimit, StateFailed, thread.ReasonUpstreamTransient},
		{errors.New("weird"), StateFailed, thread.ReasonUpstreamFatal},
	}
	for _, tt := range tests {
		got := classify(tt.err)
		assert.Equal(t, tt.state, got.State, "err=%v", tt.err)
		assert.Equal(t, tt.reason, got.Reason, "err=%v", tt.err)
	}
}
