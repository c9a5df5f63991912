package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/thread"
)

// SummaryWriter atomically replaces a thread's summary. threads.Store
// satisfies it.
type SummaryWriter interface {
	ReplaceSummary(ctx context.Context, threadID string, expectedMark int64, s thread.Summary) (int64, error)
}

// CompactorConfig holds compaction thresholds. A zero threshold is disabled.
type CompactorConfig struct {
	// MaxRawTurns triggers compaction when the raw window holds more turns.
	MaxRawTurns int
	// MaxRawTokens triggers compaction when the raw window's estimate
	// exceeds it.
	MaxRawTokens int
	// KeepRawTurns is the number of newest raw turns left unfolded. At
	// least one is always kept.
	KeepRawTurns int
	// Timeout bounds a single summarisation. Zero means 60 s.
	Timeout time.Duration
}

// DefaultCompactorConfig returns the default thresholds.
func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{
		MaxRawTurns:  40,
		MaxRawTokens: 6000,
		KeepRawTurns: 8,
		Timeout:      60 * time.Second,
	}
}

// Compactor folds older raw turns into the thread summary. Failures are
// logged and remembered for a later retry; they never reach the caller.
type Compactor struct {
	cfg        CompactorConfig
	summariser Summariser
	store      SummaryWriter
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewCompactor creates a Compactor. If logger is nil, the default slog
// logger is used.
func NewCompactor(cfg CompactorConfig, summariser Summariser, store SummaryWriter, logger *slog.Logger) *Compactor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	// The newest turn is being answered and must stay raw.
	if cfg.KeepRawTurns < 1 {
		cfg.KeepRawTurns = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		cfg:        cfg,
		summariser: summariser,
		store:      store,
		logger:     logger,
		now:        time.Now,
		pending:    make(map[string]struct{}),
	}
}

// NeedsCompaction reports whether th's raw window crosses a threshold.
func (c *Compactor) NeedsCompaction(th *thread.Thread) bool {
	raw := th.RawTurns()
	if len(raw) <= c.cfg.KeepRawTurns {
		return false
	}
	if c.cfg.MaxRawTurns > 0 && len(raw) > c.cfg.MaxRawTurns {
		return true
	}
	return c.cfg.MaxRawTokens > 0 && RawWindowTokens(th) > c.cfg.MaxRawTokens
}

// MaybeCompact folds all raw turns except the newest KeepRawTurns into a new
// summary when th crosses a threshold. On success it returns the new summary
// and true, and updates th.Summary and th.Version in place. Otherwise th is
// untouched and the current summary is returned with false.
func (c *Compactor) MaybeCompact(ctx context.Context, th *thread.Thread) (thread.Summary, bool) {
	if !c.NeedsCompaction(th) {
		c.clearPending(th.ID)
		return th.Summary, false
	}

	raw := th.RawTurns()
	folded := raw[:len(raw)-c.cfg.KeepRawTurns]
	prior := th.Summary
	mark := folded[len(folded)-1].Seq

	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	text, err := c.summariser.Summarise(sctx, SummaryInput{
		ThreadID: th.ID,
		Prior:    prior.Text,
		Turns:    folded,
	})
	cancel()
	if err != nil {
		c.logger.Warn("compactor: summarisation failed",
			"thread_id", th.ID,
			"high_water_mark", prior.HighWaterMark,
			"err", err,
		)
		c.markPending(th.ID)
		return prior, false
	}

	next := thread.Summary{Text: text, HighWaterMark: mark, UpdatedAt: c.now().UTC()}
	version, err := c.store.ReplaceSummary(ctx, th.ID, prior.HighWaterMark, next)
	if err != nil {
		c.logger.Warn("compactor: replace summary failed",
			"thread_id", th.ID,
			"high_water_mark", prior.HighWaterMark,
			"err", err,
		)
		c.markPending(th.ID)
		return prior, false
	}

	th.Summary = next
	th.Version = version
	c.clearPending(th.ID)

	c.logger.Info("thread compacted",
		"thread_id", th.ID,
		"folded_turns", len(folded),
		"high_water_mark", mark,
		"elapsed", time.Since(start).String(),
	)
	c.logger.Debug("compactor: summary replaced",
		"thread_id", th.ID,
		"summary_len", len(text),
	)
	return next, true
}

// Pending returns the threads whose last compaction attempt failed, sorted.
func (c *Compactor) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pending))
	for id := range c.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarkPending schedules th for the next background pass.
func (c *Compactor) MarkPending(threadID string) { c.markPending(threadID) }

func (c *Compactor) markPending(id string) {
	c.mu.Lock()
	c.pending[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Compactor) clearPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
