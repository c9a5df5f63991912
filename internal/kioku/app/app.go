// Package app wires the Kioku components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bdobrica/Kioku/common/crypto"
	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/internal/kioku/attachment"
	"github.com/bdobrica/Kioku/internal/kioku/auth"
	"github.com/bdobrica/Kioku/internal/kioku/blob"
	"github.com/bdobrica/Kioku/internal/kioku/completion"
	"github.com/bdobrica/Kioku/internal/kioku/config"
	"github.com/bdobrica/Kioku/internal/kioku/coordinator"
	"github.com/bdobrica/Kioku/internal/kioku/events"
	"github.com/bdobrica/Kioku/internal/kioku/llm"
	"github.com/bdobrica/Kioku/internal/kioku/llm/anthropic"
	"github.com/bdobrica/Kioku/internal/kioku/llm/openai"
	"github.com/bdobrica/Kioku/internal/kioku/memories"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/store"
	"github.com/bdobrica/Kioku/internal/kioku/threads"
)

// pepperContext derives the API-key hashing pepper from the master key.
const pepperContext = "kioku 2024 api-key pepper"

const (
	summaryMaxTokens = 512
	eventBuffer      = 64
	shutdownTimeout  = 30 * time.Second
)

// App is a fully wired Kioku instance.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	threads    *threads.Store
	blobs      blob.Store
	keys       *auth.Keys
	provider   llm.Provider
	orch       *completion.Orchestrator
	compactor  *memory.Compactor
	broker     *events.Broker
	coord      *coordinator.Coordinator
	compaction *memory.Runner
	health     *HealthServer
}

// Options customise New. The zero value builds everything from the config.
type Options struct {
	// Provider replaces the provider selected by provider.kind.
	Provider llm.Provider
	// Authorizer replaces the SQLite API-key authorizer for submissions.
	Authorizer auth.Authorizer
	Logger     *slog.Logger
}

// New opens the database and blob store and builds every component. Call
// Close when done.
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var master []byte
	if raw, ok := os.LookupEnv(config.MasterKeyEnv); ok && raw != "" {
		key, err := crypto.ParseMasterKey(raw)
		if err != nil {
			return nil, fmt.Errorf("app: %s: %w", config.MasterKeyEnv, err)
		}
		master = key
	}

	st, err := store.New(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("app: open database: %w", err)
	}
	a := &App{cfg: cfg, logger: logger, store: st}
	if err := a.build(master, opts); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(master []byte, opts Options) error {
	cfg := a.cfg

	var sealer *crypto.Sealer
	var pepper []byte
	if master != nil {
		s, err := crypto.NewSealer(master)
		if err != nil {
			return fmt.Errorf("app: blob sealer: %w", err)
		}
		sealer = s
		pepper = make([]byte, 32)
		blake3.DeriveKey(pepperContext, master, pepper)
	} else {
		a.logger.Warn("app: " + config.MasterKeyEnv + " not set; blobs are stored unencrypted")
	}

	blobs, err := blob.NewFS(cfg.BlobRoot, sealer, a.logger)
	if err != nil {
		return fmt.Errorf("app: blob store: %w", err)
	}
	a.blobs = blobs

	keys, err := auth.NewKeys(a.store.DB(), pepper, a.logger)
	if err != nil {
		return fmt.Errorf("app: api keys: %w", err)
	}
	a.keys = keys

	a.provider = opts.Provider
	if a.provider == nil {
		if a.provider, err = NewProvider(cfg, a.logger); err != nil {
			return err
		}
	}

	a.threads = threads.New(a.store.KV(), a.logger)
	a.orch = completion.New(a.provider, a.threads, completion.Config{
		Timeout:        cfg.Completion.Timeout.D(),
		AttemptTimeout: cfg.Completion.AttemptTimeout.D(),
		Retry: retry.Config{
			MaxAttempts:  cfg.Completion.MaxAttempts,
			InitialDelay: cfg.Completion.InitialBackoff.D(),
			MaxDelay:     cfg.Completion.MaxBackoff.D(),
			Multiplier:   2,
		},
		CommitTimeout: cfg.Completion.CommitTimeout.D(),
	}, a.logger)

	var summariser memory.Summariser = memory.TailSummariser{}
	if cfg.Compaction.Summariser == "llm" {
		summariser = memory.NewLLMSummariser(a.orch, cfg.Provider.Model, summaryMaxTokens)
	}
	a.compactor = memory.NewCompactor(memory.CompactorConfig{
		MaxRawTurns:  cfg.Compaction.MaxRawTurns,
		MaxRawTokens: cfg.Compaction.MaxRawTokens,
		KeepRawTurns: cfg.Compaction.KeepRawTurns,
		Timeout:      cfg.Compaction.Timeout.D(),
	}, summariser, a.threads, a.logger)

	a.broker = events.NewBroker(eventBuffer)

	authorizer := opts.Authorizer
	if authorizer == nil {
		authorizer = a.keys
	}
	a.coord, err = coordinator.New(coordinator.Deps{
		Auth:         authorizer,
		Threads:      a.threads,
		Resolver:     attachment.NewResolver(a.blobs, int64(cfg.Attachments.MaxBytes), a.logger),
		Assembler:    memory.NewAssembler(memory.AssemblerConfig{BudgetTokens: cfg.Context.BudgetTokens, SystemPrompt: cfg.Context.SystemPrompt}, a.logger),
		Compactor:    a.compactor,
		Orchestrator: a.orch,
		Memories:     memories.New(a.store.KV(), a.logger),
		Events:       a.broker,
		Logger:       a.logger,
	}, coordinator.Config{
		DefaultModel: cfg.Provider.Model,
		MaxTokens:    cfg.Provider.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("app: coordinator: %w", err)
	}

	a.compaction = memory.NewRunner(a.compactPending, cfg.Compaction.Interval.D(), a.logger)
	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, a, a.logger)
	}
	return nil
}

// NewProvider builds the provider selected by provider.kind.
func NewProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	p := cfg.Provider
	key := cfg.APIKey()
	switch p.Kind {
	case "echo":
		return llm.Echo{}, nil
	case "openai":
		// A custom base URL (Ollama, vLLM) may not need a key.
		if key == "" && p.BaseURL == "" {
			return nil, fmt.Errorf("app: openai provider needs an API key in the environment")
		}
		return openai.New(openai.Options{
			APIKey: key, BaseURL: p.BaseURL, Model: p.Model, MaxTokens: p.MaxTokens,
			Inline: p.InlineAttachments, Logger: logger,
		}), nil
	case "anthropic":
		if key == "" {
			return nil, fmt.Errorf("app: anthropic provider needs an API key in the environment")
		}
		return anthropic.New(anthropic.Options{
			APIKey: key, BaseURL: p.BaseURL, Model: p.Model, MaxTokens: p.MaxTokens,
			Inline: p.InlineAttachments, Logger: logger,
		}), nil
	}
	return nil, fmt.Errorf("app: unknown provider kind %q", p.Kind)
}

func (a *App) compactPending(ctx context.Context) error {
	n, err := a.coord.CompactPending(ctx)
	if n > 0 {
		a.logger.Info("background compaction", "threads", n)
	}
	return err
}

// Run starts the background workers and blocks until ctx is cancelled, then
// drains in-flight calls so their turns are committed.
func (a *App) Run(ctx context.Context) error {
	if a.health != nil {
		if err := a.health.Start(); err != nil {
			a.logger.Warn("health server failed to start; continuing without it", "err", err)
		}
	}
	go a.compaction.Run(ctx)

	a.logger.Info("kioku is running", "provider", a.provider.Name(), "database", a.cfg.DatabasePath)
	<-ctx.Done()
	a.logger.Info("shutting down")

	a.compaction.Stop()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := a.orch.Shutdown(sctx)
	if a.health != nil {
		a.health.Stop()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	return nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.store.Close()
}

// Stats implements the status endpoint.
func (a *App) Stats(_ context.Context) (Stats, error) {
	s := Stats{
		PendingCompactions: len(a.compactor.Pending()),
		DroppedEvents:      a.broker.Dropped(),
		Provider:           a.provider.Name(),
	}
	v, err := a.store.SchemaVersion()
	if err != nil {
		return s, fmt.Errorf("app: schema version: %w", err)
	}
	s.SchemaVersion = v
	return s, nil
}

func (a *App) Config() *config.Config                { return a.cfg }
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }
func (a *App) Keys() *auth.Keys                      { return a.keys }
func (a *App) Blobs() blob.Store                     { return a.blobs }
func (a *App) Threads() *threads.Store               { return a.threads }
func (a *App) Health() *HealthServer                 { return a.health }
