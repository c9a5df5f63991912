// Package config loads the Kioku configuration.
//
// A YAML file is checked against an embedded JSON Schema and decoded over the
// defaults. KIOKU_* environment variables are applied last, so a deployment
// can run without any file at all.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kioku/common/environment"
	"github.com/bdobrica/Kioku/common/redact"
)

// EnvPrefix scopes every override variable.
const EnvPrefix environment.Prefix = "KIOKU"

// MasterKeyEnv names the hex-encoded key that enables blob encryption. It is
// never read from the config file.
const MasterKeyEnv = "KIOKU_MASTER_KEY"

//go:embed schema.json
var schemaJSON string

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("config.schema.json", schemaJSON)
})

// Duration is a time.Duration written as "30s" or "5m" in YAML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Size is a byte count written as 1048576 or "10MB" in YAML.
type Size int64

func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	var raw string
	if err := n.Decode(&raw); err != nil {
		return err
	}
	v, err := environment.ParseSize(raw)
	if err != nil {
		return err
	}
	*s = Size(v)
	return nil
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Provider struct {
	// Kind selects the adapter: echo, openai or anthropic.
	Kind    string `yaml:"kind"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the variable holding the provider key. Empty means
	// OPENAI_API_KEY or ANTHROPIC_API_KEY depending on Kind.
	APIKeyEnv         string `yaml:"api_key_env"`
	MaxTokens         int    `yaml:"max_tokens"`
	InlineAttachments bool   `yaml:"inline_attachments"`
}

type Context struct {
	BudgetTokens int    `yaml:"budget_tokens"`
	SystemPrompt string `yaml:"system_prompt"`
}

type Compaction struct {
	MaxRawTurns  int      `yaml:"max_raw_turns"`
	MaxRawTokens int      `yaml:"max_raw_tokens"`
	KeepRawTurns int      `yaml:"keep_raw_turns"`
	Interval     Duration `yaml:"interval"`
	Timeout      Duration `yaml:"timeout"`
	// Summariser is "llm" or "tail".
	Summariser string `yaml:"summariser"`
}

type Completion struct {
	Timeout        Duration `yaml:"timeout"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	CommitTimeout  Duration `yaml:"commit_timeout"`
}

type Attachments struct {
	MaxBytes Size `yaml:"max_bytes"`
}

// Config is the complete runtime configuration.
type Config struct {
	DatabasePath string      `yaml:"database_path"`
	BlobRoot     string      `yaml:"blob_root"`
	HTTPAddr     string      `yaml:"http_addr"`
	Log          Log         `yaml:"log"`
	Provider     Provider    `yaml:"provider"`
	Context      Context     `yaml:"context"`
	Compaction   Compaction  `yaml:"compaction"`
	Completion   Completion  `yaml:"completion"`
	Attachments  Attachments `yaml:"attachments"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DatabasePath: "kioku.db",
		BlobRoot:     "blobs",
		HTTPAddr:     ":8080",
		Log:          Log{Level: "info", Format: "text"},
		Provider:     Provider{Kind: "echo", MaxTokens: 1024},
		Context:      Context{BudgetTokens: 8000},
		Compaction: Compaction{
			MaxRawTurns:  40,
			MaxRawTokens: 6000,
			KeepRawTurns: 8,
			Interval:     Duration(time.Minute),
			Timeout:      Duration(time.Minute),
			Summariser:   "llm",
		},
		Completion: Completion{
			Timeout:        Duration(120 * time.Second),
			MaxAttempts:    3,
			InitialBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(10 * time.Second),
			CommitTimeout:  Duration(10 * time.Second),
		},
		Attachments: Attachments{MaxBytes: 20 << 20},
	}
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv(EnvPrefix)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse checks data against the schema and decodes it over the defaults.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

func validateSchema(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	// Round-trip through JSON so numbers reach the validator as json.Number.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(p environment.Prefix) {
	c.DatabasePath = p.StringOr("database_path", c.DatabasePath)
	c.BlobRoot = p.StringOr("blob_root", c.BlobRoot)
	c.HTTPAddr = p.StringOr("http_addr", c.HTTPAddr)

	c.Log.Level = p.StringOr("log.level", c.Log.Level)
	c.Log.Format = p.StringOr("log.format", c.Log.Format)

	c.Provider.Kind = p.StringOr("provider.kind", c.Provider.Kind)
	c.Provider.Model = p.StringOr("provider.model", c.Provider.Model)
	c.Provider.BaseURL = p.StringOr("provider.base_url", c.Provider.BaseURL)
	c.Provider.APIKeyEnv = p.StringOr("provider.api_key_env", c.Provider.APIKeyEnv)
	c.Provider.MaxTokens = p.IntOr("provider.max_tokens", c.Provider.MaxTokens)
	c.Provider.InlineAttachments = p.BoolOr("provider.inline_attachments", c.Provider.InlineAttachments)

	c.Context.BudgetTokens = p.IntOr("context.budget_tokens", c.Context.BudgetTokens)
	c.Context.SystemPrompt = p.StringOr("context.system_prompt", c.Context.SystemPrompt)

	c.Compaction.MaxRawTurns = p.IntOr("compaction.max_raw_turns", c.Compaction.MaxRawTurns)
	c.Compaction.MaxRawTokens = p.IntOr("compaction.max_raw_tokens", c.Compaction.MaxRawTokens)
	c.Compaction.KeepRawTurns = p.IntOr("compaction.keep_raw_turns", c.Compaction.KeepRawTurns)
	c.Compaction.Interval = Duration(p.DurationOr("compaction.interval", c.Compaction.Interval.D()))
	c.Compaction.Timeout = Duration(p.DurationOr("compaction.timeout", c.Compaction.Timeout.D()))
	c.Compaction.Summariser = p.StringOr("compaction.summariser", c.Compaction.Summariser)

	c.Completion.Timeout = Duration(p.DurationOr("completion.timeout", c.Completion.Timeout.D()))
	c.Completion.AttemptTimeout = Duration(p.DurationOr("completion.attempt_timeout", c.Completion.AttemptTimeout.D()))
	c.Completion.MaxAttempts = p.IntOr("completion.max_attempts", c.Completion.MaxAttempts)
	c.Completion.InitialBackoff = Duration(p.DurationOr("completion.initial_backoff", c.Completion.InitialBackoff.D()))
	c.Completion.MaxBackoff = Duration(p.DurationOr("completion.max_backoff", c.Completion.MaxBackoff.D()))
	c.Completion.CommitTimeout = Duration(p.DurationOr("completion.commit_timeout", c.Completion.CommitTimeout.D()))

	c.Attachments.MaxBytes = Size(p.SizeOr("attachments.max_bytes", int64(c.Attachments.MaxBytes)))
}

// Validate checks the values the schema cannot see, including those set from
// the environment.
func (c *Config) Validate() error {
	// ── Storage ──────────────────────────────────────────────────────────────
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("config: database_path must not be empty")
	}
	if strings.TrimSpace(c.BlobRoot) == "" {
		return fmt.Errorf("config: blob_root must not be empty")
	}

	// ── Provider ─────────────────────────────────────────────────────────────
	switch c.Provider.Kind {
	case "echo", "openai", "anthropic":
	default:
		return fmt.Errorf("config: provider.kind %q is not one of echo, openai, anthropic", c.Provider.Kind)
	}
	if c.Provider.MaxTokens < 0 {
		return fmt.Errorf("config: provider.max_tokens must not be negative")
	}

	// ── Memory ───────────────────────────────────────────────────────────────
	if c.Context.BudgetTokens <= 0 {
		return fmt.Errorf("config: context.budget_tokens must be positive")
	}
	if c.Compaction.KeepRawTurns < 1 {
		return fmt.Errorf("config: compaction.keep_raw_turns must be at least 1")
	}
	if c.Compaction.MaxRawTurns > 0 && c.Compaction.MaxRawTurns < c.Compaction.KeepRawTurns {
		return fmt.Errorf("config: compaction.max_raw_turns (%d) is below keep_raw_turns (%d)",
			c.Compaction.MaxRawTurns, c.Compaction.KeepRawTurns)
	}
	switch c.Compaction.Summariser {
	case "llm", "tail":
	default:
		return fmt.Errorf("config: compaction.summariser %q is not one of llm, tail", c.Compaction.Summariser)
	}

	// ── Completion ───────────────────────────────────────────────────────────
	if c.Completion.Timeout <= 0 {
		return fmt.Errorf("config: completion.timeout must be positive")
	}
	if c.Completion.MaxAttempts < 1 {
		return fmt.Errorf("config: completion.max_attempts must be at least 1")
	}
	if c.Completion.AttemptTimeout < 0 || c.Completion.AttemptTimeout > c.Completion.Timeout {
		return fmt.Errorf("config: completion.attempt_timeout must be between 0 and completion.timeout")
	}
	return nil
}

// APIKey returns the provider key from the environment, or "" for echo.
func (c *Config) APIKey() string {
	name := c.Provider.APIKeyEnv
	if name == "" {
		switch c.Provider.Kind {
		case "openai":
			name = "OPENAI_API_KEY"
		case "anthropic":
			name = "ANTHROPIC_API_KEY"
		default:
			return ""
		}
	}
	return os.Getenv(name)
}

// Redacted returns the configuration as a generic map with secrets masked,
// suitable for printing.
func (c *Config) Redacted() (map[string]any, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	return redact.Map(m), nil
}
