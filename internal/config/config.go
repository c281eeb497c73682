// Package config holds all configuration types and loading logic for voxpipe.
// Every operational threshold of the pipeline lives here with its reference
// value as the default; nothing below the config layer hard-codes a tuning value.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sneh-joshi/voxpipe/internal/types"
)

// Config is the root configuration for a voxpipe server instance.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Guard     GuardConfig     `yaml:"guard"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Stages    StagesConfig    `yaml:"stages"`
	Notify    NotifyConfig    `yaml:"notify"`
	Transport TransportConfig `yaml:"transport"`
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// NodeConfig holds identity and network settings for this process.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	// RuntimeTag is the environment this process serves. "prod" is the
	// privileged runtime that also owns untagged legacy documents.
	RuntimeTag string `yaml:"runtime_tag"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level string `yaml:"level"`
}

// StoreConfig selects the document store driver.
type StoreConfig struct {
	// Driver is "bolt", "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the database path or connection string. Empty means a file in
	// node.data_dir for the embedded drivers.
	DSN string `yaml:"dsn"`
}

// QueueConfig configures the embedded work queue.
type QueueConfig struct {
	// Path of the bbolt file; empty means <data_dir>/queues.db.
	Path              string         `yaml:"path"`
	LeaseTimeout      time.Duration  `yaml:"lease_timeout"`
	PollInterval      time.Duration  `yaml:"poll_interval"`
	DefaultAttempts   int            `yaml:"default_attempts"`
	Backoff           time.Duration  `yaml:"backoff"`
	MaxMemoryMB       int            `yaml:"max_memory_mb"`
	RejectWhenFull    bool           `yaml:"reject_when_full"`
	Concurrency       map[string]int `yaml:"concurrency"`
	DefaultConcurrent int            `yaml:"default_concurrency"`
}

// PipelineConfig holds the scheduler, retry and stuck-lock thresholds.
type PipelineConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	// SessionLimit caps sessions scanned per tick; 0 means no cap.
	SessionLimit int `yaml:"session_limit"`

	MaxAttempts       map[string]int `yaml:"max_attempts"`
	FirstAttemptGrace time.Duration  `yaml:"first_attempt_grace"`
	EnqueueCooldown   time.Duration  `yaml:"enqueue_cooldown"`
	FailureCooldown   time.Duration  `yaml:"failure_cooldown"`
	QuotaCooldown     time.Duration  `yaml:"quota_cooldown"`

	StuckAfter         time.Duration `yaml:"stuck_after"`
	PendingLogInterval time.Duration `yaml:"pending_log_interval"`

	FinalizeVerbose      bool          `yaml:"finalize_verbose"`
	SkipSummaryInterval  time.Duration `yaml:"skip_summary_interval"`
	ReactionEmoji        string        `yaml:"reaction_emoji"`
	PostprocessDelay     time.Duration `yaml:"postprocess_delay"`
	DefaultSessionStages []string      `yaml:"default_session_processors"`
}

// GuardConfig holds the queue memory guard thresholds.
type GuardConfig struct {
	Enabled          bool          `yaml:"enabled"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	SummaryInterval  time.Duration `yaml:"summary_interval"`
	ThresholdPercent float64       `yaml:"threshold_percent"`
	CriticalPercent  float64       `yaml:"critical_percent"`

	CompletedGrace time.Duration `yaml:"completed_grace"`
	CompletedLimit int           `yaml:"completed_limit"`
	FailedGrace    time.Duration `yaml:"failed_grace"`
	FailedLimit    int           `yaml:"failed_limit"`
	EventsTail     int           `yaml:"events_tail"`

	EmergencyCompletedLimit int `yaml:"emergency_completed_limit"`
	EmergencyFailedLimit    int `yaml:"emergency_failed_limit"`
	EmergencyEventsTail     int `yaml:"emergency_events_tail"`
}

// CleanupConfig controls the empty-session sweeper.
type CleanupConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	MaxAge     time.Duration `yaml:"max_age"`
	BatchLimit int           `yaml:"batch_limit"`
}

// StagesConfig points stage processors at their external workers.
type StagesConfig struct {
	// Webhooks maps a stage or session-processor name to the URL that runs it.
	Webhooks map[string]string `yaml:"webhooks"`
	// CustomURL runs every custom prompt processor.
	CustomURL string `yaml:"custom_url"`
	// PromptsDir holds <name>.md prompt files for custom processors.
	PromptsDir string        `yaml:"prompts_dir"`
	Secret     string        `yaml:"secret"`
	Timeout    time.Duration `yaml:"timeout"`
}

// NotifyConfig controls business notifications and UI push.
type NotifyConfig struct {
	HooksPath   string `yaml:"hooks_path"`
	HooksLogDir string `yaml:"hooks_log_dir"`
	Websocket   bool   `yaml:"websocket"`
}

// TransportConfig holds chat-transport credentials used for acknowledgments.
type TransportConfig struct {
	TelegramToken   string `yaml:"telegram_token"`
	TelegramBaseURL string `yaml:"telegram_base_url"`
	DiscordToken    string `yaml:"discord_token"`
}

// HTTPConfig tunes the ops HTTP surface.
type HTTPConfig struct {
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with the reference values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:         "auto",
			Host:       "0.0.0.0",
			Port:       8080,
			DataDir:    "./data",
			RuntimeTag: "prod",
		},
		Log:   LogConfig{Level: "info"},
		Store: StoreConfig{Driver: "bolt"},
		Queue: QueueConfig{
			LeaseTimeout:    5 * time.Minute,
			PollInterval:    200 * time.Millisecond,
			DefaultAttempts: 1,
			Backoff:         5 * time.Second,
			MaxMemoryMB:     512,
			RejectWhenFull:  true,
			Concurrency: map[string]int{
				types.QueueCommon:         2,
				types.QueueVoice:          2,
				types.QueueProcessors:     1,
				types.QueuePostprocessors: 1,
				types.QueueEvents:         2,
				types.QueueNotifies:       1,
			},
			DefaultConcurrent: 1,
		},
		Pipeline: PipelineConfig{
			TickInterval: 10 * time.Second,
			MaxAttempts: map[string]int{
				string(types.StageTranscription):  10,
				string(types.StageCategorization): 10,
			},
			FirstAttemptGrace:    10 * time.Minute,
			EnqueueCooldown:      60 * time.Second,
			FailureCooldown:      60 * time.Second,
			QuotaCooldown:        10 * time.Minute,
			StuckAfter:           10 * time.Minute,
			PendingLogInterval:   5 * time.Minute,
			SkipSummaryInterval:  5 * time.Minute,
			ReactionEmoji:        "💯",
			PostprocessDelay:     500 * time.Millisecond,
			DefaultSessionStages: []string{types.DefaultSessionProcessor},
		},
		Guard: GuardConfig{
			Enabled:                 true,
			PollInterval:            5 * time.Minute,
			SummaryInterval:         30 * time.Minute,
			ThresholdPercent:        80,
			CriticalPercent:         90,
			CompletedGrace:          time.Hour,
			CompletedLimit:          1000,
			FailedGrace:             24 * time.Hour,
			FailedLimit:             500,
			EventsTail:              10_000,
			EmergencyCompletedLimit: 10_000,
			EmergencyFailedLimit:    5_000,
			EmergencyEventsTail:     2_000,
		},
		Cleanup: CleanupConfig{
			Enabled:    true,
			Interval:   time.Hour,
			MaxAge:     48 * time.Hour,
			BatchLimit: 500,
		},
		Stages: StagesConfig{
			Webhooks: map[string]string{},
			Timeout:  2 * time.Minute,
		},
		Notify: NotifyConfig{
			HooksPath:   "./notifies.hooks.yaml",
			HooksLogDir: "./logs/notify-hooks",
			Websocket:   true,
		},
		Transport: TransportConfig{
			TelegramBaseURL: "https://api.telegram.org",
		},
		HTTP:    HTTPConfig{RateRPS: 100, RateBurst: 200},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// A missing file yields the defaults.
//
// Environment overrides applied after the file:
//
//	VOXPIPE_DATA_DIR, VOXPIPE_PORT, VOXPIPE_AUTH_API_KEY (enables auth),
//	VOXPIPE_STORE_DRIVER, VOXPIPE_STORE_DSN, VOXPIPE_TELEGRAM_TOKEN,
//	VOXPIPE_DISCORD_TOKEN, VOXPIPE_FINALIZE_VERBOSE, VOICE_BOT_IS_BETA.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// ResolveRuntimeTag maps the VOICE_BOT_IS_BETA convention onto a runtime tag:
// "" and "false" mean prod, "true" means beta, any other value is the tag.
func ResolveRuntimeTag(raw string) string {
	v := strings.TrimSpace(raw)
	switch strings.ToLower(v) {
	case "", "false":
		return "prod"
	case "true":
		return "beta"
	}
	return v
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VOXPIPE_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("VOXPIPE_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("VOXPIPE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("VOXPIPE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("VOXPIPE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("VOXPIPE_TELEGRAM_TOKEN"); v != "" {
		cfg.Transport.TelegramToken = v
	}
	if v := os.Getenv("VOXPIPE_DISCORD_TOKEN"); v != "" {
		cfg.Transport.DiscordToken = v
	}
	if v := os.Getenv("VOXPIPE_FINALIZE_VERBOSE"); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			cfg.Pipeline.FinalizeVerbose = true
		}
	}
	if v, ok := os.LookupEnv("VOICE_BOT_IS_BETA"); ok {
		cfg.Node.RuntimeTag = ResolveRuntimeTag(v)
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if strings.TrimSpace(c.Node.RuntimeTag) == "" {
		return errors.New("node.runtime_tag must not be empty")
	}
	switch c.Store.Driver {
	case "bolt", "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf(`store.driver must be one of "bolt", "sqlite", "postgres", got %q`, c.Store.Driver)
	}
	if c.Pipeline.TickInterval < time.Second {
		return errors.New("pipeline.tick_interval must be at least 1s")
	}
	for stage, n := range c.Pipeline.MaxAttempts {
		if n < 1 {
			return fmt.Errorf("pipeline.max_attempts.%s must be at least 1", stage)
		}
	}
	if c.Pipeline.StuckAfter <= 0 {
		return errors.New("pipeline.stuck_after must be positive")
	}
	if c.Pipeline.EnqueueCooldown <= 0 {
		return errors.New("pipeline.enqueue_cooldown must be positive")
	}
	if c.Queue.LeaseTimeout <= 0 {
		return errors.New("queue.lease_timeout must be positive")
	}
	if c.Queue.MaxMemoryMB < 1 {
		return errors.New("queue.max_memory_mb must be at least 1")
	}
	for name, n := range c.Queue.Concurrency {
		if n < 1 {
			return fmt.Errorf("queue.concurrency.%s must be at least 1", name)
		}
	}
	if c.Guard.ThresholdPercent <= 0 || c.Guard.ThresholdPercent > 100 {
		return errors.New("guard.threshold_percent must be in (0, 100]")
	}
	if c.Guard.CriticalPercent < c.Guard.ThresholdPercent || c.Guard.CriticalPercent > 100 {
		return errors.New("guard.critical_percent must be between guard.threshold_percent and 100")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(`log.level must be one of "debug", "info", "warn", "error", got %q`, c.Log.Level)
	}
	return nil
}

// MaxAttemptsFor returns the attempt cap of stage, or 0 when the stage is
// not a retried stage.
func (c *PipelineConfig) MaxAttemptsFor(stage types.Stage) int {
	return c.MaxAttempts[string(stage)]
}

// ConcurrencyFor returns the worker concurrency of a queue.
func (c *QueueConfig) ConcurrencyFor(queue string) int {
	if n, ok := c.Concurrency[queue]; ok && n > 0 {
		return n
	}
	if c.DefaultConcurrent > 0 {
		return c.DefaultConcurrent
	}
	return 1
}
