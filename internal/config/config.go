// Package config holds all configuration types and loading logic for xcmq.
// Config structure never shrinks: fields are only added, never renamed or removed.
//
// The queue section seeds genesis only. Once a node has state, the live
// thresholds are read from storage and change through privileged operations.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/xcmq/internal/codec"
	"github.com/snehjoshi/xcmq/internal/control"
	"github.com/snehjoshi/xcmq/internal/types"
)

// Config is the root configuration for a xcmq server instance.
type Config struct {
	Node    NodeConfig          `yaml:"node"`
	Storage StorageConfig       `yaml:"storage"`
	Limits  LimitsConfig        `yaml:"limits"`
	Queue   control.QueueConfig `yaml:"queue"`
	Policy  PolicyConfig        `yaml:"policy"`
	Chain   ChainConfig         `yaml:"chain"`
	Auth    AuthConfig          `yaml:"auth"`
	HTTP    HTTPConfig          `yaml:"http"`
	Metrics MetricsConfig       `yaml:"metrics"`
	Events  EventsConfig        `yaml:"events"`
	Inbox   InboxConfig         `yaml:"inbox"`
	Log     LogConfig           `yaml:"log"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// FsyncPolicy controls when data is flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // safest, slowest: default
	FsyncInterval FsyncPolicy = "interval" // flush every FsyncIntervalMs
	FsyncBatch    FsyncPolicy = "batch"    // flush every FsyncBatchSize blocks
	FsyncNever    FsyncPolicy = "never"    // fastest, unsafe (dev/test only)
)

// StorageConfig controls how state is persisted on disk.
type StorageConfig struct {
	// Engine is "local" (bbolt file under node.data_dir) or "memory".
	Engine          string      `yaml:"engine"`
	Fsync           FsyncPolicy `yaml:"fsync"`
	FsyncIntervalMs int         `yaml:"fsync_interval_ms"`
	FsyncBatchSize  int         `yaml:"fsync_batch_size"`
}

// LimitsConfig are the fixed capacity bounds. Changing the bucket limits of
// an existing data directory makes the stored buckets unreadable.
type LimitsConfig struct {
	MaxMessagesPerBucket int    `yaml:"max_messages_per_bucket"`
	MaxBucketsPerOrigin  int    `yaml:"max_buckets_per_origin"`
	MaxBucketsProcessed  int    `yaml:"max_buckets_processed"`
	MaxOverweight        uint64 `yaml:"max_overweight_entries"`
	MaxPendingPages      int    `yaml:"max_pending_pages"`
	MaxPagesPerBlock     int    `yaml:"max_pages_per_block"`
	// MaxPageSizeKB caps one submitted page.
	MaxPageSizeKB int `yaml:"max_page_size_kb"`
}

// PolicyConfig selects which messages are deferred and by how much.
type PolicyConfig struct {
	// DelayBlocks is the grace period applied to flagged messages.
	DelayBlocks uint32 `yaml:"delay_blocks"`
	// DeferringInstructions are snake_case instruction names; a message
	// containing any of them is deferred.
	DeferringInstructions []string `yaml:"deferring_instructions"`
	// SystemOriginBound is the first origin that does not bypass ingress
	// suspension.
	SystemOriginBound uint32 `yaml:"system_origin_bound"`
}

// Opcodes resolves DeferringInstructions.
func (p PolicyConfig) Opcodes() ([]codec.Opcode, error) {
	ops := make([]codec.Opcode, 0, len(p.DeferringInstructions))
	for _, name := range p.DeferringInstructions {
		op, err := codec.ParseOpcode(name)
		if err != nil {
			return nil, fmt.Errorf("policy.deferring_instructions: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// ChainConfig controls block production.
type ChainConfig struct {
	// BlockInterval is a Go duration string, e.g. "6s".
	BlockInterval string       `yaml:"block_interval"`
	BlockWeight   types.Weight `yaml:"block_weight"`
	// StartBlock is the relay block the clock starts from.
	StartBlock uint32 `yaml:"start_block"`
}

// Interval parses BlockInterval.
func (c ChainConfig) Interval() (time.Duration, error) {
	return time.ParseDuration(c.BlockInterval)
}

// AuthConfig controls API key authentication. Requests carrying AdminKey act
// as the privileged caller; all others are ordinary signed callers.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	AdminKey string `yaml:"admin_key"`
}

// HTTPConfig controls the API server.
type HTTPConfig struct {
	// RateLimit is requests per second per client IP. Zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EventsConfig selects where block events are published.
type EventsConfig struct {
	// Journal is the path of the JSON-lines event journal. Relative paths
	// are resolved under node.data_dir; empty disables the journal.
	Journal string      `yaml:"journal"`
	Kafka   KafkaConfig `yaml:"kafka"`
	// WebSocket enables the live event stream at /events/ws.
	WebSocket bool `yaml:"websocket"`
	// Webhooks are registered at start-up; more can be added at runtime
	// through the admin API.
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one start-up webhook subscription.
type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Origins []uint32 `yaml:"origins"`
	Kinds   []string `yaml:"kinds"`
}

// KafkaConfig controls the Kafka event sink.
type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	Topic            string   `yaml:"topic"`
	FailureThreshold uint32   `yaml:"failure_threshold"`
	// OpenTimeout is a Go duration string.
	OpenTimeout string `yaml:"open_timeout"`
}

// InboxConfig controls the directory-drop ingress.
type InboxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Engine:          "local",
			Fsync:           FsyncAlways,
			FsyncIntervalMs: 200,
			FsyncBatchSize:  64,
		},
		Limits: LimitsConfig{
			MaxMessagesPerBucket: 20,
			MaxBucketsPerOrigin:  100,
			MaxBucketsProcessed:  10,
			MaxOverweight:        1024,
			MaxPendingPages:      1024,
			MaxPagesPerBlock:     256,
			MaxPageSizeKB:        256,
		},
		Queue: control.DefaultQueueConfig(),
		Policy: PolicyConfig{
			DelayBlocks:           5,
			DeferringInstructions: []string{"reserve_asset_deposited", "receive_teleported_asset", "deposit_asset"},
			SystemOriginBound:     2000,
		},
		Chain: ChainConfig{
			BlockInterval: "6s",
			BlockWeight:   types.NewWeight(500_000_000_000, 5*1024*1024),
		},
		Auth: AuthConfig{
			Enabled:  false,
			AdminKey: "",
		},
		HTTP: HTTPConfig{
			RateLimit: 100,
			Burst:     200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Events: EventsConfig{
			Journal:   "events.jsonl",
			WebSocket: true,
			Kafka: KafkaConfig{
				Enabled:          false,
				Topic:            "xcmq.events",
				FailureThreshold: 5,
				OpenTimeout:      "30s",
			},
		},
		Inbox: InboxConfig{
			Enabled: false,
			Dir:     "./inbox",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run xcmq with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	XCMQ_ADMIN_KEY   sets auth.admin_key and enables auth (auth.enabled = true)
//	XCMQ_DATA_DIR    sets node.data_dir
//	XCMQ_PORT        sets node.port
//	XCMQ_LOG_LEVEL   sets log.level
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
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("XCMQ_ADMIN_KEY"); v != "" {
		cfg.Auth.AdminKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("XCMQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("XCMQ_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("XCMQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
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
	switch c.Storage.Engine {
	case "local", "memory":
	default:
		return errors.New(`storage.engine must be one of "local", "memory"`)
	}
	switch c.Storage.Fsync {
	case FsyncAlways, FsyncInterval, FsyncBatch, FsyncNever:
		// valid
	default:
		return errors.New(`storage.fsync must be one of "always", "interval", "batch", "never"`)
	}
	if c.Limits.MaxMessagesPerBucket < 1 || c.Limits.MaxMessagesPerBucket > 65535 {
		return errors.New("limits.max_messages_per_bucket must be between 1 and 65535")
	}
	if c.Limits.MaxBucketsPerOrigin < 1 || c.Limits.MaxBucketsPerOrigin > 65535 {
		return errors.New("limits.max_buckets_per_origin must be between 1 and 65535")
	}
	if c.Limits.MaxBucketsProcessed < 1 {
		return errors.New("limits.max_buckets_processed must be at least 1")
	}
	if c.Limits.MaxOverweight < 1 {
		return errors.New("limits.max_overweight_entries must be at least 1")
	}
	if c.Limits.MaxPendingPages < 1 {
		return errors.New("limits.max_pending_pages must be at least 1")
	}
	if c.Limits.MaxPagesPerBlock < 1 {
		return errors.New("limits.max_pages_per_block must be at least 1")
	}
	if c.Limits.MaxPageSizeKB < 1 {
		return errors.New("limits.max_page_size_kb must be at least 1")
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if _, err := c.Policy.Opcodes(); err != nil {
		return err
	}
	if d, err := c.Chain.Interval(); err != nil || d <= 0 {
		return errors.New("chain.block_interval must be a positive duration")
	}
	if c.Chain.BlockWeight.IsZero() {
		return errors.New("chain.block_weight must be non-zero")
	}
	if c.Auth.Enabled && c.Auth.AdminKey == "" {
		return errors.New("auth.admin_key must be set when auth is enabled")
	}
	if c.HTTP.RateLimit < 0 {
		return errors.New("http.rate_limit must be >= 0")
	}
	if c.Events.Kafka.Enabled {
		if len(c.Events.Kafka.Brokers) == 0 {
			return errors.New("events.kafka.brokers must not be empty when kafka is enabled")
		}
		if c.Events.Kafka.Topic == "" {
			return errors.New("events.kafka.topic must not be empty when kafka is enabled")
		}
		if _, err := time.ParseDuration(c.Events.Kafka.OpenTimeout); err != nil {
			return errors.New("events.kafka.open_timeout must be a duration")
		}
	}
	for i, w := range c.Events.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return fmt.Errorf("events.webhooks[%d].url must be an http(s) URL", i)
		}
	}
	if c.Inbox.Enabled && c.Inbox.Dir == "" {
		return errors.New("inbox.dir must not be empty when the inbox is enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	return nil
}
