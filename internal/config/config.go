// ABOUTME: Configuration loading and parsing for fte-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fte-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Bus          BusConfig          `yaml:"bus"`
	Conversation ConversationConfig `yaml:"conversation"`
	Dedup        DedupConfig        `yaml:"dedup"`
	Worker       WorkerConfig       `yaml:"worker"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// StoreConfig selects and configures the storage backend
type StoreConfig struct {
	// Backend is "sqlite" or "postgres"
	Backend string `yaml:"backend"`
	// Path is the SQLite database file
	Path string `yaml:"path"`
	// DSN is the Postgres connection string
	DSN string `yaml:"dsn"`
}

// BusConfig selects and configures the event bus
type BusConfig struct {
	// Backend is "memory" or "kafka"
	Backend     string   `yaml:"backend"`
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
	GroupID     string   `yaml:"group_id"`
}

// ConversationConfig holds conversation lifecycle tuning
type ConversationConfig struct {
	// Window is how long a quiet conversation stays re-engageable
	Window    time.Duration `yaml:"-"`
	WindowRaw string        `yaml:"window"`
}

// DedupConfig holds event dedup retention tuning
type DedupConfig struct {
	Retention        time.Duration `yaml:"-"`
	PurgeInterval    time.Duration `yaml:"-"`
	RetentionRaw     string        `yaml:"retention"`
	PurgeIntervalRaw string        `yaml:"purge_interval"`
}

// WorkerConfig holds ticket processing tuning
type WorkerConfig struct {
	ClaimTTL         time.Duration `yaml:"-"`
	ClaimTTLRaw      string        `yaml:"claim_ttl"`
	MaxRetries       int           `yaml:"max_retries"`
	Backoff          time.Duration `yaml:"-"`
	BackoffRaw       string        `yaml:"backoff"`
	SweepInterval    time.Duration `yaml:"-"`
	SweepIntervalRaw string        `yaml:"sweep_interval"`
}

// PipelineConfig holds knowledge base and escalation tuning
type PipelineConfig struct {
	KnowledgePath   string   `yaml:"knowledge_path"`
	EscalateBelow   float64  `yaml:"escalate_below"`
	HostileBelow    float64  `yaml:"hostile_below"`
	ComplexityLimit int      `yaml:"complexity_limit"`
	HardKeywords    []string `yaml:"hard_keywords"`
	HumanKeywords   []string `yaml:"human_keywords"`
	WhatsAppLimit   int      `yaml:"whatsapp_limit"`
}

// DeliveryConfig holds outbound delivery retry tuning
type DeliveryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"-"`
	BackoffRaw  string        `yaml:"backoff"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration suitable for a local single-binary run:
// SQLite storage, in-process bus, 24 hour conversation window.
func Default() *Config {
	return &Config{
		Server:       ServerConfig{HTTPAddr: "localhost:8080"},
		Store:        StoreConfig{Backend: "sqlite", Path: "fte-gateway.db"},
		Bus:          BusConfig{Backend: "memory", TopicPrefix: "fte.", GroupID: "fte-gateway"},
		Conversation: ConversationConfig{Window: 24 * time.Hour},
		Dedup:        DedupConfig{Retention: 7 * 24 * time.Hour, PurgeInterval: time.Hour},
		Worker:       WorkerConfig{ClaimTTL: 2 * time.Minute, MaxRetries: 3, Backoff: 200 * time.Millisecond, SweepInterval: time.Minute},
		Delivery:     DeliveryConfig{MaxAttempts: 4, Backoff: 500 * time.Millisecond},
		Logging:      LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config merged over the defaults. Environment variables in the format
// ${VAR_NAME} are expanded. Duration strings are parsed into time.Duration
// values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be sqlite or postgres, got %q", c.Store.Backend)
	}

	switch c.Bus.Backend {
	case "memory":
	case "kafka":
		if len(c.Bus.Brokers) == 0 {
			return fmt.Errorf("bus.brokers is required for the kafka backend")
		}
		if c.Bus.GroupID == "" {
			return fmt.Errorf("bus.group_id is required for the kafka backend")
		}
	default:
		return fmt.Errorf("bus.backend must be memory or kafka, got %q", c.Bus.Backend)
	}

	if c.Conversation.Window <= 0 {
		return fmt.Errorf("conversation.window must be positive")
	}
	if c.Dedup.Retention <= 0 {
		return fmt.Errorf("dedup.retention must be positive")
	}
	if c.Worker.SweepInterval <= 0 {
		return fmt.Errorf("worker.sweep_interval must be positive")
	}
	if c.Pipeline.EscalateBelow < 0 || c.Pipeline.EscalateBelow > 1 {
		return fmt.Errorf("pipeline.escalate_below must be between 0 and 1")
	}
	if c.Pipeline.HostileBelow < 0 || c.Pipeline.HostileBelow > 1 {
		return fmt.Errorf("pipeline.hostile_below must be between 0 and 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"conversation.window", cfg.Conversation.WindowRaw, &cfg.Conversation.Window},
		{"dedup.retention", cfg.Dedup.RetentionRaw, &cfg.Dedup.Retention},
		{"dedup.purge_interval", cfg.Dedup.PurgeIntervalRaw, &cfg.Dedup.PurgeInterval},
		{"worker.claim_ttl", cfg.Worker.ClaimTTLRaw, &cfg.Worker.ClaimTTL},
		{"worker.backoff", cfg.Worker.BackoffRaw, &cfg.Worker.Backoff},
		{"worker.sweep_interval", cfg.Worker.SweepIntervalRaw, &cfg.Worker.SweepInterval},
		{"delivery.backoff", cfg.Delivery.BackoffRaw, &cfg.Delivery.Backoff},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
