// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults
const (
	DefaultHTTPAddr      = "0.0.0.0:8080"
	DefaultHistoryLimit  = 50
	DefaultContextWindow = 20
	DefaultTypingTTL     = 10 * time.Second
	DefaultTypingSweep   = "@every 10s"
	DefaultReapSchedule  = "@every 5m"
	DefaultStaleAfter    = 5 * time.Minute
	DefaultReplyDelay    = 3 * time.Second
	DefaultJuniorChance  = 0.3
	DefaultInboundRate   = 20.0
	DefaultInboundBurst  = 40
	DefaultSendBuffer    = 64
	DefaultGenTimeout    = 60 * time.Second
	DefaultDedupeWindow  = 5 * time.Minute
	DefaultDedupeSize    = 10000
)

// Fallback modes for failed agent generations
const (
	FallbackApologize = "apologize"
	FallbackSkip      = "skip"
)

// Generator providers
const (
	ProviderCanned = "canned"
	ProviderOpenAI = "openai"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Generator GeneratorConfig `yaml:"generator" toml:"generator"`
	Agents    []AgentConfig   `yaml:"agents" toml:"agents"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// AllowedOrigins are host patterns accepted for cross-origin WebSocket upgrades
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (default) or "sqlite3"
}

// RelayConfig holds timing and pacing for the collaboration relay
type RelayConfig struct {
	HistoryLimit  int     `yaml:"history_limit" toml:"history_limit"`
	ContextWindow int     `yaml:"context_window" toml:"context_window"`
	TypingSweep   string  `yaml:"typing_sweep" toml:"typing_sweep"`   // cron spec
	ReapSchedule  string  `yaml:"reap_schedule" toml:"reap_schedule"` // cron spec
	Fallback      string  `yaml:"fallback" toml:"fallback"`
	InboundRate   float64 `yaml:"inbound_rate" toml:"inbound_rate"`
	InboundBurst  int     `yaml:"inbound_burst" toml:"inbound_burst"`
	SendBuffer    int     `yaml:"send_buffer" toml:"send_buffer"`
	DedupeSize    int     `yaml:"dedupe_size" toml:"dedupe_size"`

	TypingTTL    time.Duration `yaml:"-" toml:"-"`
	StaleAfter   time.Duration `yaml:"-" toml:"-"`
	ReplyDelay   time.Duration `yaml:"-" toml:"-"`
	DedupeWindow time.Duration `yaml:"-" toml:"-"`
	JuniorChance float64       `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TypingTTLRaw    string `yaml:"typing_ttl" toml:"typing_ttl"`
	StaleAfterRaw   string `yaml:"stale_after" toml:"stale_after"`
	ReplyDelayRaw   string `yaml:"reply_delay" toml:"reply_delay"`
	DedupeWindowRaw string `yaml:"dedupe_window" toml:"dedupe_window"`

	// JuniorChanceRaw is nil when junior_chance is omitted, so an explicit 0
	// disables random participation instead of selecting the default.
	JuniorChanceRaw *float64 `yaml:"junior_chance" toml:"junior_chance"`
}

// GeneratorConfig selects and configures the text-generation provider
type GeneratorConfig struct {
	Provider  string `yaml:"provider" toml:"provider"`
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	APIKey    string `yaml:"api_key" toml:"api_key"`
	Model     string `yaml:"model" toml:"model"`
	MaxTokens int    `yaml:"max_tokens" toml:"max_tokens"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// AgentConfig declares a simulated agent seeded into the roster at startup
type AgentConfig struct {
	ID   string `yaml:"id" toml:"id"`
	Name string `yaml:"name" toml:"name"`
	Role string `yaml:"role" toml:"role"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero values with the relay defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	r := &c.Relay
	if r.HistoryLimit == 0 {
		r.HistoryLimit = DefaultHistoryLimit
	}
	if r.ContextWindow == 0 {
		r.ContextWindow = DefaultContextWindow
	}
	if r.TypingTTL == 0 {
		r.TypingTTL = DefaultTypingTTL
	}
	if r.TypingSweep == "" {
		r.TypingSweep = DefaultTypingSweep
	}
	if r.ReapSchedule == "" {
		r.ReapSchedule = DefaultReapSchedule
	}
	if r.StaleAfter == 0 {
		r.StaleAfter = DefaultStaleAfter
	}
	if r.ReplyDelay == 0 {
		r.ReplyDelay = DefaultReplyDelay
	}
	if r.JuniorChanceRaw != nil {
		r.JuniorChance = *r.JuniorChanceRaw
	} else if r.JuniorChance == 0 {
		r.JuniorChance = DefaultJuniorChance
	}
	if r.Fallback == "" {
		r.Fallback = FallbackApologize
	}
	if r.InboundRate == 0 {
		r.InboundRate = DefaultInboundRate
	}
	if r.InboundBurst == 0 {
		r.InboundBurst = DefaultInboundBurst
	}
	if r.SendBuffer == 0 {
		r.SendBuffer = DefaultSendBuffer
	}
	if r.DedupeWindow == 0 {
		r.DedupeWindow = DefaultDedupeWindow
	}
	if r.DedupeSize == 0 {
		r.DedupeSize = DefaultDedupeSize
	}

	if c.Generator.Provider == "" {
		c.Generator.Provider = ProviderCanned
	}
	if c.Generator.Timeout == 0 {
		c.Generator.Timeout = DefaultGenTimeout
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be \"sqlite\" or \"sqlite3\", got %q", c.Database.Driver)
	}

	if _, err := cronParser.Parse(c.Relay.TypingSweep); err != nil {
		return fmt.Errorf("relay.typing_sweep %q: %w", c.Relay.TypingSweep, err)
	}
	if _, err := cronParser.Parse(c.Relay.ReapSchedule); err != nil {
		return fmt.Errorf("relay.reap_schedule %q: %w", c.Relay.ReapSchedule, err)
	}
	if c.Relay.JuniorChance < 0 || c.Relay.JuniorChance > 1 {
		return fmt.Errorf("relay.junior_chance must be between 0 and 1")
	}
	if c.Relay.Fallback != FallbackApologize && c.Relay.Fallback != FallbackSkip {
		return fmt.Errorf("relay.fallback must be %q or %q", FallbackApologize, FallbackSkip)
	}
	if c.Relay.HistoryLimit < 0 || c.Relay.ContextWindow < 0 {
		return fmt.Errorf("relay.history_limit and relay.context_window must not be negative")
	}

	switch c.Generator.Provider {
	case ProviderCanned:
	case ProviderOpenAI:
		if c.Generator.BaseURL == "" {
			return fmt.Errorf("generator.base_url is required for the openai provider")
		}
		if c.Generator.Model == "" {
			return fmt.Errorf("generator.model is required for the openai provider")
		}
	default:
		return fmt.Errorf("generator.provider %q is not supported", c.Generator.Provider)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" || a.Name == "" || a.Role == "" {
			return fmt.Errorf("agents[%d]: id, name and role are required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
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
		{"relay.typing_ttl", cfg.Relay.TypingTTLRaw, &cfg.Relay.TypingTTL},
		{"relay.stale_after", cfg.Relay.StaleAfterRaw, &cfg.Relay.StaleAfter},
		{"relay.reply_delay", cfg.Relay.ReplyDelayRaw, &cfg.Relay.ReplyDelay},
		{"relay.dedupe_window", cfg.Relay.DedupeWindowRaw, &cfg.Relay.DedupeWindow},
		{"generator.timeout", cfg.Generator.TimeoutRaw, &cfg.Generator.Timeout},
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
