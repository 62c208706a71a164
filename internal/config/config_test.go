// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
server:
  http_addr: "127.0.0.1:9090"
  allowed_origins:
    - "localhost:3000"

database:
  path: "./relay.db"
  driver: "sqlite3"

relay:
  history_limit: 25
  context_window: 10
  typing_ttl: "8s"
  typing_sweep: "@every 5s"
  reap_schedule: "*/5 * * * *"
  stale_after: "2m"
  reply_delay: "2500ms"
  junior_chance: 0.5
  fallback: "skip"

generator:
  provider: "openai"
  base_url: "https://api.example.com/v1"
  model: "gpt-test"
  timeout: "30s"

agents:
  - id: agent-ada
    name: Ada
    role: lead
  - id: agent-ops
    name: Otto
    role: devops

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9090")
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("Server.AllowedOrigins len = %d, want 1", len(cfg.Server.AllowedOrigins))
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q, want sqlite3", cfg.Database.Driver)
	}
	if cfg.Relay.HistoryLimit != 25 {
		t.Errorf("Relay.HistoryLimit = %d, want 25", cfg.Relay.HistoryLimit)
	}
	if cfg.Relay.TypingTTL != 8*time.Second {
		t.Errorf("Relay.TypingTTL = %v, want 8s", cfg.Relay.TypingTTL)
	}
	if cfg.Relay.StaleAfter != 2*time.Minute {
		t.Errorf("Relay.StaleAfter = %v, want 2m", cfg.Relay.StaleAfter)
	}
	if cfg.Relay.ReplyDelay != 2500*time.Millisecond {
		t.Errorf("Relay.ReplyDelay = %v, want 2.5s", cfg.Relay.ReplyDelay)
	}
	if cfg.Relay.JuniorChance != 0.5 {
		t.Errorf("Relay.JuniorChance = %v, want 0.5", cfg.Relay.JuniorChance)
	}
	if cfg.Relay.Fallback != FallbackSkip {
		t.Errorf("Relay.Fallback = %q, want %q", cfg.Relay.Fallback, FallbackSkip)
	}
	if cfg.Generator.Timeout != 30*time.Second {
		t.Errorf("Generator.Timeout = %v, want 30s", cfg.Generator.Timeout)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[1].Role != "devops" {
		t.Errorf("Agents = %+v, want two agents with devops second", cfg.Agents)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
database:
  path: ":memory:"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Relay.HistoryLimit != DefaultHistoryLimit {
		t.Errorf("HistoryLimit = %d, want %d", cfg.Relay.HistoryLimit, DefaultHistoryLimit)
	}
	if cfg.Relay.TypingTTL != 10*time.Second {
		t.Errorf("TypingTTL = %v, want 10s", cfg.Relay.TypingTTL)
	}
	if cfg.Relay.TypingSweep != "@every 10s" {
		t.Errorf("TypingSweep = %q, want @every 10s", cfg.Relay.TypingSweep)
	}
	if cfg.Relay.ReapSchedule != "@every 5m" {
		t.Errorf("ReapSchedule = %q, want @every 5m", cfg.Relay.ReapSchedule)
	}
	if cfg.Relay.ReplyDelay != 3*time.Second {
		t.Errorf("ReplyDelay = %v, want 3s", cfg.Relay.ReplyDelay)
	}
	if cfg.Relay.JuniorChance != 0.3 {
		t.Errorf("JuniorChance = %v, want 0.3", cfg.Relay.JuniorChance)
	}
	if cfg.Generator.Provider != ProviderCanned {
		t.Errorf("Generator.Provider = %q, want %q", cfg.Generator.Provider, ProviderCanned)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Relay.DedupeWindow != 5*time.Minute {
		t.Errorf("DedupeWindow = %v, want 5m", cfg.Relay.DedupeWindow)
	}
}

func TestLoad_ExplicitZeroJuniorChance(t *testing.T) {
	for _, tc := range []struct {
		name, file, content string
	}{
		{"yaml", "relay.yaml", "database:\n  path: \":memory:\"\nrelay:\n  junior_chance: 0\n"},
		{"toml", "relay.toml", "[database]\npath = \":memory:\"\n\n[relay]\njunior_chance = 0.0\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.file, tc.content))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Relay.JuniorChance != 0 {
				t.Errorf("JuniorChance = %v, want 0 (explicitly disabled)", cfg.Relay.JuniorChance)
			}
		})
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "relay.toml", `
[server]
http_addr = "127.0.0.1:7070"

[database]
path = "./relay.db"

[relay]
reply_delay = "4s"

[[agents]]
id = "agent-des"
name = "Dana"
role = "designer"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:7070" {
		t.Errorf("HTTPAddr = %q, want 127.0.0.1:7070", cfg.Server.HTTPAddr)
	}
	if cfg.Relay.ReplyDelay != 4*time.Second {
		t.Errorf("ReplyDelay = %v, want 4s", cfg.Relay.ReplyDelay)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Name != "Dana" {
		t.Errorf("Agents = %+v, want Dana", cfg.Agents)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_DB", "/tmp/relay-test.db")
	t.Setenv("TEST_RELAY_KEY", "sk-test")

	path := writeConfig(t, "relay.yaml", `
database:
  path: "${TEST_RELAY_DB}"
generator:
  provider: openai
  base_url: "https://api.example.com/v1"
  model: "m"
  api_key: "${TEST_RELAY_KEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/relay-test.db" {
		t.Errorf("Database.Path = %q, want /tmp/relay-test.db", cfg.Database.Path)
	}
	if cfg.Generator.APIKey != "sk-test" {
		t.Errorf("Generator.APIKey = %q, want sk-test", cfg.Generator.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
database:
  path: "./relay.db"
relay:
  typing_ttl: "ten seconds"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "relay.typing_ttl") {
		t.Fatalf("expected typing_ttl parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Database: DatabaseConfig{Path: "./relay.db"}}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"bad driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"bad sweep schedule", func(c *Config) { c.Relay.TypingSweep = "every ten" }, "relay.typing_sweep"},
		{"bad reap schedule", func(c *Config) { c.Relay.ReapSchedule = "@sometimes" }, "relay.reap_schedule"},
		{"chance out of range", func(c *Config) { c.Relay.JuniorChance = 1.5 }, "junior_chance"},
		{"bad fallback", func(c *Config) { c.Relay.Fallback = "retry" }, "relay.fallback"},
		{"openai without url", func(c *Config) { c.Generator.Provider = ProviderOpenAI }, "generator.base_url"},
		{"unknown provider", func(c *Config) { c.Generator.Provider = "oracle" }, "not supported"},
		{"incomplete agent", func(c *Config) { c.Agents = []AgentConfig{{ID: "a"}} }, "agents[0]"},
		{"duplicate agent", func(c *Config) {
			c.Agents = []AgentConfig{{ID: "a", Name: "A", Role: "lead"}, {ID: "a", Name: "B", Role: "junior"}}
		}, "duplicate id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
