// ABOUTME: Entry point for coven-relay, the real-time collaboration relay
// ABOUTME: Subcommands: serve, init, health, stats, conversation create

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/server"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                  _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-relay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                   Start the relay server")
	fmt.Println("  init                                    Create a new config file interactively")
	fmt.Println("  health                                  Check relay health")
	fmt.Println("  stats                                   Show connection and agent queue stats")
	fmt.Println("  conversation create TITLE ID [ID...]    Create a conversation")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx)
	case "conversation":
		err = runConversation(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Generator: ")
	cyan.Print(cfg.Generator.Provider)
	if cfg.Generator.Model != "" {
		gray.Printf(" (%s)", cfg.Generator.Model)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d", len(cfg.Agents))
	if len(cfg.Agents) == 0 {
		yellow.Print(" [no agents configured, nobody will reply]")
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting coven-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"agents", len(cfg.Agents),
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return srv.Run(ctx)
}

// baseURL turns the configured listen address into a URL a local client can reach.
func baseURL(cfg *config.Config) string {
	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return "http://" + cfg.Server.HTTPAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// apiRequest performs a request against the running relay and decodes a JSON
// response into out when out is non-nil.
func apiRequest(ctx context.Context, method, path string, body, out any) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL(cfg)+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	if err := apiRequest(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func runStats(ctx context.Context) error {
	var stats server.StatsResponse
	if err := apiRequest(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	started, err := time.Parse(time.RFC3339, stats.StartedAt)
	cyan.Printf("  %s\n", stats.ServerID)
	if err == nil {
		gray.Printf("  up since %s (%s)\n", humanize.Time(started), started.Local().Format(time.Kitchen))
	}
	fmt.Println()
	fmt.Printf("  Connections:    %s\n", humanize.Comma(int64(stats.Connections)))
	fmt.Printf("  Conversations:  %s\n", humanize.Comma(int64(stats.Conversations)))
	fmt.Printf("  Typing:         %s\n", humanize.Comma(int64(stats.Typing)))
	fmt.Printf("  Agent replies:  %d queued, %d draining\n", stats.Agents.Queued, stats.Agents.Draining)
	return nil
}

func runConversation(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "create" {
		return fmt.Errorf("usage: coven-relay conversation create TITLE PARTICIPANT_ID [PARTICIPANT_ID...]")
	}
	args = args[1:]
	if len(args) < 2 {
		return fmt.Errorf("a title and at least one participant ID are required")
	}

	req := server.CreateConversationRequest{
		Title:          args[0],
		ParticipantIDs: args[1:],
	}
	var conv server.ConversationResponse
	if err := apiRequest(ctx, http.MethodPost, "/api/conversations", req, &conv); err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created conversation %q\n", conv.Title)
	fmt.Printf("  ID:           %s\n", conv.ID)
	fmt.Printf("  Participants: %s\n", strings.Join(conv.ParticipantIDs, ", "))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "relay.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Generator Configuration ---")
	provider := prompt(reader, "Provider (canned/openai)", config.ProviderCanned)
	var apiBase, model string
	if provider == config.ProviderOpenAI {
		apiBase = prompt(reader, "API base URL", "https://api.openai.com/v1")
		model = prompt(reader, "Model", "gpt-4o-mini")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-relay configuration\n")
	cfg.WriteString("# Generated by coven-relay init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("relay:\n")
	cfg.WriteString(fmt.Sprintf("  history_limit: %d\n", config.DefaultHistoryLimit))
	cfg.WriteString(fmt.Sprintf("  context_window: %d\n", config.DefaultContextWindow))
	cfg.WriteString(fmt.Sprintf("  typing_ttl: %q\n", config.DefaultTypingTTL))
	cfg.WriteString(fmt.Sprintf("  typing_sweep: %q\n", config.DefaultTypingSweep))
	cfg.WriteString(fmt.Sprintf("  reap_schedule: %q\n", config.DefaultReapSchedule))
	cfg.WriteString(fmt.Sprintf("  reply_delay: %q\n", config.DefaultReplyDelay))
	cfg.WriteString(fmt.Sprintf("  fallback: %q\n", config.FallbackApologize))
	cfg.WriteString("\n")

	cfg.WriteString("generator:\n")
	cfg.WriteString(fmt.Sprintf("  provider: %q\n", provider))
	if provider == config.ProviderOpenAI {
		cfg.WriteString(fmt.Sprintf("  base_url: %q\n", apiBase))
		cfg.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n")
		cfg.WriteString(fmt.Sprintf("  model: %q\n", model))
	}
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  - { id: \"agent-lead\", name: \"Sam\", role: \"lead\" }\n")
	cfg.WriteString("  - { id: \"agent-ops\", name: \"Dana\", role: \"devops\" }\n")
	cfg.WriteString("  - { id: \"agent-design\", name: \"Mira\", role: \"designer\" }\n")
	cfg.WriteString("  - { id: \"agent-eng\", name: \"Theo\", role: \"engineer\" }\n")
	cfg.WriteString("  - { id: \"agent-junior\", name: \"Pip\", role: \"junior\" }\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  coven-relay serve\n")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
