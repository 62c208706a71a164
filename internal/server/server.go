// ABOUTME: Server wires the store, hub, relay, orchestrator and sweeper behind one HTTP listener
// ABOUTME: Owns startup (agent roster seeding) and ordered graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/generate"
	"github.com/2389/coven-relay/internal/hub"
	"github.com/2389/coven-relay/internal/orchestrator"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/sweeper"
)

// shutdownTimeout bounds graceful shutdown once Run's context is canceled.
const shutdownTimeout = 5 * time.Second

// Server is the coven-relay process.
type Server struct {
	config       *config.Config
	store        store.Store
	hub          *hub.Hub
	relay        *relay.Relay
	orchestrator *orchestrator.Orchestrator
	sweeper      *sweeper.Sweeper
	httpServer   *http.Server
	logger       *slog.Logger

	// serverID identifies this relay instance
	serverID  string
	startedAt time.Time
}

// initStore opens the configured database. COVEN_RELAY_DB_PATH overrides the path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.OpenSQLiteStore(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Server from configuration, opening the database and the
// configured text generator.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gen, err := generate.FromConfig(cfg.Generator, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating generator: %w", err)
	}

	srv, err := NewWithStore(cfg, s, gen, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return srv, nil
}

// NewWithStore creates a Server around an existing store and generator.
// The server takes ownership of the store and closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, gen generate.Generator, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	h := hub.New(s, hub.Options{
		HistoryLimit: cfg.Relay.HistoryLimit,
		TypingTTL:    cfg.Relay.TypingTTL,
		Logger:       logger,
	})
	rl := relay.New(s, h, logger)
	rl.SetDedupe(dedupe.New(cfg.Relay.DedupeWindow, cfg.Relay.DedupeSize))
	orch := orchestrator.New(s, gen, rl, h, orchestrator.Options{
		ReplyDelay:    cfg.Relay.ReplyDelay,
		ContextWindow: cfg.Relay.ContextWindow,
		JuniorChance:  cfg.Relay.JuniorChance,
		Fallback:      cfg.Relay.Fallback,
		Logger:        logger,
	})
	rl.SetResponder(orch)

	sw, err := sweeper.New(h, sweeper.Options{
		TypingSchedule: cfg.Relay.TypingSweep,
		ReapSchedule:   cfg.Relay.ReapSchedule,
		StaleAfter:     cfg.Relay.StaleAfter,
		Logger:         logger,
	})
	if err != nil {
		orch.Close()
		return nil, fmt.Errorf("creating sweeper: %w", err)
	}

	srv := &Server{
		config:       cfg,
		store:        s,
		hub:          h,
		relay:        rl,
		orchestrator: orch,
		sweeper:      sw,
		logger:       logger.With("component", "server"),
		serverID:     generateServerID(),
		startedAt:    time.Now(),
	}

	if err := srv.seedAgents(context.Background()); err != nil {
		orch.Close()
		return nil, err
	}
	if err := orch.LoadRoster(context.Background()); err != nil {
		orch.Close()
		return nil, fmt.Errorf("loading agent roster: %w", err)
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)
	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

// seedAgents upserts the configured agent roster.
func (s *Server) seedAgents(ctx context.Context) error {
	for _, a := range s.config.Agents {
		if _, err := orchestrator.ParseRole(a.Role); err != nil {
			s.logger.Warn("agent role not recognized; agent will only answer when named", "agent_id", a.ID, "role", a.Role)
		}
		if err := s.store.UpsertAgent(ctx, &store.Agent{ID: a.ID, Name: a.Name, Role: a.Role}); err != nil {
			return fmt.Errorf("seeding agent %s: %w", a.ID, err)
		}
	}
	if len(s.config.Agents) > 0 {
		s.logger.Info("agent roster seeded", "count", len(s.config.Agents))
	}
	return nil
}

// Handler returns the HTTP handler serving the API and WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub exposes the connection hub.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Run listens on the configured address and serves until ctx is canceled or
// the listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the relay on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting relay", "server_id", s.serverID, "http_addr", ln.Addr().String())
	s.sweeper.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("context canceled, initiating shutdown")
		return s.gracefulShutdown()
	})
	return g.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, stops maintenance, cancels agent
// drains, closes every connection and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "sweeper stop", s.sweeper.Stop(ctx))
	s.orchestrator.Close()
	s.hub.Close()
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// generateServerID creates an identifier for this relay instance.
func generateServerID() string {
	return "coven-relay-" + uuid.NewString()[:8]
}
