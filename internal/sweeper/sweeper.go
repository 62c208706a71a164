// ABOUTME: Maintenance sweeper running periodic typing expiry and connection reaping
// ABOUTME: Schedules are cron specs; overlapping runs of the same job are skipped

package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default schedules
const (
	DefaultTypingSchedule = "@every 10s"
	DefaultReapSchedule   = "@every 5m"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Target is what the sweeper maintains.
type Target interface {
	ExpireTyping(ctx context.Context) int
	ReapDead(ctx context.Context, staleAfter time.Duration) int
}

// Options configures a Sweeper.
type Options struct {
	TypingSchedule string
	ReapSchedule   string
	// StaleAfter enables ping probes for connections idle this long. Zero disables them.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// Sweeper runs the two maintenance passes on their schedules.
type Sweeper struct {
	target     Target
	staleAfter time.Duration
	logger     *slog.Logger
	cron       *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Sweeper. It does not run until Start.
func New(target Target, opts Options) (*Sweeper, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sweeper")

	if opts.TypingSchedule == "" {
		opts.TypingSchedule = DefaultTypingSchedule
	}
	if opts.ReapSchedule == "" {
		opts.ReapSchedule = DefaultReapSchedule
	}

	typingSched, err := parser.Parse(opts.TypingSchedule)
	if err != nil {
		return nil, fmt.Errorf("parsing typing schedule %q: %w", opts.TypingSchedule, err)
	}
	reapSched, err := parser.Parse(opts.ReapSchedule)
	if err != nil {
		return nil, fmt.Errorf("parsing reap schedule %q: %w", opts.ReapSchedule, err)
	}

	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		target:     target,
		staleAfter: opts.StaleAfter,
		logger:     logger,
		cron:       c,
		ctx:        ctx,
		cancel:     cancel,
	}

	c.Schedule(typingSched, cron.FuncJob(func() { s.SweepTyping(s.ctx) }))
	c.Schedule(reapSched, cron.FuncJob(func() { s.Reap(s.ctx) }))
	return s, nil
}

// Start begins running scheduled passes in the background.
func (s *Sweeper) Start() {
	s.logger.Info("sweeper started")
	s.cron.Start()
}

// Stop halts scheduling and waits for running passes to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Info("sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepTyping expires stale typing flags once.
func (s *Sweeper) SweepTyping(ctx context.Context) int {
	n := s.target.ExpireTyping(ctx)
	if n > 0 {
		s.logger.Debug("typing sweep", "expired", n)
	}
	return n
}

// Reap tears down dead or unresponsive connections once.
func (s *Sweeper) Reap(ctx context.Context) int {
	start := time.Now()
	n := s.target.ReapDead(ctx, s.staleAfter)
	if n > 0 {
		s.logger.Info("reaped connections", "count", n, "duration", time.Since(start))
	}
	return n
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
