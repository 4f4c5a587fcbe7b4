package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/kubebox/internal/metrics"
)

// SweeperConfig configures the expiry sweeper.
type SweeperConfig struct {
	Interval    time.Duration // time between passes
	MaxParallel int           // concurrent deletions per pass, 0 means 1
}

// SweepResult summarises one pass.
type SweepResult struct {
	Expired []string
	Deleted []string
	Failed  map[string]error
}

// Sweeper periodically destroys sandboxes that have outlived their lifetime.
// It never creates sandboxes and never extends a lifetime.
type Sweeper struct {
	manager *Manager
	cfg     SweeperConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewSweeper creates a Sweeper for m.
func NewSweeper(m *Manager, cfg SweeperConfig, mx *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager: m,
		cfg:     cfg,
		metrics: mx,
		logger:  logger,
	}
}

// Start schedules Sweep every Interval until Stop is called or ctx is done.
// Passes never overlap; a pass still running when the next is due is skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.cfg.Interval)
	}

	ctx, cancel := context.WithCancel(ctx)
	cl := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if _, err := c.AddFunc("@every "+s.cfg.Interval.String(), func() { s.Sweep(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("scheduling sweeper: %w", err)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel

	s.logger.InfoContext(ctx, "expiry sweeper started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("lifetime", s.manager.Lifetime()),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop cancels in-flight deletions and waits for a running pass to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("expiry sweeper stopped")
}

// Sweep runs one pass: every registry entry whose age is at least the
// lifetime is destroyed. A failed deletion is logged and left in the registry
// for the next pass; it never stops the remaining deletions.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	now := s.manager.Now()
	lifetime := s.manager.Lifetime()

	result := SweepResult{Failed: make(map[string]error)}
	for id, createdAt := range s.manager.registry.Snapshot() {
		if now.Sub(createdAt) >= lifetime {
			result.Expired = append(result.Expired, id)
		}
	}
	sort.Strings(result.Expired)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallel)
	for _, id := range result.Expired {
		g.Go(func() error {
			err := s.manager.Destroy(ctx, id, ReasonExpired)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[id] = err
				s.logger.ErrorContext(ctx, "deleting expired sandbox failed, will retry",
					slog.String("sandbox", id),
					slog.String("error", err.Error()),
				)
				return nil
			}
			result.Deleted = append(result.Deleted, id)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(result.Deleted)

	s.metrics.ObserveSweep(start, len(result.Expired), len(result.Failed))
	if len(result.Expired) > 0 {
		s.logger.InfoContext(ctx, "sweep finished",
			slog.Int("expired", len(result.Expired)),
			slog.Int("deleted", len(result.Deleted)),
			slog.Int("failed", len(result.Failed)),
			slog.Duration("took", time.Since(start)),
		)
	}
	return result
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
