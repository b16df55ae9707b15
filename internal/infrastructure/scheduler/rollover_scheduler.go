package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RolloverRunner rolls every known tenant into the current period and
// returns how many tenants were rolled over
type RolloverRunner interface {
	RolloverAll(ctx context.Context) (int, error)
}

// RolloverSchedulerConfig holds configuration for the rollover scheduler
type RolloverSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval between sweeps. Tenants are also rolled over lazily on
	// every touch, so the sweep only needs to catch idle tenants.
	Interval time.Duration

	// RunTimeout is the maximum time for a single sweep
	RunTimeout time.Duration

	// RunOnStart sweeps immediately instead of waiting one interval
	RunOnStart bool
}

// DefaultRolloverSchedulerConfig returns default configuration
func DefaultRolloverSchedulerConfig() RolloverSchedulerConfig {
	return RolloverSchedulerConfig{
		Enabled:    true,
		Interval:   time.Hour,
		RunTimeout: 10 * time.Minute,
		RunOnStart: true,
	}
}

// RolloverRun describes the outcome of one sweep
type RolloverRun struct {
	StartedAt  time.Time
	Duration   time.Duration
	RolledOver int
	Err        error
}

// RolloverScheduler periodically sweeps all tenants through the monthly
// rollover so that idle tenants get their reset events on time
type RolloverScheduler struct {
	runner RolloverRunner
	logger *zap.Logger
	config RolloverSchedulerConfig

	trigger   chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	lastRun   *RolloverRun
}

// NewRolloverScheduler creates a new rollover scheduler
func NewRolloverScheduler(runner RolloverRunner, logger *zap.Logger, config RolloverSchedulerConfig) *RolloverScheduler {
	return &RolloverScheduler{
		runner:  runner,
		logger:  logger,
		config:  config,
		trigger: make(chan struct{}, 1),
	}
}

// Start starts the sweep loop
func (s *RolloverScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Rollover scheduler is disabled")
		return nil
	}
	if s.config.Interval <= 0 {
		s.mu.Unlock()
		return ErrInvalidConfig
	}
	s.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Rollover scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Bool("run_on_start", s.config.RunOnStart),
	)
	return nil
}

// Stop stops the loop and waits for an in-flight sweep until ctx is done
func (s *RolloverScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Rollover scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Rollover scheduler stop timed out")
		return ctx.Err()
	}
}

// TriggerImmediate asks the loop to sweep now. Triggers made while one is
// already pending are merged.
func (s *RolloverScheduler) TriggerImmediate() error {
	s.mu.Lock()
	running := s.isRunning
	s.mu.Unlock()
	if !running {
		return ErrSchedulerNotRunning
	}

	select {
	case s.trigger <- struct{}{}:
		return nil
	default:
		return ErrSweepAlreadyPending
	}
}

// IsRunning reports whether the loop is active
func (s *RolloverScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// LastRun returns the most recent sweep, or nil before the first one
func (s *RolloverScheduler) LastRun() *RolloverRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	run := *s.lastRun
	return &run
}

func (s *RolloverScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	if s.config.RunOnStart {
		s.execute(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Rollover loop stopping")
			return
		case <-ticker.C:
			s.execute(ctx)
		case <-s.trigger:
			s.execute(ctx)
		}
	}
}

func (s *RolloverScheduler) execute(ctx context.Context) {
	runCtx := ctx
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	run := RolloverRun{StartedAt: time.Now()}
	run.RolledOver, run.Err = s.runner.RolloverAll(runCtx)
	run.Duration = time.Since(run.StartedAt)

	s.mu.Lock()
	s.lastRun = &run
	s.mu.Unlock()

	if run.Err != nil {
		s.logger.Error("Rollover sweep finished with errors",
			zap.Int("rolled_over", run.RolledOver),
			zap.Duration("duration", run.Duration),
			zap.Error(run.Err),
		)
		return
	}
	s.logger.Info("Rollover sweep completed",
		zap.Int("rolled_over", run.RolledOver),
		zap.Duration("duration", run.Duration),
	)
}
