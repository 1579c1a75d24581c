// Package scheduler decides when modules run. Frequencies are minimum gaps
// between run starts, not wall-clock appointments: a module is due when its
// gap has elapsed since the last run started. An optional cron expression
// pins a module to exact times instead.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/crewd/internal/otel"
	"github.com/basket/crewd/internal/persistence"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Gap thresholds per frequency. Manual never fires from the scheduler.
const (
	gapAuto   = 6 * time.Hour
	gapDaily  = 24 * time.Hour
	gapWeekly = 7 * 24 * time.Hour

	// strategicGap is the minimum age of an account's last strategic cycle
	// before the strategic tick fires it again.
	strategicGap = 24 * time.Hour
)

// ValidateCronExpr rejects a cron expression the scheduler could not fire.
func ValidateCronExpr(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Due reports whether a module should run now. lastStarted is the start time
// of the most recent execution, nil when the module has never run. A set
// cron expression overrides the frequency gap.
func Due(freq persistence.Frequency, cronExpr string, now time.Time, lastStarted *time.Time) bool {
	if cronExpr != "" {
		sched, err := cronParser.Parse(cronExpr)
		if err != nil {
			return false
		}
		if lastStarted == nil {
			return true
		}
		return !sched.Next(*lastStarted).After(now)
	}

	var gap time.Duration
	switch freq {
	case persistence.FrequencyAuto:
		gap = gapAuto
	case persistence.FrequencyDaily:
		gap = gapDaily
	case persistence.FrequencyWeekly:
		gap = gapWeekly
	default:
		// Manual and unknown frequencies never fire automatically.
		return false
	}
	if lastStarted == nil {
		return true
	}
	return now.Sub(*lastStarted) >= gap
}

// ModuleDispatcher runs one scheduled module execution to completion.
type ModuleDispatcher interface {
	DispatchScheduled(ctx context.Context, workerID, accountID int64) error
}

// StrategicRunner runs one strategic-decision cycle for an account.
type StrategicRunner interface {
	RunCycle(ctx context.Context, accountID int64) error
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store      *persistence.Store
	Dispatcher ModuleDispatcher
	Strategic  StrategicRunner
	Logger     *slog.Logger
	Metrics    *otel.Metrics

	// Interval is the evaluation tick; defaults to 1 minute. Frequencies
	// are coarse enough that sub-minute precision buys nothing.
	Interval time.Duration
	// StrategicInterval is the strategic evaluation tick; defaults to 1 hour.
	StrategicInterval time.Duration
}

// Scheduler periodically evaluates module dueness and account strategic
// cycles, dispatching each due run in its own goroutine so one slow run
// never delays the rest of the tick.
type Scheduler struct {
	store      *persistence.Store
	dispatcher ModuleDispatcher
	strategic  StrategicRunner
	logger     *slog.Logger
	metrics    *otel.Metrics

	interval          time.Duration
	strategicInterval time.Duration
	now               func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	strategicInterval := cfg.StrategicInterval
	if strategicInterval <= 0 {
		strategicInterval = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:             cfg.Store,
		dispatcher:        cfg.Dispatcher,
		strategic:         cfg.Strategic,
		logger:            logger,
		metrics:           cfg.Metrics,
		interval:          interval,
		strategicInterval: strategicInterval,
		now:               time.Now,
	}
}

// Start begins both loops. They respect ctx for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.loop(ctx)
	go s.strategicLoop(ctx)
	s.logger.Info("scheduler started",
		"interval", s.interval, "strategic_interval", s.strategicInterval)
}

// Stop cancels the loops and waits for them and any in-flight dispatch
// goroutines to exit, so executions finalize before shutdown proceeds.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every active module once. Per-module failures are logged
// and skipped so one bad record never starves the rest.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	modules, err := s.store.ListActiveModules(ctx)
	if err != nil {
		s.logger.Error("scheduler: list active modules", "error", err)
		return
	}
	for _, m := range modules {
		if m.Frequency == persistence.FrequencyManual && m.CronExpr == "" {
			continue
		}
		latest, err := s.store.LatestExecution(ctx, m.ID)
		if err != nil {
			s.logger.Warn("scheduler: latest execution lookup failed, skipping module",
				"worker_id", m.ID, "error", err)
			s.skip(ctx)
			continue
		}
		if latest != nil && latest.Status == persistence.ExecutionRunning {
			// The per-worker lock would serialize anyway; skipping avoids a
			// pile-up of queued dispatches behind a long run.
			continue
		}
		var lastStarted *time.Time
		if latest != nil {
			t := latest.StartedAt
			lastStarted = &t
		}
		if !Due(m.Frequency, m.CronExpr, now, lastStarted) {
			continue
		}
		s.fire(ctx, m)
	}
}

// fire launches one scheduled dispatch and returns without waiting.
func (s *Scheduler) fire(ctx context.Context, m persistence.Worker) {
	s.logger.Info("scheduler: module due",
		"worker_id", m.ID, "account_id", m.AccountID,
		"name", m.Name, "frequency", m.Frequency)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dispatcher.DispatchScheduled(ctx, m.ID, m.AccountID); err != nil {
			s.logger.Error("scheduler: dispatch failed",
				"worker_id", m.ID, "account_id", m.AccountID, "error", err)
		}
	}()
}

func (s *Scheduler) strategicLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.strategicInterval)
	defer ticker.Stop()

	s.StrategicTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.StrategicTick(ctx)
		}
	}
}

// StrategicTick fires one strategic-decision cycle for every onboarded
// account whose last cycle is at least a day old. The run timestamp is
// recorded before the cycle launches so a slow cycle cannot be fired twice.
func (s *Scheduler) StrategicTick(ctx context.Context) {
	if s.strategic == nil {
		return
	}
	now := s.now()
	accounts, err := s.store.ListOnboardedAccounts(ctx)
	if err != nil {
		s.logger.Error("scheduler: list onboarded accounts", "error", err)
		return
	}
	for _, a := range accounts {
		if a.LastStrategicRunAt != nil && now.Sub(*a.LastStrategicRunAt) < strategicGap {
			continue
		}
		if err := s.store.RecordStrategicRun(ctx, a.ID, now); err != nil {
			s.logger.Error("scheduler: record strategic run",
				"account_id", a.ID, "error", err)
			continue
		}
		accountID := a.ID
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.strategic.RunCycle(ctx, accountID); err != nil {
				s.logger.Error("scheduler: strategic cycle failed",
					"account_id", accountID, "error", err)
			}
		}()
	}
}

func (s *Scheduler) skip(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SchedulerSkips.Add(ctx, 1)
	}
}
