package core

// scheduler.go triggers reconciliation cycles on a cron schedule.
//
// Overlapping triggers are skipped twice over: cron's SkipIfStillRunning
// covers this process and the cycle's RunLock covers other processes.
// A failed cycle is logged and never stops the scheduler.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CycleRunner runs one reconciliation cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleResult, error)
}

// Scheduler runs cycles on a cron spec such as "@every 5m" or "*/10 * * * *".
type Scheduler struct {
	runner     CycleRunner
	spec       string
	runOnStart bool
	cron       *cron.Cron
	logger     cron.Logger
	ctx        context.Context
	startup    sync.WaitGroup
}

// NewScheduler validates spec and prepares a stopped scheduler.
func NewScheduler(runner CycleRunner, spec string, runOnStart bool) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}

	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	return &Scheduler{
		runner:     runner,
		spec:       spec,
		runOnStart: runOnStart,
		logger:     logger,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}, nil
}

// Start registers the job and starts the cron loop. Cycles run with ctx
// until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	if _, err := s.cron.AddFunc(s.spec, func() {
		s.runOnce(ContextWithTrigger(s.ctx, TriggerSchedule))
	}); err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}

	slog.Info("sync scheduler started", "schedule", s.spec, "run_on_start", s.runOnStart)
	s.cron.Start()

	if s.runOnStart {
		job := cron.NewChain(cron.Recover(s.logger)).Then(cron.FuncJob(func() {
			s.runOnce(ContextWithTrigger(ctx, TriggerStartup))
		}))
		s.startup.Add(1)
		go func() {
			defer s.startup.Done()
			job.Run()
		}()
	}
	return nil
}

// Stop stops scheduling and returns a context that is done once running
// cycles, the startup cycle included, have finished.
func (s *Scheduler) Stop() context.Context {
	slog.Info("sync scheduler stopped")
	cronDone := s.cron.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronDone.Done()
		s.startup.Wait()
		cancel()
	}()
	return ctx
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()

	result, err := s.runner.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		slog.Info("sync cycle skipped, another run holds the lock")
	case err != nil:
		slog.Error("sync cycle failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
	default:
		slog.Info("sync cycle completed",
			"run_id", result.RunID,
			"queued", result.Queued,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
