package retention

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a sweep every day at midnight.
const DefaultSchedule = "0 0 * * *"

// Runner performs a single sweep.
type Runner interface {
	Run(ctx context.Context) (*Result, error)
}

// ValidateSchedule checks a standard five-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Scheduler triggers sweeps on a cron schedule. A sweep that is still
// running when the next one is due causes that next one to be skipped.
type Scheduler struct {
	runner   Runner
	schedule string
	logger   *log.Logger
}

// NewScheduler validates schedule and creates a Scheduler.
func NewScheduler(runner Runner, schedule string, logger *log.Logger) (*Scheduler, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	return &Scheduler{
		runner:   runner,
		schedule: schedule,
		logger:   logger.With("component", "scheduler"),
	}, nil
}

// Run blocks until ctx is done, sweeping on every tick. On return the
// in-flight sweep, if any, has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.runner.Run(ctx); err != nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	c.Start()
	s.logger.Info("retention scheduler started", "schedule", s.schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("retention scheduler stopped")
	return nil
}

// cronLogger adapts a charmbracelet logger to cron.Logger.
type cronLogger struct {
	l *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
