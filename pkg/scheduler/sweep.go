// Package scheduler fires the daily inventory expiry sweep and archives
// finished executions.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/homeledger/pkg/ledger"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/workflow"
	"github.com/dukex/homeledger/pkg/workflows"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultCron fires the sweep every day at 06:00.
	DefaultCron = "0 6 * * *"

	scheduleID = "daily-sweep"
)

// Starter starts workflow executions.
type Starter interface {
	Start(
		ctx context.Context,
		workflowType models.WorkflowType,
		input json.RawMessage,
		executionKey string,
		opts ...workflow.StartOption,
	) (workflow.Handle, error)
}

type Option func(*DailySweep)

// WithLocation sets the time zone that decides the calendar day.
func WithLocation(location *time.Location) Option {
	return func(s *DailySweep) { s.location = location }
}

// WithHorizon sets how many days ahead a sweep looks for expiring units.
func WithHorizon(days int) Option {
	return func(s *DailySweep) { s.horizon = days }
}

// WithRunOnStart fires once when Run starts, covering a day missed while
// the process was down.
func WithRunOnStart() Option {
	return func(s *DailySweep) { s.runOnStart = true }
}

func WithClock(now func() time.Time) Option {
	return func(s *DailySweep) { s.now = now }
}

// DailySweep starts one sweep execution per calendar day. The execution key
// is derived from the day, so firing twice resumes the same execution. The
// input always carries an explicit horizon.
type DailySweep struct {
	starter    Starter
	logger     *slog.Logger
	location   *time.Location
	horizon    int
	runOnStart bool
	now        func() time.Time

	mu       sync.Mutex
	schedule *models.Schedule
}

func NewDailySweep(starter Starter, cronExpression string, logger *slog.Logger, opts ...Option) (*DailySweep, error) {
	if cronExpression == "" {
		cronExpression = DefaultCron
	}

	schedule, err := models.NewSchedule(scheduleID, models.WorkflowTypeSweep, cronExpression)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cronExpression, err)
	}

	s := &DailySweep{
		starter:  starter,
		logger:   logger.With("module", "scheduler", "cron", cronExpression),
		location: time.UTC,
		horizon:  workflows.DefaultHorizonDays,
		now:      time.Now,
		schedule: schedule,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Fire starts the sweep for the calendar day of at.
func (s *DailySweep) Fire(ctx context.Context, at time.Time) (workflow.Handle, error) {
	asOfDate := at.In(s.location).Format(ledger.DateLayout)

	horizon := s.horizon

	input, err := json.Marshal(workflows.SweepInput{AsOfDate: asOfDate, HorizonDays: &horizon})
	if err != nil {
		return workflow.Handle{}, err
	}

	handle, err := s.starter.Start(ctx, models.WorkflowTypeSweep, input, workflows.SweepKey(asOfDate))
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to start sweep", "as_of_date", asOfDate, "error", err)

		return workflow.Handle{}, err
	}

	s.mu.Lock()
	if err := s.schedule.MarkFired(at); err != nil {
		s.logger.WarnContext(ctx, "Failed to advance schedule", "error", err)
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Sweep fired",
		"as_of_date", asOfDate,
		"execution_id", handle.ExecutionID,
		"duplicate", handle.Duplicate)

	return handle, nil
}

// Schedule returns a copy of the schedule state.
func (s *DailySweep) Schedule() models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	return *s.schedule
}

// Run fires the sweep on the cron schedule until ctx is done.
func (s *DailySweep) Run(ctx context.Context) error {
	cronLog := cronLogger{s.logger}

	c := cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(cronLog),
		cron.WithChain(
			cron.SkipIfStillRunning(cronLog),
			cron.Recover(cronLog),
		),
	)

	if _, err := c.AddFunc(s.schedule.CronExpression, func() {
		_, _ = s.Fire(ctx, s.now())
	}); err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}

	s.logger.InfoContext(ctx, "Starting sweep scheduler", "next_due_at", s.Schedule().NextDueAt)

	if s.runOnStart {
		_, _ = s.Fire(ctx, s.now())
	}

	c.Start()
	<-ctx.Done()

	s.logger.Info("Stopping sweep scheduler")
	<-c.Stop().Done()

	return nil
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
