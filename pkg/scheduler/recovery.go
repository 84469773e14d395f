package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultRecoveryCron looks for orphaned executions every minute.
const DefaultRecoveryCron = "@every 1m"

// Recoverer resumes executions no live engine is driving.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// RecoveryJob periodically resumes executions whose engine stopped, e.g. a
// crashed peer whose claim lease ran out.
type RecoveryJob struct {
	recoverer      Recoverer
	cronExpression string
	logger         *slog.Logger
}

func NewRecoveryJob(recoverer Recoverer, cronExpression string, logger *slog.Logger) (*RecoveryJob, error) {
	if cronExpression == "" {
		cronExpression = DefaultRecoveryCron
	}

	if _, err := cron.ParseStandard(cronExpression); err != nil {
		return nil, fmt.Errorf("invalid recovery schedule %q: %w", cronExpression, err)
	}

	return &RecoveryJob{
		recoverer:      recoverer,
		cronExpression: cronExpression,
		logger:         logger.With("module", "recovery", "cron", cronExpression),
	}, nil
}

// Fire resumes every active execution not claimed by a live engine.
func (j *RecoveryJob) Fire(ctx context.Context) (int, error) {
	resumed, err := j.recoverer.Recover(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "Failed to recover executions", "error", err)

		return 0, err
	}

	j.logger.DebugContext(ctx, "Recovery pass finished", "active", resumed)

	return resumed, nil
}

func (j *RecoveryJob) Run(ctx context.Context) error {
	cronLog := cronLogger{j.logger}

	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.SkipIfStillRunning(cronLog), cron.Recover(cronLog)),
	)

	if _, err := c.AddFunc(j.cronExpression, func() {
		_, _ = j.Fire(ctx)
	}); err != nil {
		return fmt.Errorf("failed to add recovery job: %w", err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	return nil
}
