package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultArchiveCron archives finished executions every day at 03:30.
	DefaultArchiveCron = "30 3 * * *"

	// DefaultRetention keeps finished executions live for 90 days.
	DefaultRetention = 90 * 24 * time.Hour
)

// Archiver marks old terminal executions archived.
type Archiver interface {
	ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ArchiveJob periodically archives executions that finished more than the
// retention period ago. Archived executions stay readable.
type ArchiveJob struct {
	archiver       Archiver
	retention      time.Duration
	cronExpression string
	logger         *slog.Logger
	now            func() time.Time
}

func NewArchiveJob(archiver Archiver, cronExpression string, retention time.Duration, logger *slog.Logger) (*ArchiveJob, error) {
	if cronExpression == "" {
		cronExpression = DefaultArchiveCron
	}

	if retention <= 0 {
		retention = DefaultRetention
	}

	if _, err := cron.ParseStandard(cronExpression); err != nil {
		return nil, fmt.Errorf("invalid archive schedule %q: %w", cronExpression, err)
	}

	return &ArchiveJob{
		archiver:       archiver,
		retention:      retention,
		cronExpression: cronExpression,
		logger:         logger.With("module", "archiver", "cron", cronExpression),
		now:            time.Now,
	}, nil
}

// Fire archives everything that finished before at minus the retention.
func (j *ArchiveJob) Fire(ctx context.Context, at time.Time) (int, error) {
	cutoff := at.Add(-j.retention)

	archived, err := j.archiver.ArchiveBefore(ctx, cutoff)
	if err != nil {
		j.logger.ErrorContext(ctx, "Failed to archive executions", "cutoff", cutoff, "error", err)

		return 0, err
	}

	j.logger.InfoContext(ctx, "Archived executions", "cutoff", cutoff, "count", archived)

	return archived, nil
}

// Run fires the job on its cron schedule until ctx is done.
func (j *ArchiveJob) Run(ctx context.Context) error {
	cronLog := cronLogger{j.logger}

	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.SkipIfStillRunning(cronLog), cron.Recover(cronLog)),
	)

	if _, err := c.AddFunc(j.cronExpression, func() {
		_, _ = j.Fire(ctx, j.now())
	}); err != nil {
		return fmt.Errorf("failed to add archive job: %w", err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	return nil
}
