package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/homeledger/pkg/log"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/persistence/memory"
	"github.com/dukex/homeledger/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingArchiver struct {
	cutoffs []time.Time
	err     error
}

func (a *recordingArchiver) ArchiveBefore(_ context.Context, cutoff time.Time) (int, error) {
	a.cutoffs = append(a.cutoffs, cutoff)

	return 2, a.err
}

func TestArchiveJob_FireSubtractsRetention(t *testing.T) {
	archiver := &recordingArchiver{}

	job, err := scheduler.NewArchiveJob(archiver, "", 30*24*time.Hour, log.Discard())
	require.NoError(t, err)

	at := time.Date(2026, 3, 31, 3, 30, 0, 0, time.UTC)

	archived, err := job.Fire(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, 2, archived)
	assert.Equal(t, []time.Time{time.Date(2026, 3, 1, 3, 30, 0, 0, time.UTC)}, archiver.cutoffs)
}

func TestArchiveJob_FireReturnsStoreError(t *testing.T) {
	job, err := scheduler.NewArchiveJob(&recordingArchiver{err: errors.New("db down")}, "", 0, log.Discard())
	require.NoError(t, err)

	_, err = job.Fire(context.Background(), time.Now())
	require.Error(t, err)
}

func TestArchiveJob_InvalidCron(t *testing.T) {
	_, err := scheduler.NewArchiveJob(&recordingArchiver{}, "every day", 0, log.Discard())
	require.Error(t, err)
}

func TestArchiveJob_ArchivesFinishedExecutions(t *testing.T) {
	repo := memory.NewExecutionRepository()
	ctx := context.Background()

	exec := models.NewExecution("exec-1", models.WorkflowTypeSweep, "sweep:2026-03-15", nil, "corr-1", nil)
	_, _, err := repo.Create(ctx, exec)
	require.NoError(t, err)
	require.NoError(t, exec.Transition(models.ExecutionStatusRunning))
	require.NoError(t, exec.Transition(models.ExecutionStatusCompleted))
	require.NoError(t, repo.Save(ctx, exec))

	job, err := scheduler.NewArchiveJob(repo, "", time.Hour, log.Discard())
	require.NoError(t, err)

	archived, err := job.Fire(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
}
