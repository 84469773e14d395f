package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/persistence"
)

// ExecutionRepository keeps snapshots so callers never share memory with the store.
type ExecutionRepository struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution
}

func NewExecutionRepository() *ExecutionRepository {
	return &ExecutionRepository{executions: make(map[string]*models.Execution)}
}

func (r *ExecutionRepository) Create(_ context.Context, exec *models.Execution) (*models.Execution, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.executions[exec.ID]; ok {
		return existing.Snapshot(), false, nil
	}

	r.executions[exec.ID] = exec.Snapshot()

	return exec.Snapshot(), true, nil
}

func (r *ExecutionRepository) Get(_ context.Context, id string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("Get", id, persistence.ErrExecutionNotFound)
	}

	return exec.Snapshot(), nil
}

func (r *ExecutionRepository) Save(_ context.Context, exec *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.executions[exec.ID]
	if !ok {
		return persistence.NewExecutionError("Save", exec.ID, persistence.ErrExecutionNotFound)
	}

	if existing.Version != exec.Version || existing.Status.IsTerminal() {
		return persistence.NewExecutionError("Save", exec.ID, persistence.ErrExecutionConflict)
	}

	stored := exec.Snapshot()
	stored.CancelRequested = stored.CancelRequested || existing.CancelRequested
	stored.Owner = existing.Owner
	stored.LeaseExpiresAt = existing.LeaseExpiresAt
	stored.ArchivedAt = existing.ArchivedAt
	stored.Compensations = nil
	stored.Version = existing.Version + 1
	stored.UpdatedAt = time.Now().UTC()
	r.executions[exec.ID] = stored

	exec.Version = stored.Version

	return nil
}

func (r *ExecutionRepository) Claim(_ context.Context, id, owner string, lease time.Duration) (*models.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("Claim", id, persistence.ErrExecutionNotFound)
	}

	if exec.Status.IsTerminal() {
		return exec.Snapshot(), nil
	}

	now := time.Now().UTC()
	if !exec.Claimable(owner, now) {
		return nil, persistence.NewExecutionError("Claim", id, persistence.ErrExecutionClaimed)
	}

	expires := now.Add(lease)
	exec.Owner = owner
	exec.LeaseExpiresAt = &expires

	return exec.Snapshot(), nil
}

func (r *ExecutionRepository) ReleaseClaim(_ context.Context, id, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[id]
	if !ok {
		return persistence.NewExecutionError("ReleaseClaim", id, persistence.ErrExecutionNotFound)
	}

	if exec.Owner == owner {
		exec.Owner = ""
		exec.LeaseExpiresAt = nil
	}

	return nil
}

func (r *ExecutionRepository) RequestCancel(_ context.Context, id string) (*models.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("RequestCancel", id, persistence.ErrExecutionNotFound)
	}

	if !exec.Status.IsTerminal() {
		exec.CancelRequested = true
		exec.UpdatedAt = time.Now().UTC()
	}

	return exec.Snapshot(), nil
}

func (r *ExecutionRepository) ListActive(_ context.Context) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*models.Execution

	for _, exec := range r.executions {
		if !exec.Status.IsTerminal() {
			active = append(active, exec.Snapshot())
		}
	}

	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })

	return active, nil
}

func (r *ExecutionRepository) FindByCorrelationID(_ context.Context, correlationID string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, exec := range r.executions {
		if exec.CorrelationID == correlationID {
			return exec.Snapshot(), nil
		}
	}

	return nil, persistence.NewExecutionError("FindByCorrelationID", correlationID, persistence.ErrExecutionNotFound)
}

func (r *ExecutionRepository) ArchiveBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	archived := 0
	now := time.Now().UTC()

	for _, exec := range r.executions {
		if exec.Status.IsTerminal() && exec.ArchivedAt == nil && exec.UpdatedAt.Before(cutoff) {
			at := now
			exec.ArchivedAt = &at
			archived++
		}
	}

	return archived, nil
}
