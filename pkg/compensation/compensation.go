// Package compensation keeps the ordered undo log of an execution and drains
// it in reverse when the execution has to roll back.
package compensation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dukex/homeledger/pkg/activity"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/retry"
)

var ErrNoHandler = errors.New("no compensation handler registered")

// UndoFunc reverses the effect recorded by entry. It must be safe to call
// more than once.
type UndoFunc func(ctx context.Context, entry models.CompensationEntry) error

type Handler struct {
	Undo       UndoFunc
	Policy     retry.Policy
	Timeout    time.Duration
	Classifier activity.Classifier
}

// Registry maps resource types to undo handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds the undo handler for resourceType. A zero Policy defaults to
// retry.Default.
func (r *Registry) Register(resourceType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if handler.Policy == (retry.Policy{}) {
		handler.Policy = retry.Default
	}

	r.handlers[resourceType] = handler
}

func (r *Registry) Lookup(resourceType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[resourceType]

	return handler, ok
}

// Runner runs an undo descriptor with retries and no caching.
type Runner interface {
	Undo(ctx context.Context, d activity.Descriptor, exec *models.Execution) activity.Result
}

// Stack is the compensation log of one execution as loaded for a rollback.
// Entries are ordered by their Index, not by their position in the slice.
type Stack struct {
	entries []models.CompensationEntry
}

// NewStack restores a stack from persisted entries.
func NewStack(entries []models.CompensationEntry) *Stack {
	return &Stack{entries: slices.Clone(entries)}
}

func (s *Stack) Len() int {
	return len(s.entries)
}

// Outcome is the result of undoing one entry.
type Outcome struct {
	Entry    models.CompensationEntry
	Attempts int
	Err      error
}

// DrainReverse undoes every entry from the most recent to the earliest. A
// failed undo does not stop the drain; it is reported in its Outcome.
func (s *Stack) DrainReverse(ctx context.Context, registry *Registry, runner Runner, exec *models.Execution) []Outcome {
	ordered := slices.Clone(s.entries)
	slices.SortStableFunc(ordered, func(a, b models.CompensationEntry) int { return b.Index - a.Index })

	outcomes := make([]Outcome, 0, len(ordered))

	for _, entry := range ordered {
		handler, ok := registry.Lookup(entry.ResourceType)
		if !ok {
			outcomes = append(outcomes, Outcome{
				Entry: entry,
				Err:   fmt.Errorf("%w: %s", ErrNoHandler, entry.ResourceType),
			})

			continue
		}

		result := runner.Undo(ctx, activity.Descriptor{
			Name:       "undo_" + entry.Step,
			Policy:     handler.Policy,
			Timeout:    handler.Timeout,
			Classifier: handler.Classifier,
			Run: func(ctx context.Context) ([]byte, error) {
				return nil, handler.Undo(ctx, entry)
			},
		}, exec)

		outcomes = append(outcomes, Outcome{Entry: entry, Attempts: result.Attempts, Err: result.Err})
	}

	return outcomes
}

// Unresolved lists the entries whose undo failed, in drain order.
func Unresolved(outcomes []Outcome) []models.CompensationEntry {
	var unresolved []models.CompensationEntry

	for _, outcome := range outcomes {
		if outcome.Err != nil {
			unresolved = append(unresolved, outcome.Entry)
		}
	}

	return unresolved
}
