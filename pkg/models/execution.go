// Package models defines the durable records shared by the orchestration core.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// WorkflowType names one fixed operation the engine knows how to drive.
type WorkflowType string

const (
	WorkflowTypePurchase WorkflowType = "purchase"
	WorkflowTypeImport   WorkflowType = "import"
	WorkflowTypeSweep    WorkflowType = "sweep"
)

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionStatusPending      ExecutionStatus = "PENDING"
	ExecutionStatusRunning      ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted    ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed       ExecutionStatus = "FAILED"
	ExecutionStatusCompensating ExecutionStatus = "COMPENSATING"
	ExecutionStatusRolledBack   ExecutionStatus = "ROLLED_BACK"
	ExecutionStatusCancelled    ExecutionStatus = "CANCELLED"

	runningStepPrefix = "RUNNING_"
)

var (
	ErrInvalidTransition = errors.New("invalid execution status transition")
	// ErrStepRegression rejects moving to the running status of a step planned
	// before the current one.
	ErrStepRegression    = fmt.Errorf("%w: execution cannot return to an earlier step", ErrInvalidTransition)
	ErrResultAlreadySet  = errors.New("execution result already set")
	ErrErrorAlreadySet   = errors.New("execution error already set")
)

// RunningStep returns the status an execution carries while step is in flight.
func RunningStep(step string) ExecutionStatus {
	return ExecutionStatus(runningStepPrefix + strings.ToUpper(step))
}

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusRolledBack, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// IsRunning reports RUNNING and every RUNNING_<step> status.
func (s ExecutionStatus) IsRunning() bool {
	return s == ExecutionStatusRunning || strings.HasPrefix(string(s), runningStepPrefix)
}

// CanTransitionTo encodes the execution state machine.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch {
	case s == ExecutionStatusPending:
		return next == ExecutionStatusRunning || next == ExecutionStatusFailed || next == ExecutionStatusCancelled
	case s.IsRunning():
		if next.IsRunning() {
			// RUNNING_<step> may not go back to the bare RUNNING state.
			return next != ExecutionStatusRunning || s == ExecutionStatusRunning
		}

		return next == ExecutionStatusCompleted ||
			next == ExecutionStatusCompensating ||
			next == ExecutionStatusFailed ||
			next == ExecutionStatusCancelled
	case s == ExecutionStatusCompensating:
		return next == ExecutionStatusRolledBack || next == ExecutionStatusFailed || next == ExecutionStatusCancelled
	default:
		return false
	}
}

// ExecutionError is the terminal error summary of an execution.
type ExecutionError struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
	Step   string `json:"step,omitempty"`
}

// Execution is one durable run of a workflow type.
type Execution struct {
	ID            string          `json:"id"`
	WorkflowType  WorkflowType    `json:"workflow_type"`
	ExecutionKey  string          `json:"execution_key"`
	Status        ExecutionStatus `json:"status"`
	Input         json.RawMessage `json:"input"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ExecutionError `json:"error,omitempty"`
	// Cause is the failure that started compensation. Error is only set once
	// the execution reaches its terminal status.
	Cause         *ExecutionError `json:"cause,omitempty"`
	CorrelationID string          `json:"correlation_id"`

	// StepPlan is the step sequence fixed when the execution was created.
	StepPlan []string     `json:"step_plan"`
	Steps    []StepRecord `json:"steps"`

	// Compensations is read from the compensation log for status views. It
	// is not stored with the execution.
	Compensations []CompensationEntry `json:"compensations,omitempty"`
	Unresolved    []CompensationEntry `json:"unresolved,omitempty"`

	// Cursor is the index into StepPlan of the next step to run.
	Cursor  int `json:"cursor"`
	// Segment counts continue-as-new generations.
	Segment int `json:"segment"`

	// Carry is the summary of step outputs folded at segment boundaries.
	Carry             json.RawMessage `json:"carry,omitempty"`
	// CompensationDepth is how many entries the compensation log holds.
	CompensationDepth int             `json:"compensation_depth"`

	CancelRequested bool       `json:"cancel_requested"`
	Deadline        *time.Time `json:"deadline,omitempty"`

	// Version increments on every save. A save carrying an older version is
	// rejected.
	Version int64 `json:"version"`

	// Owner is the engine instance holding the claim until LeaseExpiresAt.
	Owner          string     `json:"owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// NewExecution builds a PENDING execution.
func NewExecution(id string, workflowType WorkflowType, key string, input json.RawMessage, correlationID string, plan []string) *Execution {
	now := time.Now().UTC()

	return &Execution{
		ID:            id,
		WorkflowType:  workflowType,
		ExecutionKey:  key,
		Status:        ExecutionStatusPending,
		Input:         slices.Clone(input),
		CorrelationID: correlationID,
		StepPlan:      slices.Clone(plan),
		Steps:         []StepRecord{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the execution to next, enforcing the state machine.
func (e *Execution) Transition(next ExecutionStatus) error {
	if e.Status == next {
		return nil
	}

	if !e.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}

	if from, to := e.planIndex(e.Status), e.planIndex(next); from >= 0 && to >= 0 && to < from {
		return ErrStepRegression
	}

	e.Status = next
	e.UpdatedAt = time.Now().UTC()

	return nil
}

// planIndex returns the position in StepPlan of the step whose running status
// is status, or -1.
func (e *Execution) planIndex(status ExecutionStatus) int {
	if !strings.HasPrefix(string(status), runningStepPrefix) {
		return -1
	}

	for i, name := range e.StepPlan {
		if RunningStep(name) == status {
			return i
		}
	}

	return -1
}

// Claimed reports whether owner holds a live claim at now.
func (e *Execution) Claimed(owner string, now time.Time) bool {
	return e.Owner == owner && e.LeaseExpiresAt != nil && now.Before(*e.LeaseExpiresAt)
}

// Claimable reports whether owner may take the execution at now.
func (e *Execution) Claimable(owner string, now time.Time) bool {
	return e.Owner == "" || e.Owner == owner || e.LeaseExpiresAt == nil || !now.Before(*e.LeaseExpiresAt)
}

// SetResult stores the result payload. It can be called once.
func (e *Execution) SetResult(result json.RawMessage) error {
	if e.Result != nil {
		return ErrResultAlreadySet
	}

	e.Result = slices.Clone(result)

	return nil
}

// Fail records the terminal error summary. It can be called once.
func (e *Execution) Fail(execErr ExecutionError) error {
	if e.Error != nil {
		return ErrErrorAlreadySet
	}

	e.Error = &execErr

	return nil
}

// Step returns the record for name, if any.
func (e *Execution) Step(name string) (*StepRecord, bool) {
	for i := range e.Steps {
		if e.Steps[i].Name == name {
			return &e.Steps[i], true
		}
	}

	return nil, false
}

// UpsertStep replaces the record with the same name or appends it.
func (e *Execution) UpsertStep(record StepRecord) {
	if existing, ok := e.Step(record.Name); ok {
		*existing = record

		return
	}

	e.Steps = append(e.Steps, record)
}

// DeadlineExceeded reports whether the whole-execution ceiling has passed.
func (e *Execution) DeadlineExceeded(now time.Time) bool {
	return e.Deadline != nil && now.After(*e.Deadline)
}

// Snapshot returns a deep copy safe to hand to callers.
func (e *Execution) Snapshot() *Execution {
	if e == nil {
		return nil
	}

	c := *e
	c.Input = slices.Clone(e.Input)
	c.Result = slices.Clone(e.Result)
	c.StepPlan = slices.Clone(e.StepPlan)
	c.Steps = make([]StepRecord, len(e.Steps))

	for i, s := range e.Steps {
		c.Steps[i] = s.clone()
	}

	c.Carry = slices.Clone(e.Carry)
	c.Compensations = cloneEntries(e.Compensations)
	c.Unresolved = cloneEntries(e.Unresolved)

	if e.Error != nil {
		errCopy := *e.Error
		c.Error = &errCopy
	}

	if e.Cause != nil {
		causeCopy := *e.Cause
		c.Cause = &causeCopy
	}

	if e.Deadline != nil {
		d := *e.Deadline
		c.Deadline = &d
	}

	if e.ArchivedAt != nil {
		a := *e.ArchivedAt
		c.ArchivedAt = &a
	}

	if e.LeaseExpiresAt != nil {
		l := *e.LeaseExpiresAt
		c.LeaseExpiresAt = &l
	}

	return &c
}
