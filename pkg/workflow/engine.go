// Package workflow drives executions of registered workflow definitions
// through their steps, compensating completed steps when a later one fails.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/dukex/homeledger/pkg/activity"
	"github.com/dukex/homeledger/pkg/compensation"
	"github.com/dukex/homeledger/pkg/eventbus"
	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/log"
	"github.com/dukex/homeledger/pkg/metrics"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/otelhelper"
	"github.com/dukex/homeledger/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// executionNamespace scopes execution ids derived from execution keys.
var executionNamespace = uuid.MustParse("6f1c2a52-4f0e-4d59-9a53-0b8e54a1f3c7")

// ExecutionID derives the execution id for an execution key.
func ExecutionID(workflowType models.WorkflowType, key string) string {
	return uuid.NewSHA1(executionNamespace, []byte(string(workflowType)+":"+key)).String()
}

// Emitter hands completion events to delivery.
type Emitter interface {
	Emit(ctx context.Context, env *events.Envelope) error
}

// Alerter is notified when a rollback leaves unresolved effects.
type Alerter interface {
	CompensationFailed(ctx context.Context, exec *models.Execution)
}

// Handle acknowledges Start.
type Handle struct {
	ExecutionID string                 `json:"executionId"`
	Status      models.ExecutionStatus `json:"status"`
	// Duplicate is set when the execution already existed.
	Duplicate bool `json:"duplicate"`
}

type CancelOutcome string

const (
	CancelAccepted        CancelOutcome = "CancelAccepted"
	CancelAlreadyTerminal CancelOutcome = "CancelAlreadyTerminal"
)

// DefaultLease is how long a claim on an execution lasts without renewal.
const DefaultLease = 30 * time.Second

// Config carries the engine's collaborators.
type Config struct {
	Executions      persistence.ExecutionRepository
	CompensationLog persistence.CompensationRepository
	Executor        *activity.Executor
	Workflows       *Registry
	Compensations   *compensation.Registry
	Emitter         Emitter
	Alerter         Alerter
	Metrics         *metrics.Metrics
	// Lease bounds how long an execution stays claimed by an engine that
	// stopped renewing it. Zero uses DefaultLease.
	Lease time.Duration
}

// Engine drives executions. Engines sharing one store coordinate through
// execution claims: only the engine holding the claim runs steps.
type Engine struct {
	id              string
	lease           time.Duration
	executions      persistence.ExecutionRepository
	compensationLog persistence.CompensationRepository
	executor        *activity.Executor
	workflows       *Registry
	compensations   *compensation.Registry
	emitter         Emitter
	alerter         Alerter
	metrics         *metrics.Metrics
	logger          *slog.Logger
	tracer          trace.Tracer
	now             func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]chan struct{}
}

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	baseCtx, stop := context.WithCancel(context.Background())

	lease := cfg.Lease
	if lease <= 0 {
		lease = DefaultLease
	}

	id := uuid.NewString()

	return &Engine{
		id:              id,
		lease:           lease,
		executions:      cfg.Executions,
		compensationLog: cfg.CompensationLog,
		executor:        cfg.Executor,
		workflows:       cfg.Workflows,
		compensations:   cfg.Compensations,
		emitter:         cfg.Emitter,
		alerter:         cfg.Alerter,
		metrics:         cfg.Metrics,
		logger:          logger.With("module", "workflow_engine", "engine_id", id),
		tracer:          otelhelper.Tracer(),
		now:             time.Now,
		baseCtx:         baseCtx,
		stop:            stop,
		running:         make(map[string]chan struct{}),
	}
}

type StartOption func(*startOptions)

type startOptions struct {
	correlationID string
}

// WithCorrelationID threads an existing correlation id through the execution.
// By default the execution id is used.
func WithCorrelationID(id string) StartOption {
	return func(o *startOptions) { o.correlationID = id }
}

// Start validates input and creates the execution for executionKey unless it
// already exists, then runs it in the background. A repeated Start returns
// the stored state without running anything again.
func (e *Engine) Start(
	ctx context.Context,
	workflowType models.WorkflowType,
	input json.RawMessage,
	executionKey string,
	opts ...StartOption,
) (Handle, error) {
	if executionKey == "" {
		return Handle{}, newError(KindValidation, "Start", "execution key is required", nil)
	}

	def, plan, err := e.workflows.Validate(workflowType, input)
	if err != nil {
		return Handle{}, err
	}

	options := startOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	id := ExecutionID(workflowType, executionKey)
	if options.correlationID == "" {
		options.correlationID = id
	}

	exec := models.NewExecution(id, workflowType, executionKey, input, options.correlationID, plan)
	if timeout := def.Limits().Timeout; timeout > 0 {
		deadline := exec.CreatedAt.Add(timeout)
		exec.Deadline = &deadline
	}

	stored, created, err := e.executions.Create(ctx, exec)
	if err != nil {
		return Handle{}, newError(KindTransient, "Start", "failed to create execution", err)
	}

	logger := log.WithExecution(e.logger, stored.ID, stored.CorrelationID).With("workflow_type", workflowType)

	if !created {
		if !sameInput(stored.Input, input) {
			return Handle{}, newError(KindValidation, "Start", executionKey, ErrKeyReused)
		}

		logger.InfoContext(ctx, "Duplicate start request", "status", stored.Status)

		return Handle{ExecutionID: stored.ID, Status: stored.Status, Duplicate: true}, nil
	}

	logger.InfoContext(ctx, "Execution created", "steps", len(plan))
	e.metrics.ExecutionStarted(string(workflowType))
	e.launch(stored.ID)

	return Handle{ExecutionID: stored.ID, Status: stored.Status}, nil
}

// Status returns a snapshot of the execution with its compensation log.
func (e *Engine) Status(ctx context.Context, executionID string) (*models.Execution, error) {
	exec, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if exec.CompensationDepth > 0 {
		entries, err := e.compensationLog.List(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load compensations: %w", err)
		}

		exec.Compensations = entries
	}

	return exec, nil
}

// Cancel requests cooperative cancellation. The running engine observes the
// flag at the next step boundary.
func (e *Engine) Cancel(ctx context.Context, executionID string) (CancelOutcome, *models.Execution, error) {
	exec, err := e.executions.RequestCancel(ctx, executionID)
	if err != nil {
		return "", nil, err
	}

	if exec.Status.IsTerminal() {
		return CancelAlreadyTerminal, exec, nil
	}

	e.logger.InfoContext(ctx, "Cancellation requested", "execution_id", executionID, "status", exec.Status)

	if exec.Status == models.ExecutionStatusPending {
		e.launch(executionID)
	}

	return CancelAccepted, exec, nil
}

// Recover resumes every non-terminal execution, e.g. after a restart, and
// returns how many it launched. Executions claimed by another live engine
// are left to it.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	active, err := e.executions.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active executions: %w", err)
	}

	resumed := 0

	for _, exec := range active {
		if !exec.Claimable(e.id, e.now()) {
			continue
		}

		if e.launch(exec.ID) {
			e.logger.InfoContext(ctx, "Resuming execution",
				"execution_id", exec.ID,
				"status", exec.Status,
				"cursor", exec.Cursor)

			resumed++
		}
	}

	return resumed, nil
}

// Wait blocks until the execution's goroutine, if any, has stopped.
func (e *Engine) Wait(ctx context.Context, executionID string) error {
	e.mu.Lock()
	done, ok := e.running[executionID]
	e.mu.Unlock()

	if !ok {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown interrupts running steps and waits for every goroutine to stop.
// Interrupted executions stay non-terminal and are picked up by Recover.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launch starts driving id unless this engine already does.
func (e *Engine) launch(id string) bool {
	if e.baseCtx.Err() != nil {
		return false
	}

	e.mu.Lock()
	if _, ok := e.running[id]; ok {
		e.mu.Unlock()

		return false
	}

	done := make(chan struct{})
	e.running[id] = done
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runSegment(id, done)

	return true
}

// runSegment drives one segment. Continuing as new starts the next segment
// on a fresh goroutine.
func (e *Engine) runSegment(id string, done chan struct{}) {
	defer e.wg.Done()

	if e.drive(e.baseCtx, id) && e.baseCtx.Err() == nil {
		e.wg.Add(1)

		go e.runSegment(id, done)

		return
	}

	e.release(id)

	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
	close(done)
}

// drive runs the execution until it is terminal, interrupted, or reaches the
// segment limit, in which case it returns true.
func (e *Engine) drive(ctx context.Context, id string) bool {
	exec, err := e.executions.Claim(ctx, id, e.id, e.lease)
	if err != nil {
		if persistence.IsExecutionClaimed(err) {
			e.logger.DebugContext(ctx, "Execution is driven by another engine", "execution_id", id)

			return false
		}

		e.logger.ErrorContext(ctx, "Failed to claim execution", "execution_id", id, "error", err)

		return false
	}

	if exec.Status.IsTerminal() {
		return false
	}

	logger := log.WithExecution(e.logger, exec.ID, exec.CorrelationID).With(
		"workflow_type", exec.WorkflowType,
		"segment", exec.Segment,
	)

	ctx, lost := context.WithCancel(ctx)
	heartbeat := e.heartbeat(ctx, lost, logger, id)

	defer func() {
		lost()
		<-heartbeat
	}()

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow."+string(exec.WorkflowType),
		attribute.String(otelhelper.ExecutionIDKey, exec.ID),
		attribute.String(otelhelper.WorkflowTypeKey, string(exec.WorkflowType)),
		attribute.String(otelhelper.CorrelationIDKey, exec.CorrelationID),
	)
	defer span.End()

	def, ok := e.workflows.Lookup(exec.WorkflowType)
	if !ok {
		logger.ErrorContext(ctx, "No definition registered for execution")
		e.finish(ctx, logger, exec, models.ExecutionStatusFailed,
			summary(KindValidation, "", "unknown workflow type", ErrUnknownWorkflow))

		return false
	}

	if exec.Status == models.ExecutionStatusCompensating {
		e.compensate(ctx, logger, exec)

		return false
	}

	if exec.Status == models.ExecutionStatusPending {
		if exec.CancelRequested {
			e.finish(ctx, logger, exec, models.ExecutionStatusCancelled,
				summary(KindCancelled, "", "cancelled before start", nil))

			return false
		}

		if !e.transition(ctx, logger, exec, models.ExecutionStatusRunning) {
			return false
		}

		logger.InfoContext(ctx, "Execution started")
	}

	if exec.Deadline != nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithDeadline(ctx, *exec.Deadline)
		defer cancel()
	}

	stepsRun := 0
	segmentSize := def.Limits().SegmentSize

	for exec.Cursor < len(exec.StepPlan) {
		if cause := e.interruption(ctx, exec); cause != nil {
			e.abort(ctx, logger, exec, *cause)

			return false
		}

		if segmentSize > 0 && stepsRun >= segmentSize {
			if folder, ok := def.(Folder); ok {
				if err := fold(exec, folder); err != nil {
					e.abort(ctx, logger, exec, summary(KindBusinessRule, "", "step outputs cannot be folded", err))

					return false
				}
			}

			exec.Segment++
			if !e.save(ctx, logger, exec) {
				return false
			}

			logger.InfoContext(ctx, "Continuing as new", "cursor", exec.Cursor)

			return true
		}

		name := exec.StepPlan[exec.Cursor]
		if record, ok := exec.Step(name); ok && record.Succeeded() {
			exec.Cursor++

			continue
		}

		step, ok := def.Step(name)
		if !ok {
			e.abort(ctx, logger, exec, summary(KindBusinessRule, name, "step is not defined", ErrUnknownStep))

			return false
		}

		switch e.runStep(ctx, logger, exec, step) {
		case stepSucceeded:
			stepsRun++
		case stepInterrupted:
			if exec.DeadlineExceeded(e.now()) && e.baseCtx.Err() == nil {
				e.abort(ctx, logger, exec, summary(KindDeadlineExceeded, name, "execution deadline exceeded", nil))
			}

			return false
		default:
			return false
		}
	}

	e.complete(ctx, logger, exec, def)

	return false
}

// heartbeat renews the claim on id every third of the lease until ctx ends.
// When another engine took the claim it cancels the drive through lost. The
// returned channel is closed once the heartbeat stopped.
func (e *Engine) heartbeat(ctx context.Context, lost context.CancelFunc, logger *slog.Logger, id string) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(e.lease / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			_, err := e.executions.Claim(ctx, id, e.id, e.lease)
			if err == nil || ctx.Err() != nil {
				continue
			}

			if persistence.IsExecutionClaimed(err) {
				logger.WarnContext(ctx, "Execution claim was taken over, stopping", "error", err)
				lost()

				return
			}

			logger.WarnContext(ctx, "Failed to renew execution claim", "error", err)
		}
	}()

	return done
}

// release gives up the claim so another engine can resume the execution
// without waiting for the lease to run out.
func (e *Engine) release(id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.baseCtx), 5*time.Second)
	defer cancel()

	if err := e.executions.ReleaseClaim(ctx, id, e.id); err != nil {
		e.logger.WarnContext(ctx, "Failed to release execution claim", "execution_id", id, "error", err)
	}
}

// fold hands the outputs of succeeded steps not folded yet to folder and keeps
// only the resulting carry.
func fold(exec *models.Execution, folder Folder) error {
	var pending []models.StepRecord

	for _, record := range exec.Steps {
		if record.Succeeded() && !record.Folded && len(record.Output) > 0 {
			pending = append(pending, record)
		}
	}

	if len(pending) == 0 {
		return nil
	}

	carry, err := folder.Fold(exec.Carry, pending)
	if err != nil {
		return err
	}

	exec.Carry = carry

	for i := range exec.Steps {
		record := &exec.Steps[i]
		if record.Succeeded() && !record.Folded && len(record.Output) > 0 {
			record.Output = nil
			record.Folded = true
		}
	}

	return nil
}

// interruption reports a pending cancel request or an exceeded deadline.
func (e *Engine) interruption(ctx context.Context, exec *models.Execution) *models.ExecutionError {
	if fresh, err := e.executions.Get(ctx, exec.ID); err == nil && fresh.CancelRequested {
		exec.CancelRequested = true
	}

	if exec.CancelRequested {
		cause := summary(KindCancelled, "", "cancellation requested", nil)

		return &cause
	}

	if exec.DeadlineExceeded(e.now()) {
		cause := summary(KindDeadlineExceeded, "", "execution deadline exceeded", nil)

		return &cause
	}

	return nil
}

type stepOutcome int

const (
	stepSucceeded stepOutcome = iota
	stepFailed
	stepInterrupted
)

func (e *Engine) runStep(ctx context.Context, logger *slog.Logger, exec *models.Execution, step Step) stepOutcome {
	logger = logger.With("step", step.Name)

	key := idempotency.Key(exec.ID, step.Name)
	if step.IdempotencyKey != nil {
		key = step.IdempotencyKey(exec)
	}

	record := models.StepRecord{
		Name:           step.Name,
		Status:         models.StepStatusRunning,
		IdempotencyKey: key,
		StartedAt:      e.now().UTC(),
	}
	exec.UpsertStep(record)

	if !e.transition(ctx, logger, exec, models.RunningStep(step.Name)) {
		return stepFailed
	}

	snapshot := exec.Snapshot()

	result := e.executor.Invoke(ctx, activity.Descriptor{
		Name:           step.Name,
		IdempotencyKey: key,
		Policy:         step.Policy,
		Timeout:        step.Timeout,
		Classifier:     step.Classifier,
		Run: func(ctx context.Context) ([]byte, error) {
			return step.Run(ctx, snapshot)
		},
	}, exec)

	if result.Interrupted {
		logger.WarnContext(ctx, "Step interrupted", "attempts", result.Attempts)

		return stepInterrupted
	}

	record.Attempts = result.Attempts
	record.Cached = result.Cached

	completedAt := result.CompletedAt
	record.CompletedAt = &completedAt

	if !result.Succeeded() {
		record.Status = models.StepStatusFailed
		record.LastErrorClass = result.Class
		record.LastError = result.Err.Error()
		exec.UpsertStep(record)

		kind, reason := KindBusinessRule, "step failed"
		if result.Exhausted {
			kind, reason = KindTransient, "step retries exhausted"
		}

		logger.WarnContext(ctx, "Step failed",
			"attempts", result.Attempts,
			"error_class", result.Class,
			"error", result.Err)

		e.abort(ctx, logger, exec, summary(kind, step.Name, reason, result.Err))

		return stepFailed
	}

	record.Status = models.StepStatusSucceeded
	record.Output = result.Output
	exec.UpsertStep(record)

	if step.Compensation != nil {
		entry, err := step.Compensation(result.Output)
		if err != nil {
			e.abort(ctx, logger, exec, summary(KindBusinessRule, step.Name, "step output cannot be compensated", err))

			return stepFailed
		}

		if entry != nil {
			entry.Step = step.Name
			entry.Index = exec.CompensationDepth

			if err := e.compensationLog.Append(context.WithoutCancel(ctx), exec.ID, entry.Clone()); err != nil {
				logger.ErrorContext(ctx, "Failed to record compensation", "error", err)

				return stepFailed
			}

			exec.CompensationDepth++
		}
	}

	exec.Cursor++

	if !e.save(ctx, logger, exec) {
		return stepFailed
	}

	logger.InfoContext(ctx, "Step succeeded", "attempts", result.Attempts, "cached", result.Cached)

	return stepSucceeded
}

func (e *Engine) complete(ctx context.Context, logger *slog.Logger, exec *models.Execution, def Definition) {
	completion, err := def.Complete(ctx, exec.Snapshot())
	if err != nil {
		e.abort(ctx, logger, exec, summary(KindBusinessRule, "", "result cannot be built", err))

		return
	}

	for _, env := range completion.Events {
		if err := e.emitter.Emit(ctx, env); err != nil {
			if errors.Is(err, eventbus.ErrUnrouted) {
				logger.ErrorContext(ctx, "Completion event is not routable",
					"event_type", env.EventType,
					"error", err)

				continue
			}

			logger.ErrorContext(ctx, "Failed to queue completion event",
				"event_type", env.EventType,
				"error", err)

			return
		}
	}

	result, err := json.Marshal(completion.Result)
	if err != nil {
		e.abort(ctx, logger, exec, summary(KindBusinessRule, "", "result cannot be encoded", err))

		return
	}

	if err := exec.SetResult(result); err != nil {
		logger.ErrorContext(ctx, "Failed to set result", "error", err)

		return
	}

	if !e.transition(ctx, logger, exec, models.ExecutionStatusCompleted) {
		return
	}

	e.metrics.ExecutionFinished(string(exec.WorkflowType), string(exec.Status))
	logger.InfoContext(ctx, "Execution completed")
}

// abort records cause and compensates every completed step. Compensation is
// not bound to the caller's cancellation.
func (e *Engine) abort(ctx context.Context, logger *slog.Logger, exec *models.Execution, cause models.ExecutionError) {
	ctx = context.WithoutCancel(ctx)

	exec.Cause = &cause

	logger.WarnContext(ctx, "Execution aborted, compensating",
		"kind", cause.Kind,
		"reason", cause.Reason,
		"step", cause.Step,
		"compensations", exec.CompensationDepth)

	if !e.transition(ctx, logger, exec, models.ExecutionStatusCompensating) {
		return
	}

	e.compensate(ctx, logger, exec)
}

func (e *Engine) compensate(ctx context.Context, logger *slog.Logger, exec *models.Execution) {
	ctx = context.WithoutCancel(ctx)

	entries, err := e.compensationLog.List(ctx, exec.ID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load compensation log", "error", err)

		return
	}

	stack := compensation.NewStack(entries)
	logger.InfoContext(ctx, "Undoing completed steps", "entries", stack.Len())

	outcomes := stack.DrainReverse(ctx, e.compensations, e.executor, exec)

	for _, outcome := range outcomes {
		if outcome.Err != nil {
			logger.ErrorContext(ctx, "Compensation failed",
				"step", outcome.Entry.Step,
				"resource_type", outcome.Entry.ResourceType,
				"resource_ids", outcome.Entry.ResourceIDs,
				"attempts", outcome.Attempts,
				"error", outcome.Err)
		}
	}

	if unresolved := compensation.Unresolved(outcomes); len(unresolved) > 0 {
		exec.Unresolved = unresolved

		if !e.finish(ctx, logger, exec, models.ExecutionStatusFailed, compensationSummary(exec.Cause, unresolved)) {
			return
		}

		e.alert(ctx, logger, exec)

		return
	}

	status, execErr := models.ExecutionStatusRolledBack, exec.Cause
	if execErr == nil {
		fallback := summary(KindBusinessRule, "", "execution rolled back", nil)
		execErr = &fallback
	}

	switch Kind(execErr.Kind) {
	case KindCancelled:
		status = models.ExecutionStatusCancelled
	case KindDeadlineExceeded:
		status = models.ExecutionStatusFailed
	}

	e.finish(ctx, logger, exec, status, *execErr)
}

func (e *Engine) alert(ctx context.Context, logger *slog.Logger, exec *models.Execution) {
	e.metrics.CompensationFailure(string(exec.WorkflowType))

	logger.ErrorContext(ctx, "Execution left unresolved compensations",
		"unresolved", len(exec.Unresolved))

	if e.alerter != nil {
		e.alerter.CompensationFailed(ctx, exec.Snapshot())
	}

	env, err := events.NewEnvelope(
		events.ExecutionCompensationFailedEvent,
		exec.CorrelationID,
		"execution.compensation_failed:"+exec.ID,
		events.CompensationFailed{
			ExecutionID:  exec.ID,
			WorkflowType: exec.WorkflowType,
			Reason:       exec.Error.Reason,
			Unresolved:   exec.Unresolved,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to build compensation alert", "error", err)

		return
	}

	if err := e.emitter.Emit(ctx, env); err != nil {
		logger.ErrorContext(ctx, "Failed to emit compensation alert", "error", err)
	}
}

// finish moves exec to a terminal status with its error summary.
func (e *Engine) finish(
	ctx context.Context,
	logger *slog.Logger,
	exec *models.Execution,
	status models.ExecutionStatus,
	execErr models.ExecutionError,
) bool {
	if err := exec.Fail(execErr); err != nil {
		logger.WarnContext(ctx, "Execution error already recorded", "error", err)
	}

	if !e.transition(ctx, logger, exec, status) {
		return false
	}

	e.metrics.ExecutionFinished(string(exec.WorkflowType), string(status))
	logger.InfoContext(ctx, "Execution finished",
		"status", status,
		"kind", execErr.Kind,
		"reason", execErr.Reason)

	return true
}

func (e *Engine) transition(ctx context.Context, logger *slog.Logger, exec *models.Execution, next models.ExecutionStatus) bool {
	if err := exec.Transition(next); err != nil {
		logger.ErrorContext(ctx, "Rejected status transition",
			"from", exec.Status,
			"to", next,
			"error", err)

		return false
	}

	return e.save(ctx, logger, exec)
}

func (e *Engine) save(ctx context.Context, logger *slog.Logger, exec *models.Execution) bool {
	if err := e.executions.Save(context.WithoutCancel(ctx), exec); err != nil {
		if persistence.IsExecutionConflict(err) {
			logger.WarnContext(ctx, "Execution was changed by another writer", "status", exec.Status, "version", exec.Version)

			return false
		}

		logger.ErrorContext(ctx, "Failed to save execution", "status", exec.Status, "error", err)

		return false
	}

	return true
}

func sameInput(a, b json.RawMessage) bool {
	var left, right any
	if json.Unmarshal(a, &left) != nil || json.Unmarshal(b, &right) != nil {
		return false
	}

	return reflect.DeepEqual(left, right)
}
