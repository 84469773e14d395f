package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/homeledger/pkg/activity"
	"github.com/dukex/homeledger/pkg/compensation"
	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/idempotency"
	"github.com/dukex/homeledger/pkg/log"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/persistence/memory"
	"github.com/dukex/homeledger/pkg/retry"
	"github.com/dukex/homeledger/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testType models.WorkflowType = "test"

var once = retry.Policy{MaxAttempts: 1}

type calls struct {
	mu    sync.Mutex
	names []string
}

func (c *calls) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.names = append(c.names, name)
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.names...)
}

type testWorkflow struct {
	plan   []string
	steps  map[string]workflow.Step
	limits workflow.Limits
}

func newTestWorkflow(limits workflow.Limits, steps ...workflow.Step) *testWorkflow {
	w := &testWorkflow{steps: make(map[string]workflow.Step), limits: limits}
	for _, step := range steps {
		w.plan = append(w.plan, step.Name)
		w.steps[step.Name] = step
	}

	return w
}

func (w *testWorkflow) Type() models.WorkflowType { return testType }

func (w *testWorkflow) Schema() string {
	return `{"type":"object","required":["n"],"properties":{"n":{"type":"integer"}}}`
}

func (w *testWorkflow) Plan(json.RawMessage) ([]string, error) { return w.plan, nil }

func (w *testWorkflow) Step(name string) (workflow.Step, bool) {
	step, ok := w.steps[name]

	return step, ok
}

func (w *testWorkflow) Limits() workflow.Limits { return w.limits }

func (w *testWorkflow) Complete(_ context.Context, exec *models.Execution) (*workflow.Completion, error) {
	env, err := events.NewEnvelope(events.PurchaseRegisteredEvent, exec.CorrelationID, "done:"+exec.ID, map[string]string{"id": exec.ID})
	if err != nil {
		return nil, err
	}

	return &workflow.Completion{Result: map[string]int{"steps": len(exec.Steps)}, Events: []*events.Envelope{env}}, nil
}

func step(name string, runs *calls, err error) workflow.Step {
	return workflow.Step{
		Name:   name,
		Policy: once,
		Run: func(context.Context, *models.Execution) ([]byte, error) {
			runs.add(name)
			if err != nil {
				return nil, err
			}

			return []byte(`"` + name + `"`), nil
		},
		Compensation: func([]byte) (*models.CompensationEntry, error) {
			return &models.CompensationEntry{ResourceType: "resource", ResourceIDs: []string{name}}, nil
		},
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*events.Envelope
}

func (r *recordingEmitter) Emit(_ context.Context, env *events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, env)

	return nil
}

func (r *recordingEmitter) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	var types []events.EventType
	for _, env := range r.events {
		types = append(types, env.EventType)
	}

	return types
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (r *recordingAlerter) CompensationFailed(_ context.Context, exec *models.Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.alerts = append(r.alerts, exec.ID)
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.alerts)
}

type fixture struct {
	engine        *workflow.Engine
	config        workflow.Config
	executions    *memory.ExecutionRepository
	compensations *memory.CompensationRepository
	emitter       *recordingEmitter
	alerter       *recordingAlerter
	undone        *calls
}

func newFixture(t *testing.T, def workflow.Definition) *fixture {
	t.Helper()

	f := &fixture{
		executions:    memory.NewExecutionRepository(),
		compensations: memory.NewCompensationRepository(),
		emitter:       &recordingEmitter{},
		alerter:       &recordingAlerter{},
		undone:        &calls{},
	}

	workflows := workflow.NewRegistry()
	require.NoError(t, workflows.Register(def))

	compensations := compensation.NewRegistry()
	compensations.Register("resource", compensation.Handler{
		Policy: once,
		Undo: func(_ context.Context, entry models.CompensationEntry) error {
			f.undone.add(entry.ResourceIDs[0])

			return nil
		},
	})
	compensations.Register("broken", compensation.Handler{
		Policy: once,
		Undo: func(context.Context, models.CompensationEntry) error {
			return errors.New("resource is gone")
		},
	})

	executor := activity.NewExecutor(idempotency.NewMemoryStore(), log.Discard(),
		activity.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	f.config = workflow.Config{
		Executions:      f.executions,
		CompensationLog: f.compensations,
		Executor:        executor,
		Workflows:       workflows,
		Compensations:   compensations,
		Emitter:         f.emitter,
		Alerter:         f.alerter,
	}
	f.engine = f.newEngine(t)

	return f
}

// newEngine builds another engine instance sharing the fixture's stores.
func (f *fixture) newEngine(t *testing.T) *workflow.Engine {
	t.Helper()

	engine := workflow.NewEngine(f.config, log.Discard())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = engine.Shutdown(ctx)
	})

	return engine
}

func (f *fixture) wait(t *testing.T, id string) *models.Execution {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.engine.Wait(ctx, id))

	exec, err := f.engine.Status(ctx, id)
	require.NoError(t, err)

	return exec
}

var input = json.RawMessage(`{"n":1}`)

func TestEngine_CompletesAllSteps(t *testing.T) {
	runs := &calls{}
	f := newFixture(t, newTestWorkflow(workflow.Limits{},
		step("one", runs, nil), step("two", runs, nil), step("three", runs, nil)))

	handle, err := f.engine.Start(context.Background(), testType, input, "K1")
	require.NoError(t, err)
	assert.False(t, handle.Duplicate)
	assert.Equal(t, workflow.ExecutionID(testType, "K1"), handle.ExecutionID)

	exec := f.wait(t, handle.ExecutionID)

	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, []string{"one", "two", "three"}, runs.list())
	assert.JSONEq(t, `{"steps":3}`, string(exec.Result))
	assert.Nil(t, exec.Error)
	assert.Len(t, exec.Compensations, 3)
	assert.Equal(t, []events.EventType{events.PurchaseRegisteredEvent}, f.emitter.types())
	assert.Empty(t, f.undone.list())

	stored, err := f.executions.Get(context.Background(), handle.ExecutionID)
	require.NoError(t, err)
	assert.Empty(t, stored.Compensations)
	assert.Equal(t, 3, stored.CompensationDepth)
	assert.Empty(t, stored.Owner)
}

func TestEngine_DuplicateStartRunsOnce(t *testing.T) {
	runs := &calls{}
	f := newFixture(t, newTestWorkflow(workflow.Limits{}, step("one", runs, nil)))

	first, err := f.engine.Start(context.Background(), testType, input, "K1")
	require.NoError(t, err)
	f.wait(t, first.ExecutionID)

	second, err := f.engine.Start(context.Background(), testType, json.RawMessage(`{ "n": 1 }`), "K1")
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
	assert.Equal(t, models.ExecutionStatusCompleted, second.Status)
	assert.Equal(t, []string{"one"}, runs.list())
	assert.Len(t, f.emitter.types(), 1)
}

func TestEngine_KeyReusedWithDifferentInput(t *testing.T) {
	f := newFixture(t, newTestWorkflow(workflow.Limits{}, step("one", &calls{}, nil)))

	first, err := f.engine.Start(context.Background(), testType, input, "K1")
	require.NoError(t, err)
	f.wait(t, first.ExecutionID)

	_, err = f.engine.Start(context.Background(), testType, json.RawMessage(`{"n":2}`), "K1")
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrKeyReused)
	assert.True(t, workflow.IsValidation(err))
}

func TestEngine_StartValidation(t *testing.T) {
	f := newFixture(t, newTestWorkflow(workflow.Limits{}, step("one", &calls{}, nil)))

	tests := []struct {
		name         string
		workflowType models.WorkflowType
		input        string
		key          string
	}{
		{name: "missing key", workflowType: testType, input: `{"n":1}`},
		{name: "unknown type", workflowType: "nope", input: `{"n":1}`, key: "K1"},
		{name: "schema mismatch", workflowType: testType, input: `{"n":"one"}`, key: "K1"},
		{name: "not json", workflowType: testType, input: `{`, key: "K1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Start(context.Background(), tt.workflowType, json.RawMessage(tt.input), tt.key)
			require.Error(t, err)
			assert.True(t, workflow.IsValidation(err))
		})
	}

	active, err := f.executions.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestEngine_FailureCompensatesInReverse(t *testing.T) {
	runs := &calls{}
	f := newFixture(t, newTestWorkflow(workflow.Limits{},
		step("one", runs, nil), step("two", runs, nil), step("three", runs, errors.New("insufficient stock"))))

	handle, err := f.engine.Start(context.Background(), testType, input, "K1")
	require.NoError(t, err)

	exec := f.wait(t, handle.ExecutionID)

	assert.Equal(t, models.ExecutionStatusRolledBack, exec.Status)
	assert.Equal(t, []string{"two", "one"}, f.undone.list())
	require.NotNil(t, exec.Error)
	assert.Equal(t, string(workflow.KindBusinessRule), exec.Error.Kind)
	assert.Equal(t, "three", exec.Error.Step)
	assert.Empty(t, exec.Result)

	record, ok := exec.Step("three")
	require.True(t, ok)
	assert.Equal(t, models.StepStatusFailed, record.Status)
	assert.Equal(t, models.ErrorClassTerminal, record.LastErrorClass)
	assert.Empty(t, f.emitter.types())
}

func TestEngine_ExhaustedRetriesAreTransient(t *testing.T) {
	attempts := 0
	flaky := workflow.Step{
		Name:       "flaky",
		Policy:     retry.Policy{MaxAttempts: 3},
		Classifier: activity.Table{Fallback: models.ErrorClassRetryable},
		Run: func(context.Context, *models.Execution) ([]byte, error) {
			attempts++

			return nil, errors.New("connection refused")
		},
	}

	f := newFixture(t, newTestWorkflow(workflow.Limits{}, step("one", &calls{}, nil), flaky))

	handle, err := f.engine.Start(context.Background(), testType, input, "K1")
	require.NoError(t, err)

	exec := f.wait(t, handle.ExecutionID)

	assert.Equal(t, 3, attempts)
	assert.Equal(t, models.ExecutionStatusRolledBack, exec.Status)
	assert.Equal(t, string(workflow.KindTransient), exec.Error.Kind)
	assert.Equal(t, []string{"one"}, f.undone.list())
}

func TestEngine_CompensationFailureRaisesAlert(t *testing.T) {
	runs := &calls{}
	broken := step("two", runs, nil)
	broken.Compensation = func([]byte) (*models.CompensationEntry, error) {
		return &models.CompensationEntry{ResourceType: "broken", ResourceIDs: []string{"two"}}, nil
	}

	f := newFixture(t, newTestWorkflow(workflow.Limits{},
		step("one", runs, nil), broken, step("three", runs, errors.New("rejected"))))

	handle, err := f.engine.Start(context.Background(), testType, input, "K1")
	require.NoError(t, err)

	exec := f.wait(t, handle.ExecutionID)

	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, string(workflow.KindCompensation), exec.Error.Kind)
	assert.Contains(t, exec.Error.Detail, string(workflow.KindBusinessRule))
	require.NotNil(t, exec.Cause)
	assert.Equal(t, "three", exec.Cause.Step)

	require.Len(t, exec.Unresolved, 1)
	assert.Equal(t, "broken", exec.Unresolved[0].ResourceType)
	// The drain continues past the failed entry.
	assert.Equal(t, []string{"one"}, f.undone.list())

	assert.Equal(t, 1, f.alerter.count())
	assert.Equal(t, []events.EventType{events.ExecutionCompensationFailedEvent}, f.emitter.types())
}

func TestEngine_CancelAtStepBoundary(t *testing.T) {
	runs := &calls{}
	started := make(chan struct{})
	release := make(chan struct{})

	blocking := step("two", runs, nil)
	run := blocking.Run
	blocking.Run = func(ctx context.Context, exec *models.Execution) ([]byte, error) {
		close(started)
		<-release

		return run(ctx, exec)
	}

	f := newFixture(t, newTestWorkflow(workflow.Limits{},
		step("one", runs, nil), blocking, step("three", runs, nil)))

	handle, err := f.engine.Start(context.Background(), testType, input, "K1")
	require.NoError(t, err)

	<-started

	outcome, _, err := f.engine.Cancel(context.Background(), handle.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, workflow.CancelAccepted, outcome)

	close(release)

	exec := f.wait(t, handle.ExecutionID)

	assert.Equal(t, models.ExecutionStatusCancelled, exec.Status)
	assert.Equal(t, []string{"one", "two"}, runs.list())
	assert.Equal(t, []string{"two", "one"}, f.undone.list())
	assert.Equal(t, string(workflow.KindCancelled), exec.Error.Kind)

	outcome, _, err = f.engine.Cancel(context.Background(), handle.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, workflow.CancelAlreadyTerminal, outcome)
}

func TestEngine_DeadlineExceeded(t *testing.T) {
	runs := &calls{}
	slow := workflow.Step{
		Name:   "slow",
		Policy: once,
		Run: func(ctx context.Context, _ *models.Execution) ([]byte, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		},
	}

	f := newFixture(t, newTestWorkflow(workflow.Limits{Timeout: 100 * time.Millisecond}, step("one", runs, nil), slow))

	handle, err := f.engine.Start(context.Background(), testType, input, "K1")
	require.NoError(t, err)

	exec := f.wait(t, handle.ExecutionID)

	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, string(workflow.KindDeadlineExceeded), exec.Error.Kind)
	assert.Equal(t, []string{"one"}, f.undone.list())
}

func TestEngine_ContinueAsNew(t *testing.T) {
	runs := &calls{}

	var steps []workflow.Step
	for _, name := range []string{"s1", "s2", "s3", "s4", "s5"} {
		steps = append(steps, step(name, runs, nil))
	}

	f := newFixture(t, newTestWorkflow(workflow.Limits{SegmentSize: 2}, steps...))

	handle, err := f.engine.Start(context.Background(), testType, input, "K1")
	require.NoError(t, err)

	exec := f.wait(t, handle.ExecutionID)

	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 2, exec.Segment)
	assert.Equal(t, 5, exec.Cursor)
	assert.Equal(t, []string{"s1", "s2", "s3", "s4", "s5"}, runs.list())
}

func TestEngine_RecoverResumesFromCursor(t *testing.T) {
	runs := &calls{}
	f := newFixture(t, newTestWorkflow(workflow.Limits{},
		step("one", runs, nil), step("two", runs, nil), step("three", runs, nil)))

	id := workflow.ExecutionID(testType, "K1")
	exec := models.NewExecution(id, testType, "K1", input, id, []string{"one", "two", "three"})
	require.NoError(t, exec.Transition(models.ExecutionStatusRunning))
	require.NoError(t, exec.Transition(models.RunningStep("one")))

	done := time.Now()
	exec.UpsertStep(models.StepRecord{
		Name:        "one",
		Status:      models.StepStatusSucceeded,
		Attempts:    1,
		Output:      []byte(`"one"`),
		StartedAt:   done,
		CompletedAt: &done,
	})
	require.NoError(t, f.compensations.Append(context.Background(), id,
		models.CompensationEntry{Index: 0, Step: "one", ResourceType: "resource", ResourceIDs: []string{"one"}}))
	exec.CompensationDepth = 1
	exec.Cursor = 1

	_, created, err := f.executions.Create(context.Background(), exec)
	require.NoError(t, err)
	require.True(t, created)

	resumed, err := f.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	exec = f.wait(t, id)

	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, []string{"two", "three"}, runs.list())
	assert.Len(t, exec.Compensations, 3)
}

func TestEngine_CancelPendingExecution(t *testing.T) {
	runs := &calls{}
	f := newFixture(t, newTestWorkflow(workflow.Limits{}, step("one", runs, nil)))

	id := workflow.ExecutionID(testType, "K1")
	_, _, err := f.executions.Create(context.Background(),
		models.NewExecution(id, testType, "K1", input, id, []string{"one"}))
	require.NoError(t, err)

	outcome, _, err := f.engine.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.CancelAccepted, outcome)

	exec := f.wait(t, id)

	assert.Equal(t, models.ExecutionStatusCancelled, exec.Status)
	assert.Empty(t, runs.list())
}

func TestEngine_SecondEngineLeavesClaimedExecution(t *testing.T) {
	runs := &calls{}
	started := make(chan struct{})
	release := make(chan struct{})

	blocking := step("two", runs, nil)
	run := blocking.Run
	blocking.Run = func(ctx context.Context, exec *models.Execution) ([]byte, error) {
		close(started)
		<-release

		return run(ctx, exec)
	}

	f := newFixture(t, newTestWorkflow(workflow.Limits{}, step("one", runs, nil), blocking))

	handle, err := f.engine.Start(context.Background(), testType, input, "K1")
	require.NoError(t, err)

	<-started

	other := f.newEngine(t)

	resumed, err := other.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, other.Wait(ctx, handle.ExecutionID))

	close(release)

	exec := f.wait(t, handle.ExecutionID)

	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, []string{"one", "two"}, runs.list())
	assert.Len(t, f.emitter.types(), 1)
}

func TestEngine_ClaimIsRenewedWhileStepRuns(t *testing.T) {
	runs := &calls{}
	started := make(chan struct{})
	release := make(chan struct{})

	blocking := step("one", runs, nil)
	run := blocking.Run
	blocking.Run = func(ctx context.Context, exec *models.Execution) ([]byte, error) {
		close(started)
		<-release

		return run(ctx, exec)
	}

	f := newFixture(t, newTestWorkflow(workflow.Limits{}, blocking))
	f.config.Lease = 150 * time.Millisecond
	f.engine = f.newEngine(t)

	handle, err := f.engine.Start(context.Background(), testType, input, "K1")
	require.NoError(t, err)

	<-started
	time.Sleep(500 * time.Millisecond)

	resumed, err := f.newEngine(t).Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)

	close(release)

	exec := f.wait(t, handle.ExecutionID)

	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, []string{"one"}, runs.list())
}

func TestEngine_RecoverTakesOverExpiredClaim(t *testing.T) {
	runs := &calls{}
	f := newFixture(t, newTestWorkflow(workflow.Limits{}, step("one", runs, nil), step("two", runs, nil)))
	ctx := context.Background()

	id := workflow.ExecutionID(testType, "K1")
	_, _, err := f.executions.Create(ctx, models.NewExecution(id, testType, "K1", input, id, []string{"one", "two"}))
	require.NoError(t, err)

	_, err = f.executions.Claim(ctx, id, "stopped-engine", -time.Second)
	require.NoError(t, err)

	resumed, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	exec := f.wait(t, id)

	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, []string{"one", "two"}, runs.list())
	assert.Empty(t, exec.Owner)
}

func TestEngine_LiveClaimOfAnotherEngineIsRespected(t *testing.T) {
	runs := &calls{}
	f := newFixture(t, newTestWorkflow(workflow.Limits{}, step("one", runs, nil)))
	ctx := context.Background()

	id := workflow.ExecutionID(testType, "K1")
	_, _, err := f.executions.Create(ctx, models.NewExecution(id, testType, "K1", input, id, []string{"one"}))
	require.NoError(t, err)

	_, err = f.executions.Claim(ctx, id, "busy-engine", time.Minute)
	require.NoError(t, err)

	resumed, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)

	// Cancelling a PENDING execution launches it, but the drive yields to the claim.
	outcome, _, err := f.engine.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.CancelAccepted, outcome)

	exec := f.wait(t, id)

	assert.Equal(t, models.ExecutionStatusPending, exec.Status)
	assert.Equal(t, "busy-engine", exec.Owner)
	assert.Empty(t, runs.list())
}

type foldingWorkflow struct {
	*testWorkflow
}

type foldCarry struct {
	Folded []string `json:"folded"`
}

func (w foldingWorkflow) Fold(carry json.RawMessage, outputs []models.StepRecord) (json.RawMessage, error) {
	var c foldCarry
	if len(carry) > 0 {
		if err := json.Unmarshal(carry, &c); err != nil {
			return nil, err
		}
	}

	for _, record := range outputs {
		c.Folded = append(c.Folded, record.Name)
	}

	return json.Marshal(c)
}

func TestEngine_ContinueAsNewFoldsOutputs(t *testing.T) {
	runs := &calls{}

	var steps []workflow.Step
	for _, name := range []string{"s1", "s2", "s3", "s4", "s5"} {
		steps = append(steps, step(name, runs, nil))
	}

	f := newFixture(t, foldingWorkflow{newTestWorkflow(workflow.Limits{SegmentSize: 2}, steps...)})

	handle, err := f.engine.Start(context.Background(), testType, input, "K1")
	require.NoError(t, err)

	exec := f.wait(t, handle.ExecutionID)

	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.JSONEq(t, `{"folded":["s1","s2","s3","s4"]}`, string(exec.Carry))

	first, ok := exec.Step("s1")
	require.True(t, ok)
	assert.True(t, first.Folded)
	assert.Empty(t, first.Output)

	last, ok := exec.Step("s5")
	require.True(t, ok)
	assert.False(t, last.Folded)
	assert.JSONEq(t, `"s5"`, string(last.Output))
}
