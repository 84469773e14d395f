package web_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/homeledger/pkg/deadletter"
	"github.com/dukex/homeledger/pkg/log"
	"github.com/dukex/homeledger/pkg/mocks"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/persistence"
	"github.com/dukex/homeledger/pkg/web"
	"github.com/dukex/homeledger/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testDeps struct {
	engine      *mocks.MockEngine
	repo        *mocks.MockDeadLetterRepository
	republisher *mocks.MockRepublisher
}

func setupTestApp(t *testing.T) (*fiber.App, *testDeps) {
	t.Helper()

	deps := &testDeps{
		engine:      &mocks.MockEngine{},
		repo:        &mocks.MockDeadLetterRepository{},
		republisher: &mocks.MockRepublisher{},
	}

	service := deadletter.NewService(deps.repo, deps.republisher, log.Discard())
	handlers := web.NewAPIHandlers(deps.engine, service, validator.New(validator.WithRequiredStructEnabled()), log.Discard())

	app := fiber.New()
	handlers.Register(app)

	t.Cleanup(func() {
		deps.engine.AssertExpectations(t)
		deps.repo.AssertExpectations(t)
		deps.republisher.AssertExpectations(t)
	})

	return app, deps
}

func doRequest(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewBuffer(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, raw
}

func TestAPIHandlers_StartExecution(t *testing.T) {
	t.Parallel()

	input := json.RawMessage(`{"asOfDate":"2026-03-15"}`)

	tests := []struct {
		name           string
		body           any
		setup          func(d *testDeps)
		expectedStatus int
		expectedType   string
	}{
		{
			name: "accepted",
			body: web.StartExecutionRequest{WorkflowType: "sweep", ExecutionKey: "sweep:2026-03-15", Input: input},
			setup: func(d *testDeps) {
				d.engine.On("Start", mock.Anything, models.WorkflowTypeSweep, input, "sweep:2026-03-15").
					Return(workflow.Handle{ExecutionID: "exec-1", Status: models.ExecutionStatusPending}, nil)
			},
			expectedStatus: http.StatusAccepted,
		},
		{
			name: "duplicate returns stored state",
			body: web.StartExecutionRequest{WorkflowType: "sweep", ExecutionKey: "sweep:2026-03-15", Input: input},
			setup: func(d *testDeps) {
				d.engine.On("Start", mock.Anything, models.WorkflowTypeSweep, input, "sweep:2026-03-15").
					Return(workflow.Handle{ExecutionID: "exec-1", Status: models.ExecutionStatusCompleted, Duplicate: true}, nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid JSON",
			body:           "invalid-json",
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name:           "missing execution key",
			body:           web.StartExecutionRequest{WorkflowType: "sweep", Input: input},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name: "schema violation",
			body: web.StartExecutionRequest{WorkflowType: "sweep", ExecutionKey: "K1", Input: input},
			setup: func(d *testDeps) {
				d.engine.On("Start", mock.Anything, models.WorkflowTypeSweep, input, "K1").
					Return(workflow.Handle{}, workflow.ValidationError("input does not match schema", nil))
			},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name: "key reused",
			body: web.StartExecutionRequest{WorkflowType: "sweep", ExecutionKey: "K1", Input: input},
			setup: func(d *testDeps) {
				d.engine.On("Start", mock.Anything, models.WorkflowTypeSweep, input, "K1").
					Return(workflow.Handle{}, &workflow.Error{Kind: workflow.KindValidation, Op: "Start", Err: workflow.ErrKeyReused})
			},
			expectedStatus: http.StatusConflict,
			expectedType:   "execution_key_reused",
		},
		{
			name: "store failure does not leak",
			body: web.StartExecutionRequest{WorkflowType: "sweep", ExecutionKey: "K1", Input: input},
			setup: func(d *testDeps) {
				d.engine.On("Start", mock.Anything, models.WorkflowTypeSweep, input, "K1").
					Return(workflow.Handle{}, errors.New("dial tcp 10.0.0.1:5432: connection refused"))
			},
			expectedStatus: http.StatusInternalServerError,
			expectedType:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, deps := setupTestApp(t)
			if tt.setup != nil {
				tt.setup(deps)
			}

			resp, body := doRequest(t, app, http.MethodPost, "/executions", tt.body)

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedType != "" {
				var problem map[string]any
				require.NoError(t, json.Unmarshal(body, &problem))
				assert.Equal(t, tt.expectedType, problem["type"])
				assert.NotContains(t, string(body), "10.0.0.1")

				return
			}

			var handle web.StartExecutionResponse
			require.NoError(t, json.Unmarshal(body, &handle))
			assert.Equal(t, "exec-1", handle.ExecutionID)
		})
	}
}

func TestAPIHandlers_GetExecution(t *testing.T) {
	t.Parallel()

	app, deps := setupTestApp(t)

	exec := models.NewExecution("exec-1", models.WorkflowTypePurchase, "K1", json.RawMessage(`{}`), "corr-1", []string{"validate_account"})
	exec.Status = models.ExecutionStatusCompleted
	exec.Result = json.RawMessage(`{"transactionId":"tx-1"}`)

	deps.engine.On("Status", mock.Anything, "exec-1").Return(exec, nil)
	deps.engine.On("Status", mock.Anything, "missing").Return(nil, persistence.ErrExecutionNotFound)

	resp, body := doRequest(t, app, http.MethodGet, "/executions/exec-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var response web.ExecutionResponse
	require.NoError(t, json.Unmarshal(body, &response))
	assert.Equal(t, models.ExecutionStatusCompleted, response.Status)
	assert.Equal(t, "corr-1", response.CorrelationID)
	assert.JSONEq(t, `{"transactionId":"tx-1"}`, string(response.Result))

	resp, _ = doRequest(t, app, http.MethodGet, "/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_CancelExecution(t *testing.T) {
	t.Parallel()

	app, deps := setupTestApp(t)

	running := &models.Execution{ID: "exec-1", Status: models.RunningStep("create_transaction")}
	done := &models.Execution{ID: "exec-2", Status: models.ExecutionStatusCompleted}

	deps.engine.On("Cancel", mock.Anything, "exec-1").Return(workflow.CancelAccepted, running, nil)
	deps.engine.On("Cancel", mock.Anything, "exec-2").Return(workflow.CancelAlreadyTerminal, done, nil)
	deps.engine.On("Cancel", mock.Anything, "missing").Return(nil, nil, persistence.ErrExecutionNotFound)

	resp, body := doRequest(t, app, http.MethodPost, "/executions/exec-1/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var response web.CancelExecutionResponse
	require.NoError(t, json.Unmarshal(body, &response))
	assert.Equal(t, string(workflow.CancelAccepted), response.Outcome)

	resp, body = doRequest(t, app, http.MethodPost, "/executions/exec-2/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &response))
	assert.Equal(t, string(workflow.CancelAlreadyTerminal), response.Outcome)

	resp, _ = doRequest(t, app, http.MethodPost, "/executions/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_DeadLetters(t *testing.T) {
	t.Parallel()

	app, deps := setupTestApp(t)

	letter := &models.DeadLetter{
		ID:                 "dl-1",
		Source:             models.DeadLetterSourceConsumer,
		OriginalRoutingKey: "purchase.registered",
		RejectionReason:    "handler rejected event",
		OriginalPayload:    []byte(`{"eventId":"e1"}`),
		CreatedAt:          time.Now().UTC(),
	}
	replayed := *letter
	replayedAt := time.Now().UTC()
	replayed.ReplayedAt = &replayedAt

	deps.repo.On("List", mock.Anything, deadletter.DefaultListLimit).Return([]*models.DeadLetter{letter}, nil)
	deps.repo.On("Get", mock.Anything, "dl-1").Return(letter, nil).Once()
	deps.republisher.On("Republish", mock.Anything, letter).Return(nil).Once()
	deps.repo.On("MarkReplayed", mock.Anything, "dl-1", mock.AnythingOfType("time.Time")).Return(nil).Once()
	deps.repo.On("Get", mock.Anything, "dl-2").Return(&replayed, nil)
	deps.repo.On("Get", mock.Anything, "missing").Return(nil, persistence.ErrDeadLetterNotFound)

	resp, body := doRequest(t, app, http.MethodGet, "/dead-letters", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		DeadLetters []web.DeadLetterResponse `json:"dead_letters"`
		TotalCount  int                      `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 1, list.TotalCount)
	assert.Equal(t, "purchase.registered", list.DeadLetters[0].OriginalRoutingKey)

	resp, _ = doRequest(t, app, http.MethodGet, "/dead-letters?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doRequest(t, app, http.MethodPost, "/dead-letters/dl-1/replay", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var response web.DeadLetterResponse
	require.NoError(t, json.Unmarshal(body, &response))
	assert.NotNil(t, response.ReplayedAt)

	resp, _ = doRequest(t, app, http.MethodPost, "/dead-letters/dl-2/replay", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doRequest(t, app, http.MethodPost, "/dead-letters/missing/replay", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
