// Package web provides HTTP request and response types for the execution API.
package web

import (
	"encoding/json"
	"time"

	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/models"
)

// StartExecutionRequest represents the request body for starting a workflow execution.
type StartExecutionRequest struct {
	WorkflowType  string          `json:"workflowType"            validate:"required,oneof=purchase import sweep"`
	ExecutionKey  string          `json:"executionKey"            validate:"required,max=200"`
	Input         json.RawMessage `json:"input"                   validate:"required"`
	CorrelationID string          `json:"correlationId,omitempty" validate:"omitempty,max=200"`
}

// StartExecutionResponse acknowledges a start request. The execution runs in
// the background.
type StartExecutionResponse struct {
	ExecutionID string                 `json:"executionId"`
	Status      models.ExecutionStatus `json:"status"`
	Duplicate   bool                   `json:"duplicate"`
}

type StepResponse struct {
	Name           string            `json:"name"`
	Status         models.StepStatus `json:"status"`
	Attempts       int               `json:"attempts"`
	Cached         bool              `json:"cached,omitempty"`
	LastErrorClass models.ErrorClass `json:"lastErrorClass,omitempty"`
	StartedAt      time.Time         `json:"startedAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
}

// ErrorSummary is the externally visible part of an execution error.
type ErrorSummary struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	Step   string `json:"step,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ExecutionResponse represents the status of an execution.
type ExecutionResponse struct {
	ExecutionID     string                 `json:"executionId"`
	WorkflowType    models.WorkflowType    `json:"workflowType"`
	ExecutionKey    string                 `json:"executionKey"`
	Status          models.ExecutionStatus `json:"status"`
	CorrelationID   string                 `json:"correlationId"`
	Steps           []StepResponse         `json:"steps"`
	Result          json.RawMessage        `json:"result,omitempty"`
	Error           *ErrorSummary          `json:"error,omitempty"`
	Unresolved      []UnresolvedResponse   `json:"unresolved,omitempty"`
	CancelRequested bool                   `json:"cancelRequested"`
	Segment         int                    `json:"segment"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

type UnresolvedResponse struct {
	Step         string   `json:"step"`
	ResourceType string   `json:"resourceType"`
	ResourceIDs  []string `json:"resourceIds"`
}

// NewExecutionResponse builds the status view of exec. Step outputs and raw
// step errors stay internal.
func NewExecutionResponse(exec *models.Execution) ExecutionResponse {
	response := ExecutionResponse{
		ExecutionID:     exec.ID,
		WorkflowType:    exec.WorkflowType,
		ExecutionKey:    exec.ExecutionKey,
		Status:          exec.Status,
		CorrelationID:   exec.CorrelationID,
		Steps:           make([]StepResponse, 0, len(exec.Steps)),
		Result:          exec.Result,
		CancelRequested: exec.CancelRequested,
		Segment:         exec.Segment,
		CreatedAt:       exec.CreatedAt,
		UpdatedAt:       exec.UpdatedAt,
	}

	for _, step := range exec.Steps {
		response.Steps = append(response.Steps, StepResponse{
			Name:           step.Name,
			Status:         step.Status,
			Attempts:       step.Attempts,
			Cached:         step.Cached,
			LastErrorClass: step.LastErrorClass,
			StartedAt:      step.StartedAt,
			CompletedAt:    step.CompletedAt,
		})
	}

	if exec.Error != nil {
		response.Error = &ErrorSummary{
			Kind:   exec.Error.Kind,
			Reason: exec.Error.Reason,
			Step:   exec.Error.Step,
			Detail: exec.Error.Detail,
		}
	}

	for _, entry := range exec.Unresolved {
		response.Unresolved = append(response.Unresolved, UnresolvedResponse{
			Step:         entry.Step,
			ResourceType: entry.ResourceType,
			ResourceIDs:  entry.ResourceIDs,
		})
	}

	return response
}

type CancelExecutionResponse struct {
	ExecutionID string                 `json:"executionId"`
	Outcome     string                 `json:"outcome"`
	Status      models.ExecutionStatus `json:"status"`
}

// DeadLetterResponse represents a stored dead letter.
type DeadLetterResponse struct {
	ID                 string          `json:"id"`
	Source             string          `json:"source"`
	OriginalRoutingKey string          `json:"originalRoutingKey"`
	RejectionReason    string          `json:"rejectionReason"`
	OriginalPayload    json.RawMessage `json:"originalPayload"`
	CorrelationID      string          `json:"correlationId,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	ReplayedAt         *time.Time      `json:"replayedAt,omitempty"`
}

func NewDeadLetterResponse(letter *models.DeadLetter) DeadLetterResponse {
	return DeadLetterResponse{
		ID:                 letter.ID,
		Source:             letter.Source,
		OriginalRoutingKey: letter.OriginalRoutingKey,
		RejectionReason:    letter.RejectionReason,
		OriginalPayload:    events.RawPayload(letter.OriginalPayload),
		CorrelationID:      letter.CorrelationID,
		CreatedAt:          letter.CreatedAt,
		ReplayedAt:         letter.ReplayedAt,
	}
}
