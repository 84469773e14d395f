// Package web provides the HTTP handlers of the execution API.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Engine is the part of the workflow engine the API drives.
type Engine interface {
	Start(
		ctx context.Context,
		workflowType models.WorkflowType,
		input json.RawMessage,
		executionKey string,
		opts ...workflow.StartOption,
	) (workflow.Handle, error)
	Status(ctx context.Context, executionID string) (*models.Execution, error)
	Cancel(ctx context.Context, executionID string) (workflow.CancelOutcome, *models.Execution, error)
}

type DeadLetters interface {
	List(ctx context.Context, limit int) ([]*models.DeadLetter, error)
	Replay(ctx context.Context, id string) (*models.DeadLetter, error)
}

type APIHandlers struct {
	engine      Engine
	deadLetters DeadLetters
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	engine Engine,
	deadLetters DeadLetters,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		engine:      engine,
		deadLetters: deadLetters,
		validator:   validator,
		logger:      logger.With("module", "web"),
	}
}

// Register mounts the execution and dead-letter routes on router.
func (h *APIHandlers) Register(router fiber.Router) {
	executions := router.Group("/executions")
	executions.Post("/", h.StartExecution)
	executions.Get("/:id", h.GetExecution)
	executions.Post("/:id/cancel", h.CancelExecution)

	deadLetters := router.Group("/dead-letters")
	deadLetters.Get("/", h.ListDeadLetters)
	deadLetters.Post("/:id/replay", h.ReplayDeadLetter)
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	var opts []workflow.StartOption
	if req.CorrelationID != "" {
		opts = append(opts, workflow.WithCorrelationID(req.CorrelationID))
	}

	handle, err := h.engine.Start(c.Context(), models.WorkflowType(req.WorkflowType), req.Input, req.ExecutionKey, opts...)
	if err != nil {
		return h.handleEngineError(c, err)
	}

	status := fiber.StatusAccepted
	if handle.Duplicate {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(StartExecutionResponse{
		ExecutionID: handle.ExecutionID,
		Status:      handle.Status,
		Duplicate:   handle.Duplicate,
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	exec, err := h.engine.Status(c.Context(), id)
	if err != nil {
		return h.handleEngineError(c, err)
	}

	return c.JSON(NewExecutionResponse(exec))
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	outcome, exec, err := h.engine.Cancel(c.Context(), id)
	if err != nil {
		return h.handleEngineError(c, err)
	}

	status := fiber.StatusAccepted
	if outcome == workflow.CancelAlreadyTerminal {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(CancelExecutionResponse{
		ExecutionID: exec.ID,
		Outcome:     string(outcome),
		Status:      exec.Status,
	})
}

func (h *APIHandlers) ListDeadLetters(c fiber.Ctx) error {
	limit := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			return badRequest(c, "Invalid query parameters: limit must be a non-negative integer")
		}

		limit = parsed
	}

	letters, err := h.deadLetters.List(c.Context(), limit)
	if err != nil {
		return h.handleEngineError(c, err)
	}

	response := make([]DeadLetterResponse, 0, len(letters))
	for _, letter := range letters {
		response = append(response, NewDeadLetterResponse(letter))
	}

	return c.JSON(fiber.Map{
		"dead_letters": response,
		"total_count":  len(response),
	})
}

func (h *APIHandlers) ReplayDeadLetter(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Dead letter ID is required")
	}

	letter, err := h.deadLetters.Replay(c.Context(), id)
	if err != nil {
		return h.handleEngineError(c, err)
	}

	return c.JSON(NewDeadLetterResponse(letter))
}
