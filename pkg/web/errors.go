package web

import (
	"errors"

	"github.com/dukex/homeledger/pkg/deadletter"
	"github.com/dukex/homeledger/pkg/persistence"
	"github.com/dukex/homeledger/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

// internalError hides the cause; the log carries the detail.
func internalError(c fiber.Ctx) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithDetail("the request could not be processed")

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps engine and repository errors to problems.
func (h *APIHandlers) handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, workflow.ErrKeyReused):
		return conflict(c, "execution_key_reused", "execution key was already used with a different input")

	case workflow.IsUnknownWorkflow(err):
		return badRequest(c, "unknown workflow type")

	case workflow.IsValidation(err):
		return badRequest(c, err.Error())

	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution_not_found", "execution not found")

	case persistence.IsDeadLetterNotFound(err):
		return notFound(c, "dead_letter_not_found", "dead letter not found")

	case errors.Is(err, deadletter.ErrAlreadyReplayed):
		return conflict(c, "dead_letter_replayed", "dead letter was already replayed")

	default:
		h.logger.ErrorContext(c.Context(), "Request failed", "path", c.Path(), "error", err)

		return internalError(c)
	}
}
