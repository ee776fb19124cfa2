package web

import (
	"errors"

	"github.com/dukex/pipelit/pkg/engine"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/dukex/pipelit/pkg/services"
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

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case services.IsConflictError(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case persistence.IsWorkflowNotFound(err):
		return notFound(c, "workflow_not_found", "workflow not found")

	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution_not_found", "execution not found")

	case persistence.IsPendingTaskNotFound(err):
		return notFound(c, "confirmation_not_found", "no open confirmation for this execution, it may have expired")

	case persistence.IsScheduledJobNotFound(err):
		return notFound(c, "scheduled_job_not_found", "scheduled job not found")

	case errors.Is(err, engine.ErrStateMissing):
		problem := problems.NewStatusProblem(410).
			WithInstance(c.Path()).
			WithType("execution_state_expired").
			WithDetail(err.Error())

		return c.Status(fiber.StatusGone).JSON(problem)

	case engine.IsStartError(err):
		// The workflow could not be built; the failed execution is recorded.
		var startErr *engine.StartError

		errors.As(err, &startErr)

		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType("execution_failed_to_start").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"problem":      problem,
			"execution_id": startErr.ExecutionID,
		})

	default:
		// Log unexpected errors but don't expose details
		return internalError(c, err)
	}
}
