package ingress

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/queximet/armature/pkg/dispatch"
	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence"
	"github.com/queximet/armature/pkg/triggers"
	"github.com/queximet/armature/pkg/workers"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleError maps domain errors onto problem responses.
func handleError(c fiber.Ctx, err error) error {
	var validationErrors validator.ValidationErrors

	switch {
	case persistence.IsNotFound(err), errors.Is(err, triggers.ErrUnknownSource), errors.Is(err, workers.ErrNotInstalled):
		return notFound(c, err.Error())
	case errors.Is(err, triggers.ErrPayloadRejected), errors.Is(err, models.ErrInvalidTrigger), errors.As(err, &validationErrors):
		return badRequest(c, err.Error())
	case errors.Is(err, dispatch.ErrQueuePaused), errors.Is(err, models.ErrInvalidTransition):
		return conflict(c, err.Error())
	default:
		return internalError(c, err)
	}
}
