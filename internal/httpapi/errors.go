package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"timelapsed/internal/autocapture"
	"timelapsed/internal/project"
	logx "timelapsed/pkg/logx"
)

var errBadRequest = errors.New("invalid request")

func statusFor(err error) int {
	switch {
	case errors.Is(err, project.ErrNotFound), errors.Is(err, autocapture.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, autocapture.ErrAlreadyActive),
		errors.Is(err, autocapture.ErrNotActive),
		errors.Is(err, autocapture.ErrAlreadyComplete),
		errors.Is(err, project.ErrStaleCapture):
		return fiber.StatusConflict
	case errors.Is(err, project.ErrInvalid), errors.Is(err, errBadRequest):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// handleError renders every error as {"detail": "..."}.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Error("request failed", logx.String("path", c.Path()), logx.Err(err))
	}
	return c.Status(code).JSON(fiber.Map{"detail": err.Error()})
}
