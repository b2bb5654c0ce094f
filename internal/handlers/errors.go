package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/paygate/internal/payments"
)

var kindStatus = map[payments.ErrorKind]int{
	payments.KindValidation:     fiber.StatusBadRequest,
	payments.KindAuthentication: fiber.StatusUnauthorized,
	payments.KindNotFound:       fiber.StatusNotFound,
	payments.KindConcurrent:     fiber.StatusConflict,
	payments.KindConfiguration:  fiber.StatusInternalServerError,
	payments.KindProvider:       fiber.StatusBadGateway,
}

// ErrorHandler renders fiber and payment errors as JSON. Payment errors only ever
// expose their sanitized message and reference.
func ErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"success": false, "message": fe.Message})
		}

		var pe *payments.Error
		if errors.As(err, &pe) {
			return c.Status(failureStatus(pe.Kind)).JSON(fiber.Map{
				"success":   false,
				"kind":      pe.Kind,
				"message":   pe.Message,
				"reference": pe.Reference,
			})
		}

		if kind := payments.KindOf(err); kind == payments.KindNotFound || kind == payments.KindConcurrent {
			return c.Status(failureStatus(kind)).JSON(fiber.Map{"success": false, "kind": kind, "message": err.Error()})
		}

		log.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "internal server error"})
	}
}

func failureStatus(kind payments.ErrorKind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}
