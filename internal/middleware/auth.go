package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/paygate/internal/utils"
)

const operatorContextKey = "currentOperatorID"

// AuthMiddleware validates operator JWTs and stores the operator id in context.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid authorization header")
		}

		operatorID, err := utils.ParseToken(secret, parts[1])
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals(operatorContextKey, operatorID)
		return c.Next()
	}
}

// GetCurrentOperatorID extracts the authenticated operator id from context.
func GetCurrentOperatorID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals(operatorContextKey).(uuid.UUID)
	return id, ok
}
