package middleware

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/providers/payme"
)

const paymeLogin = "Paycom"

type paymeRequestID struct {
	ID any `json:"id"`
}

// PaymeAuthMiddleware checks the Basic credentials Payme sends with every call.
// Several merchant keys are accepted while one is being rotated.
func PaymeAuthMiddleware(keys []string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var reqID paymeRequestID
		_ = json.Unmarshal(c.Body(), &reqID)

		parts := strings.SplitN(c.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Basic") {
			return writePaymeAuthError(c, reqID.ID)
		}

		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			return writePaymeAuthError(c, reqID.ID)
		}

		login, key, ok := strings.Cut(string(decoded), ":")
		if !ok || login != paymeLogin || !payments.VerifyToken(key, keys) {
			return writePaymeAuthError(c, reqID.ID)
		}

		return c.Next()
	}
}

func writePaymeAuthError(c *fiber.Ctx, id any) error {
	return c.JSON(payme.ErrorResponse(payme.ErrorInvalidAuthorization, id, nil))
}
