package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/payments"
)

// PaymentHandler serves the payer-facing payment endpoints and provider callbacks.
type PaymentHandler struct {
	engine     *payments.Engine
	dispatcher *payments.Dispatcher
	log        *zap.Logger
}

func NewPaymentHandler(engine *payments.Engine, dispatcher *payments.Dispatcher, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{engine: engine, dispatcher: dispatcher, log: log}
}

// Proceed hands the transaction to its gateway. The body may carry data updates.
func (h *PaymentHandler) Proceed(c *fiber.Ctx) error {
	var updates map[string]any
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &updates); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	res, err := h.engine.Proceed(c.UserContext(), c.Params("tx"), updates)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// Status returns the public view of a transaction.
func (h *PaymentHandler) Status(c *fiber.Ctx) error {
	tx, err := h.engine.Transaction(c.UserContext(), c.Params("tx"))
	if err != nil {
		return err
	}
	return c.JSON(publicTransaction(tx))
}

// Return is where providers send the payer back. GET requests are redirected to
// the result page; other callers get the result as JSON.
func (h *PaymentHandler) Return(c *fiber.Ctx) error {
	gateway := c.Params("gateway")
	ctrl, err := h.engine.Registry().Get(gateway)
	if err != nil {
		return err
	}
	translator, ok := ctrl.(payments.ReturnTranslator)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "gateway has no return handler")
	}

	query := c.Queries()
	ret, err := translator.TranslateReturn(query, c.Body())
	if err != nil {
		return err
	}

	tx, err := h.engine.Transaction(c.UserContext(), ret.Transaction)
	if err != nil {
		return err
	}
	if tx.Gateway != gateway {
		return fiber.NewError(fiber.StatusNotFound, "payment transaction not found")
	}

	out := h.engine.Process(c.UserContext(), ret.Transaction, ret.Flow, ret.Payload)
	return h.writeOutcome(c, out)
}

func (h *PaymentHandler) writeOutcome(c *fiber.Ctx, out payments.Outcome) error {
	switch v := out.(type) {
	case payments.Redirect:
		if c.Method() == fiber.MethodGet {
			return c.Redirect(v.URL, fiber.StatusSeeOther)
		}
		return c.JSON(fiber.Map{"success": true, "result": v.Result})
	case payments.Success:
		return c.JSON(fiber.Map{"success": true, "result": v.Result})
	case payments.Failure:
		return c.Status(failureStatus(v.Kind)).JSON(fiber.Map{
			"success":   false,
			"kind":      v.Kind,
			"message":   v.Message,
			"reference": v.Reference,
		})
	}
	return fiber.NewError(fiber.StatusInternalServerError, "unexpected outcome")
}

// Webhook hands a provider notification to the dispatcher. Providers only look at
// the status code: 2xx stops retries, anything else asks for a redelivery.
func (h *PaymentHandler) Webhook(c *fiber.Ctx) error {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	body := append([]byte(nil), c.Body()...)

	gateway := c.Params("gateway")
	res, err := h.dispatcher.Handle(c.UserContext(), gateway, header, body)
	if err != nil {
		kind := payments.KindOf(err)
		h.log.Warn("webhook not applied",
			zap.String("gateway", gateway),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return c.Status(failureStatus(kind)).JSON(fiber.Map{"received": false})
	}
	return c.JSON(fiber.Map{"received": true, "result": res})
}

func publicTransaction(tx *models.PaymentTransaction) fiber.Map {
	return fiber.Map{
		"name":              tx.Name,
		"gateway":           tx.Gateway,
		"status":            tx.Status,
		"flow":              tx.Flow,
		"amount":            tx.Amount,
		"currency":          tx.Currency,
		"reference_doctype": tx.ReferenceDoctype,
		"reference_docname": tx.ReferenceDocname,
		"created_at":        tx.CreatedAt,
	}
}
