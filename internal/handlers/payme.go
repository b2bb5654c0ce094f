package handlers

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/paygate/internal/providers/payme"
)

// PaymeHandler serves the Payme merchant API, one merchant per gateway.
type PaymeHandler struct {
	merchants map[string]*payme.Merchant
	log       *zap.Logger
}

func NewPaymeHandler(merchants map[string]*payme.Merchant, log *zap.Logger) *PaymeHandler {
	return &PaymeHandler{merchants: merchants, log: log}
}

type paymeRPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     any             `json:"id"`
}

// Pay handles Payme JSON-RPC calls on /payme/:gateway.
func (h *PaymeHandler) Pay(c *fiber.Ctx) error {
	merchant, ok := h.merchants[c.Params("gateway")]
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "payment gateway not found")
	}

	var req paymeRPCRequest
	if err := c.BodyParser(&req); err != nil {
		h.log.Warn("payme request body rejected", zap.Error(err))
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	h.log.Debug("payme call", zap.String("method", req.Method), zap.ByteString("params", req.Params))

	ctx := c.UserContext()

	switch req.Method {
	case "CheckPerformTransaction":
		var params payme.CheckPerformParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid params")
		}
		if err := merchant.CheckPerformTransaction(ctx, params, req.ID); err != nil {
			return h.writePaymeError(c, err, req.ID)
		}
		return c.JSON(fiber.Map{"result": fiber.Map{"allow": true}, "id": req.ID})
	case "CheckTransaction":
		var params payme.CheckTransactionParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid params")
		}
		result, err := merchant.CheckTransaction(ctx, params, req.ID)
		if err != nil {
			return h.writePaymeError(c, err, req.ID)
		}
		return c.JSON(fiber.Map{"result": result, "id": req.ID})
	case "CreateTransaction":
		var params payme.CreateTransactionParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid params")
		}
		result, err := merchant.CreateTransaction(ctx, params, req.ID)
		if err != nil {
			return h.writePaymeError(c, err, req.ID)
		}
		return c.JSON(fiber.Map{"result": result, "id": req.ID})
	case "PerformTransaction":
		var params payme.PerformTransactionParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid params")
		}
		result, err := merchant.PerformTransaction(ctx, params, req.ID)
		if err != nil {
			return h.writePaymeError(c, err, req.ID)
		}
		return c.JSON(fiber.Map{"result": result, "id": req.ID})
	case "CancelTransaction":
		var params payme.CancelTransactionParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid params")
		}
		result, err := merchant.CancelTransaction(ctx, params, req.ID)
		if err != nil {
			return h.writePaymeError(c, err, req.ID)
		}
		return c.JSON(fiber.Map{"result": result, "id": req.ID})
	case "GetStatement":
		var params payme.StatementParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid params")
		}
		result, err := merchant.GetStatement(ctx, params)
		if err != nil {
			return h.writePaymeError(c, err, req.ID)
		}
		return c.JSON(fiber.Map{"result": fiber.Map{"transactions": result}, "id": req.ID})
	default:
		return fiber.NewError(fiber.StatusBadRequest, "unsupported method")
	}
}

// writePaymeError answers with HTTP 200 and a JSON-RPC error. Payme treats any
// other status as a transport failure.
func (h *PaymeHandler) writePaymeError(c *fiber.Ctx, err error, id any) error {
	var txErr *payme.TransactionError
	if errors.As(err, &txErr) {
		return c.JSON(payme.ErrorResponse(txErr.Info, txErr.ID, txErr.Data))
	}
	h.log.Error("payme call failed", zap.Error(err))
	return c.JSON(payme.ErrorResponse(payme.ErrorSystem, id, nil))
}
