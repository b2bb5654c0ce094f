package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/paygate/internal/middleware"
	"github.com/example/paygate/internal/orders"
	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/utils"
)

// OrderHandler manages orders and starts their payments.
type OrderHandler struct {
	orders *orders.Service
	engine *payments.Engine
	log    *zap.Logger
}

func NewOrderHandler(svc *orders.Service, engine *payments.Engine, log *zap.Logger) *OrderHandler {
	return &OrderHandler{orders: svc, engine: engine, log: log}
}

// CreateOrder stores a new unpaid order.
func (h *OrderHandler) CreateOrder(c *fiber.Ctx) error {
	var req orders.CreateInput
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	order, err := h.orders.Create(c.UserContext(), req)
	if err != nil {
		return err
	}
	if operatorID, ok := middleware.GetCurrentOperatorID(c); ok {
		h.log.Info("order created by operator",
			zap.String("order", order.Number),
			zap.String("operator", operatorID.String()),
			zap.String("request_id", middleware.RequestID(c)),
		)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": order})
}

// GetOrder returns an order with the state of its current payment.
func (h *OrderHandler) GetOrder(c *fiber.Ctx) error {
	order, err := h.orders.Get(c.UserContext(), c.Params("number"))
	if err != nil {
		return err
	}

	resp := fiber.Map{"success": true, "data": order}
	if order.PaymentTransaction != "" {
		if tx, err := h.engine.Transaction(c.UserContext(), order.PaymentTransaction); err == nil {
			resp["payment"] = publicTransaction(tx)
		}
	}
	return c.JSON(resp)
}

// ListOrders returns orders newest first.
func (h *OrderHandler) ListOrders(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	list, total, err := h.orders.List(c.UserContext(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    list,
		"pagination": pg.Meta(total),
	})
}

type startPaymentRequest struct {
	Gateway string `json:"gateway"`
}

// StartPayment validates the order against the gateway and creates a transaction.
func (h *OrderHandler) StartPayment(c *fiber.Ctx) error {
	var req startPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Gateway == "" {
		return fiber.NewError(fiber.StatusBadRequest, "gateway is required")
	}

	ctx := c.UserContext()
	order, err := h.orders.Get(ctx, c.Params("number"))
	if err != nil {
		return err
	}

	data := orders.TxData(order)
	if err := h.engine.OnRefDocSubmission(ctx, req.Gateway, data); err != nil {
		return err
	}
	name, err := h.engine.InitiatePayment(ctx, req.Gateway, data, "", "")
	if err != nil {
		return err
	}
	if err := h.orders.AttachPayment(ctx, order, req.Gateway, name); err != nil {
		return err
	}

	delegated, err := h.engine.IsUserFlowInitiationDelegated(ctx, name)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":     true,
		"transaction": name,
		"gateway":     req.Gateway,
		"delegated":   delegated,
	})
}
