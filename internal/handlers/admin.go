package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/repository"
	"github.com/example/paygate/internal/utils"
)

type TransactionLister interface {
	Get(ctx context.Context, name string) (*models.PaymentTransaction, error)
	List(ctx context.Context, f repository.TransactionFilter) ([]models.PaymentTransaction, int64, error)
}

type GatewayLister interface {
	List(ctx context.Context) ([]models.PaymentGateway, error)
}

type ErrorLogReader interface {
	GetByReference(ctx context.Context, reference string) (*models.ErrorLog, error)
}

// AdminHandler manages operator-only endpoints.
type AdminHandler struct {
	transactions TransactionLister
	gateways     GatewayLister
	errorLogs    ErrorLogReader
}

// NewAdminHandler constructs AdminHandler.
func NewAdminHandler(transactions TransactionLister, gateways GatewayLister, errorLogs ErrorLogReader) *AdminHandler {
	return &AdminHandler{transactions: transactions, gateways: gateways, errorLogs: errorLogs}
}

// ListTransactions returns payment transactions with pagination and filtering.
func (h *AdminHandler) ListTransactions(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	filter := repository.TransactionFilter{
		Gateway:          strings.TrimSpace(c.Query("gateway")),
		Status:           strings.TrimSpace(c.Query("status")),
		ReferenceDoctype: strings.TrimSpace(c.Query("reference_doctype")),
		ReferenceDocname: strings.TrimSpace(c.Query("reference_docname")),
		Limit:            pg.Limit,
		Offset:           pg.Offset,
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		return fiber.NewError(fiber.StatusBadRequest, "invalid status")
	}

	list, total, err := h.transactions.List(c.UserContext(), filter)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    list,
		"pagination": pg.Meta(total),
	})
}

// GetTransaction returns a transaction with its stored data.
func (h *AdminHandler) GetTransaction(c *fiber.Ctx) error {
	tx, err := h.transactions.Get(c.UserContext(), c.Params("tx"))
	if err != nil {
		if errors.Is(err, payments.ErrTransactionNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "payment transaction not found")
		}
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": tx})
}

// ListGateways returns the registered payment gateways.
func (h *AdminHandler) ListGateways(c *fiber.Ctx) error {
	list, err := h.gateways.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": list})
}

// GetErrorLog looks up the details behind a reference shown to a payer.
func (h *AdminHandler) GetErrorLog(c *fiber.Ctx) error {
	entry, err := h.errorLogs.GetByReference(c.UserContext(), c.Params("reference"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "error log not found")
		}
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": entry})
}

func validStatus(s string) bool {
	switch payments.Status(s) {
	case payments.StatusQueued, payments.StatusAuthorized, payments.StatusCompleted,
		payments.StatusCancelled, payments.StatusFailed:
		return true
	}
	return false
}
