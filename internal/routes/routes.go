package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/paygate/internal/handlers"
	"github.com/example/paygate/internal/middleware"
)

// Handlers groups everything the router needs.
type Handlers struct {
	Auth    *handlers.AuthHandler
	Orders  *handlers.OrderHandler
	Payment *handlers.PaymentHandler
	Payme   *handlers.PaymeHandler
	Admin   *handlers.AdminHandler

	JWTSecret string
	PaymeKeys []string
}

// Register wires up all HTTP routes.
func Register(app *fiber.App, h Handlers) {
	api := app.Group("/api")
	operator := middleware.AuthMiddleware(h.JWTSecret)

	// Auth routes
	auth := api.Group("/auth")
	auth.Post("/login", h.Auth.Login)

	// Orders are created by operators or the storefront backend.
	orders := api.Group("/orders", operator)
	orders.Get("/", h.Orders.ListOrders)
	orders.Post("/", h.Orders.CreateOrder)
	orders.Get("/:number", h.Orders.GetOrder)
	orders.Post("/:number/payments", h.Orders.StartPayment)

	// Payer facing
	pay := api.Group("/payments")
	pay.Get("/return/:gateway", h.Payment.Return)
	pay.Post("/return/:gateway", h.Payment.Return)
	pay.Get("/:tx", h.Payment.Status)
	pay.Post("/:tx/proceed", h.Payment.Proceed)

	// Provider callbacks
	api.Post("/webhooks/:gateway", h.Payment.Webhook)
	if h.Payme != nil {
		api.Post("/payme/:gateway", middleware.PaymeAuthMiddleware(h.PaymeKeys), h.Payme.Pay)
	}

	admin := api.Group("/admin", operator)
	admin.Get("/transactions", h.Admin.ListTransactions)
	admin.Get("/transactions/:tx", h.Admin.GetTransaction)
	admin.Get("/gateways", h.Admin.ListGateways)
	admin.Get("/errors/:reference", h.Admin.GetErrorLog)
}
