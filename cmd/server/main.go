package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/example/paygate/internal/config"
	"github.com/example/paygate/internal/handlers"
	"github.com/example/paygate/internal/logger"
	"github.com/example/paygate/internal/middleware"
	"github.com/example/paygate/internal/notify"
	"github.com/example/paygate/internal/orders"
	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/routes"
)

func main() {
	cfg := config.Load()

	zlog, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Filename:   cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("storage init failed", zap.Error(err))
	}
	defer st.close()

	registry := payments.NewRegistry()
	gateways, err := registerGateways(registry, cfg, st, zlog)
	if err != nil {
		zlog.Fatal("gateway registration failed", zap.Error(err))
	}
	if err := st.gateways.Sync(ctx, registry.Registrations()); err != nil {
		zlog.Fatal("gateway sync failed", zap.Error(err))
	}

	created, err := handlers.EnsureOperator(ctx, st.operators, cfg.AdminUsername, cfg.AdminPassword)
	if err != nil {
		zlog.Fatal("bootstrap operator failed", zap.Error(err))
	}
	if created {
		zlog.Info("bootstrap operator created", zap.String("username", cfg.AdminUsername))
	}

	telegram := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramAdminChat, zlog)
	orderService := orders.NewService(st.orders, telegram, zlog)

	engine, err := payments.NewEngine(payments.Config{
		Registry:     registry,
		Transactions: st.transactions,
		Mandates:     st.mandates,
		RefDocs:      payments.Resolvers{orders.Doctype: orderService},
		Locker:       st.locker,
		Reporter:     st.errorLogs,
		Logger:       zlog,
		LockWait:     cfg.LockWait,
	})
	if err != nil {
		zlog.Fatal("payment engine init failed", zap.Error(err))
	}
	dispatcher := payments.NewDispatcher(engine, st.events, cfg.EventTTL, zlog)

	if st.purger != nil {
		go purgeEvents(ctx, st.purger, time.Hour, zlog)
	}

	app := fiber.New(fiber.Config{
		AppName:      "Paygate",
		ErrorHandler: handlers.ErrorHandler(zlog),
	})

	app.Use(recover.New())
	app.Use(middleware.RequestLogger(zlog))

	routes.Register(app, routes.Handlers{
		Auth:      handlers.NewAuthHandler(st.operators, cfg.JWTSecret, cfg.TokenExpires, zlog),
		Orders:    handlers.NewOrderHandler(orderService, engine, zlog),
		Payment:   handlers.NewPaymentHandler(engine, dispatcher, zlog),
		Payme:     gateways.paymeHandler(engine, st, zlog),
		Admin:     handlers.NewAdminHandler(st.transactions, st.gateways, st.errorLogs),
		JWTSecret: cfg.JWTSecret,
		PaymeKeys: cfg.Payme.Keys,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			zlog.Warn("shutdown failed", zap.Error(err))
		}
	}()

	zlog.Info("starting server",
		zap.String("port", cfg.AppPort),
		zap.String("storage", cfg.Storage),
		zap.Int("gateways", len(registry.Registrations())),
	)
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		zlog.Fatal("fiber.Listen error", zap.Error(err))
	}
}

type eventPurger interface {
	Purge(ctx context.Context) (int64, error)
}

func purgeEvents(ctx context.Context, p eventPurger, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx)
			if err != nil {
				log.Warn("purge processed events failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("purged processed events", zap.Int64("count", n))
			}
		}
	}
}
