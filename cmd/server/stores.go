package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/paygate/internal/config"
	"github.com/example/paygate/internal/database"
	"github.com/example/paygate/internal/handlers"
	"github.com/example/paygate/internal/orders"
	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/providers/payme"
	"github.com/example/paygate/internal/repository"
	"github.com/example/paygate/internal/repository/memory"
)

type transactionStore interface {
	payments.TransactionStore
	handlers.TransactionLister
}

type errorLogStore interface {
	payments.ErrorReporter
	handlers.ErrorLogReader
}

type gatewayStore interface {
	Sync(ctx context.Context, regs []payments.Registration) error
	handlers.GatewayLister
}

type stores struct {
	transactions transactionStore
	mandates     payments.MandateStore
	events       payments.ProcessedEventStore
	errorLogs    errorLogStore
	gateways     gatewayStore
	operators    handlers.OperatorStore
	orders       orders.Store
	payme        payme.Store
	locker       payments.Locker
	// purger is set when processed events live in the database.
	purger eventPurger
	close  func()
}

// openStores picks postgres or in-memory storage, and redis for locks and
// processed events when REDIS_URL is set.
func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	st := &stores{close: func() {}}

	switch cfg.Storage {
	case config.StorageMemory:
		log.Warn("using in-memory storage, data is lost on restart")
		st.transactions = memory.NewTransactions()
		st.mandates = memory.NewMandates()
		st.events = memory.NewEvents()
		st.errorLogs = memory.NewErrorLogs()
		st.gateways = memory.NewGateways()
		st.operators = memory.NewOperators()
		st.orders = memory.NewOrders()
		st.payme = memory.NewPayme()
		st.locker = payments.NewMemoryLocker()
	default:
		db, err := database.Connect(cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		events := repository.NewEventRepository(db)
		st.transactions = repository.NewTransactionRepository(db)
		st.mandates = repository.NewMandateRepository(db)
		st.events = events
		st.purger = events
		st.errorLogs = repository.NewErrorLogRepository(db)
		st.gateways = repository.NewGatewayRepository(db)
		st.operators = repository.NewOperatorRepository(db)
		st.orders = repository.NewOrderRepository(db)
		st.payme = repository.NewPaymeRepository(db)
		st.locker = payments.NewMemoryLocker()
		if sqlDB, err := db.DB(); err == nil {
			st.close = func() { _ = sqlDB.Close() }
		}
	}

	if cfg.RedisURL == "" {
		return st, nil
	}

	client, err := database.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	closeDB := st.close
	st.close = func() {
		_ = client.Close()
		closeDB()
	}
	st.useRedis(client, cfg)
	log.Info("redis enabled for locks and processed events")
	return st, nil
}

func (st *stores) useRedis(client redis.UniversalClient, cfg *config.Config) {
	st.locker = payments.NewRedisLocker(client, "paygate:lock:", cfg.LockLease)
	st.events = repository.NewRedisEventStore(client, "paygate:event:")
	st.purger = nil
}
