package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/paygate/internal/database"
	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/payments"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every connection would otherwise see its own empty in-memory database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}

func transaction(name, gateway, status string, created time.Time) *models.PaymentTransaction {
	return &models.PaymentTransaction{
		BaseModel:        models.BaseModel{CreatedAt: created},
		Name:             name,
		Gateway:          gateway,
		ReferenceDoctype: "Order",
		ReferenceDocname: "ORD-" + name,
		Amount:           decimal.RequireFromString("150.25"),
		Currency:         "EUR",
		Status:           status,
		Flow:             string(payments.FlowCharge),
	}
}

func TestTransactionRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository(openDB(t))
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, transaction("PAY-1", "Xendit-Main", "Queued", base)))
	require.NoError(t, repo.Create(ctx, transaction("PAY-2", "Xendit-Main", "Completed", base.Add(time.Minute))))
	require.NoError(t, repo.Create(ctx, transaction("PAY-3", "Stripe-Main", "Completed", base.Add(2*time.Minute))))

	tx, err := repo.Get(ctx, "PAY-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("150.25").Equal(tx.Amount))

	tx.RequestID = "inv-1"
	tx.Status = "Authorized"
	require.NoError(t, repo.Update(ctx, tx))

	found, err := repo.FindByRequestID(ctx, "Xendit-Main", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "PAY-1", found.Name)
	assert.Equal(t, "Authorized", found.Status)

	_, err = repo.FindByRequestID(ctx, "Stripe-Main", "inv-1")
	assert.ErrorIs(t, err, payments.ErrTransactionNotFound)
	_, err = repo.Get(ctx, "PAY-404")
	assert.ErrorIs(t, err, payments.ErrTransactionNotFound)

	list, total, err := repo.List(ctx, TransactionFilter{Status: "Completed", Limit: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, list, 1)
	assert.Equal(t, "PAY-3", list[0].Name)

	list, total, err = repo.List(ctx, TransactionFilter{Gateway: "Xendit-Main", ReferenceDocname: "ORD-PAY-2"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "PAY-2", list[0].Name)
}

func TestMandateRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMandateRepository(openDB(t))

	m := &models.Mandate{Name: "MDT-1", Gateway: "GoCardless-Main", Reference: "MD000", PayerKey: "payer@example.test", Status: payments.MandateDraft, Currency: "EUR"}
	require.NoError(t, repo.Create(ctx, m))

	_, err := repo.FindUsable(ctx, "GoCardless-Main", "payer@example.test")
	assert.ErrorIs(t, err, payments.ErrMandateNotFound)

	m.Status = payments.MandateActive
	require.NoError(t, repo.Update(ctx, m))

	usable, err := repo.FindUsable(ctx, "GoCardless-Main", "payer@example.test")
	require.NoError(t, err)
	assert.Equal(t, "MDT-1", usable.Name)

	byRef, err := repo.FindByReference(ctx, "GoCardless-Main", "MD000")
	require.NoError(t, err)
	assert.Equal(t, "MDT-1", byRef.Name)

	_, err = repo.Get(ctx, "MDT-404")
	assert.ErrorIs(t, err, payments.ErrMandateNotFound)
}

func TestEventRepositoryExpiry(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository(openDB(t))
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	require.NoError(t, repo.MarkProcessed(ctx, "Xendit-Main:evt-1", time.Hour))
	require.NoError(t, repo.MarkProcessed(ctx, "Xendit-Main:evt-1", time.Hour))

	seen, err := repo.IsProcessed(ctx, "Xendit-Main:evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	now = now.Add(2 * time.Hour)
	seen, err = repo.IsProcessed(ctx, "Xendit-Main:evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	n, err := repo.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestErrorLogRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewErrorLogRepository(openDB(t))

	require.NoError(t, repo.Report(ctx, &models.ErrorLog{Reference: "ERR-1", Transaction: "PAY-1", Kind: "provider", Message: "timeout"}))

	entry, err := repo.GetByReference(ctx, "ERR-1")
	require.NoError(t, err)
	assert.Equal(t, "timeout", entry.Message)

	_, err = repo.GetByReference(ctx, "ERR-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

type namedController struct{ provider string }

func (c namedController) Provider() string { return c.provider }
func (c namedController) States() payments.StateSets {
	return payments.StateSets{Success: []string{"ok"}}
}
func (namedController) ValidateTxData(ctx context.Context, data payments.TxData) error { return nil }
func (namedController) InitiateCharge(ctx context.Context, st payments.State) (payments.Initiation, error) {
	return payments.Initiation{}, nil
}
func (namedController) ValidateResponse(ctx context.Context, st payments.State) error { return nil }
func (namedController) ProcessCharge(ctx context.Context, st payments.State) (payments.HandlerResult, error) {
	return payments.HandlerResult{StatusChangedTo: "ok"}, nil
}

func TestGatewayRepositorySync(t *testing.T) {
	ctx := context.Background()
	repo := NewGatewayRepository(openDB(t))

	first := payments.NewRegistry()
	require.NoError(t, first.Register("Xendit-Main", "Xendit Settings", namedController{"Xendit"}))
	require.NoError(t, first.Register("Payme-Main", "Payme Settings", namedController{"Payme"}))
	require.NoError(t, repo.Sync(ctx, first.Registrations()))

	second := payments.NewRegistry()
	require.NoError(t, second.Register("Payme-Main", "Payme Settings", namedController{"Payme"}))
	require.NoError(t, repo.Sync(ctx, second.Registrations()))

	rows, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Payme-Main", rows[0].Name)
	assert.True(t, rows[0].Enabled)
	assert.Equal(t, "Payme", rows[0].Provider)
	assert.Equal(t, "Xendit-Main", rows[1].Name)
	assert.False(t, rows[1].Enabled)
}

func TestOrderAndOperatorRepositories(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	orders := NewOrderRepository(db)
	operators := NewOperatorRepository(db)

	order := &models.Order{Number: "ORD-1", Status: models.OrderStatusUnpaid, Amount: decimal.NewFromInt(15000), Currency: "UZS"}
	require.NoError(t, orders.Create(ctx, order))
	order.Status = models.OrderStatusPaid
	require.NoError(t, orders.Update(ctx, order))

	got, err := orders.GetByNumber(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)

	_, err = orders.GetByNumber(ctx, "ORD-2")
	assert.ErrorIs(t, err, ErrNotFound)

	list, total, err := orders.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, list, 1)

	require.NoError(t, operators.Create(ctx, &models.Operator{Username: "admin", PasswordHash: "x", Role: "admin"}))
	op, err := operators.FindByUsername(ctx, "admin")
	require.NoError(t, err)
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, operators.TouchLogin(ctx, op.ID, at))

	_, err = operators.FindByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPaymeRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPaymeRepository(openDB(t))

	pending := &models.PaymeTransaction{PaymeID: "pm-1", Gateway: "Payme-Main", TransactionName: "PAY-1", State: 1, Amount: 1500000, CreateTime: 1000}
	cancelled := &models.PaymeTransaction{PaymeID: "pm-0", Gateway: "Payme-Main", TransactionName: "PAY-1", State: -1, Amount: 1500000, CreateTime: 500}
	require.NoError(t, repo.Create(ctx, pending))
	require.NoError(t, repo.Create(ctx, cancelled))

	open, err := repo.FindOpen(ctx, "Payme-Main", "PAY-1")
	require.NoError(t, err)
	assert.Equal(t, "pm-1", open.PaymeID)

	open.State = 2
	open.PerformTime = 2000
	require.NoError(t, repo.Update(ctx, open))
	got, err := repo.GetByPaymeID(ctx, "pm-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.State)

	list, err := repo.ListByCreateTime(ctx, "Payme-Main", 0, 1500)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "pm-0", list[0].PaymeID)

	_, err = repo.GetByPaymeID(ctx, "pm-9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisEventStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisEventStore(client, "paygate:event:")
	require.NoError(t, store.MarkProcessed(ctx, "Stripe-Main:evt_1", time.Minute))

	seen, err := store.IsProcessed(ctx, "Stripe-Main:evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.True(t, mr.Exists("paygate:event:Stripe-Main:evt_1"))

	mr.FastForward(2 * time.Minute)
	seen, err = store.IsProcessed(ctx, "Stripe-Main:evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}
