package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "1,250,000 UZS", FormatPrice(decimal.RequireFromString("1250000.75"), ""))
	assert.Equal(t, "950 EUR", FormatPrice(decimal.RequireFromString("950"), "EUR"))
	assert.Equal(t, "-12,000 USD", FormatPrice(decimal.RequireFromString("-12000"), "USD"))
}

func TestNotifyPaymentPostsToAdminChat(t *testing.T) {
	var got telegramMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("bot-token", "-100200", zaptest.NewLogger(t), WithAPIURL(srv.URL), WithHTTPClient(srv.Client()))
	err := tg.NotifyPayment(context.Background(), PaymentNotification{
		OrderNumber: "ORD-<1>",
		Transaction: "PAY-1",
		Gateway:     "Payme-Main",
		Amount:      decimal.RequireFromString("150000"),
		Currency:    "UZS",
		Status:      "Failed",
		Reason:      "insufficient funds",
	})
	require.NoError(t, err)

	assert.Equal(t, "/botbot-token/sendMessage", path)
	assert.Equal(t, "-100200", got.ChatID)
	assert.Equal(t, "HTML", got.ParseMode)
	assert.Contains(t, got.Text, "PAYMENT FAILED")
	assert.Contains(t, got.Text, "ORD-&lt;1&gt;")
	assert.Contains(t, got.Text, "150,000 UZS")
	assert.Contains(t, got.Text, "insufficient funds")
}

func TestUnconfiguredTelegramIsNoop(t *testing.T) {
	tg := NewTelegram("", "", nil)
	assert.NoError(t, tg.NotifyPayment(context.Background(), PaymentNotification{OrderNumber: "ORD-1"}))
	assert.NoError(t, tg.SendMessage(context.Background(), "1", "hi"))
}

func TestNonOKStatusIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tg := NewTelegram("bot-token", "-1", nil, WithAPIURL(srv.URL))
	assert.Error(t, tg.SendToAdmin(context.Background(), "hello"))
}
