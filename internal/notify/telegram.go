// Package notify sends order and payment notifications to a Telegram admin chat.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultAPIURL = "https://api.telegram.org"

// Telegram posts messages through the Bot API. Without a bot token or admin chat
// every call is a no-op.
type Telegram struct {
	botToken    string
	adminChatID string
	apiURL      string
	client      *http.Client
	log         *zap.Logger
}

type Option func(*Telegram)

// WithAPIURL points the notifier at another Bot API host.
func WithAPIURL(url string) Option {
	return func(t *Telegram) { t.apiURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(client *http.Client) Option {
	return func(t *Telegram) { t.client = client }
}

func NewTelegram(botToken, adminChatID string, log *zap.Logger, opts ...Option) *Telegram {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Telegram{
		botToken:    botToken,
		adminChatID: adminChatID,
		apiURL:      defaultAPIURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		log:         log.Named("telegram"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends an HTML formatted message to chatID.
func (t *Telegram) SendMessage(ctx context.Context, chatID, text string) error {
	if t.botToken == "" {
		t.log.Debug("bot token not configured")
		return nil
	}

	body, err := json.Marshal(telegramMessage{ChatID: chatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.log.Warn("send message failed", zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.log.Warn("unexpected status", zap.Int("status", resp.StatusCode))
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

// SendToAdmin sends text to the admin chat.
func (t *Telegram) SendToAdmin(ctx context.Context, text string) error {
	if t.adminChatID == "" {
		return nil
	}
	return t.SendMessage(ctx, t.adminChatID, text)
}

// PaymentNotification describes a payment outcome for an order.
type PaymentNotification struct {
	OrderNumber string
	Transaction string
	Gateway     string
	Amount      decimal.Decimal
	Currency    string
	Status      string
	Reason      string
}

// FormatPrice formats amount with thousand separators and the currency code.
func FormatPrice(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = "UZS"
	}
	str := amount.Truncate(0).Abs().String()

	var result strings.Builder
	if amount.IsNegative() {
		result.WriteString("-")
	}
	length := len(str)
	for i, digit := range str {
		if i > 0 && (length-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}
	return result.String() + " " + currency
}

// NotifyPayment reports a settled or failed payment to the admin chat.
func (t *Telegram) NotifyPayment(ctx context.Context, p PaymentNotification) error {
	if t.adminChatID == "" {
		return nil
	}

	title := "✅ PAYMENT RECEIVED"
	switch p.Status {
	case "Authorized":
		title = "🔒 PAYMENT AUTHORIZED"
	case "Failed":
		title = "❌ PAYMENT FAILED"
	case "Cancelled":
		title = "🚫 PAYMENT CANCELLED"
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "<b>%s</b>\n", title)
	fmt.Fprintf(&msg, "<b>📋 Order:</b> %s\n", html.EscapeString(p.OrderNumber))
	fmt.Fprintf(&msg, "<b>🔖 Transaction:</b> %s\n", html.EscapeString(p.Transaction))
	fmt.Fprintf(&msg, "<b>💰 Amount:</b> %s\n", FormatPrice(p.Amount, p.Currency))
	fmt.Fprintf(&msg, "<b>💳 Gateway:</b> %s\n", html.EscapeString(p.Gateway))
	if p.Reason != "" {
		fmt.Fprintf(&msg, "<b>⚠️ Reason:</b> %s\n", html.EscapeString(p.Reason))
	}
	msg.WriteString("━━━━━━━━━━━━━━━━━━")

	return t.SendToAdmin(ctx, msg.String())
}
