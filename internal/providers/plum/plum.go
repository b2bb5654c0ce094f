// Package plum confirms payments with an SMS code sent through Plum. The shop
// operator starts the flow for the payer, who reads back the code they received.
package plum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/utils"
)

const Provider = "Plum"

const (
	StatusVerified = "verified"
	StatusRejected = "rejected"
)

const codeLength = 6

type Config struct {
	BaseURL  string
	Username string
	Password string
}

// Controller implements payments.Controller, NameGenerator, FlowDelegator and
// ReturnTranslator.
type Controller struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	token  string
	expiry time.Time
}

func New(cfg Config, client *http.Client, log *zap.Logger) *Controller {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Controller{cfg: cfg, client: client, log: log.Named("plum"), now: time.Now}
}

func (c *Controller) Provider() string { return Provider }

func (c *Controller) States() payments.StateSets {
	return payments.StateSets{Success: []string{StatusVerified}}
}

func (c *Controller) ValidateTxData(ctx context.Context, data payments.TxData) error {
	if data.Currency != "UZS" {
		return payments.ValidationError(fmt.Sprintf("Please select another payment method. Plum does not support transactions in currency '%s'", data.Currency))
	}
	if data.PayerPhone() == "" {
		return payments.ValidationError("Plum payments need the payer's mobile number")
	}
	return nil
}

// TransactionName returns the one-time code the payer quotes to the operator.
func (c *Controller) TransactionName() (string, error) {
	return utils.OneTimeCode(codeLength)
}

func (c *Controller) IsUserFlowInitiationDelegated(tx payments.Snapshot) bool { return true }

// InitiateCharge starts an SMS verification session for the payer's phone. A
// session already tracked for the charge is returned as is; the payer keeps the
// code they were sent.
func (c *Controller) InitiateCharge(ctx context.Context, st payments.State) (payments.Initiation, error) {
	phone := st.TxData.PayerPhone()
	if phone == "" {
		return payments.Initiation{}, payments.ValidationError("Plum payments need the payer's mobile number")
	}
	if st.Transaction.Flow == payments.FlowCharge && st.Transaction.RequestID != "" {
		return sessionInitiation(st.Transaction.RequestID, phone), nil
	}

	var session struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "verification/send", map[string]string{"phone": phone}, &session); err != nil {
		return payments.Initiation{}, err
	}
	if session.SessionID == "" {
		return payments.Initiation{}, payments.ProviderError("plum verification send", errors.New("empty session id"))
	}

	message := fmt.Sprintf("Payment %s: %s %s for %s %s",
		st.Transaction.Name, st.TxData.Amount.StringFixed(2), st.TxData.Currency,
		st.TxData.ReferenceDoctype, st.TxData.ReferenceDocname)
	if err := c.do(ctx, http.MethodPost, "sms/send", map[string]string{"phone": phone, "message": message}, nil); err != nil {
		c.log.Warn("payment notice sms failed", zap.String("transaction", st.Transaction.Name), zap.Error(err))
	}

	return sessionInitiation(session.SessionID, phone), nil
}

func sessionInitiation(sessionID, phone string) payments.Initiation {
	return payments.Initiation{
		CorrelationID: sessionID,
		Payload: map[string]any{
			"session_id": sessionID,
			"phone":      maskPhone(phone),
		},
	}
}

func (c *Controller) ValidateResponse(ctx context.Context, st payments.State) error {
	code := st.ResponseString("code")
	if code == "" {
		return payments.ValidationError("verification code is required")
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return payments.ValidationError("verification code must be numeric")
		}
	}
	if st.Transaction.RequestID == "" {
		return payments.ValidationError("payment has not been started")
	}
	return nil
}

// ProcessCharge confirms the code against the verification session.
func (c *Controller) ProcessCharge(ctx context.Context, st payments.State) (payments.HandlerResult, error) {
	var result struct {
		Verified bool `json:"verified"`
	}
	body := map[string]string{"session_id": st.Transaction.RequestID, "code": st.ResponseString("code")}
	if err := c.do(ctx, http.MethodPost, "verification/confirm", body, &result); err != nil {
		return payments.HandlerResult{}, err
	}

	output := map[string]any{"session_id": st.Transaction.RequestID}
	if !result.Verified {
		output[payments.FailureReasonKey] = "invalid verification code"
		return payments.HandlerResult{StatusChangedTo: StatusRejected, Output: output}, nil
	}
	return payments.HandlerResult{StatusChangedTo: StatusVerified, Output: output}, nil
}

// TranslateReturn accepts the code either as query parameters or a JSON body.
func (c *Controller) TranslateReturn(query map[string]string, body []byte) (payments.ReturnRequest, error) {
	name, code := query["tx"], query["code"]
	if len(body) > 0 && (name == "" || code == "") {
		var in struct {
			Tx   string `json:"tx"`
			Code string `json:"code"`
		}
		if err := json.Unmarshal(body, &in); err != nil {
			return payments.ReturnRequest{}, payments.ValidationError("invalid request body")
		}
		if name == "" {
			name = in.Tx
		}
		if code == "" {
			code = in.Code
		}
	}
	if name == "" {
		return payments.ReturnRequest{}, payments.ValidationError("missing transaction")
	}
	return payments.ReturnRequest{
		Transaction: name,
		Flow:        payments.FlowCharge,
		Payload:     map[string]any{"code": strings.TrimSpace(code)},
	}, nil
}

type authResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// accessToken returns the cached token, logging in again when it expired or force is set.
func (c *Controller) accessToken(ctx context.Context, force bool) (string, error) {
	if !force {
		c.mu.RLock()
		if c.token != "" && c.now().Before(c.expiry) {
			t := c.token
			c.mu.RUnlock()
			return t, nil
		}
		c.mu.RUnlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.token != "" && c.now().Before(c.expiry) {
		return c.token, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("plum auth request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", payments.ProviderError("plum auth request", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", payments.ProviderError("plum auth", fmt.Errorf("status %d, body: %s", resp.StatusCode, body))
	}

	var auth authResponse
	if err := json.Unmarshal(body, &auth); err != nil {
		return "", payments.ProviderError("plum auth", err)
	}
	if auth.Token == "" {
		return "", payments.ProviderError("plum auth", errors.New("empty token"))
	}

	c.token = auth.Token
	if auth.ExpiresIn > 0 {
		c.expiry = c.now().Add(time.Duration(auth.ExpiresIn)*time.Second - 30*time.Second)
	} else {
		c.expiry = c.now().Add(55 * time.Minute)
	}
	return c.token, nil
}

// do calls the Plum API, retrying once with a fresh token on 401.
func (c *Controller) do(ctx context.Context, method, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("plum request marshal: %w", err)
	}

	token, err := c.accessToken(ctx, false)
	if err != nil {
		return err
	}
	status, body, err := c.send(ctx, method, path, data, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		if token, err = c.accessToken(ctx, true); err != nil {
			return err
		}
		if status, body, err = c.send(ctx, method, path, data, token); err != nil {
			return err
		}
	}

	if status < 200 || status >= 300 {
		return payments.ProviderError("plum "+path, fmt.Errorf("status %d, body: %s", status, body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return payments.ProviderError("plum "+path, err)
	}
	return nil
}

func (c *Controller) send(ctx context.Context, method, path string, data []byte, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+"/"+strings.TrimLeft(path, "/"), bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("plum request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, payments.ProviderError("plum "+path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body, nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
