package main

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/paygate/internal/config"
	"github.com/example/paygate/internal/handlers"
	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/providers/gocardless"
	"github.com/example/paygate/internal/providers/payme"
	"github.com/example/paygate/internal/providers/plum"
	"github.com/example/paygate/internal/providers/stripe"
	"github.com/example/paygate/internal/providers/xendit"
)

// gatewaySet remembers registrations that need more wiring once the engine exists.
type gatewaySet struct {
	payme string
}

// registerGateways adds a controller for every provider that has credentials.
func registerGateways(registry *payments.Registry, cfg *config.Config, st *stores, log *zap.Logger) (*gatewaySet, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	set := &gatewaySet{}

	returnURL := func(gateway string) string {
		return cfg.PublicBaseURL + "/api/payments/return/" + gateway
	}
	register := func(provider, title string, c payments.Controller) error {
		name := payments.GatewayName(provider, title)
		if err := registry.Register(name, provider+" Settings", c); err != nil {
			return err
		}
		log.Info("gateway registered", zap.String("gateway", name), zap.String("provider", provider))
		return nil
	}

	if cfg.Xendit.Enabled() {
		name := payments.GatewayName(xendit.Provider, cfg.Xendit.Title)
		c := xendit.New(xendit.Config{
			BaseURL:        cfg.Xendit.BaseURL,
			SecretKey:      cfg.Xendit.SecretKey,
			CallbackTokens: cfg.Xendit.CallbackTokens,
			ReturnURL:      returnURL(name),
		}, client)
		if err := register(xendit.Provider, cfg.Xendit.Title, c); err != nil {
			return nil, err
		}
	}

	if cfg.GoCardless.Enabled() {
		name := payments.GatewayName(gocardless.Provider, cfg.GoCardless.Title)
		c := gocardless.New(gocardless.Config{
			BaseURL:        cfg.GoCardless.BaseURL,
			AccessToken:    cfg.GoCardless.AccessToken,
			WebhookSecrets: cfg.GoCardless.WebhookSecrets,
			ReturnURL:      returnURL(name),
		}, client)
		if err := register(gocardless.Provider, cfg.GoCardless.Title, c); err != nil {
			return nil, err
		}
	}

	if cfg.Stripe.Enabled() {
		name := payments.GatewayName(stripe.Provider, cfg.Stripe.Title)
		c := stripe.New(stripe.Config{
			SecretKey:      cfg.Stripe.SecretKey,
			PublishableKey: cfg.Stripe.PublishableKey,
			WebhookSecrets: cfg.Stripe.WebhookSecrets,
			APIURL:         cfg.Stripe.APIURL,
			ReturnURL:      returnURL(name),
		}, client, log)
		if err := register(stripe.Provider, cfg.Stripe.Title, c); err != nil {
			return nil, err
		}
	}

	if cfg.Payme.Enabled() {
		name := payments.GatewayName(payme.Provider, cfg.Payme.Title)
		c := payme.New(payme.Config{
			MerchantID:  cfg.Payme.MerchantID,
			CheckoutURL: cfg.Payme.CheckoutURL,
			ReturnURL:   returnURL(name),
		}, st.payme)
		if err := register(payme.Provider, cfg.Payme.Title, c); err != nil {
			return nil, err
		}
		set.payme = name
	}

	if cfg.Plum.Enabled {
		c := plum.New(plum.Config{
			BaseURL:  cfg.Plum.BaseURL,
			Username: cfg.Plum.Username,
			Password: cfg.Plum.Password,
		}, client, log)
		if err := register(plum.Provider, cfg.Plum.Title, c); err != nil {
			return nil, err
		}
	}

	if len(registry.Registrations()) == 0 {
		log.Warn("no payment gateway configured")
	}
	return set, nil
}

// paymeHandler returns nil when Payme is not configured.
func (g *gatewaySet) paymeHandler(engine *payments.Engine, st *stores, log *zap.Logger) *handlers.PaymeHandler {
	if g.payme == "" {
		return nil
	}
	merchant := payme.NewMerchant(engine, st.payme, g.payme, log)
	return handlers.NewPaymeHandler(map[string]*payme.Merchant{g.payme: merchant}, log)
}
