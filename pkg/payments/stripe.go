package payments

import (
	"context"
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	stripeclient "github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/nextstep-learning/tutoring-api/pkg/config"
)

// Intent is the provider-neutral view of a charge intent.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	Amount       int64
	Currency     string
	Metadata     map[string]string
}

// IntentStatusSucceeded is the terminal success status reported by Stripe.
const IntentStatusSucceeded = "succeeded"

// Event is a verified webhook notification.
type Event struct {
	ID     string
	Type   string
	Intent *Intent
}

// EventTypeIntentSucceeded identifies a successful charge notification.
const EventTypeIntentSucceeded = "payment_intent.succeeded"

// StripeClient wraps the hosted payment processor. Card data never transits
// this system: the client secret returned from CreateIntent is consumed by
// the browser directly against Stripe.
type StripeClient struct {
	api           *stripeclient.API
	webhookSecret string
	currency      string
}

// NewStripeClient constructs the client, failing fast when required
// credentials are absent.
func NewStripeClient(cfg config.PaymentConfig) (*StripeClient, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key missing")
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("stripe webhook secret missing")
	}
	currency := cfg.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	api := &stripeclient.API{}
	api.Init(cfg.SecretKey, nil)
	return &StripeClient{api: api, webhookSecret: cfg.WebhookSecret, currency: currency}, nil
}

// CreateIntent asks Stripe for a new charge intent in minor currency units.
func (c *StripeClient) CreateIntent(ctx context.Context, amountCents int64, metadata map[string]string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(c.currency),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return intentFromStripe(pi), nil
}

// GetIntent fetches the current state of a charge intent.
func (c *StripeClient) GetIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := c.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get payment intent %s: %w", id, err)
	}
	return intentFromStripe(pi), nil
}

// VerifyWebhook checks the signature header against the shared secret and
// decodes the event. It fails closed on any signature problem.
func (c *StripeClient) VerifyWebhook(payload []byte, sigHeader string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("verify webhook signature: %w", err)
	}

	out := &Event{ID: event.ID, Type: string(event.Type)}
	if out.Type == EventTypeIntentSucceeded {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent payload: %w", err)
		}
		out.Intent = intentFromStripe(&pi)
	}
	return out, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	if pi == nil {
		return nil
	}
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
}
