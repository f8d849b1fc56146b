// Package billing applies subscription lifecycle webhooks to entitlements.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/DylanDHubert/machinterview/internal/domain"
)

var (
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	ErrInvalidPayload   = errors.New("billing: invalid webhook payload")
)

// userIDKey is the metadata key checkout attaches to customers, sessions and
// subscriptions.
const userIDKey = "userId"

// Store is the persistence the processor writes plan changes through.
type Store interface {
	SetPlan(ctx context.Context, change domain.PlanChange) error
	UserIDForCustomer(ctx context.Context, customerID string) (string, error)
}

// Result describes how an event was handled.
type Result struct {
	EventID   string
	EventType string
	// Applied is false for ignored event types and for events whose user
	// could not be resolved.
	Applied bool
	Change  domain.PlanChange
}

type Processor struct {
	store  Store
	secret string
	logger *slog.Logger
}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates a Processor verifying payloads with the endpoint
// signing secret.
func NewProcessor(store Store, secret string, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, errors.New("billing: store must not be nil")
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("billing: webhook secret must not be empty")
	}
	p := &Processor{store: store, secret: secret, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// HandleWebhook verifies payload against the Stripe-Signature header value
// and applies the plan change the event implies. Storage failures are
// returned so the provider redelivers the event.
func (p *Processor) HandleWebhook(ctx context.Context, payload []byte, signature string) (Result, error) {
	if strings.TrimSpace(signature) == "" {
		return Result{}, fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	res := Result{EventID: event.ID, EventType: string(event.Type)}
	if event.Data == nil {
		return res, fmt.Errorf("%w: no data", ErrInvalidPayload)
	}

	var (
		change domain.PlanChange
		hints  []string
		handle = true
	)
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return res, fmt.Errorf("%w: checkout session: %w", ErrInvalidPayload, err)
		}
		change = domain.PlanChange{
			Plan:               domain.PlanPro,
			StripeCustomerID:   customerID(sess.Customer),
			SubscriptionStatus: string(stripe.SubscriptionStatusActive),
		}
		if sess.Subscription != nil {
			change.SubscriptionID = sess.Subscription.ID
			change.PeriodEnd = unixTime(sess.Subscription.CurrentPeriodEnd)
		}
		hints = []string{sess.Metadata[userIDKey], sess.ClientReferenceID}

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return res, fmt.Errorf("%w: subscription: %w", ErrInvalidPayload, err)
		}
		change = subscriptionChange(&sub)
		hints = []string{sub.Metadata[userIDKey], customerMetadata(sub.Customer)}

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return res, fmt.Errorf("%w: subscription: %w", ErrInvalidPayload, err)
		}
		change = domain.PlanChange{
			Plan:               domain.PlanFree,
			StripeCustomerID:   customerID(sub.Customer),
			SubscriptionStatus: string(stripe.SubscriptionStatusCanceled),
		}
		hints = []string{sub.Metadata[userIDKey], customerMetadata(sub.Customer)}

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return res, fmt.Errorf("%w: invoice: %w", ErrInvalidPayload, err)
		}
		change = domain.PlanChange{
			Plan:               domain.PlanFree,
			StripeCustomerID:   customerID(inv.Customer),
			SubscriptionStatus: string(stripe.SubscriptionStatusUnpaid),
		}
		if inv.Subscription != nil {
			change.SubscriptionID = inv.Subscription.ID
		}
		hints = []string{inv.Metadata[userIDKey], customerMetadata(inv.Customer)}
		if inv.SubscriptionDetails != nil {
			hints = append(hints, inv.SubscriptionDetails.Metadata[userIDKey])
		}

	default:
		handle = false
	}
	if !handle {
		p.logger.Debug("billing: event ignored", "event_id", event.ID, "type", event.Type)
		return res, nil
	}

	userID, err := p.resolveUser(ctx, change.StripeCustomerID, hints)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.logger.Warn("billing: no user for event", "event_id", event.ID, "type", event.Type, "customer", change.StripeCustomerID)
			return res, nil
		}
		return res, err
	}
	change.UserID = userID

	if err := p.store.SetPlan(ctx, change); err != nil {
		return res, fmt.Errorf("billing: apply %s: %w", event.Type, err)
	}
	p.logger.Info("billing: plan updated",
		"event_id", event.ID,
		"type", event.Type,
		"user_id", userID,
		"plan", change.Plan,
		"status", change.SubscriptionStatus,
	)
	res.Applied = true
	res.Change = change
	return res, nil
}

// resolveUser prefers an explicit user id carried by the event and falls back
// to the customer link recorded at checkout.
func (p *Processor) resolveUser(ctx context.Context, customer string, hints []string) (string, error) {
	for _, h := range hints {
		if h = strings.TrimSpace(h); h != "" {
			return h, nil
		}
	}
	if customer == "" {
		return "", fmt.Errorf("billing: event has no customer: %w", domain.ErrNotFound)
	}
	uid, err := p.store.UserIDForCustomer(ctx, customer)
	if err != nil {
		return "", fmt.Errorf("billing: resolve customer %q: %w", customer, err)
	}
	return uid, nil
}

// subscriptionChange maps a live subscription to a plan. Anything other than
// an active subscription downgrades to free.
func subscriptionChange(sub *stripe.Subscription) domain.PlanChange {
	plan := domain.PlanFree
	if sub.Status == stripe.SubscriptionStatusActive {
		plan = domain.PlanPro
	}
	return domain.PlanChange{
		Plan:               plan,
		StripeCustomerID:   customerID(sub.Customer),
		SubscriptionID:     sub.ID,
		SubscriptionStatus: string(sub.Status),
		PeriodEnd:          unixTime(sub.CurrentPeriodEnd),
	}
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// customerMetadata reads the user id from an expanded customer object.
func customerMetadata(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.Metadata[userIDKey]
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
