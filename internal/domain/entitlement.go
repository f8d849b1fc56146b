package domain

import "time"

// Plan is a billing tier.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Entitlement is a user's plan and metered usage.
type Entitlement struct {
	UserID       string
	Email        string
	Plan         Plan
	UsageCounter int
	UpdatedAt    time.Time
	// Accounting is the metering scheme the counter was written under.
	Accounting int
	// LastChargeID identifies the interview most recently charged, so a
	// retried write is recognised instead of charged twice.
	LastChargeID string

	StripeCustomerID      string
	SubscriptionID        string
	SubscriptionStatus    string
	SubscriptionPeriodEnd time.Time
}

const (
	// AccountingLegacyTokens marks counters written by the token-budget scheme.
	AccountingLegacyTokens = 0
	// AccountingInterviews marks counters written in interview units.
	AccountingInterviews = 1
)

// PlanChange is applied by the billing collaborator when a subscription changes.
type PlanChange struct {
	UserID             string
	Plan               Plan
	StripeCustomerID   string
	SubscriptionID     string
	SubscriptionStatus string
	PeriodEnd          time.Time
}
