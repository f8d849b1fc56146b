// Package entitlement decides whether a user may start an interview and meters
// completed interviews against the free tier.
package entitlement

import "github.com/DylanDHubert/machinterview/internal/domain"

const (
	// FreeInterviewLimit is the number of interviews a free user may complete.
	FreeInterviewLimit = 2
	// UnitCost is the counter increment recorded for one completed interview.
	UnitCost = 1000
	// FreeTokenBudget is the legacy token ceiling for free users.
	FreeTokenBudget = 2000
)

// InterviewsUsed returns the number of interviews consumed by the counter.
func InterviewsUsed(e domain.Entitlement) int {
	if e.UsageCounter <= 0 {
		return 0
	}
	return e.UsageCounter / UnitCost
}

// CanStartInterview reports whether another interview may start.
func CanStartInterview(e domain.Entitlement) bool {
	if e.Plan == domain.PlanPro {
		return true
	}
	return InterviewsUsed(e) < FreeInterviewLimit
}

// RemainingInterviews returns the interviews left on the free tier. Pro
// entitlements report unlimited.
func RemainingInterviews(e domain.Entitlement) (n int, unlimited bool) {
	if e.Plan == domain.PlanPro {
		return 0, true
	}
	return max(0, FreeInterviewLimit-InterviewsUsed(e)), false
}

// CompleteInterview returns e with one interview recorded. Pro usage is not
// metered.
func CompleteInterview(e domain.Entitlement) domain.Entitlement {
	if e.Plan == domain.PlanPro {
		return e
	}
	e.UsageCounter += UnitCost
	e.Accounting = domain.AccountingInterviews
	return e
}

// CanUseBudget reports whether amount tokens fit in the legacy budget.
func CanUseBudget(e domain.Entitlement, amount int) bool {
	if e.Plan == domain.PlanPro {
		return true
	}
	return e.UsageCounter+max(0, amount) <= FreeTokenBudget
}

// RemainingBudget returns the tokens left in the legacy budget.
func RemainingBudget(e domain.Entitlement) (n int, unlimited bool) {
	if e.Plan == domain.PlanPro {
		return 0, true
	}
	return max(0, FreeTokenBudget-e.UsageCounter), false
}

// RecordUsage returns e with amount tokens recorded. Negative amounts are
// ignored so the counter never decreases.
func RecordUsage(e domain.Entitlement, amount int) domain.Entitlement {
	if e.Plan == domain.PlanPro || amount <= 0 {
		return e
	}
	e.UsageCounter += amount
	return e
}
