package entitlement

import "github.com/DylanDHubert/machinterview/internal/domain"

// Free users metered under the old token scheme carry counters at or above the
// token ceiling. They are reset once so the interview-based accounting grants
// them a fresh allotment; the accounting marker keeps the reset from repeating.
// Remove this file and its call in Service.Load once no legacy rows remain.

func needsLegacyReset(e domain.Entitlement) bool {
	return e.Plan == domain.PlanFree &&
		e.Accounting == domain.AccountingLegacyTokens &&
		e.UsageCounter >= FreeTokenBudget
}

func legacyReset(e domain.Entitlement) domain.Entitlement {
	e.UsageCounter = 0
	e.Accounting = domain.AccountingInterviews
	return e
}
