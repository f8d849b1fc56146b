package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DylanDHubert/machinterview/internal/domain"
	"github.com/DylanDHubert/machinterview/internal/entitlement"
)

const maxListLimit = 50

type EntitlementBackend interface {
	Load(ctx context.Context, userID, email string) (domain.Entitlement, error)
	CompleteInterview(ctx context.Context, userID, chargeID string) (domain.Entitlement, error)
}

type InterviewStore interface {
	SaveInterview(ctx context.Context, rec domain.InterviewRecord) error
	ListInterviews(ctx context.Context, userID string, limit int) ([]domain.InterviewRecord, error)
}

// EntitlementView is the caller-facing summary of an entitlement.
type EntitlementView struct {
	Plan               domain.Plan `json:"plan"`
	UsageCounter       int         `json:"usageCounter"`
	Remaining          int         `json:"remainingInterviews"`
	Unlimited          bool        `json:"unlimited"`
	CanStartInterview  bool        `json:"canStartInterview"`
	SubscriptionStatus string      `json:"subscriptionStatus,omitempty"`
	PeriodEnd          *time.Time  `json:"subscriptionPeriodEnd,omitempty"`
}

func NewEntitlementView(e domain.Entitlement) EntitlementView {
	remaining, unlimited := entitlement.RemainingInterviews(e)
	v := EntitlementView{
		Plan:               e.Plan,
		UsageCounter:       e.UsageCounter,
		Remaining:          remaining,
		Unlimited:          unlimited,
		CanStartInterview:  entitlement.CanStartInterview(e),
		SubscriptionStatus: e.SubscriptionStatus,
	}
	if !e.SubscriptionPeriodEnd.IsZero() {
		end := e.SubscriptionPeriodEnd
		v.PeriodEnd = &end
	}
	return v
}

// AccountService serves the signed-in user's entitlement and interview
// history.
type AccountService struct {
	entitlements EntitlementBackend
	interviews   InterviewStore
	now          func() time.Time
}

func NewAccountService(e EntitlementBackend, i InterviewStore) (*AccountService, error) {
	if e == nil {
		return nil, errors.New("usecase: entitlement backend must not be nil")
	}
	if i == nil {
		return nil, errors.New("usecase: interview store must not be nil")
	}
	return &AccountService{entitlements: e, interviews: i, now: time.Now}, nil
}

func (s *AccountService) GetEntitlement(ctx context.Context, user User) (EntitlementView, error) {
	if strings.TrimSpace(user.ID) == "" {
		return EntitlementView{}, newError(ErrorUnauthorized, "missing_user", nil)
	}
	e, err := s.entitlements.Load(ctx, user.ID, user.Email)
	if err != nil {
		return EntitlementView{}, newError(ErrorInternal, "entitlement_load_error", err)
	}
	return NewEntitlementView(e), nil
}

// CompleteInterview charges the interview identified by interviewID. Repeating
// the call with the same id is not charged again.
func (s *AccountService) CompleteInterview(ctx context.Context, user User, interviewID string) (EntitlementView, error) {
	if strings.TrimSpace(user.ID) == "" {
		return EntitlementView{}, newError(ErrorUnauthorized, "missing_user", nil)
	}
	interviewID = strings.TrimSpace(interviewID)
	if interviewID == "" {
		return EntitlementView{}, newError(ErrorInvalidInput, "missing_interview_id", nil)
	}
	e, err := s.entitlements.CompleteInterview(ctx, user.ID, interviewID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return EntitlementView{}, newError(ErrorRateLimited, "entitlement_write_contention", err)
		}
		return EntitlementView{}, newError(ErrorInternal, "entitlement_write_error", err)
	}
	return NewEntitlementView(e), nil
}

// SaveInterview archives rec under the caller. A record already archived
// counts as saved.
func (s *AccountService) SaveInterview(ctx context.Context, user User, rec domain.InterviewRecord) (domain.InterviewRecord, error) {
	if strings.TrimSpace(user.ID) == "" {
		return domain.InterviewRecord{}, newError(ErrorUnauthorized, "missing_user", nil)
	}
	rec.UserID = user.ID
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		rec.ID = newUUID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.DurationSeconds < 0 || rec.QuestionCount < 0 || rec.TokensUsed < 0 {
		return domain.InterviewRecord{}, newError(ErrorInvalidInput, "negative_counter", nil)
	}

	err := s.interviews.SaveInterview(ctx, rec)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return domain.InterviewRecord{}, newError(ErrorInternal, "interview_write_error", err)
	}
	return rec, nil
}

func (s *AccountService) ListInterviews(ctx context.Context, user User, limit int) ([]domain.InterviewRecord, error) {
	if strings.TrimSpace(user.ID) == "" {
		return nil, newError(ErrorUnauthorized, "missing_user", nil)
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	recs, err := s.interviews.ListInterviews(ctx, user.ID, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "interview_read_error", err)
	}
	return recs, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
