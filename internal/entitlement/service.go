package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DylanDHubert/machinterview/internal/domain"
)

// maxWriteAttempts bounds the compare-and-set loop for usage writes.
const maxWriteAttempts = 3

// Store persists entitlements. UpdateUsage must only succeed while the stored
// counter still equals expected, and report domain.ErrConflict otherwise.
// CreateEntitlement reports domain.ErrConflict when the record already exists.
type Store interface {
	GetEntitlement(ctx context.Context, userID string) (domain.Entitlement, error)
	CreateEntitlement(ctx context.Context, e domain.Entitlement) error
	UpdateUsage(ctx context.Context, next domain.Entitlement, expected int) error
}

// SessionRefresher renews the credentials used by a Store after they expire.
type SessionRefresher interface {
	Refresh(ctx context.Context) error
}

// SessionRefresherFunc adapts a function to SessionRefresher.
type SessionRefresherFunc func(ctx context.Context) error

func (f SessionRefresherFunc) Refresh(ctx context.Context) error { return f(ctx) }

// Service reads and charges entitlements in the store. Every write is a
// compare-and-set on the usage counter.
type Service struct {
	store     Store
	refresher SessionRefresher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSessionRefresher sets the hook run once before retrying a call that
// failed with domain.ErrSessionExpired.
func WithSessionRefresher(r SessionRefresher) Option {
	return func(s *Service) {
		s.refresher = r
	}
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a Service over store.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("entitlement: store must not be nil")
	}
	s := &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Load returns the user's entitlement, creating the default free record on
// first access.
func (s *Service) Load(ctx context.Context, userID, email string) (domain.Entitlement, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Entitlement{}, errors.New("entitlement: user id must not be empty")
	}

	e, err := s.get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.create(ctx, userID, email)
	}
	if err != nil {
		return domain.Entitlement{}, err
	}

	if !needsLegacyReset(e) {
		return e, nil
	}
	migrated := legacyReset(e)
	migrated.UpdatedAt = s.now().UTC()
	err = s.withSessionRetry(ctx, func(ctx context.Context) error {
		return s.store.UpdateUsage(ctx, migrated, e.UsageCounter)
	})
	if err != nil {
		s.logger.Warn("entitlement: legacy reset not persisted", "user_id", userID, "error", err)
		return e, nil
	}
	s.logger.Info("entitlement: legacy counter reset", "user_id", userID, "previous", e.UsageCounter)
	return migrated, nil
}

func (s *Service) create(ctx context.Context, userID, email string) (domain.Entitlement, error) {
	e := domain.Entitlement{
		UserID:     userID,
		Email:      strings.TrimSpace(email),
		Plan:       domain.PlanFree,
		UpdatedAt:  s.now().UTC(),
		Accounting: domain.AccountingInterviews,
	}
	err := s.withSessionRetry(ctx, func(ctx context.Context) error {
		return s.store.CreateEntitlement(ctx, e)
	})
	if errors.Is(err, domain.ErrConflict) {
		// Another request created it first.
		return s.get(ctx, userID)
	}
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("entitlement: create: %w", err)
	}
	return e, nil
}

// CompleteInterview charges one interview to the user. chargeID identifies the
// interview; a retry with the same id after an ambiguous failure is not
// charged twice. The returned value is the one confirmed by the store.
func (s *Service) CompleteInterview(ctx context.Context, userID, chargeID string) (domain.Entitlement, error) {
	return s.apply(ctx, userID, chargeID, CompleteInterview)
}

// RecordUsage adds amount tokens to the legacy budget counter.
func (s *Service) RecordUsage(ctx context.Context, userID string, amount int) (domain.Entitlement, error) {
	return s.apply(ctx, userID, "", func(e domain.Entitlement) domain.Entitlement {
		return RecordUsage(e, amount)
	})
}

func (s *Service) apply(ctx context.Context, userID, chargeID string, fn func(domain.Entitlement) domain.Entitlement) (domain.Entitlement, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Entitlement{}, errors.New("entitlement: user id must not be empty")
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := s.get(ctx, userID)
		if err != nil {
			return domain.Entitlement{}, err
		}
		if chargeID != "" && current.LastChargeID == chargeID {
			return current, nil
		}

		next := fn(current)
		if next.UsageCounter == current.UsageCounter {
			return current, nil
		}
		next.LastChargeID = chargeID
		next.UpdatedAt = s.now().UTC()

		err = s.withSessionRetry(ctx, func(ctx context.Context) error {
			return s.store.UpdateUsage(ctx, next, current.UsageCounter)
		})
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.Entitlement{}, fmt.Errorf("entitlement: update usage: %w", err)
		}
		s.logger.Info("entitlement: usage write conflict, re-reading", "user_id", userID, "attempt", attempt+1)
	}
	return domain.Entitlement{}, fmt.Errorf("entitlement: update usage: %w", domain.ErrConflict)
}

func (s *Service) get(ctx context.Context, userID string) (domain.Entitlement, error) {
	var e domain.Entitlement
	err := s.withSessionRetry(ctx, func(ctx context.Context) error {
		var err error
		e, err = s.store.GetEntitlement(ctx, userID)
		return err
	})
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("entitlement: get: %w", err)
	}
	return e, nil
}

// withSessionRetry runs op, refreshing the session and retrying once when the
// store reports expired credentials.
func (s *Service) withSessionRetry(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil || s.refresher == nil || !errors.Is(err, domain.ErrSessionExpired) {
		return err
	}
	s.logger.Info("entitlement: session expired, refreshing")
	if rerr := s.refresher.Refresh(ctx); rerr != nil {
		return fmt.Errorf("entitlement: refresh session: %w", errors.Join(rerr, err))
	}
	return op(ctx)
}
