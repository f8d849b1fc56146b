package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/DylanDHubert/machinterview/internal/domain"
	"github.com/DylanDHubert/machinterview/internal/entitlement"
)

const (
	DefaultRealtimeModel   = "gpt-4o-realtime-preview-2024-12-17"
	defaultVoice           = "alloy"
	defaultInterviewerName = "Alex"
	defaultLocale          = "en"

	maxInterviewerName  = 64
	maxVoice            = 32
	maxJobDescription   = 20000
	maxResumeExperience = 30
)

type RealtimeClient interface {
	CreateRealtimeSession(ctx context.Context, in domain.RealtimeSessionRequest) (domain.RealtimeCredentials, error)
}

// EntitlementLoader reads the caller's entitlement so sessions are only minted
// for users with interviews left.
type EntitlementLoader interface {
	Load(ctx context.Context, userID, email string) (domain.Entitlement, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// User is the authenticated caller.
type User struct {
	ID    string
	Email string
}

type SessionService struct {
	realtime     RealtimeClient
	entitlements EntitlementLoader
	model        string
}

type SessionOption func(*SessionService)

func WithModel(model string) SessionOption {
	return func(s *SessionService) {
		if m := strings.TrimSpace(model); m != "" {
			s.model = m
		}
	}
}

// WithEntitlementCheck refuses sessions for users whose quota is spent.
func WithEntitlementCheck(l EntitlementLoader) SessionOption {
	return func(s *SessionService) {
		s.entitlements = l
	}
}

func NewSessionService(rt RealtimeClient, opts ...SessionOption) (*SessionService, error) {
	if rt == nil {
		return nil, errors.New("usecase: realtime client must not be nil")
	}
	s := &SessionService{realtime: rt, model: DefaultRealtimeModel}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateSession mints ephemeral realtime credentials whose instructions are
// built from the interview context.
func (s *SessionService) CreateSession(ctx context.Context, user User, ic domain.InterviewContext) (domain.RealtimeCredentials, error) {
	ic, err := normalizeContext(ic)
	if err != nil {
		return domain.RealtimeCredentials{}, err
	}

	if s.entitlements != nil {
		if strings.TrimSpace(user.ID) == "" {
			return domain.RealtimeCredentials{}, newError(ErrorUnauthorized, "missing_user", nil)
		}
		e, err := s.entitlements.Load(ctx, user.ID, user.Email)
		if err != nil {
			return domain.RealtimeCredentials{}, newError(ErrorInternal, "entitlement_load_error", err)
		}
		if !entitlement.CanStartInterview(e) {
			return domain.RealtimeCredentials{}, newError(ErrorQuotaExceeded, "interview_limit_reached", nil)
		}
	}

	creds, err := s.realtime.CreateRealtimeSession(ctx, domain.RealtimeSessionRequest{
		Model:         s.model,
		Voice:         ic.Voice,
		Modalities:    []string{"audio", "text"},
		Instructions:  BuildInstructions(ic) + "\n\n" + interruptionGuard,
		ToolChoice:    "auto",
		TurnDetection: defaultTurnDetection(),
	})
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			return domain.RealtimeCredentials{}, newError(ErrorRateLimited, "openai_rate_limited", err)
		}
		return domain.RealtimeCredentials{}, newError(ErrorUpstream, "openai_error", err)
	}
	return creds, nil
}

func normalizeContext(ic domain.InterviewContext) (domain.InterviewContext, error) {
	ic.Voice = strings.TrimSpace(ic.Voice)
	if ic.Voice == "" {
		ic.Voice = defaultVoice
	}
	if utf8.RuneCountInString(ic.Voice) > maxVoice {
		return ic, newError(ErrorInvalidInput, "voice_too_long", nil)
	}

	ic.InterviewerName = strings.TrimSpace(ic.InterviewerName)
	if ic.InterviewerName == "" {
		ic.InterviewerName = defaultInterviewerName
	}
	if utf8.RuneCountInString(ic.InterviewerName) > maxInterviewerName {
		return ic, newError(ErrorInvalidInput, "interviewer_name_too_long", nil)
	}

	ic.Locale = strings.TrimSpace(ic.Locale)
	if ic.Locale == "" {
		ic.Locale = defaultLocale
	}

	if ic.Job != nil {
		job := *ic.Job
		job.JobTitle = strings.TrimSpace(job.JobTitle)
		job.CompanyName = strings.TrimSpace(job.CompanyName)
		if job.JobTitle == "" || job.CompanyName == "" {
			return ic, newError(ErrorInvalidInput, "incomplete_job", nil)
		}
		if len(job.JobDescription) > maxJobDescription {
			return ic, newError(ErrorInvalidInput, "job_description_too_long", nil)
		}
		ic.Job = &job
	}
	if ic.Resume != nil && len(ic.Resume.Experience) > maxResumeExperience {
		return ic, newError(ErrorInvalidInput, "resume_too_long", nil)
	}
	return ic, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// UserCredentials binds a SessionService to one user so it can feed a realtime
// controller directly.
type UserCredentials struct {
	Sessions *SessionService
	User     User
}

func (c UserCredentials) Credentials(ctx context.Context, ic domain.InterviewContext) (domain.RealtimeCredentials, error) {
	if c.Sessions == nil {
		return domain.RealtimeCredentials{}, errors.New("usecase: session service must not be nil")
	}
	return c.Sessions.CreateSession(ctx, c.User, ic)
}
