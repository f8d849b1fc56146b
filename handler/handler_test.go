package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"github.com/DylanDHubert/machinterview/internal/auth"
	"github.com/DylanDHubert/machinterview/internal/billing"
	"github.com/DylanDHubert/machinterview/internal/domain"
	"github.com/DylanDHubert/machinterview/internal/usecase"
)

type stubSessions struct {
	out    domain.RealtimeCredentials
	err    error
	user   usecase.User
	ic     domain.InterviewContext
	called bool
}

func (s *stubSessions) CreateSession(_ context.Context, user usecase.User, ic domain.InterviewContext) (domain.RealtimeCredentials, error) {
	s.called = true
	s.user = user
	s.ic = ic
	return s.out, s.err
}

type stubVerifier struct {
	claims *auth.Claims
	err    error
	token  string
}

func (s *stubVerifier) Verify(token string) (*auth.Claims, error) {
	s.token = token
	return s.claims, s.err
}

type stubAccounts struct {
	view        usecase.EntitlementView
	err         error
	interviewID string
	saved       domain.InterviewRecord
	recs        []domain.InterviewRecord
	limit       int
}

func (s *stubAccounts) GetEntitlement(_ context.Context, _ usecase.User) (usecase.EntitlementView, error) {
	return s.view, s.err
}

func (s *stubAccounts) CompleteInterview(_ context.Context, _ usecase.User, interviewID string) (usecase.EntitlementView, error) {
	s.interviewID = interviewID
	return s.view, s.err
}

func (s *stubAccounts) SaveInterview(_ context.Context, user usecase.User, rec domain.InterviewRecord) (domain.InterviewRecord, error) {
	rec.UserID = user.ID
	if rec.ID == "" {
		rec.ID = "generated"
	}
	s.saved = rec
	return rec, s.err
}

func (s *stubAccounts) ListInterviews(_ context.Context, _ usecase.User, limit int) ([]domain.InterviewRecord, error) {
	s.limit = limit
	return s.recs, s.err
}

type stubWebhooks struct {
	err       error
	payload   string
	signature string
}

func (s *stubWebhooks) HandleWebhook(_ context.Context, payload []byte, signature string) (billing.Result, error) {
	s.payload = string(payload)
	s.signature = signature
	return billing.Result{EventID: "evt_1"}, s.err
}

func validVerifier() *stubVerifier {
	return &stubVerifier{claims: &auth.Claims{Subject: "user-1", Email: "a@example.com"}}
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer token-1",
		},
		Body: body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, sessions SessionCreator, opts ...Option) *Handler {
	t.Helper()
	h, err := NewHandler(sessions, validVerifier(), opts...)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, validVerifier())
	require.Error(t, err)
	_, err = NewHandler(&stubSessions{}, nil)
	require.Error(t, err)
}

func TestHandle_CreateSession(t *testing.T) {
	expires := time.Unix(1_760_000_000, 0)
	sessions := &stubSessions{out: domain.RealtimeCredentials{
		SessionID:    "sess_1",
		Model:        "gpt-4o-realtime-preview-2024-12-17",
		EphemeralKey: "ek_123",
		ExpiresAt:    expires,
		Instructions: "You are Alex",
	}}
	h := newTestHandler(t, sessions)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/session",
		`{"voice":"verse","interviewerName":"Sam","jobData":{"jobTitle":"SRE","companyName":"Acme","jobDescription":"Keep it up"}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.User{ID: "user-1", Email: "a@example.com"}, sessions.user)
	require.Equal(t, "verse", sessions.ic.Voice)
	require.Equal(t, "Sam", sessions.ic.InterviewerName)
	require.Equal(t, "SRE", sessions.ic.Job.JobTitle)

	out := parseBody[sessionResponse](t, resp.Body)
	require.Equal(t, "sess_1", out.ID)
	require.Equal(t, "ek_123", out.ClientSecret.Value)
	require.Equal(t, expires.Unix(), out.ClientSecret.ExpiresAt)
	require.Equal(t, "You are Alex", out.Instructions)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_EmptySessionBodyUsesDefaults(t *testing.T) {
	sessions := &stubSessions{out: domain.RealtimeCredentials{SessionID: "sess_2"}}
	h := newTestHandler(t, sessions)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/session", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, sessions.called)
	require.Equal(t, domain.InterviewContext{}, sessions.ic)
}

func TestHandle_InvalidBody(t *testing.T) {
	sessions := &stubSessions{}
	h := newTestHandler(t, sessions)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/session", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.False(t, sessions.called)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, "invalid_json", out.Reason)
}

func TestHandle_Base64Body(t *testing.T) {
	sessions := &stubSessions{}
	h := newTestHandler(t, sessions)

	event := makeEvent(http.MethodPost, "/session", base64.StdEncoding.EncodeToString([]byte(`{"voice":"echo"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "echo", sessions.ic.Voice)
}

func TestHandle_Unauthenticated(t *testing.T) {
	sessions := &stubSessions{}

	t.Run("missing header", func(t *testing.T) {
		h := newTestHandler(t, sessions)
		event := makeEvent(http.MethodPost, "/session", `{}`)
		delete(event.Headers, "Authorization")
		resp, err := h.Handle(context.Background(), event)
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, string(usecase.ErrorUnauthorized), parseBody[errorResponse](t, resp.Body).Error)
	})

	t.Run("rejected token", func(t *testing.T) {
		h, err := NewHandler(sessions, &stubVerifier{err: auth.ErrInvalidToken})
		require.NoError(t, err)
		resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/session", `{}`))
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	require.False(t, sessions.called)
}

func TestHandle_AuthorizationHeaderCaseInsensitive(t *testing.T) {
	v := validVerifier()
	h, err := NewHandler(&stubSessions{}, v)
	require.NoError(t, err)

	event := makeEvent(http.MethodPost, "/session", `{}`)
	delete(event.Headers, "Authorization")
	event.Headers["authorization"] = "bearer lower-token"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "lower-token", v.token)
}

func TestHandle_ClaimsFromContextSkipVerification(t *testing.T) {
	v := &stubVerifier{err: errors.New("must not be called")}
	sessions := &stubSessions{}
	h, err := NewHandler(sessions, v)
	require.NoError(t, err)

	ctx := auth.WithClaims(context.Background(), &auth.Claims{Subject: "user-ctx"})
	event := makeEvent(http.MethodPost, "/session", `{}`)
	delete(event.Headers, "Authorization")
	resp, err := h.Handle(ctx, event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "user-ctx", sessions.user.ID)
	require.Empty(t, v.token)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "incomplete_job"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "unauthorized", err: &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_user"}, status: http.StatusUnauthorized, code: string(usecase.ErrorUnauthorized)},
		{name: "quota", err: &usecase.Error{Code: usecase.ErrorQuotaExceeded, Reason: "interview_limit_reached"}, status: http.StatusPaymentRequired, code: string(usecase.ErrorQuotaExceeded)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "openai_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "openai_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "entitlement_load_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubSessions{err: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/session", `{}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubSessions{})

	event := makeEvent(http.MethodPost, "/session", `{}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_UnknownRoute(t *testing.T) {
	h := newTestHandler(t, &stubSessions{})

	for _, event := range []events.APIGatewayProxyRequest{
		makeEvent(http.MethodGet, "/session", ""),
		makeEvent(http.MethodGet, "/nope", ""),
		// account routes are off without WithAccounts
		makeEvent(http.MethodGet, "/entitlement", ""),
	} {
		resp, err := h.Handle(context.Background(), event)
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, event.Path)
	}
}

func TestHandle_AccountRoutes(t *testing.T) {
	accounts := &stubAccounts{view: usecase.EntitlementView{Plan: domain.PlanFree, UsageCounter: 1, Remaining: 1, CanStartInterview: true}}
	h := newTestHandler(t, &stubSessions{}, WithAccounts(accounts))

	t.Run("get entitlement", func(t *testing.T) {
		resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/entitlement/", ""))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		out := parseBody[usecase.EntitlementView](t, resp.Body)
		require.Equal(t, 1, out.Remaining)
		require.True(t, out.CanStartInterview)
	})

	t.Run("complete", func(t *testing.T) {
		resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/entitlement/complete", `{"interviewId":"iv-1"}`))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "iv-1", accounts.interviewID)
	})

	t.Run("save interview", func(t *testing.T) {
		body := `{"questionCount":3,"durationSeconds":600,"endReason":"user","transcript":[{"id":"t1","role":"assistant","text":"Hi?","isFinal":true,"timestamp":"2026-10-01T10:00:00Z"}]}`
		resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/interviews", body))
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		require.Equal(t, "user-1", accounts.saved.UserID)
		require.Equal(t, 3, accounts.saved.QuestionCount)
		require.Len(t, accounts.saved.Transcript, 1)

		out := parseBody[interviewPayload](t, resp.Body)
		require.Equal(t, "generated", out.ID)
	})

	t.Run("list interviews", func(t *testing.T) {
		accounts.recs = []domain.InterviewRecord{{ID: "iv-2", QuestionCount: 4}}
		event := makeEvent(http.MethodGet, "/interviews", "")
		event.QueryStringParameters = map[string]string{"limit": "5"}
		resp, err := h.Handle(context.Background(), event)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, 5, accounts.limit)

		out := parseBody[interviewsResponse](t, resp.Body)
		require.Len(t, out.Interviews, 1)
		require.Equal(t, "iv-2", out.Interviews[0].ID)
		require.NotNil(t, out.Interviews[0].Transcript)
	})

	t.Run("quota error", func(t *testing.T) {
		accounts.err = &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "entitlement_write_contention"}
		t.Cleanup(func() { accounts.err = nil })
		resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/entitlement/complete", `{"interviewId":"iv-1"}`))
		require.NoError(t, err)
		require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		require.Equal(t, "entitlement_write_contention", parseBody[errorResponse](t, resp.Body).Reason)
	})
}

func TestHandle_BillingWebhook(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "ok", status: http.StatusOK},
		{name: "bad signature", err: billing.ErrInvalidSignature, status: http.StatusBadRequest},
		{name: "bad payload", err: billing.ErrInvalidPayload, status: http.StatusBadRequest},
		{name: "store failure", err: errors.New("dynamo down"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wh := &stubWebhooks{err: tc.err}
			v := validVerifier()
			h, err := NewHandler(&stubSessions{}, v, WithWebhooks(wh))
			require.NoError(t, err)

			event := makeEvent(http.MethodPost, "/billing/webhook", `{"id":"evt_1"}`)
			delete(event.Headers, "Authorization")
			event.Headers["stripe-signature"] = "t=1,v1=abc"
			resp, err := h.Handle(context.Background(), event)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, `{"id":"evt_1"}`, wh.payload)
			require.Equal(t, "t=1,v1=abc", wh.signature)
			require.Empty(t, v.token)
		})
	}
}

func TestServeHTTP(t *testing.T) {
	sessions := &stubSessions{out: domain.RealtimeCredentials{SessionID: "sess_3"}}
	h := newTestHandler(t, sessions)

	req := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(`{"voice":"shimmer"}`))
	req.Header.Set("Authorization", "Bearer token-1")
	req.Header.Set("X-Correlation-Id", "corr-http")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "corr-http", rec.Header().Get("X-Correlation-Id"))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "shimmer", sessions.ic.Voice)
	require.Equal(t, "sess_3", parseBody[sessionResponse](t, rec.Body.String()).ID)
}
