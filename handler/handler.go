// Package handler exposes the interview API as an API Gateway proxy handler.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/DylanDHubert/machinterview/internal/auth"
	"github.com/DylanDHubert/machinterview/internal/billing"
	"github.com/DylanDHubert/machinterview/internal/domain"
	"github.com/DylanDHubert/machinterview/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	signatureHeader   = "Stripe-Signature"
)

type SessionCreator interface {
	CreateSession(ctx context.Context, user usecase.User, ic domain.InterviewContext) (domain.RealtimeCredentials, error)
}

type AccountManager interface {
	GetEntitlement(ctx context.Context, user usecase.User) (usecase.EntitlementView, error)
	CompleteInterview(ctx context.Context, user usecase.User, interviewID string) (usecase.EntitlementView, error)
	SaveInterview(ctx context.Context, user usecase.User, rec domain.InterviewRecord) (domain.InterviewRecord, error)
	ListInterviews(ctx context.Context, user usecase.User, limit int) ([]domain.InterviewRecord, error)
}

type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (billing.Result, error)
}

type Handler struct {
	sessions SessionCreator
	verifier auth.TokenVerifier
	accounts AccountManager
	webhooks WebhookProcessor
	logger   *slog.Logger
}

type Option func(*Handler)

// WithAccounts enables the entitlement and interview history routes.
func WithAccounts(a AccountManager) Option {
	return func(h *Handler) {
		h.accounts = a
	}
}

// WithWebhooks enables the billing webhook route.
func WithWebhooks(w WebhookProcessor) Option {
	return func(h *Handler) {
		h.webhooks = w
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(sessions SessionCreator, verifier auth.TokenVerifier, opts ...Option) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("handler: session creator must not be nil")
	}
	if verifier == nil {
		return nil, errors.New("handler: token verifier must not be nil")
	}
	h := &Handler{sessions: sessions, verifier: verifier, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type clientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

type sessionResponse struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	ClientSecret clientSecret `json:"client_secret"`
	Instructions string       `json:"instructions"`
}

type completeRequest struct {
	InterviewID string `json:"interviewId"`
}

type interviewPayload struct {
	ID              string             `json:"id"`
	Job             *domain.JobData    `json:"jobData,omitempty"`
	Resume          *domain.ResumeData `json:"resumeData,omitempty"`
	Transcript      []domain.Turn      `json:"transcript"`
	TokensUsed      int                `json:"tokensUsed"`
	QuestionCount   int                `json:"questionCount"`
	DurationSeconds int                `json:"durationSeconds"`
	EndReason       string             `json:"endReason,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
}

type interviewsResponse struct {
	Interviews []interviewPayload `json:"interviews"`
}

type webhookResponse struct {
	Received bool `json:"received"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// request carries the per-call values route handlers need.
type request struct {
	cid     string
	logger  *slog.Logger
	user    usecase.User
	body    string
	query   map[string]string
	headers map[string]string
}

type routeFunc func(ctx context.Context, r request) events.APIGatewayProxyResponse

type route struct {
	fn     routeFunc
	public bool
}

func (h *Handler) routes() map[string]route {
	rs := map[string]route{
		"POST /session": {fn: h.createSession},
	}
	if h.accounts != nil {
		rs["GET /entitlement"] = route{fn: h.getEntitlement}
		rs["POST /entitlement/complete"] = route{fn: h.completeInterview}
		rs["POST /interviews"] = route{fn: h.saveInterview}
		rs["GET /interviews"] = route{fn: h.listInterviews}
	}
	if h.webhooks != nil {
		rs["POST /billing/webhook"] = route{fn: h.billingWebhook, public: true}
	}
	return rs
}

// Handle routes one API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	r := request{
		cid:     correlationID(event.Headers),
		query:   event.QueryStringParameters,
		headers: event.Headers,
	}
	r.logger = h.logger.With("correlation_id", r.cid, "method", event.HTTPMethod, "path", event.Path)

	rt, ok := h.routes()[event.HTTPMethod+" "+strings.TrimRight(event.Path, "/")]
	if !ok {
		return respond(http.StatusNotFound, r.cid, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "unknown_route"}), nil
	}

	body, err := requestBody(event)
	if err != nil {
		return h.respondError(r, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body_encoding", Err: err}), nil
	}
	r.body = body

	if !rt.public {
		user, err := h.authenticate(ctx, event.Headers)
		if err != nil {
			return h.respondError(r, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "invalid_token", Err: err}), nil
		}
		r.user = user
		r.logger = r.logger.With("user_id", user.ID)
	}
	return rt.fn(ctx, r), nil
}

func (h *Handler) createSession(ctx context.Context, r request) events.APIGatewayProxyResponse {
	var ic domain.InterviewContext
	if strings.TrimSpace(r.body) != "" {
		if err := json.Unmarshal([]byte(r.body), &ic); err != nil {
			return h.respondError(r, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err})
		}
	}
	creds, err := h.sessions.CreateSession(ctx, r.user, ic)
	if err != nil {
		return h.respondError(r, err)
	}
	r.logger.Info("handler: realtime session created", "session_id", creds.SessionID, "model", creds.Model)

	out := sessionResponse{
		ID:           creds.SessionID,
		Model:        creds.Model,
		ClientSecret: clientSecret{Value: creds.EphemeralKey},
		Instructions: creds.Instructions,
	}
	if !creds.ExpiresAt.IsZero() {
		out.ClientSecret.ExpiresAt = creds.ExpiresAt.Unix()
	}
	return respond(http.StatusOK, r.cid, out)
}

func (h *Handler) getEntitlement(ctx context.Context, r request) events.APIGatewayProxyResponse {
	view, err := h.accounts.GetEntitlement(ctx, r.user)
	if err != nil {
		return h.respondError(r, err)
	}
	return respond(http.StatusOK, r.cid, view)
}

func (h *Handler) completeInterview(ctx context.Context, r request) events.APIGatewayProxyResponse {
	var req completeRequest
	if err := json.Unmarshal([]byte(r.body), &req); err != nil {
		return h.respondError(r, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err})
	}
	view, err := h.accounts.CompleteInterview(ctx, r.user, req.InterviewID)
	if err != nil {
		return h.respondError(r, err)
	}
	r.logger.Info("handler: interview charged", "interview_id", req.InterviewID, "plan", view.Plan, "usage", view.UsageCounter)
	return respond(http.StatusOK, r.cid, view)
}

func (h *Handler) saveInterview(ctx context.Context, r request) events.APIGatewayProxyResponse {
	var in interviewPayload
	if err := json.Unmarshal([]byte(r.body), &in); err != nil {
		return h.respondError(r, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err})
	}
	rec, err := h.accounts.SaveInterview(ctx, r.user, recordFromPayload(in))
	if err != nil {
		return h.respondError(r, err)
	}
	return respond(http.StatusCreated, r.cid, payloadFromRecord(rec))
}

func (h *Handler) listInterviews(ctx context.Context, r request) events.APIGatewayProxyResponse {
	limit, _ := strconv.Atoi(r.query["limit"])
	recs, err := h.accounts.ListInterviews(ctx, r.user, limit)
	if err != nil {
		return h.respondError(r, err)
	}
	out := interviewsResponse{Interviews: make([]interviewPayload, 0, len(recs))}
	for _, rec := range recs {
		out.Interviews = append(out.Interviews, payloadFromRecord(rec))
	}
	return respond(http.StatusOK, r.cid, out)
}

func (h *Handler) billingWebhook(ctx context.Context, r request) events.APIGatewayProxyResponse {
	res, err := h.webhooks.HandleWebhook(ctx, []byte(r.body), header(r.headers, signatureHeader))
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		r.logger.Warn("handler: webhook signature rejected", "error", err)
		return respond(http.StatusBadRequest, r.cid, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_signature"})
	case errors.Is(err, billing.ErrInvalidPayload):
		r.logger.Warn("handler: webhook payload rejected", "error", err)
		return respond(http.StatusBadRequest, r.cid, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_payload"})
	case err != nil:
		r.logger.Error("handler: webhook processing failed", "event_id", res.EventID, "error", err)
		return respond(http.StatusInternalServerError, r.cid, errorResponse{Error: string(usecase.ErrorInternal), Reason: "webhook_failed"})
	}
	return respond(http.StatusOK, r.cid, webhookResponse{Received: true})
}

// authenticate prefers claims already placed on ctx by the local server's
// middleware and otherwise verifies the Authorization header.
func (h *Handler) authenticate(ctx context.Context, headers map[string]string) (usecase.User, error) {
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		return usecase.User{ID: claims.Subject, Email: claims.Email}, nil
	}
	token, ok := auth.BearerToken(header(headers, "Authorization"))
	if !ok {
		return usecase.User{}, auth.ErrMissingToken
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		return usecase.User{}, err
	}
	return usecase.User{ID: claims.Subject, Email: claims.Email}, nil
}

func (h *Handler) respondError(r request, err error) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		r.logger.Error("handler: unexpected error", "error", err)
		return respond(http.StatusInternalServerError, r.cid, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	status := statusFor(ue.Code)
	if status >= http.StatusInternalServerError {
		r.logger.Error("handler: request failed", "code", ue.Code, "reason", ue.Reason, "error", ue.Err)
	} else {
		r.logger.Info("handler: request rejected", "code", ue.Code, "reason", ue.Reason, "error", ue.Err)
	}
	return respond(status, r.cid, errorResponse{Error: string(ue.Code), Reason: ue.Reason})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorQuotaExceeded:
		return http.StatusPaymentRequired
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respond(status int, cid string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: cid,
		},
		Body: string(body),
	}
}

func requestBody(event events.APIGatewayProxyRequest) (string, error) {
	if !event.IsBase64Encoded {
		return event.Body, nil
	}
	raw, err := base64.StdEncoding.DecodeString(event.Body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// header looks up name case-insensitively.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func correlationID(headers map[string]string) string {
	if v := strings.TrimSpace(header(headers, correlationHeader)); v != "" {
		return v
	}
	return uuid.NewString()
}

func recordFromPayload(p interviewPayload) domain.InterviewRecord {
	return domain.InterviewRecord{
		ID:              p.ID,
		Job:             p.Job,
		Resume:          p.Resume,
		Transcript:      p.Transcript,
		TokensUsed:      p.TokensUsed,
		QuestionCount:   p.QuestionCount,
		DurationSeconds: p.DurationSeconds,
		EndReason:       p.EndReason,
		CreatedAt:       p.CreatedAt,
	}
}

func payloadFromRecord(r domain.InterviewRecord) interviewPayload {
	transcript := r.Transcript
	if transcript == nil {
		transcript = []domain.Turn{}
	}
	return interviewPayload{
		ID:              r.ID,
		Job:             r.Job,
		Resume:          r.Resume,
		Transcript:      transcript,
		TokensUsed:      r.TokensUsed,
		QuestionCount:   r.QuestionCount,
		DurationSeconds: r.DurationSeconds,
		EndReason:       r.EndReason,
		CreatedAt:       r.CreatedAt,
	}
}
