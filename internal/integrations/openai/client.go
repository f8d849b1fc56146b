package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/DylanDHubert/machinterview/internal/domain"
)

// realtimeSessionResponse is the minimal response shape of the realtime
// sessions endpoint.
type realtimeSessionResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to the OpenAI realtime endpoints: minting ephemeral session
// credentials with the server key, and exchanging SDP with an ephemeral key.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets a fixed key so parameter store is never consulted.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// NewClient creates a Client. Unless WithAPIKey is given, the server key is
// read from parameter store on first use and cached; a failed lookup is retried
// on the next call.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:     "https://api.openai.com/v1",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey != "" {
		return c, nil
	}
	if c.getter == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	if c.paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return "", err
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

func sessionsURL(baseURL string) string {
	return endpointURL(baseURL, "/realtime/sessions")
}

func realtimeURL(baseURL, model string) string {
	return endpointURL(baseURL, "/realtime") + "?model=" + url.QueryEscape(model)
}

// CreateRealtimeSession mints ephemeral credentials for one realtime session.
func (c *Client) CreateRealtimeSession(ctx context.Context, in domain.RealtimeSessionRequest) (domain.RealtimeCredentials, error) {
	if strings.TrimSpace(in.Model) == "" {
		return domain.RealtimeCredentials{}, errors.New("openai: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return domain.RealtimeCredentials{}, err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return domain.RealtimeCredentials{}, fmt.Errorf("openai: marshal session request: %w", err)
	}

	u := sessionsURL(c.baseURL)
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if reqErr != nil {
		return domain.RealtimeCredentials{}, fmt.Errorf("openai: create session request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.do(req, u)
	if err != nil {
		return domain.RealtimeCredentials{}, fmt.Errorf("openai: session request failed: %w", err)
	}

	var payload realtimeSessionResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.RealtimeCredentials{}, fmt.Errorf("openai: decode session response: %w", decErr)
	}
	if payload.ClientSecret.Value == "" {
		return domain.RealtimeCredentials{}, errors.New("openai: session response has no client secret")
	}

	creds := domain.RealtimeCredentials{
		SessionID:    payload.ID,
		Model:        payload.Model,
		EphemeralKey: payload.ClientSecret.Value,
		Instructions: payload.Instructions,
	}
	if creds.Model == "" {
		creds.Model = in.Model
	}
	if creds.Instructions == "" {
		creds.Instructions = in.Instructions
	}
	if payload.ClientSecret.ExpiresAt > 0 {
		creds.ExpiresAt = time.Unix(payload.ClientSecret.ExpiresAt, 0).UTC()
	}
	return creds, nil
}

// ExchangeSDP posts a local SDP offer authorised by an ephemeral key and
// returns the remote answer.
func (c *Client) ExchangeSDP(ctx context.Context, model, ephemeralKey, offer string) (string, error) {
	if strings.TrimSpace(model) == "" {
		return "", errors.New("openai: model must not be empty")
	}
	if strings.TrimSpace(ephemeralKey) == "" {
		return "", errors.New("openai: ephemeral key must not be empty")
	}

	u := realtimeURL(c.baseURL, model)
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(offer))
	if reqErr != nil {
		return "", fmt.Errorf("openai: create sdp request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+ephemeralKey)

	raw, err := c.do(req, u)
	if err != nil {
		return "", fmt.Errorf("openai: sdp exchange failed: %w", err)
	}
	answer := string(raw)
	if strings.TrimSpace(answer) == "" {
		return "", errors.New("openai: empty sdp answer")
	}
	return answer, nil
}

func (c *Client) do(req *http.Request, u string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        u,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
