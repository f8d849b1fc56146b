package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DylanDHubert/machinterview/handler"
	"github.com/DylanDHubert/machinterview/internal/auth"
	"github.com/DylanDHubert/machinterview/internal/billing"
	"github.com/DylanDHubert/machinterview/internal/domain"
	"github.com/DylanDHubert/machinterview/internal/entitlement"
	"github.com/DylanDHubert/machinterview/internal/integrations/openai"
	"github.com/DylanDHubert/machinterview/internal/integrations/paramstore"
	"github.com/DylanDHubert/machinterview/internal/metrics"
	"github.com/DylanDHubert/machinterview/internal/repository"
	"github.com/DylanDHubert/machinterview/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	onLambda := os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
	if !onLambda {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	}

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := strings.TrimRight(mustEnv("PARAM_PREFIX"), "/")
	authProject := mustEnv("SUPABASE_URL")
	authAudience := os.Getenv("AUTH_AUDIENCE")
	jwksURL := os.Getenv("AUTH_JWKS_URL")
	realtimeModel := os.Getenv("REALTIME_MODEL")
	enforceQuota := envBool("ENFORCE_QUOTA", true)
	retentionDays := envInt("INTERVIEW_RETENTION_DAYS", 0)
	paramTTL := time.Duration(envInt("PARAM_CACHE_TTL_SECONDS", 300)) * time.Second
	addr := ":" + strconv.Itoa(envInt("PORT", 8080))

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg), paramstore.WithTTL(paramTTL))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable,
		repository.WithInterviewRetention(time.Duration(retentionDays)*24*time.Hour))
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	verifier, err := auth.NewVerifier(ctx, auth.IssuerFor(authProject), authAudience, jwksURL)
	if err != nil {
		slog.Error("failed to create token verifier", "err", err)
		os.Exit(1)
	}

	// ---- Services ----
	entitlements, err := entitlement.NewService(stateClient,
		entitlement.WithSessionRefresher(credentialRefresher(cfg, ssmClient)))
	if err != nil {
		slog.Error("failed to create entitlement service", "err", err)
		os.Exit(1)
	}
	sessionOpts := []usecase.SessionOption{usecase.WithModel(realtimeModel)}
	if enforceQuota {
		sessionOpts = append(sessionOpts, usecase.WithEntitlementCheck(entitlements))
	}
	sessions, err := usecase.NewSessionService(openaiClient, sessionOpts...)
	if err != nil {
		slog.Error("failed to create session service", "err", err)
		os.Exit(1)
	}
	accounts, err := usecase.NewAccountService(entitlements, stateClient)
	if err != nil {
		slog.Error("failed to create account service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	opts := []handler.Option{handler.WithAccounts(accounts)}
	webhookSecret, err := ssmClient.GetToken(ctx, paramPrefix+"/stripe-webhook-secret")
	switch {
	case errors.Is(err, domain.ErrNotFound):
		slog.Warn("billing webhook disabled: no signing secret in parameter store")
	case err != nil:
		slog.Error("failed to read webhook secret", "err", err)
		os.Exit(1)
	default:
		processor, err := billing.NewProcessor(stateClient, webhookSecret)
		if err != nil {
			slog.Error("failed to create billing processor", "err", err)
			os.Exit(1)
		}
		opts = append(opts, handler.WithWebhooks(processor))
	}

	h, err := handler.NewHandler(sessions, verifier, opts...)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if onLambda {
		lambda.StartWithOptions(h.Handle, lambda.WithContext(ctx))
		return
	}
	serve(ctx, addr, h, verifier)
}

// serve runs the API on a local HTTP server until ctx is canceled.
func serve(ctx context.Context, addr string, h *handler.Handler, verifier auth.TokenVerifier) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := metrics.NewHTTP(reg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(httpMetrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Post("/billing/webhook", h.ServeHTTP)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier, slog.Default()))
		r.Post("/session", h.ServeHTTP)
		r.Get("/entitlement", h.ServeHTTP)
		r.Post("/entitlement/complete", h.ServeHTTP)
		r.Post("/interviews", h.ServeHTTP)
		r.Get("/interviews", h.ServeHTTP)
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}

// credentialRefresher drops cached AWS credentials and parameters so the next
// call fetches fresh ones.
func credentialRefresher(cfg aws.Config, ps *paramstore.Client) entitlement.SessionRefresher {
	return entitlement.SessionRefresherFunc(func(ctx context.Context) error {
		ps.Invalidate()
		cache, ok := cfg.Credentials.(*aws.CredentialsCache)
		if !ok {
			return nil
		}
		cache.Invalidate()
		_, err := cache.Retrieve(ctx)
		return err
	})
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}
