package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DylanDHubert/machinterview/internal/auth"
	"github.com/DylanDHubert/machinterview/internal/domain"
	"github.com/DylanDHubert/machinterview/internal/entitlement"
	"github.com/DylanDHubert/machinterview/internal/integrations/openai"
	"github.com/DylanDHubert/machinterview/internal/integrations/paramstore"
	"github.com/DylanDHubert/machinterview/internal/interview"
	"github.com/DylanDHubert/machinterview/internal/metrics"
	"github.com/DylanDHubert/machinterview/internal/realtime"
	"github.com/DylanDHubert/machinterview/internal/repository"
	"github.com/DylanDHubert/machinterview/internal/transcript"
	"github.com/DylanDHubert/machinterview/internal/usecase"
)

type options struct {
	voice       string
	name        string
	locale      string
	jobTitle    string
	company     string
	jobDesc     string
	resumePath  string
	audioPath   string
	metricsAddr string
}

func main() {
	var opts options
	flag.StringVar(&opts.voice, "voice", "", "interviewer voice")
	flag.StringVar(&opts.name, "name", "", "interviewer name")
	flag.StringVar(&opts.locale, "locale", "", "interview language")
	flag.StringVar(&opts.jobTitle, "job-title", "", "job title")
	flag.StringVar(&opts.company, "company", "", "company name")
	flag.StringVar(&opts.jobDesc, "job-description", "", "job description")
	flag.StringVar(&opts.resumePath, "resume", "", "path to a JSON résumé")
	flag.StringVar(&opts.audioPath, "audio", "", "Ogg/Opus file played as the microphone; silence when empty")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("interview failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := strings.TrimRight(mustEnv("PARAM_PREFIX"), "/")
	realtimeModel := os.Getenv("REALTIME_MODEL")
	iceServers := os.Getenv("ICE_SERVERS")
	retentionDays := envInt("INTERVIEW_RETENTION_DAYS", 0)

	ic, err := interviewContext(opts)
	if err != nil {
		return err
	}

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("create SSM client: %w", err)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable,
		repository.WithInterviewRetention(time.Duration(retentionDays)*24*time.Hour))
	if err != nil {
		return fmt.Errorf("create state client: %w", err)
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix, openai.WithAPIKey(os.Getenv("OPENAI_API_KEY")))
	if err != nil {
		return fmt.Errorf("create OpenAI client: %w", err)
	}

	user, err := resolveUser(ctx)
	if err != nil {
		return err
	}

	// ---- Entitlement ----
	entitlements, err := entitlement.NewService(stateClient,
		entitlement.WithLogger(logger),
		entitlement.WithSessionRefresher(entitlement.SessionRefresherFunc(func(ctx context.Context) error {
			cache, ok := cfg.Credentials.(*aws.CredentialsCache)
			if !ok {
				return nil
			}
			cache.Invalidate()
			_, err := cache.Retrieve(ctx)
			return err
		})))
	if err != nil {
		return fmt.Errorf("create entitlement service: %w", err)
	}
	gate, err := entitlement.NewGate(entitlements, logger)
	if err != nil {
		return fmt.Errorf("create gate: %w", err)
	}
	if err := gate.SignIn(ctx, user.ID, user.Email); err != nil {
		return fmt.Errorf("load entitlement: %w", err)
	}
	printEntitlement(gate)

	// ---- Realtime ----
	sessions, err := usecase.NewSessionService(openaiClient, usecase.WithModel(realtimeModel))
	if err != nil {
		return fmt.Errorf("create session service: %w", err)
	}
	var dialerOpts []realtime.DialerOption
	if iceServers != "" {
		dialerOpts = append(dialerOpts, realtime.WithICEServers(strings.Split(iceServers, ",")...))
	}
	dialer, err := realtime.NewPionDialer(append(dialerOpts, realtime.WithDialerLogger(logger))...)
	if err != nil {
		return fmt.Errorf("create dialer: %w", err)
	}
	var media realtime.MediaSource = realtime.SilenceSource{}
	if opts.audioPath != "" {
		media = realtime.OggFileSource{Path: opts.audioPath, Logger: logger}
	}

	reg := prometheus.NewRegistry()
	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr, reg, logger)
	}

	session, err := interview.New(interview.Config{
		NewController: func(log *transcript.Log) (interview.Controller, error) {
			ctrl, err := realtime.NewController(realtime.Config{
				Media:       media,
				Credentials: usecase.UserCredentials{Sessions: sessions, User: user},
				Signaler:    openaiClient,
				Dialer:      dialer,
				Transcript:  log,
				Logger:      logger,
			})
			if err != nil {
				return nil, err
			}
			return ctrl, nil
		},
		Gate:     gate,
		Archiver: stateClient,
		Metrics:  metrics.NewInterview(reg),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create interview session: %w", err)
	}

	fmt.Println("Connecting…")
	if err := session.Start(ctx, user.ID, ic); err != nil {
		if errors.Is(err, interview.ErrQuotaExceeded) {
			return errors.New("no interviews remaining on the free plan; upgrade to continue")
		}
		return err
	}
	fmt.Println("Connected. Type to answer; /pause, /resume, /stop, /reset.")

	lines := make(chan string)
	go readLines(lines)

	r := renderer{printed: map[string]bool{}}
	for {
		select {
		case <-ctx.Done():
			session.Stop()
			session.Wait()
			return nil
		case <-session.Updates():
			v := session.View()
			r.render(v)
			if v.EndReason != "" {
				session.Wait()
				printEntitlement(gate)
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				session.Stop()
				continue
			}
			done, err := command(session, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if done {
				session.Wait()
				printEntitlement(gate)
				return nil
			}
		}
	}
}

// command applies one line of input. done reports that the session was
// reset and the CLI should exit.
func command(s *interview.Session, line string) (done bool, err error) {
	switch strings.TrimSpace(line) {
	case "":
		return false, nil
	case "/pause":
		return false, s.Pause()
	case "/resume":
		return false, s.Resume()
	case "/stop":
		s.Stop()
		return false, nil
	case "/reset":
		s.Reset()
		fmt.Println("Session reset.")
		return true, nil
	default:
		return false, s.SendText(line)
	}
}

type renderer struct {
	printed map[string]bool
	notice  interview.Notice
	state   realtime.State
}

func (r *renderer) render(v interview.View) {
	if v.State != r.state {
		r.state = v.State
		fmt.Printf("[%s] %s\n", interview.FormatElapsed(v.Elapsed), v.State)
	}
	for _, t := range v.Transcript {
		if !t.IsFinal || r.printed[t.ID] {
			continue
		}
		r.printed[t.ID] = true
		speaker := "You"
		if t.Role == domain.RoleAssistant {
			speaker = "Interviewer"
		}
		fmt.Printf("%s: %s\n", speaker, t.Text)
	}
	if v.Notice != r.notice {
		r.notice = v.Notice
		if msg := interview.NoticeText(v.Notice, v.QuestionCount, v.Elapsed); msg != "" {
			fmt.Println("»", msg)
		}
	}
	if v.EndReason != "" {
		fmt.Printf("Interview ended (%s) after %s, %d questions.\n", v.EndReason, interview.FormatElapsed(v.Elapsed), v.QuestionCount)
	}
}

func printEntitlement(g *entitlement.Gate) {
	n, unlimited := g.RemainingInterviews()
	if unlimited {
		fmt.Printf("Plan: %s (unlimited interviews)\n", g.Plan())
		return
	}
	fmt.Printf("Plan: %s, %d interviews remaining\n", g.Plan(), n)
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// resolveUser identifies the candidate from an access token when one is set,
// otherwise from INTERVIEW_USER_ID.
func resolveUser(ctx context.Context) (usecase.User, error) {
	token := os.Getenv("INTERVIEW_ACCESS_TOKEN")
	if token == "" {
		return usecase.User{ID: mustEnv("INTERVIEW_USER_ID"), Email: os.Getenv("INTERVIEW_USER_EMAIL")}, nil
	}
	v, err := auth.NewVerifier(ctx, auth.IssuerFor(mustEnv("SUPABASE_URL")), os.Getenv("AUTH_AUDIENCE"), os.Getenv("AUTH_JWKS_URL"))
	if err != nil {
		return usecase.User{}, fmt.Errorf("create token verifier: %w", err)
	}
	claims, err := v.Verify(token)
	if err != nil {
		return usecase.User{}, fmt.Errorf("verify access token: %w", err)
	}
	return usecase.User{ID: claims.Subject, Email: claims.Email}, nil
}

func interviewContext(opts options) (domain.InterviewContext, error) {
	ic := domain.InterviewContext{
		Voice:           opts.voice,
		InterviewerName: opts.name,
		Locale:          opts.locale,
	}
	if opts.jobTitle != "" || opts.company != "" || opts.jobDesc != "" {
		ic.Job = &domain.JobData{JobTitle: opts.jobTitle, CompanyName: opts.company, JobDescription: opts.jobDesc}
	}
	if opts.resumePath != "" {
		raw, err := os.ReadFile(opts.resumePath)
		if err != nil {
			return ic, fmt.Errorf("read résumé: %w", err)
		}
		var resume domain.ResumeData
		if err := json.Unmarshal(raw, &resume); err != nil {
			return ic, fmt.Errorf("parse résumé: %w", err)
		}
		ic.Resume = &resume
	}
	return ic, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server stopped", "err", err)
	}
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
