// Package interview runs mock interviews: it gates the start on the user's
// entitlement, drives the realtime controller, applies pacing, and charges and
// archives the interview once it ends.
package interview

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DylanDHubert/machinterview/internal/domain"
	"github.com/DylanDHubert/machinterview/internal/pacing"
	"github.com/DylanDHubert/machinterview/internal/realtime"
	"github.com/DylanDHubert/machinterview/internal/transcript"
)

const (
	defaultTickInterval      = time.Second
	defaultBackgroundTimeout = 30 * time.Second
)

var (
	ErrQuotaExceeded  = errors.New("interview: no interviews remaining")
	ErrAlreadyRunning = errors.New("interview: a session is already running")
	ErrNotRunning     = errors.New("interview: no running session")
	// ErrChargePending is returned by Start while the previous interview of
	// the same user is still being charged.
	ErrChargePending  = errors.New("interview: previous interview is still being recorded")
)

// Controller is the realtime session surface the orchestrator drives.
type Controller interface {
	Start(ctx context.Context, ic domain.InterviewContext) error
	Stop()
	Pause() error
	Resume() error
	SendText(text string) error
	SendSystemMessage(text string) error
	Updates() <-chan struct{}
	Done() <-chan struct{}
	State() realtime.State
	IsSpeaking() bool
	Volume() float64
	Usage() domain.TokenUsage
}

// ControllerFactory builds a fresh controller writing into log.
type ControllerFactory func(log *transcript.Log) (Controller, error)

type Gate interface {
	CanStartInterview(ctx context.Context) bool
	CompleteInterview(ctx context.Context, userID, chargeID string) error
}

type Archiver interface {
	SaveInterview(ctx context.Context, rec domain.InterviewRecord) error
}

type Metrics interface {
	InterviewStarted()
	InterviewRejected()
	InterviewFailed(kind string)
	InterviewFinished(reason string, d time.Duration, questions int)
	SteeringSent(action string)
}

type EndReason string

const (
	EndManual       EndReason = "manual"
	EndAutoStop     EndReason = "auto_stop"
	EndReset        EndReason = "reset"
	EndDisconnected EndReason = "disconnected"
)

// Notice is a user-facing pacing hint.
type Notice string

const (
	NoticeNone           Notice = ""
	NoticeApproachingEnd Notice = "approaching-end"
	NoticeConcluding     Notice = "concluding"
)

type Config struct {
	NewController ControllerFactory
	Gate          Gate
	// Archiver is optional; records are dropped when nil.
	Archiver   Archiver
	Metrics    Metrics
	Thresholds pacing.Thresholds
	Logger     *slog.Logger
	Clock      func() time.Time

	TickInterval      time.Duration
	BackgroundTimeout time.Duration
}

// Session runs at most one interview at a time.
type Session struct {
	newController     ControllerFactory
	gate              Gate
	archiver          Archiver
	metrics           Metrics
	thresholds        pacing.Thresholds
	logger            *slog.Logger
	now               func() time.Time
	tickInterval      time.Duration
	backgroundTimeout time.Duration

	updates chan struct{}
	wg      sync.WaitGroup

	mu  sync.Mutex
	run *run

	// charging counts background charges per user that have not returned.
	charging map[string]int
}

// run is the state of one interview attempt.
type run struct {
	id      string
	userID  string
	ic      domain.InterviewContext
	ctrl    Controller
	log     *transcript.Log
	monitor *pacing.Monitor
	stop    chan struct{}

	reachedActive bool
	finished      bool
	startedAt     time.Time
	endedAt       time.Time
	paused        bool
	pausedAt      time.Time
	pausedTotal   time.Duration
	questions     int
	notice        Notice
	endReason     EndReason
}

func New(cfg Config) (*Session, error) {
	if cfg.NewController == nil {
		return nil, errors.New("interview: controller factory must not be nil")
	}
	if cfg.Gate == nil {
		return nil, errors.New("interview: gate must not be nil")
	}
	s := &Session{
		newController:     cfg.NewController,
		gate:              cfg.Gate,
		archiver:          cfg.Archiver,
		metrics:           cfg.Metrics,
		thresholds:        cfg.Thresholds,
		logger:            cfg.Logger,
		now:               cfg.Clock,
		tickInterval:      cfg.TickInterval,
		backgroundTimeout: cfg.BackgroundTimeout,
		updates:           make(chan struct{}, 1),
		charging:          make(map[string]int),
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.tickInterval <= 0 {
		s.tickInterval = defaultTickInterval
	}
	if s.backgroundTimeout <= 0 {
		s.backgroundTimeout = defaultBackgroundTimeout
	}
	return s, nil
}

// Start begins an interview for userID. It returns ErrQuotaExceeded when the
// entitlement does not allow another interview, ErrChargePending while the
// user's previous interview is still being charged, and the controller's error
// when the connection cannot be established.
func (s *Session) Start(ctx context.Context, userID string, ic domain.InterviewContext) error {
	if s.busy() {
		return ErrAlreadyRunning
	}
	if s.chargePending(userID) {
		return ErrChargePending
	}
	if !s.gate.CanStartInterview(ctx) {
		s.metrics.InterviewRejected()
		return ErrQuotaExceeded
	}

	log := transcript.NewWithClock(s.now)
	ctrl, err := s.newController(log)
	if err != nil {
		return err
	}
	r := &run{
		id:      uuid.NewString(),
		userID:  userID,
		ic:      ic,
		ctrl:    ctrl,
		log:     log,
		monitor: pacing.NewMonitor(s.thresholds),
		stop:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.run != nil && !s.run.finished {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.run = r
	s.mu.Unlock()
	s.notify()

	if err := ctrl.Start(ctx, ic); err != nil {
		s.mu.Lock()
		if !r.finished {
			r.finished = true
			close(r.stop)
		}
		s.mu.Unlock()
		r.monitor.MarkEnded()
		var re *realtime.Error
		if errors.As(err, &re) {
			s.metrics.InterviewFailed(string(re.Kind))
		}
		s.logger.Warn("interview: start failed", "interview_id", r.id, "error", err)
		s.notify()
		return err
	}

	s.mu.Lock()
	if r.finished {
		s.mu.Unlock()
		ctrl.Stop()
		return &realtime.Error{Kind: realtime.KindCanceled, Op: "start", Err: context.Canceled}
	}
	r.reachedActive = true
	r.startedAt = s.now()
	s.mu.Unlock()

	s.metrics.InterviewStarted()
	s.logger.Info("interview: started", "interview_id", r.id, "user_id", userID)
	s.wg.Add(1)
	go s.loop(r)
	s.notify()
	return nil
}

func (s *Session) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil && !s.run.finished
}

func (s *Session) chargePending(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.charging[userID] > 0
}

func (s *Session) chargeDone(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charging[userID]--
	if s.charging[userID] <= 0 {
		delete(s.charging, userID)
	}
}

func (s *Session) loop(r *run) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-r.ctrl.Done():
			s.finish(r, EndDisconnected)
			return
		case <-r.ctrl.Updates():
		case <-ticker.C:
		}
		if s.evaluate(r, s.now()) {
			return
		}
		s.notify()
	}
}

// evaluate runs one pacing step and reports whether the run finished. Nothing
// is evaluated while the run is paused.
func (s *Session) evaluate(r *run, now time.Time) bool {
	s.mu.Lock()
	if r.finished {
		s.mu.Unlock()
		return true
	}
	if r.paused {
		s.mu.Unlock()
		return false
	}
	elapsed := r.elapsed(now)
	s.mu.Unlock()

	q := r.log.Questions()
	s.mu.Lock()
	if q > r.questions {
		r.questions = q
	}
	q = r.questions
	s.mu.Unlock()

	action := r.monitor.Evaluate(pacing.Observation{
		QuestionCount:     q,
		Elapsed:           elapsed,
		AssistantSpeaking: r.log.HasPending(domain.RoleAssistant) || r.ctrl.IsSpeaking(),
		Now:               now,
	})
	switch action {
	case pacing.ActionSendWrapUp, pacing.ActionSendConclusion:
		notice := NoticeApproachingEnd
		if action == pacing.ActionSendConclusion {
			notice = NoticeConcluding
		}
		s.mu.Lock()
		r.notice = notice
		s.mu.Unlock()

		msg, _ := pacing.Message(action)
		if err := r.ctrl.SendSystemMessage(msg); err != nil {
			s.logger.Warn("interview: steering message not sent", "interview_id", r.id, "action", action.String(), "error", err)
			return false
		}
		s.metrics.SteeringSent(action.String())
		s.logger.Info("interview: steering message sent", "interview_id", r.id, "action", action.String(), "questions", q, "elapsed", elapsed.String())
	case pacing.ActionAutoStop:
		s.logger.Info("interview: auto stop", "interview_id", r.id)
		s.finish(r, EndAutoStop)
		return true
	}
	return false
}

// finish ends r once. Runs that reached the active state are charged and
// archived in the background.
func (s *Session) finish(r *run, reason EndReason) {
	s.mu.Lock()
	if r.finished {
		s.mu.Unlock()
		return
	}
	now := s.now()
	r.finished = true
	r.endReason = reason
	if r.paused {
		r.pausedTotal += now.Sub(r.pausedAt)
		r.paused = false
	}
	r.endedAt = now
	charge := r.reachedActive
	if charge {
		s.charging[r.userID]++
	}
	duration := r.elapsed(now)
	questions := r.questions
	close(r.stop)
	s.mu.Unlock()

	r.monitor.MarkEnded()
	r.ctrl.Stop()
	s.notify()
	if !charge {
		return
	}

	if q := r.log.Questions(); q > questions {
		questions = q
	}
	s.metrics.InterviewFinished(string(reason), duration, questions)
	s.logger.Info("interview: finished", "interview_id", r.id, "reason", string(reason), "duration", duration.String(), "questions", questions)

	rec := domain.InterviewRecord{
		ID:              r.id,
		UserID:          r.userID,
		Job:             r.ic.Job,
		Resume:          r.ic.Resume,
		Transcript:      r.log.Visible(),
		TokensUsed:      r.ctrl.Usage().TotalTokens,
		QuestionCount:   questions,
		DurationSeconds: int(duration.Seconds()),
		EndReason:       string(reason),
		CreatedAt:       r.startedAt.UTC(),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.backgroundTimeout)
		defer cancel()
		err := s.gate.CompleteInterview(ctx, r.userID, r.id)
		s.chargeDone(r.userID)
		if err != nil {
			s.logger.Warn("interview: completion not recorded", "interview_id", r.id, "error", err)
		}
		if s.archiver == nil {
			return
		}
		if err := s.archiver.SaveInterview(ctx, rec); err != nil {
			s.logger.Warn("interview: archive failed", "interview_id", r.id, "error", err)
		}
	}()
}

// elapsed must be called with s.mu held.
func (r *run) elapsed(now time.Time) time.Duration {
	if !r.reachedActive {
		return 0
	}
	end := now
	if r.finished {
		end = r.endedAt
	} else if r.paused {
		end = r.pausedAt
	}
	d := end.Sub(r.startedAt) - r.pausedTotal
	if d < 0 {
		return 0
	}
	return d
}

func (s *Session) current() *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil || s.run.finished {
		return nil
	}
	return s.run
}

// Stop ends the running interview. It is a no-op when nothing is running.
func (s *Session) Stop() {
	if r := s.current(); r != nil {
		s.finish(r, EndManual)
	}
}

// Reset forcibly ends any interview and returns the session to idle.
func (s *Session) Reset() {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r != nil {
		s.finish(r, EndReset)
	}
	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) Pause() error {
	r := s.current()
	if r == nil {
		return ErrNotRunning
	}
	if err := r.ctrl.Pause(); err != nil {
		return err
	}
	s.mu.Lock()
	if !r.paused && !r.finished {
		r.paused = true
		r.pausedAt = s.now()
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Session) Resume() error {
	r := s.current()
	if r == nil {
		return ErrNotRunning
	}
	if err := r.ctrl.Resume(); err != nil {
		return err
	}
	s.mu.Lock()
	if r.paused && !r.finished {
		r.pausedTotal += s.now().Sub(r.pausedAt)
		r.paused = false
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Session) SendText(text string) error {
	r := s.current()
	if r == nil {
		return ErrNotRunning
	}
	return r.ctrl.SendText(text)
}

func (s *Session) SendSystemMessage(text string) error {
	r := s.current()
	if r == nil {
		return ErrNotRunning
	}
	return r.ctrl.SendSystemMessage(text)
}

// Wait blocks until every evaluation loop has exited and background charge
// and archive work has finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Updates signals that the View may have changed.
func (s *Session) Updates() <-chan struct{} { return s.updates }

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) View() View {
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		return View{State: realtime.StateIdle, Phase: pacing.PhaseIntroduction}
	}
	v := View{
		InterviewID:   r.id,
		Paused:        r.paused,
		StartedAt:     r.startedAt,
		Elapsed:       r.elapsed(s.now()),
		QuestionCount: r.questions,
		Notice:        r.notice,
		EndReason:     r.endReason,
	}
	s.mu.Unlock()

	v.State = r.ctrl.State()
	v.Phase = r.monitor.Phase()
	v.Progress = r.monitor.Progress()
	v.SentWrapUp = r.monitor.SentWrapUp()
	v.SentConclusion = r.monitor.SentConclusion()
	v.Speaking = r.ctrl.IsSpeaking()
	v.Volume = r.ctrl.Volume()
	v.Usage = r.ctrl.Usage()
	v.Transcript = r.log.Visible()
	return v
}

type nopMetrics struct{}

func (nopMetrics) InterviewStarted()                            {}
func (nopMetrics) InterviewRejected()                           {}
func (nopMetrics) InterviewFailed(string)                       {}
func (nopMetrics) InterviewFinished(string, time.Duration, int) {}
func (nopMetrics) SteeringSent(string)                          {}
