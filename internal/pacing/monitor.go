// Package pacing decides when an interview should be steered toward its end.
package pacing

import (
	"sync"
	"time"
)

type Action int

const (
	ActionNone Action = iota
	ActionSendWrapUp
	ActionSendConclusion
	ActionAutoStop
)

func (a Action) String() string {
	switch a {
	case ActionSendWrapUp:
		return "send-wrapup"
	case ActionSendConclusion:
		return "send-conclusion"
	case ActionAutoStop:
		return "auto-stop"
	default:
		return "none"
	}
}

type Phase string

const (
	PhaseIntroduction Phase = "introduction"
	PhaseMain         Phase = "main"
	PhaseConclusion   Phase = "conclusion"
	PhaseEnded        Phase = "ended"
)

// Thresholds configure a Monitor. The zero value is replaced by
// DefaultThresholds.
type Thresholds struct {
	MainAfterQuestions  int
	WrapUpQuestions     int
	WrapUpElapsed       time.Duration
	ConclusionQuestions int
	ConclusionElapsed   time.Duration
	AutoStopGrace       time.Duration
	TargetQuestions     int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MainAfterQuestions:  2,
		WrapUpQuestions:     8,
		WrapUpElapsed:       25 * time.Minute,
		ConclusionQuestions: 10,
		ConclusionElapsed:   30 * time.Minute,
		AutoStopGrace:       12 * time.Second,
		TargetQuestions:     10,
	}
}

// Observation is the session state seen on one evaluation tick.
type Observation struct {
	QuestionCount int
	// Elapsed is active interview time, excluding pauses.
	Elapsed time.Duration
	// AssistantSpeaking is true while an assistant turn is still streaming.
	AssistantSpeaking bool
	// Now is wall-clock time, used for the auto-stop grace period.
	Now time.Time
}

// Monitor tracks which steering messages a session has been sent. Each
// Evaluate call returns at most one action and records it as taken.
type Monitor struct {
	th Thresholds

	mu             sync.Mutex
	sentWrapUp     bool
	sentConclusion bool
	concludedAt    time.Time
	stopped        bool
	lastQuestions  int
}

// NewMonitor creates a Monitor. Zero thresholds select DefaultThresholds.
func NewMonitor(th Thresholds) *Monitor {
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	return &Monitor{th: th}
}

// Evaluate returns the next action for obs: auto-stop once the grace period
// after the conclusion has passed, otherwise conclusion before wrap-up. Steering
// waits while the assistant is speaking.
func (m *Monitor) Evaluate(obs Observation) Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	if obs.QuestionCount > m.lastQuestions {
		m.lastQuestions = obs.QuestionCount
	}
	if m.stopped {
		return ActionNone
	}

	if m.sentConclusion {
		if !obs.Now.Before(m.concludedAt.Add(m.th.AutoStopGrace)) {
			m.stopped = true
			return ActionAutoStop
		}
		return ActionNone
	}

	if obs.AssistantSpeaking {
		return ActionNone
	}

	if obs.QuestionCount >= m.th.ConclusionQuestions || obs.Elapsed >= m.th.ConclusionElapsed {
		m.sentConclusion = true
		m.sentWrapUp = true
		m.concludedAt = obs.Now
		return ActionSendConclusion
	}
	if !m.sentWrapUp && (obs.QuestionCount >= m.th.WrapUpQuestions || obs.Elapsed >= m.th.WrapUpElapsed) {
		m.sentWrapUp = true
		return ActionSendWrapUp
	}
	return ActionNone
}

// MarkEnded records that the session stopped for any reason.
func (m *Monitor) MarkEnded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

// Phase derives the interview phase from the highest question count seen.
func (m *Monitor) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.stopped:
		return PhaseEnded
	case m.lastQuestions >= m.th.WrapUpQuestions:
		return PhaseConclusion
	case m.lastQuestions >= m.th.MainAfterQuestions:
		return PhaseMain
	default:
		return PhaseIntroduction
	}
}

// Progress returns completion toward the target question count in [0,100].
func (m *Monitor) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.th.TargetQuestions <= 0 {
		return 0
	}
	return min(float64(m.lastQuestions)/float64(m.th.TargetQuestions)*100, 100)
}

func (m *Monitor) SentWrapUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentWrapUp
}

func (m *Monitor) SentConclusion() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentConclusion
}
