package interview

import (
	"fmt"
	"time"

	"github.com/DylanDHubert/machinterview/internal/domain"
	"github.com/DylanDHubert/machinterview/internal/pacing"
	"github.com/DylanDHubert/machinterview/internal/realtime"
)

// View is a point-in-time snapshot of the session for rendering.
type View struct {
	InterviewID    string
	State          realtime.State
	Phase          pacing.Phase
	Paused         bool
	StartedAt      time.Time
	Elapsed        time.Duration
	QuestionCount  int
	Progress       float64
	SentWrapUp     bool
	SentConclusion bool
	Notice         Notice
	Speaking       bool
	Volume         float64
	Usage          domain.TokenUsage
	Transcript     []domain.Turn
	EndReason      EndReason
}

// FormatElapsed renders d as m:ss.
func FormatElapsed(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// NoticeText returns the message shown for a pacing notice.
func NoticeText(n Notice, questions int, elapsed time.Duration) string {
	switch n {
	case NoticeApproachingEnd:
		return fmt.Sprintf("You've answered %d questions in %s. The interviewer will wrap up soon.", questions, FormatElapsed(elapsed))
	case NoticeConcluding:
		return "The interviewer is wrapping up the interview. Listen for final remarks."
	default:
		return ""
	}
}
