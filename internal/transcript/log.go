// Package transcript accumulates streamed conversation turns.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DylanDHubert/machinterview/internal/domain"
)

// Log is an ordered, concurrency-safe list of turns. Turns keep their creation
// order; a turn accepts text until it is final and is frozen afterwards.
type Log struct {
	mu    sync.RWMutex
	turns []domain.Turn
	index map[string]int
	now   func() time.Time
}

func New() *Log {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{index: map[string]int{}, now: now}
}

// UpsertDelta appends delta to the turn with turnID, creating it if needed.
// It reports whether the log changed; deltas for a final turn are dropped.
func (l *Log) UpsertDelta(turnID string, role domain.Role, delta string, isFinal bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i, ok := l.index[turnID]; ok && turnID != "" {
		t := &l.turns[i]
		if t.IsFinal {
			return false
		}
		t.Text += delta
		t.IsFinal = isFinal
		return true
	}
	l.add(domain.Turn{ID: turnID, Role: role, Text: delta, IsFinal: isFinal})
	return true
}

// Complete finalizes the turn with turnID. A non-empty fullText replaces the
// accumulated deltas.
func (l *Log) Complete(turnID string, role domain.Role, fullText string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i, ok := l.index[turnID]; ok && turnID != "" {
		t := &l.turns[i]
		if t.IsFinal {
			return false
		}
		if fullText != "" {
			t.Text = fullText
		}
		t.IsFinal = true
		return true
	}
	if fullText == "" {
		return false
	}
	l.add(domain.Turn{ID: turnID, Role: role, Text: fullText, IsFinal: true})
	return true
}

// Append adds a complete turn and returns it.
func (l *Log) Append(role domain.Role, text string) domain.Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.add(domain.Turn{Role: role, Text: text, IsFinal: true})
}

func (l *Log) add(t domain.Turn) domain.Turn {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Timestamp = l.now().UTC()
	l.index[t.ID] = len(l.turns)
	l.turns = append(l.turns, t)
	return t
}

// Snapshot returns a copy of every turn.
func (l *Log) Snapshot() []domain.Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Visible returns the turns shown to the user, omitting system turns.
func (l *Log) Visible() []domain.Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Turn, 0, len(l.turns))
	for _, t := range l.turns {
		if t.Role != domain.RoleSystem {
			out = append(out, t)
		}
	}
	return out
}

// CountFinalTurns counts final turns of role accepted by pred. A nil pred
// accepts every turn.
func (l *Log) CountFinalTurns(role domain.Role, pred func(domain.Turn) bool) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, t := range l.turns {
		if t.Role != role || !t.IsFinal {
			continue
		}
		if pred == nil || pred(t) {
			n++
		}
	}
	return n
}

// HasPending reports whether a turn of role is still streaming.
func (l *Log) HasPending(role domain.Role) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, t := range l.turns {
		if t.Role == role && !t.IsFinal {
			return true
		}
	}
	return false
}

// Questions returns the number of questions the assistant has asked.
func (l *Log) Questions() int {
	return QuestionCount(l.Snapshot())
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = nil
	l.index = map[string]int{}
}
