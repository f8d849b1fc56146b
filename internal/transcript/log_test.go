package transcript

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DylanDHubert/machinterview/internal/domain"
)

func TestUpsertDelta_AccumulatesUntilFinal(t *testing.T) {
	l := New()
	require.True(t, l.UpsertDelta("a1", domain.RoleAssistant, "Tell me ", false))
	require.True(t, l.UpsertDelta("a1", domain.RoleAssistant, "about yourself", false))
	require.True(t, l.HasPending(domain.RoleAssistant))

	require.True(t, l.Complete("a1", domain.RoleAssistant, ""))
	turns := l.Snapshot()
	require.Len(t, turns, 1)
	require.Equal(t, "Tell me about yourself", turns[0].Text)
	require.True(t, turns[0].IsFinal)
	require.False(t, l.HasPending(domain.RoleAssistant))
}

func TestUpsertDelta_FinalTurnIsFrozen(t *testing.T) {
	l := New()
	l.UpsertDelta("a1", domain.RoleAssistant, "Hello.", true)
	require.False(t, l.UpsertDelta("a1", domain.RoleAssistant, " extra", false))
	require.False(t, l.Complete("a1", domain.RoleAssistant, "rewritten"))

	turns := l.Snapshot()
	require.Equal(t, "Hello.", turns[0].Text)
	require.True(t, turns[0].IsFinal)
}

func TestComplete_ReplacesWithFullText(t *testing.T) {
	l := New()
	l.UpsertDelta("a1", domain.RoleAssistant, "Wha", false)
	require.True(t, l.Complete("a1", domain.RoleAssistant, "What brought you here?"))
	require.Equal(t, "What brought you here?", l.Snapshot()[0].Text)
}

func TestComplete_UnknownTurn(t *testing.T) {
	l := New()
	require.False(t, l.Complete("u1", domain.RoleUser, ""))
	require.Zero(t, l.Len())
	require.True(t, l.Complete("u1", domain.RoleUser, "I led the migration."))
	require.Equal(t, 1, l.CountFinalTurns(domain.RoleUser, nil))
}

func TestOrderingAndInterleaving(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	l := NewWithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	l.UpsertDelta("a1", domain.RoleAssistant, "Hi", false)
	l.UpsertDelta("u1", domain.RoleUser, "Hel", false)
	l.UpsertDelta("a1", domain.RoleAssistant, " there", false)
	l.UpsertDelta("u1", domain.RoleUser, "lo", true)
	l.Complete("a1", domain.RoleAssistant, "")

	turns := l.Snapshot()
	require.Len(t, turns, 2)
	require.Equal(t, "a1", turns[0].ID)
	require.Equal(t, "Hi there", turns[0].Text)
	require.Equal(t, "u1", turns[1].ID)
	require.Equal(t, "Hello", turns[1].Text)
	require.True(t, turns[0].Timestamp.Before(turns[1].Timestamp))
}

func TestVisibleHidesSystemTurns(t *testing.T) {
	l := New()
	l.Append(domain.RoleUser, "hi")
	sys := l.Append(domain.RoleSystem, "wrap up")
	require.NotEmpty(t, sys.ID)
	require.True(t, sys.IsFinal)

	require.Len(t, l.Snapshot(), 2)
	visible := l.Visible()
	require.Len(t, visible, 1)
	require.Equal(t, domain.RoleUser, visible[0].Role)
}

func TestSnapshotIsCopy(t *testing.T) {
	l := New()
	l.Append(domain.RoleUser, "one")
	s := l.Snapshot()
	s[0].Text = "mutated"
	require.Equal(t, "one", l.Snapshot()[0].Text)
}

func TestQuestionsCountsFinalAssistantTurnsOnce(t *testing.T) {
	l := New()
	l.UpsertDelta("a1", domain.RoleAssistant, "What motivates you?", false)
	require.Zero(t, l.Questions())
	l.Complete("a1", domain.RoleAssistant, "")
	require.Equal(t, 1, l.Questions())

	// Further deltas for the finalized id never recount it.
	l.UpsertDelta("a1", domain.RoleAssistant, " And why?", true)
	require.Equal(t, 1, l.Questions())

	l.Append(domain.RoleUser, "What do you mean?")
	l.Append(domain.RoleSystem, "Can you wrap up?")
	require.Equal(t, 1, l.Questions())
}

func TestReset(t *testing.T) {
	l := New()
	l.Append(domain.RoleUser, "hi")
	l.Reset()
	require.Zero(t, l.Len())
	require.True(t, l.UpsertDelta("x", domain.RoleUser, "again", false))
	require.Equal(t, 1, l.Len())
}

func TestConcurrentDeltas(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.UpsertDelta("a1", domain.RoleAssistant, "x", false)
		}()
	}
	wg.Wait()
	require.Len(t, l.Snapshot()[0].Text, 50)
}
