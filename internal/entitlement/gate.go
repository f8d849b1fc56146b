package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/DylanDHubert/machinterview/internal/domain"
)

// ErrSignedOut is returned by Gate operations that need a signed-in user.
var ErrSignedOut = errors.New("entitlement: no signed-in user")

// Backend is the subset of Service used by Gate.
type Backend interface {
	Load(ctx context.Context, userID, email string) (domain.Entitlement, error)
	CompleteInterview(ctx context.Context, userID, chargeID string) (domain.Entitlement, error)
}

// Gate holds the confirmed entitlement for the signed-in user. Reads never
// block on the network; writes update local state only after the backend
// confirms them.
type Gate struct {
	backend Backend
	logger  *slog.Logger

	mu     sync.RWMutex
	userID string
	email  string
	// gen changes on every sign-in and sign-out so results of requests issued
	// for a previous user are dropped.
	gen     uint64
	current domain.Entitlement
	loaded  bool
	stale   bool
	// pending counts completions sent to the backend and not yet answered.
	// They are treated as consumed until the backend replies.
	pending int
}

// NewGate creates a Gate over backend. A nil logger uses slog.Default.
func NewGate(backend Backend, logger *slog.Logger) (*Gate, error) {
	if backend == nil {
		return nil, errors.New("entitlement: backend must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{backend: backend, logger: logger}, nil
}

// SignIn switches the gate to userID and loads its entitlement.
func (g *Gate) SignIn(ctx context.Context, userID, email string) error {
	g.mu.Lock()
	g.userID = userID
	g.email = email
	g.gen++
	g.current = domain.Entitlement{}
	g.loaded = false
	g.stale = false
	g.pending = 0
	g.mu.Unlock()
	return g.Refresh(ctx)
}

// SignOut clears all user state.
func (g *Gate) SignOut() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.userID = ""
	g.email = ""
	g.gen++
	g.current = domain.Entitlement{}
	g.loaded = false
	g.stale = false
	g.pending = 0
}

// Refresh reloads the entitlement from the backend.
func (g *Gate) Refresh(ctx context.Context) error {
	g.mu.RLock()
	userID, email, gen := g.userID, g.email, g.gen
	g.mu.RUnlock()
	if userID == "" {
		return ErrSignedOut
	}

	e, err := g.backend.Load(ctx, userID, email)
	if err != nil {
		g.logger.Warn("entitlement: refresh failed", "user_id", userID, "error", err)
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen != gen {
		return nil
	}
	g.current = e
	g.loaded = true
	g.stale = false
	return nil
}

// Entitlement returns the confirmed entitlement and whether one is loaded.
func (g *Gate) Entitlement() (domain.Entitlement, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current, g.loaded
}

// Plan returns the confirmed plan, free until an entitlement is loaded.
func (g *Gate) Plan() domain.Plan {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.loaded {
		return domain.PlanFree
	}
	return g.current.Plan
}

// RemainingInterviews reports 0 until an entitlement has been loaded.
// Completions still in flight count as used.
func (g *Gate) RemainingInterviews() (n int, unlimited bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.loaded {
		return 0, false
	}
	return RemainingInterviews(g.effective())
}

// effective returns the confirmed entitlement with pending completions
// applied. g.mu must be held.
func (g *Gate) effective() domain.Entitlement {
	e := g.current
	for i := 0; i < g.pending; i++ {
		e = CompleteInterview(e)
	}
	return e
}

// CanStartInterview reports whether the user may start an interview. A gate
// left stale by a failed write reconciles with the backend first.
func (g *Gate) CanStartInterview(ctx context.Context) bool {
	g.mu.RLock()
	stale := g.stale
	g.mu.RUnlock()
	if stale {
		_ = g.Refresh(ctx)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.loaded {
		return false
	}
	return CanStartInterview(g.effective())
}

// CompleteInterview charges one interview to userID. The local state follows
// only while the same user is still signed in. On failure the confirmed state
// is left untouched and the gate is marked stale.
func (g *Gate) CompleteInterview(ctx context.Context, userID, chargeID string) error {
	if userID == "" {
		return ErrSignedOut
	}
	g.mu.Lock()
	gen, current := g.gen, g.userID == userID
	if current {
		g.pending++
	}
	g.mu.Unlock()

	e, err := g.backend.CompleteInterview(ctx, userID, chargeID)

	g.mu.Lock()
	defer g.mu.Unlock()
	same := current && g.gen == gen
	if same {
		g.pending--
	}
	if err != nil {
		g.logger.Warn("entitlement: completion not recorded", "user_id", userID, "charge_id", chargeID, "error", err)
		if same {
			g.stale = true
		}
		return err
	}
	if !same {
		return nil
	}
	g.current = e
	g.loaded = true
	g.stale = false
	return nil
}

// UserID returns the signed-in user, or "" when signed out.
func (g *Gate) UserID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.userID
}

// Stale reports whether the last write failed and the gate has not yet
// reconciled.
func (g *Gate) Stale() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stale
}
