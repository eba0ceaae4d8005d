// pkg/bootctx/phase.go

package bootctx

import (
	"sync"

	cerr "github.com/cockroachdb/errors"
)

// Phase is the process-wide bootstrap phase. Forward progress is monotonic;
// the only way back is an explicit rollback, which returns to PreInit or a
// checkpointed phase and is recorded as such.
type Phase int

const (
	PhasePreInit Phase = iota
	PhaseBootstrap
	PhaseIntegration
	PhaseStable
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePreInit:
		return "PRE_INIT"
	case PhaseBootstrap:
		return "PHASE1_BOOTSTRAP"
	case PhaseIntegration:
		return "PHASE2_INTEGRATION"
	case PhaseStable:
		return "STABLE"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ParsePhase maps a persisted phase name back to its value.
func ParsePhase(s string) (Phase, error) {
	for _, p := range []Phase{PhasePreInit, PhaseBootstrap, PhaseIntegration, PhaseStable, PhaseFailed} {
		if p.String() == s {
			return p, nil
		}
	}
	return PhaseFailed, cerr.Newf("unknown phase %q", s)
}

// PhaseTracker is the single owner of the current phase. Only the phase
// controller mutates it; everyone else reads.
type PhaseTracker struct {
	mu      sync.RWMutex
	current Phase
}

func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{current: PhasePreInit}
}

func (t *PhaseTracker) Current() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Advance moves exactly one phase forward, or to FAILED from anywhere.
// Skipping a phase or moving backward is a programming error and rejected.
func (t *PhaseTracker) Advance(to Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if to == PhaseFailed {
		t.current = PhaseFailed
		return nil
	}
	if t.current == PhaseFailed {
		return cerr.New("cannot advance out of FAILED")
	}
	if to != t.current+1 {
		return cerr.Newf("illegal phase transition %s -> %s", t.current, to)
	}
	t.current = to
	return nil
}

// Rollback returns to an earlier phase. This is the only sanctioned
// backward movement and always accompanies a checkpoint restore.
func (t *PhaseTracker) Rollback(to Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if to > t.current && t.current != PhaseFailed {
		return cerr.Newf("rollback target %s is ahead of %s", to, t.current)
	}
	t.current = to
	return nil
}
