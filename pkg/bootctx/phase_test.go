// pkg/bootctx/phase_test.go

package bootctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseAdvanceIsMonotonic(t *testing.T) {
	tr := NewPhaseTracker()
	assert.Equal(t, PhasePreInit, tr.Current())

	require.NoError(t, tr.Advance(PhaseBootstrap))
	require.NoError(t, tr.Advance(PhaseIntegration))
	require.NoError(t, tr.Advance(PhaseStable))
	assert.Equal(t, PhaseStable, tr.Current())
}

func TestPhaseSkipRejected(t *testing.T) {
	tr := NewPhaseTracker()
	err := tr.Advance(PhaseIntegration)
	assert.Error(t, err)
	assert.Equal(t, PhasePreInit, tr.Current())
}

func TestPhaseBackwardRejectedWithoutRollback(t *testing.T) {
	tr := NewPhaseTracker()
	require.NoError(t, tr.Advance(PhaseBootstrap))
	assert.Error(t, tr.Advance(PhaseBootstrap))
	assert.Equal(t, PhaseBootstrap, tr.Current())
}

func TestFailedIsTerminal(t *testing.T) {
	tr := NewPhaseTracker()
	require.NoError(t, tr.Advance(PhaseFailed))
	assert.Error(t, tr.Advance(PhaseBootstrap))

	// Explicit rollback is the only way out of FAILED.
	require.NoError(t, tr.Rollback(PhasePreInit))
	assert.Equal(t, PhasePreInit, tr.Current())
}

func TestRollbackNeverMovesForward(t *testing.T) {
	tr := NewPhaseTracker()
	require.NoError(t, tr.Advance(PhaseBootstrap))
	assert.Error(t, tr.Rollback(PhaseStable))
}

func TestParsePhaseRoundTrip(t *testing.T) {
	for _, p := range []Phase{PhasePreInit, PhaseBootstrap, PhaseIntegration, PhaseStable, PhaseFailed} {
		got, err := ParsePhase(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePhase("PHASE9")
	assert.Error(t, err)
}
