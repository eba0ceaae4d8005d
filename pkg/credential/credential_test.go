// pkg/credential/credential_test.go

package credential

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCredential(id string) *Credential {
	now := time.Now()
	return &Credential{
		ID:          id,
		Accessor:    "accessor-" + id,
		SecretValue: "s.supersecret",
		Kind:        KindProduction,
		Policies:    []string{"cloudya-app"},
		TTL:         time.Hour,
		MaxTTL:      4 * time.Hour,
		Renewable:   true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		State:       StateActive,
	}
}

func TestValidateRejectsTTLAboveMax(t *testing.T) {
	c := testCredential("c1")
	c.TTL = 5 * time.Hour
	assert.Error(t, c.Validate())

	c.TTL = 4 * time.Hour
	assert.NoError(t, c.Validate())
}

func TestZeroUsesMeansExpired(t *testing.T) {
	c := testCredential("c1")
	zero := 0
	c.UsesRemaining = &zero
	assert.Equal(t, StateExpired, c.EffectiveState(time.Now()))

	one := 1
	c.UsesRemaining = &one
	assert.Equal(t, StateActive, c.EffectiveState(time.Now()))
}

func TestEffectiveStateHonoursExpiry(t *testing.T) {
	c := testCredential("c1")
	assert.Equal(t, StateActive, c.EffectiveState(time.Now()))
	assert.Equal(t, StateExpired, c.EffectiveState(time.Now().Add(2*time.Hour)))
}

func TestRemainingFraction(t *testing.T) {
	c := testCredential("c1")
	frac := c.RemainingFraction(c.CreatedAt.Add(45 * time.Minute))
	assert.InDelta(t, 0.25, frac, 0.01)
	assert.Equal(t, 0.0, c.RemainingFraction(c.CreatedAt.Add(2*time.Hour)))
}

func TestSecretNeverInStringForm(t *testing.T) {
	c := testCredential("c1")
	assert.NotContains(t, c.String(), c.SecretValue)
}

func TestTransitionRules(t *testing.T) {
	c := testCredential("c1")
	require.NoError(t, c.Transition(StateRotating))
	require.NoError(t, c.Transition(StateRevoking))
	require.NoError(t, c.Transition(StateRevoked))

	// Revoked is terminal.
	assert.Error(t, c.Transition(StateActive))
}

func TestRenewingCannotStartFromRotating(t *testing.T) {
	c := testCredential("c1")
	require.NoError(t, c.Transition(StateRotating))
	assert.Error(t, c.Transition(StateRenewing))
}

func TestRotationRecordLifecycle(t *testing.T) {
	old := testCredential("old")
	start := time.Now()
	rec := NewRotationRecord(old, start)

	assert.Equal(t, RotationPending, rec.Outcome)
	assert.Equal(t, old.Accessor, rec.OldAccessor)
	assert.Nil(t, rec.VerifiedAt)

	rec.MarkVerified("accessor-new", start.Add(30*time.Second))
	assert.Equal(t, RotationVerified, rec.Outcome)
	require.NotNil(t, rec.VerifiedAt)
}

func TestRegistrySerializesPerCredential(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(testCredential("c1")))
	require.NoError(t, reg.Add(testCredential("c2")))

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(2)
	started := make(chan struct{})
	go func() {
		defer wg.Done()
		_ = reg.WithLock("c1", func(c *Credential) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		<-started
		_ = reg.WithLock("c1", func(c *Credential) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
	}()
	wg.Wait()

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRegistryReplace(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(testCredential("old")))
	require.NoError(t, reg.Replace("old", testCredential("new")))

	_, ok := reg.Get("old")
	assert.False(t, ok)
	got, ok := reg.Get("new")
	require.True(t, ok)
	assert.Empty(t, got.SecretValue, "Get must not expose the secret value")
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(testCredential("c1")))
	assert.Error(t, reg.Add(testCredential("c1")))
}
