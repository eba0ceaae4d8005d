// pkg/lifecycle/lifecycle_test.go

package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/crederr"
	"github.com/cloudya/vaultboot/pkg/storeclient"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// After fires immediately so backoff loops do not sleep in tests.
func (f *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.Now()
	return ch
}

type fakeStore struct {
	mu         sync.Mutex
	renewErrs  []error
	renewGrant time.Duration
	renewCalls int
	revoked    []string
	lookupFn   func(token string) (*credential.Credential, error)
}

var _ storeclient.Store = (*fakeStore)(nil)

func (f *fakeStore) Create(context.Context, storeclient.CreateSpec) (*credential.Credential, error) {
	return nil, cerr.New("not used")
}

func (f *fakeStore) Renew(_ context.Context, _ string, _ time.Duration) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.renewCalls
	f.renewCalls++
	if call < len(f.renewErrs) && f.renewErrs[call] != nil {
		return 0, f.renewErrs[call]
	}
	if f.renewGrant == 0 {
		f.renewGrant = time.Hour
	}
	return f.renewGrant, nil
}

func (f *fakeStore) Revoke(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, token)
	return nil
}

func (f *fakeStore) RevokeAccessor(_ context.Context, accessor string) error {
	return f.Revoke(context.Background(), accessor)
}

func (f *fakeStore) LookupSelf(_ context.Context, token string) (*credential.Credential, error) {
	if f.lookupFn == nil {
		return nil, crederr.Transient(cerr.New("no lookup configured"), "lookup-self")
	}
	return f.lookupFn(token)
}

func (f *fakeStore) Health(context.Context) error { return nil }

func (f *fakeStore) revokedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

type fakeMinter struct {
	cred *credential.Credential
	err  error
}

func (f *fakeMinter) IssueProduction(context.Context) (*credential.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cred, nil
}

type fakeIntegration struct {
	mu         sync.Mutex
	installed  []string
	installErr func(accessor string) error
	verifyErr  error
}

func (f *fakeIntegration) Install(_ context.Context, cred *credential.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installErr != nil {
		if err := f.installErr(cred.Accessor); err != nil {
			return err
		}
	}
	f.installed = append(f.installed, cred.Accessor)
	return nil
}

func (f *fakeIntegration) Verify(_ context.Context, _ *credential.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyErr
}

func productionCred(accessor, secret string, now time.Time) *credential.Credential {
	return &credential.Credential{
		ID:          accessor,
		Accessor:    accessor,
		SecretValue: secret,
		Kind:        credential.KindProduction,
		Policies:    []string{"cloudya-app"},
		TTL:         time.Hour,
		MaxTTL:      4 * time.Hour,
		Renewable:   true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		State:       credential.StateActive,
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, *fakeMinter, *fakeIntegration, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	store := &fakeStore{}
	minter := &fakeMinter{}
	integ := &fakeIntegration{}
	m := NewManager(store, minter, integ, credential.NewRegistry()).WithClock(clock)
	return m, store, minter, integ, clock
}

func TestRotationVerifyThenRevoke(t *testing.T) {
	m, store, minter, integ, clock := newTestManager(t)

	old := productionCred("acc-old", "s.old", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), old))
	minter.cred = productionCred("acc-new", "s.new", clock.Now())

	rec, err := m.RotateNow(context.Background(), old.ID)
	require.NoError(t, err)

	assert.Equal(t, credential.RotationVerified, rec.Outcome)
	assert.Equal(t, "acc-old", rec.OldAccessor)
	assert.Equal(t, "acc-new", rec.NewAccessor)
	require.NotNil(t, rec.VerifiedAt)

	// New credential reached the integration before the old was revoked.
	assert.Equal(t, []string{"acc-new"}, integ.installed)
	assert.Equal(t, []string{"s.old"}, store.revokedTokens())

	// The registry slot now holds the new credential.
	_, ok := m.Registry.Get("acc-old")
	assert.False(t, ok)
	got, ok := m.Registry.Get("acc-new")
	require.True(t, ok)
	assert.Equal(t, credential.StateActive, got.State)
}

func TestRotationRollbackOnFailedVerification(t *testing.T) {
	m, store, minter, integ, clock := newTestManager(t)

	old := productionCred("acc-old", "s.old", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), old))
	minter.cred = productionCred("acc-new", "s.new", clock.Now())
	integ.verifyErr = cerr.New("integration unreachable with new credential")

	rec, err := m.RotateNow(context.Background(), old.ID)
	require.Error(t, err)
	assert.False(t, crederr.IsFatal(err))

	assert.Equal(t, credential.RotationRolledBack, rec.Outcome)
	assert.Equal(t, "acc-new", rec.NewAccessor)
	assert.Nil(t, rec.VerifiedAt)

	// Old credential stays active and installed; the unverified new one
	// was revoked, the old one never touched.
	got, ok := m.Registry.Get("acc-old")
	require.True(t, ok)
	assert.Equal(t, credential.StateActive, got.State)
	assert.Equal(t, []string{"s.new"}, store.revokedTokens())
	assert.Equal(t, []string{"acc-new", "acc-old"}, integ.installed,
		"rollback reinstalls the previous credential")
}

func TestRotationRollbackFailureIsFatal(t *testing.T) {
	m, store, minter, integ, clock := newTestManager(t)

	old := productionCred("acc-old", "s.old", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), old))
	minter.cred = productionCred("acc-new", "s.new", clock.Now())
	integ.verifyErr = cerr.New("verification failed")
	integ.installErr = func(accessor string) error {
		if accessor == "acc-old" {
			return cerr.New("config restore failed")
		}
		return nil
	}

	rec, err := m.RotateNow(context.Background(), old.ID)
	require.Error(t, err)
	assert.True(t, crederr.IsFatal(err), "unrestorable rollback requires manual intervention")
	assert.Equal(t, credential.RotationRolledBack, rec.Outcome)

	got, _ := m.Registry.Get("acc-old")
	assert.Equal(t, credential.StateFailed, got.State)
	assert.Empty(t, store.revokedTokens(), "nothing is revoked when state is unknown")
}

func TestRotationMintFailureLeavesOldActive(t *testing.T) {
	m, store, minter, _, clock := newTestManager(t)

	old := productionCred("acc-old", "s.old", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), old))
	minter.err = crederr.Transient(cerr.New("store down"), "issue")

	_, err := m.RotateNow(context.Background(), old.ID)
	require.Error(t, err)

	got, _ := m.Registry.Get("acc-old")
	assert.Equal(t, credential.StateActive, got.State)
	assert.Empty(t, store.revokedTokens())
}

func TestRenewalExtendsLease(t *testing.T) {
	m, store, _, _, clock := newTestManager(t)

	cred := productionCred("acc-1", "s.1", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), cred))
	store.renewGrant = time.Hour

	// 50 minutes in: under 30% of the original hour remains.
	clock.Advance(50 * time.Minute)
	require.NoError(t, m.renewOne(context.Background(), cred.ID))

	got, _ := m.Registry.Get(cred.ID)
	assert.Equal(t, credential.StateActive, got.State)
	assert.Equal(t, clock.Now().Add(time.Hour), got.ExpiresAt)
	assert.Equal(t, 1, store.renewCalls)
}

func TestRenewalNeverExceedsMaxTTL(t *testing.T) {
	m, store, _, _, clock := newTestManager(t)

	cred := productionCred("acc-1", "s.1", clock.Now())
	hardStop := cred.CreatedAt.Add(cred.MaxTTL)
	require.NoError(t, m.Adopt(context.Background(), cred))
	store.renewGrant = time.Hour

	// Renew repeatedly right up to the max-TTL edge; the lease edge must
	// never pass CreatedAt + MaxTTL.
	for n := 0; n < 5; n++ {
		clock.Advance(45 * time.Minute)
		require.NoError(t, m.renewOne(context.Background(), cred.ID))
		got, _ := m.Registry.Get(cred.ID)
		assert.False(t, got.ExpiresAt.After(hardStop),
			"lease edge %s beyond hard stop %s", got.ExpiresAt, hardStop)
	}
}

func TestRenewalRetriesTransientFailures(t *testing.T) {
	m, store, _, _, clock := newTestManager(t)

	cred := productionCred("acc-1", "s.1", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), cred))
	store.renewErrs = []error{
		crederr.Transient(cerr.New("timeout"), "renew"),
		crederr.Transient(cerr.New("timeout"), "renew"),
		nil,
	}

	require.NoError(t, m.renewOne(context.Background(), cred.ID))
	assert.Equal(t, 3, store.renewCalls)

	got, _ := m.Registry.Get(cred.ID)
	assert.Equal(t, credential.StateActive, got.State)
}

func TestRenewalExhaustionMarksFailed(t *testing.T) {
	m, store, _, _, clock := newTestManager(t)
	var alerts []Alert
	m.Notify = func(_ context.Context, a Alert) { alerts = append(alerts, a) }

	cred := productionCred("acc-1", "s.1", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), cred))
	for n := 0; n < 8; n++ {
		store.renewErrs = append(store.renewErrs, crederr.Transient(cerr.New("timeout"), "renew"))
	}

	err := m.renewOne(context.Background(), cred.ID)
	require.Error(t, err)
	assert.True(t, crederr.IsExhausted(err))
	assert.Equal(t, 5, store.renewCalls, "retry budget is bounded")

	got, _ := m.Registry.Get(cred.ID)
	assert.Equal(t, credential.StateFailed, got.State, "no silent re-mint after exhaustion")
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestRenewalAbortsOnPolicyDenied(t *testing.T) {
	m, store, _, _, clock := newTestManager(t)

	cred := productionCred("acc-1", "s.1", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), cred))
	store.renewErrs = []error{crederr.PolicyDenied(cerr.New("forbidden"), "renew")}

	err := m.renewOne(context.Background(), cred.ID)
	require.Error(t, err)
	assert.Equal(t, 1, store.renewCalls, "deterministic failures are not retried")

	got, _ := m.Registry.Get(cred.ID)
	assert.Equal(t, credential.StateFailed, got.State)
}

func TestRenewalRetryBudgetIsConfigurable(t *testing.T) {
	m, store, _, _, clock := newTestManager(t)
	m.RenewMaxRetries = 2

	cred := productionCred("acc-1", "s.1", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), cred))
	for n := 0; n < 8; n++ {
		store.renewErrs = append(store.renewErrs, crederr.Transient(cerr.New("timeout"), "renew"))
	}

	err := m.renewOne(context.Background(), cred.ID)
	require.Error(t, err)
	assert.True(t, crederr.IsExhausted(err))
	assert.Equal(t, 2, store.renewCalls, "operator-set budget overrides the default")
}

func TestHealthSweepEscalatesRejectedLookup(t *testing.T) {
	m, store, _, _, clock := newTestManager(t)
	var alerts []Alert
	m.Notify = func(_ context.Context, a Alert) { alerts = append(alerts, a) }

	cred := productionCred("acc-1", "s.1", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), cred))
	store.lookupFn = func(string) (*credential.Credential, error) {
		return nil, crederr.PolicyDenied(cerr.New("permission denied"), "lookup")
	}

	m.healthSweep(context.Background())

	require.Len(t, alerts, 1, "a deterministic lookup rejection is alert-worthy")
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "acc-1", alerts[0].Accessor)
	assert.Empty(t, store.revokedTokens(), "rejection is not drift; nothing is revoked")
}

func TestHealthSweepEscalatesNonRenewableCredential(t *testing.T) {
	m, store, _, _, clock := newTestManager(t)
	var alerts []Alert
	m.Notify = func(_ context.Context, a Alert) { alerts = append(alerts, a) }

	cred := productionCred("acc-1", "s.1", clock.Now())
	cred.Renewable = false
	require.NoError(t, m.Adopt(context.Background(), cred))

	m.healthSweep(context.Background())

	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "acc-1", alerts[0].Accessor)
	assert.Empty(t, store.revokedTokens(), "alert only; the credential keeps serving until replaced")
}

func TestIntegrityDriftRevokesCredential(t *testing.T) {
	m, store, _, _, clock := newTestManager(t)
	var alerts []Alert
	m.Notify = func(_ context.Context, a Alert) { alerts = append(alerts, a) }

	cred := productionCred("acc-1", "s.1", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), cred))
	store.lookupFn = func(string) (*credential.Credential, error) {
		return &credential.Credential{
			Accessor: "acc-1",
			Policies: []string{"cloudya-app", "root"}, // escalated out of band
		}, nil
	}

	err := m.checkIntegrity(context.Background(), cred.ID)
	require.Error(t, err)
	assert.True(t, crederr.IsIntegrity(err))

	assert.Equal(t, []string{"s.1"}, store.revokedTokens())
	got, _ := m.Registry.Get(cred.ID)
	assert.Equal(t, credential.StateRevoked, got.State)
	require.NotEmpty(t, alerts)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestIntegrityTransientLookupIsNotAFinding(t *testing.T) {
	m, store, _, _, clock := newTestManager(t)

	cred := productionCred("acc-1", "s.1", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), cred))
	store.lookupFn = func(string) (*credential.Credential, error) {
		return nil, crederr.Unreachable(cerr.New("store down"), "lookup")
	}

	require.NoError(t, m.checkIntegrity(context.Background(), cred.ID))
	assert.Empty(t, store.revokedTokens())
}

func TestGracefulShutdown(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)
	m.RenewalInterval = time.Hour
	m.RotationInterval = time.Hour
	m.HealthInterval = time.Hour
	// Run's sweep timers must not fire; give it a real clock.
	m.clock = realClock{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop after cancellation")
	}
}

func TestRotationHistoryAccumulates(t *testing.T) {
	m, _, minter, _, clock := newTestManager(t)

	old := productionCred("acc-old", "s.old", clock.Now())
	require.NoError(t, m.Adopt(context.Background(), old))
	minter.cred = productionCred("acc-new", "s.new", clock.Now())

	_, err := m.RotateNow(context.Background(), old.ID)
	require.NoError(t, err)

	hist := m.RotationHistory()
	require.Len(t, hist, 1)
	assert.Equal(t, credential.RotationVerified, hist[0].Outcome)
}
