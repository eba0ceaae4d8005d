// pkg/phases/phases_test.go

package phases

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudya/vaultboot/pkg/bootctx"
	"github.com/cloudya/vaultboot/pkg/checkpoint"
	"github.com/cloudya/vaultboot/pkg/configurator"
	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/crederr"
	"github.com/cloudya/vaultboot/pkg/shared"
)

type ctrlStore struct {
	healthErr error
	revoked   []string
	lookupErr error
}

func (s *ctrlStore) Health(context.Context) error { return s.healthErr }

func (s *ctrlStore) Revoke(_ context.Context, token string) error {
	s.revoked = append(s.revoked, token)
	return nil
}

func (s *ctrlStore) LookupSelf(_ context.Context, token string) (*credential.Credential, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return &credential.Credential{Accessor: "acc-" + token}, nil
}

type ctrlIssuer struct {
	requestedTTL      time.Duration
	requestedPolicies []string
	policiesInstalled bool
	authEnsured       bool

	prodErrs  []error
	prodCalls int
}

func (i *ctrlIssuer) VerifyPreconditions(context.Context) error { return nil }

func (i *ctrlIssuer) InstallPolicies(context.Context) error {
	i.policiesInstalled = true
	return nil
}

func (i *ctrlIssuer) EnsureAuthMethod(context.Context) error {
	i.authEnsured = true
	return nil
}

func (i *ctrlIssuer) IssueBootstrap(_ context.Context, policies []string, ttl time.Duration) (*credential.Credential, error) {
	i.requestedTTL = ttl
	i.requestedPolicies = policies
	if ttl > shared.MaxBootstrapTTL {
		ttl = shared.MaxBootstrapTTL
	}
	now := time.Now()
	return &credential.Credential{
		ID:          "acc-bootstrap",
		Accessor:    "acc-bootstrap",
		SecretValue: "s.bootstrap",
		Kind:        credential.KindBootstrap,
		Policies:    policies,
		TTL:         ttl,
		MaxTTL:      shared.MaxBootstrapTTL,
		Renewable:   true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		State:       credential.StateActive,
	}, nil
}

func (i *ctrlIssuer) IssueProduction(context.Context) (*credential.Credential, error) {
	call := i.prodCalls
	i.prodCalls++
	if call < len(i.prodErrs) && i.prodErrs[call] != nil {
		return nil, i.prodErrs[call]
	}
	now := time.Now()
	return &credential.Credential{
		ID:          "acc-production",
		Accessor:    "acc-production",
		SecretValue: "s.production",
		Kind:        credential.KindProduction,
		Policies:    []string{shared.ProductionPolicyName},
		TTL:         shared.ProductionTokenTTL,
		MaxTTL:      shared.ProductionTokenMaxTTL,
		Renewable:   true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(shared.ProductionTokenTTL),
		State:       credential.StateActive,
	}, nil
}

type ctrlOrch struct {
	deployed  bool
	stopped   bool
	pingErr   error
	readyFn   func() error
	deployErr error
}

func (o *ctrlOrch) Ping(context.Context) error   { return o.pingErr }
func (o *ctrlOrch) Reload(context.Context) error { return nil }

func (o *ctrlOrch) Ready(context.Context) error {
	if o.readyFn != nil {
		return o.readyFn()
	}
	return nil
}

func (o *ctrlOrch) DeploySecretService(context.Context, string, time.Duration) error {
	if o.deployErr != nil {
		return o.deployErr
	}
	o.deployed = true
	return nil
}

func (o *ctrlOrch) StopSecretService(context.Context, bool) error {
	o.stopped = true
	return nil
}

type ctrlAdopter struct {
	adopted []*credential.Credential
}

func (a *ctrlAdopter) Adopt(_ context.Context, c *credential.Credential) error {
	a.adopted = append(a.adopted, c)
	return nil
}

func newTestController(t *testing.T) (*Controller, *ctrlStore, *ctrlIssuer, *ctrlOrch, *ctrlAdopter) {
	t.Helper()
	dir := t.TempDir()

	cfg := configurator.New(
		filepath.Join(dir, "orchestrator.hcl"),
		filepath.Join(dir, "integration_token"),
		2*time.Second,
	)
	cfg.PollInterval = 20 * time.Millisecond

	store := &ctrlStore{}
	iss := &ctrlIssuer{}
	orch := &ctrlOrch{}
	adopter := &ctrlAdopter{}

	c := NewController(store, iss, cfg, orch,
		checkpoint.NewManager(filepath.Join(dir, "checkpoints"), 7),
		bootctx.NewPhaseTracker())
	c.StoreAddr = "https://127.0.0.1:8200"
	c.IntegrationAddress = "https://127.0.0.1:8200"
	c.Adopter = adopter
	c.DeployTimeout = 5 * time.Second
	return c, store, iss, orch, adopter
}

func TestFullBootstrapSequence(t *testing.T) {
	c, store, iss, orch, adopter := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.PreInit(ctx))
	assert.Equal(t, bootctx.PhasePreInit, c.Tracker.Current())

	boot, err := c.Phase1(ctx)
	require.NoError(t, err)
	assert.Equal(t, bootctx.PhaseBootstrap, c.Tracker.Current())
	assert.True(t, orch.deployed)
	assert.True(t, iss.policiesInstalled)
	assert.True(t, iss.authEnsured)
	assert.Equal(t, shared.MaxBootstrapTTL, iss.requestedTTL)
	assert.Equal(t, []string{shared.BootstrapPolicyName}, iss.requestedPolicies)

	// Phase-1 config has the integration off.
	onDisk, err := os.ReadFile(c.Config.TargetPath)
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), "enabled = false")

	prod, err := c.Phase2(ctx)
	require.NoError(t, err)
	assert.Equal(t, bootctx.PhaseIntegration, c.Tracker.Current())

	// Integration is on and the address is rendered; the secret is not.
	onDisk, err = os.ReadFile(c.Config.TargetPath)
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), "enabled = true")
	assert.Contains(t, string(onDisk), c.IntegrationAddress)
	assert.NotContains(t, string(onDisk), prod.SecretValue)

	// The production secret travels through the owner-only sink.
	sink, err := os.ReadFile(c.Config.TokenSink)
	require.NoError(t, err)
	assert.Equal(t, prod.SecretValue, string(sink))

	// The lifecycle manager owns the credential; the bootstrap token died.
	require.Len(t, adopter.adopted, 1)
	assert.Equal(t, "acc-production", adopter.adopted[0].Accessor)
	assert.Contains(t, store.revoked, boot.SecretValue)

	require.NoError(t, c.Stabilize(ctx))
	assert.Equal(t, bootctx.PhaseStable, c.Tracker.Current())
}

func TestPreInitFailsWhenOrchestratorUnreachable(t *testing.T) {
	c, _, _, orch, _ := newTestController(t)
	orch.pingErr = crederr.Unreachable(cerr.New("connection refused"), "ping")

	err := c.PreInit(context.Background())
	require.Error(t, err)

	// Nothing was written.
	_, statErr := os.Stat(c.Config.TargetPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPhaseOrderIsEnforced(t *testing.T) {
	c, _, _, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Phase2(ctx)
	require.Error(t, err, "phase 2 before phase 1 must be rejected")
	assert.True(t, crederr.IsValidation(err))

	_, err = c.Phase1(ctx)
	require.NoError(t, err)
	_, err = c.Phase1(ctx)
	require.Error(t, err, "phase 1 cannot run twice")
}

func TestPhase2RetriesTransientIssuanceFailure(t *testing.T) {
	c, _, iss, _, adopter := newTestController(t)
	ctx := context.Background()

	_, err := c.Phase1(ctx)
	require.NoError(t, err)

	iss.prodErrs = []error{crederr.Transient(cerr.New("store hiccup"), "issue")}
	_, err = c.Phase2(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, iss.prodCalls)
	assert.Len(t, adopter.adopted, 1)
	assert.Equal(t, bootctx.PhaseIntegration, c.Tracker.Current())
}

func TestPhase2FailedReloadRestoresPhase1State(t *testing.T) {
	c, store, iss, orch, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Phase1(ctx)
	require.NoError(t, err)
	phase1Config, err := os.ReadFile(c.Config.TargetPath)
	require.NoError(t, err)

	// The agent never becomes ready while the integrated config is active.
	orch.readyFn = func() error {
		onDisk, err := os.ReadFile(c.Config.TargetPath)
		if err != nil || bytes.Contains(onDisk, []byte("enabled = true")) {
			return cerr.New("agent rejects integrated configuration")
		}
		return nil
	}
	c.Config.ReadyTimeout = 200 * time.Millisecond

	_, err = c.Phase2(ctx)
	require.Error(t, err)
	assert.True(t, crederr.IsFatal(err), "exhausted retries require manual intervention")
	assert.Equal(t, bootctx.PhaseFailed, c.Tracker.Current())
	assert.Equal(t, shared.Phase2RetryLimit, iss.prodCalls, "every retry minted and discarded a credential")

	// Every attempt restored the phase-1 configuration byte-identically.
	onDisk, err := os.ReadFile(c.Config.TargetPath)
	require.NoError(t, err)
	assert.Equal(t, phase1Config, onDisk)

	// Each minted production credential was discarded.
	for _, token := range store.revoked {
		assert.Equal(t, "s.production", token)
	}
	assert.Len(t, store.revoked, shared.Phase2RetryLimit)
}

func TestRollbackReturnsToCheckpointedPhase(t *testing.T) {
	c, _, _, orch, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Phase1(ctx)
	require.NoError(t, err)
	require.Equal(t, bootctx.PhaseBootstrap, c.Tracker.Current())

	// The phase-1 checkpoint was taken at PRE_INIT; rollback returns there
	// and takes the phase-1 workload down with it.
	require.NoError(t, c.Rollback(ctx))
	assert.Equal(t, bootctx.PhasePreInit, c.Tracker.Current())
	assert.True(t, orch.stopped, "the secret service was deployed after this checkpoint and must not survive the rollback")

	onDisk, err := os.ReadFile(c.Config.TargetPath)
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), "enabled = false")
}

func TestFailedPhaseIsTerminalForAdvance(t *testing.T) {
	c, _, _, orch, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Phase1(ctx)
	require.NoError(t, err)

	orch.readyFn = func() error {
		onDisk, err := os.ReadFile(c.Config.TargetPath)
		if err != nil || bytes.Contains(onDisk, []byte("enabled = true")) {
			return cerr.New("not ready")
		}
		return nil
	}
	c.Config.ReadyTimeout = 200 * time.Millisecond

	_, err = c.Phase2(ctx)
	require.Error(t, err)
	require.Equal(t, bootctx.PhaseFailed, c.Tracker.Current())

	assert.Error(t, c.Stabilize(ctx), "no forward transition out of FAILED")
}

func TestSnapshotReportsPhaseWithoutSecrets(t *testing.T) {
	c, _, _, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Phase1(ctx)
	require.NoError(t, err)

	s := c.Snapshot(nil)
	assert.Equal(t, "PHASE1_BOOTSTRAP", s.Phase)
	assert.Equal(t, shared.Version, s.Version)
	assert.NotEmpty(t, s.ConfigChecksum)

	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	require.NoError(t, WriteStatusFile(path, s))
	loaded, err := ReadStatusFile(path)
	require.NoError(t, err)
	assert.Equal(t, s.Phase, loaded.Phase)
}
