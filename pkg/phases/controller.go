// pkg/phases/controller.go
//
// The phase controller sequences bootstrap: PRE_INIT environment guards,
// phase 1 standing up the secret service with integration disabled, phase 2
// exchanging the bootstrap credential for a production one and enabling the
// integration, then STABLE. Transitions are monotonic; the only way back is
// an explicit checkpoint rollback.

package phases

import (
	"context"
	"os"
	"path/filepath"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/bootctx"
	"github.com/cloudya/vaultboot/pkg/checkpoint"
	"github.com/cloudya/vaultboot/pkg/configurator"
	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/crederr"
	"github.com/cloudya/vaultboot/pkg/shared"
)

// Store is the slice of the store client the controller needs.
type Store interface {
	Health(ctx context.Context) error
	Revoke(ctx context.Context, token string) error
	LookupSelf(ctx context.Context, token string) (*credential.Credential, error)
}

// Issuer is the credential plane.
type Issuer interface {
	VerifyPreconditions(ctx context.Context) error
	InstallPolicies(ctx context.Context) error
	EnsureAuthMethod(ctx context.Context) error
	IssueBootstrap(ctx context.Context, policies []string, ttl time.Duration) (*credential.Credential, error)
	IssueProduction(ctx context.Context) (*credential.Credential, error)
}

// Orchestrator covers reachability, reload and workload deployment.
type Orchestrator interface {
	Ping(ctx context.Context) error
	Reload(ctx context.Context) error
	Ready(ctx context.Context) error
	DeploySecretService(ctx context.Context, storeAddr string, timeout time.Duration) error
	StopSecretService(ctx context.Context, purge bool) error
}

// Adopter receives ownership of credentials that survive bootstrap.
type Adopter interface {
	Adopt(ctx context.Context, cred *credential.Credential) error
}

// Registrar announces services for discovery. Advisory: every error here is
// logged and swallowed.
type Registrar interface {
	RegisterSecretService(ctx context.Context, address string, port int) error
	RegisterDaemon(ctx context.Context) error
}

// Controller drives the phases.
type Controller struct {
	Store       Store
	Issuer      Issuer
	Config      *configurator.Configurator
	Orch        Orchestrator
	Checkpoints *checkpoint.Manager
	Adopter     Adopter
	Registrar   Registrar
	Tracker     *bootctx.PhaseTracker

	// SwitchToken rebinds the store client identity, e.g. to the bootstrap
	// token for phase 2 work.
	SwitchToken func(token string)

	StoreAddr          string
	IntegrationAddress string
	DeployTimeout      time.Duration
	RetryLimit         int

	bootstrap   *credential.Credential
	lastApplied *configurator.Artifact
}

func NewController(store Store, iss Issuer, cfg *configurator.Configurator, orch Orchestrator, cps *checkpoint.Manager, tracker *bootctx.PhaseTracker) *Controller {
	return &Controller{
		Store:         store,
		Issuer:        iss,
		Config:        cfg,
		Orch:          orch,
		Checkpoints:   cps,
		Tracker:       tracker,
		DeployTimeout: shared.SecretServiceTimeout,
		RetryLimit:    shared.Phase2RetryLimit,
	}
}

// PreInit runs the environment guards. Nothing is mutated; a failure here
// leaves the system exactly as found.
func (c *Controller) PreInit(ctx context.Context) error {
	log := otelzap.Ctx(ctx)

	if c.Tracker.Current() != bootctx.PhasePreInit {
		return crederr.Validationf("pre-init called in phase %s", c.Tracker.Current())
	}

	if err := c.Orch.Ping(ctx); err != nil {
		return cerr.Wrap(err, "orchestrator unreachable")
	}

	// Both configuration variants must render and validate before any write.
	art, err := configurator.Render(configurator.IntegrationDisabled(), bootctx.PhaseBootstrap)
	if err != nil {
		return err
	}
	if err := configurator.Validate(art); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.Config.TargetPath), 0o755); err != nil {
		return cerr.Wrap(err, "config directory not writable")
	}
	if err := os.MkdirAll(c.Checkpoints.Dir, shared.DirPerm); err != nil {
		return cerr.Wrap(err, "checkpoint directory not writable")
	}

	log.Info("Pre-init guards passed",
		zap.String("config_path", c.Config.TargetPath),
		zap.String("store_addr", c.StoreAddr))
	return nil
}

// Phase1 breaks the circular dependency: the orchestrator starts with
// integration disabled, the secret service is deployed as a workload, and a
// short-lived bootstrap credential is minted once the store is healthy.
func (c *Controller) Phase1(ctx context.Context) (*credential.Credential, error) {
	log := otelzap.Ctx(ctx)

	if c.Tracker.Current() != bootctx.PhasePreInit {
		return nil, crederr.Validationf("phase 1 called in phase %s", c.Tracker.Current())
	}

	art, err := configurator.Render(configurator.IntegrationDisabled(), bootctx.PhaseBootstrap)
	if err != nil {
		return nil, err
	}
	if _, err := c.Checkpoints.Take(ctx, bootctx.PhasePreInit, art, nil); err != nil {
		return nil, cerr.Wrap(err, "checkpoint before phase 1")
	}

	if err := c.Config.Apply(ctx, art, c.Orch); err != nil {
		return nil, cerr.Wrap(err, "apply bootstrap configuration")
	}
	c.lastApplied = art

	if err := c.Orch.DeploySecretService(ctx, c.StoreAddr, c.DeployTimeout); err != nil {
		return nil, err
	}
	if err := c.awaitStoreHealth(ctx, c.DeployTimeout); err != nil {
		return nil, cerr.Wrap(err, "secret store never became healthy")
	}

	if err := c.Issuer.InstallPolicies(ctx); err != nil {
		return nil, err
	}
	if err := c.Issuer.EnsureAuthMethod(ctx); err != nil {
		return nil, err
	}

	cred, err := c.Issuer.IssueBootstrap(ctx, []string{shared.BootstrapPolicyName}, shared.MaxBootstrapTTL)
	if err != nil {
		return nil, err
	}
	c.bootstrap = cred

	if err := c.Tracker.Advance(bootctx.PhaseBootstrap); err != nil {
		return nil, err
	}
	c.registerServices(ctx)

	log.Info("Phase 1 complete",
		zap.String("bootstrap_accessor", cred.Accessor),
		zap.Duration("bootstrap_ttl", cred.TTL))
	return cred, nil
}

// Phase2 exchanges the bootstrap credential for a production one and flips
// the integration on. Each attempt is checkpointed; a failed attempt
// restores the phase-1 configuration before retrying. After the retry
// budget the system moves to FAILED, which only an operator can clear.
func (c *Controller) Phase2(ctx context.Context) (*credential.Credential, error) {
	log := otelzap.Ctx(ctx)

	if c.Tracker.Current() != bootctx.PhaseBootstrap {
		return nil, crederr.Validationf("phase 2 called in phase %s", c.Tracker.Current())
	}
	if c.bootstrap == nil {
		return nil, crederr.Validationf("phase 2 has no bootstrap credential")
	}
	if c.SwitchToken != nil {
		c.SwitchToken(c.bootstrap.SecretValue)
	}

	var lastErr error
	for attempt := 1; attempt <= c.RetryLimit; attempt++ {
		cred, err := c.phase2Attempt(ctx)
		if err == nil {
			if err := c.Tracker.Advance(bootctx.PhaseIntegration); err != nil {
				return nil, err
			}
			c.retireBootstrap(ctx)
			log.Info("Phase 2 complete",
				zap.String("production_accessor", cred.Accessor),
				zap.Int("attempts", attempt))
			return cred, nil
		}
		lastErr = err
		if crederr.IsFatal(err) {
			break
		}

		log.Warn("Phase 2 attempt failed, restoring phase 1 state",
			zap.Int("attempt", attempt),
			zap.Int("limit", c.RetryLimit),
			zap.Error(err))
		if cp, cpErr := c.Checkpoints.Latest(); cpErr == nil {
			if restoreErr := c.Checkpoints.Restore(ctx, cp, c.Config, c.Orch); restoreErr != nil {
				_ = c.Tracker.Advance(bootctx.PhaseFailed)
				return nil, crederr.MarkFatal(cerr.WithSecondaryError(restoreErr, err))
			}
		}
	}

	_ = c.Tracker.Advance(bootctx.PhaseFailed)
	if crederr.IsFatal(lastErr) {
		return nil, lastErr
	}
	return nil, crederr.MarkFatal(cerr.Wrap(lastErr, "integration phase failed after retries"))
}

func (c *Controller) phase2Attempt(ctx context.Context) (*credential.Credential, error) {
	if _, err := c.Checkpoints.Take(ctx, bootctx.PhaseBootstrap, c.lastApplied,
		[]checkpoint.CredentialRef{{ID: c.bootstrap.ID, Accessor: c.bootstrap.Accessor, Kind: string(c.bootstrap.Kind)}}); err != nil {
		return nil, cerr.Wrap(err, "checkpoint before phase 2 attempt")
	}

	if err := c.Issuer.VerifyPreconditions(ctx); err != nil {
		return nil, err
	}

	cred, err := c.Issuer.IssueProduction(ctx)
	if err != nil {
		return nil, err
	}
	discard := func() {
		revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shared.StoreCallTimeout)
		defer cancel()
		_ = c.Store.Revoke(revokeCtx, cred.SecretValue)
	}

	if err := c.Config.WriteTokenSink(ctx, cred); err != nil {
		discard()
		return nil, err
	}

	intent, err := configurator.IntegrationEnabled(c.IntegrationAddress, cred)
	if err != nil {
		discard()
		return nil, err
	}
	art, err := configurator.Render(intent, bootctx.PhaseIntegration)
	if err != nil {
		discard()
		return nil, err
	}
	if err := c.Config.Apply(ctx, art, c.Orch); err != nil {
		// Apply restored its own backup (or marked the error fatal).
		discard()
		return nil, err
	}

	// The integration must demonstrably work with the new credential.
	if err := c.Store.Health(ctx); err != nil {
		discard()
		return nil, cerr.Wrap(err, "store health after integration")
	}
	if _, err := c.Store.LookupSelf(ctx, cred.SecretValue); err != nil {
		discard()
		return nil, cerr.Wrap(err, "production credential rejected by store")
	}

	if c.Adopter != nil {
		if err := c.Adopter.Adopt(ctx, cred); err != nil {
			discard()
			return nil, err
		}
	}
	c.lastApplied = art
	return cred, nil
}

// Stabilize moves to STABLE once the lifecycle manager owns the production
// credential.
func (c *Controller) Stabilize(ctx context.Context) error {
	if err := c.Tracker.Advance(bootctx.PhaseStable); err != nil {
		return err
	}
	otelzap.Ctx(ctx).Info("Bootstrap stable",
		zap.String("config_checksum", c.Config.ActiveChecksum()))
	return nil
}

// Rollback restores the most recent checkpoint and moves the tracker back
// to the checkpointed phase. A rollback that cannot complete is fatal: the
// system state is unknown and an operator must intervene.
func (c *Controller) Rollback(ctx context.Context) error {
	log := otelzap.Ctx(ctx)

	cp, err := c.Checkpoints.Latest()
	if err != nil {
		return cerr.Wrap(err, "no checkpoint to roll back to")
	}
	if err := c.Checkpoints.Restore(ctx, cp, c.Config, c.Orch); err != nil {
		_ = c.Tracker.Advance(bootctx.PhaseFailed)
		return crederr.MarkFatal(cerr.Wrap(err, "checkpoint restore"))
	}

	phase, err := bootctx.ParsePhase(cp.Phase)
	if err != nil {
		return err
	}
	if err := c.Tracker.Rollback(phase); err != nil {
		return err
	}
	c.lastApplied = cp.ConfigSnapshot

	// PRE_INIT predates the secret service; rolling all the way back takes
	// the workload down again. Advisory: the restored config already rules.
	if phase == bootctx.PhasePreInit {
		if err := c.Orch.StopSecretService(ctx, false); err != nil {
			log.Warn("Secret service not stopped during rollback", zap.Error(err))
		}
	}

	log.Info("Rolled back to checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("phase", cp.Phase))
	return nil
}

// retireBootstrap revokes the bootstrap credential once the production
// credential is live. Failure to revoke is alert-worthy but not fatal: the
// token still dies at its 72h ceiling.
func (c *Controller) retireBootstrap(ctx context.Context) {
	log := otelzap.Ctx(ctx)
	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shared.StoreCallTimeout)
	defer cancel()

	if err := c.Store.Revoke(revokeCtx, c.bootstrap.SecretValue); err != nil {
		log.Warn("Bootstrap credential could not be revoked, it will expire at its ceiling",
			zap.String("accessor", c.bootstrap.Accessor),
			zap.Error(err))
	} else {
		log.Info("Bootstrap credential revoked",
			zap.String("accessor", c.bootstrap.Accessor))
	}
	c.bootstrap = nil
}

func (c *Controller) awaitStoreHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		if lastErr = c.Store.Health(ctx); lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return cerr.Wrap(ctx.Err(), "waiting for store health")
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Controller) registerServices(ctx context.Context) {
	if c.Registrar == nil {
		return
	}
	log := otelzap.Ctx(ctx)
	if err := c.Registrar.RegisterSecretService(ctx, c.StoreAddr, 8200); err != nil {
		log.Warn("Secret service registration failed", zap.Error(err))
	}
	if err := c.Registrar.RegisterDaemon(ctx); err != nil {
		log.Warn("Daemon registration failed", zap.Error(err))
	}
}
