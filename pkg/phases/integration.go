// pkg/phases/integration.go

package phases

import (
	"context"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/bootctx"
	"github.com/cloudya/vaultboot/pkg/checkpoint"
	"github.com/cloudya/vaultboot/pkg/configurator"
	"github.com/cloudya/vaultboot/pkg/credential"
)

// LiveIntegration is the production integration surface the lifecycle
// manager rotates against: installing a credential means writing the token
// sink, applying the integrated configuration and reloading the
// orchestrator; verifying means proving the store accepts the credential
// through the live integration.
type LiveIntegration struct {
	Config  *configurator.Configurator
	Orch    Orchestrator
	Store   Store
	Sealed  *checkpoint.SealedStore
	Address string
}

// Install hands the credential to the running orchestrator. The sealed
// cache is updated last so a crash mid-install favors the previous
// credential, which is the one still proven to work.
func (li *LiveIntegration) Install(ctx context.Context, cred *credential.Credential) error {
	if err := li.Config.WriteTokenSink(ctx, cred); err != nil {
		return err
	}

	intent, err := configurator.IntegrationEnabled(li.Address, cred)
	if err != nil {
		return err
	}
	art, err := configurator.Render(intent, bootctx.PhaseStable)
	if err != nil {
		return err
	}
	if err := li.Config.Apply(ctx, art, li.Orch); err != nil {
		return err
	}

	if li.Sealed != nil {
		if err := li.Sealed.Save(cred); err != nil {
			otelzap.Ctx(ctx).Warn("Sealed credential cache not updated",
				zap.String("accessor", cred.Accessor), zap.Error(err))
		}
	}
	return nil
}

// Verify proves the integration works with the credential.
func (li *LiveIntegration) Verify(ctx context.Context, cred *credential.Credential) error {
	if err := li.Orch.Ready(ctx); err != nil {
		return cerr.Wrap(err, "orchestrator not ready with new credential")
	}
	if err := li.Store.Health(ctx); err != nil {
		return cerr.Wrap(err, "store unhealthy through integration")
	}
	if _, err := li.Store.LookupSelf(ctx, cred.SecretValue); err != nil {
		return cerr.Wrap(err, "credential rejected by store")
	}
	return nil
}
