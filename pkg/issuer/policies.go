// pkg/issuer/policies.go

package issuer

import (
	"context"
	"strings"

	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/crederr"
	"github.com/cloudya/vaultboot/pkg/shared"
)

// InstallPolicies writes the bootstrap and production ACL policies. Safe to
// re-run; Vault upserts policies by name.
func (i *Issuer) InstallPolicies(ctx context.Context) error {
	log := otelzap.Ctx(ctx)

	policies := map[string]string{
		shared.BootstrapPolicyName:  shared.BootstrapPolicy,
		shared.ProductionPolicyName: shared.ProductionPolicy,
	}
	for name, body := range policies {
		if err := i.store.API().Sys().PutPolicyWithContext(ctx, name, body); err != nil {
			return crederr.PolicyDenied(err, "install policy "+name)
		}
		log.Info("Policy installed", zap.String("policy", name))
	}
	return nil
}

// EnsureAuthMethod enables the AppRole auth mount, tolerating an already
// enabled mount.
func (i *Issuer) EnsureAuthMethod(ctx context.Context) error {
	log := otelzap.Ctx(ctx)

	err := i.store.API().Sys().EnableAuthWithOptionsWithContext(ctx, "approle",
		&api.EnableAuthOptions{Type: "approle"})
	if err == nil {
		log.Info("AppRole auth method enabled")
		return nil
	}
	if strings.Contains(err.Error(), "path is already in use") {
		log.Debug("AppRole auth method already enabled")
		return nil
	}
	return crederr.PolicyDenied(cerr.Wrap(err, "enable approle auth"), "enable auth method")
}

// VerifyPreconditions checks that the store is usable and the expected
// policy state holds before any phase transition relies on it.
func (i *Issuer) VerifyPreconditions(ctx context.Context) error {
	if err := i.store.Health(ctx); err != nil {
		return err
	}
	policies, err := i.store.API().Sys().ListPoliciesWithContext(ctx)
	if err != nil {
		return crederr.Transient(err, "list policies")
	}
	for _, p := range policies {
		if p == shared.BootstrapPolicyName {
			return nil
		}
	}
	// Absent is fine: PRE_INIT installs it. Present with the wrong body is
	// caught later by the store's own upsert.
	return nil
}
