// pkg/issuer/issuer.go
//
// Credential issuance. The issuer is the only component that mints
// credentials; ownership transfers to the lifecycle manager immediately
// after issuance.

package issuer

import (
	"context"
	"strings"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api/auth/approle"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/crederr"
	"github.com/cloudya/vaultboot/pkg/shared"
	"github.com/cloudya/vaultboot/pkg/storeclient"
)

// Issuer mints bootstrap and production credentials against the store.
type Issuer struct {
	store *storeclient.Client

	// RoleName and BindCIDRs parameterize production issuance.
	RoleName  string
	BindCIDRs []string
}

func New(store *storeclient.Client, roleName string, bindCIDRs []string) *Issuer {
	if roleName == "" {
		roleName = shared.ProductionRoleName
	}
	return &Issuer{store: store, RoleName: roleName, BindCIDRs: bindCIDRs}
}

// IssueBootstrap mints the short-lived orphan token used only to stand up
// the integration. The TTL is clamped to the bootstrap ceiling no matter
// what the caller asked for: a long-lived broadly-scoped token is exactly
// the failure mode this subsystem exists to prevent.
func (i *Issuer) IssueBootstrap(ctx context.Context, policies []string, ttl time.Duration) (*credential.Credential, error) {
	log := otelzap.Ctx(ctx)

	if ttl <= 0 || ttl > shared.MaxBootstrapTTL {
		log.Warn("Bootstrap TTL clamped",
			zap.Duration("requested", ttl),
			zap.Duration("granted", shared.MaxBootstrapTTL))
		ttl = shared.MaxBootstrapTTL
	}

	cred, err := i.store.Create(ctx, storeclient.CreateSpec{
		Policies:    policies,
		TTL:         ttl,
		MaxTTL:      shared.MaxBootstrapTTL,
		Orphan:      true,
		Renewable:   true,
		DisplayName: "vaultboot-bootstrap",
		Metadata:    map[string]string{"vaultboot": "bootstrap"},
	})
	if err != nil {
		return nil, cerr.Wrap(err, "issue bootstrap credential")
	}
	cred.Kind = credential.KindBootstrap
	if cred.TTL > shared.MaxBootstrapTTL {
		// The store must not out-grant the ceiling; treat it as a
		// security event if it does.
		revokeCtx, cancel := context.WithTimeout(context.Background(), shared.StoreCallTimeout)
		defer cancel()
		_ = i.store.Revoke(revokeCtx, cred.SecretValue)
		return nil, crederr.Integrity("store granted bootstrap TTL above ceiling")
	}

	log.Info("Bootstrap credential issued",
		zap.String("accessor", cred.Accessor),
		zap.Duration("ttl", cred.TTL),
		zap.Strings("policies", policies))
	return cred, nil
}

// IssueProduction performs the role-based exchange: ensure the AppRole
// mount and role exist, fetch the public role id, mint a CIDR-bound,
// use-limited secret id, and log in with the pair. The returned composite
// credential is what the lifecycle manager owns in steady state.
func (i *Issuer) IssueProduction(ctx context.Context) (*credential.Credential, error) {
	log := otelzap.Ctx(ctx)
	api := i.store.API()

	// The role already exists in steady state, and the production identity
	// can only read its role-id and mint secret-ids. Role setup needs the
	// broader bootstrap grants and runs only when the role is missing.
	roleID, err := i.roleID(ctx)
	if crederr.IsNotFound(err) {
		if err := i.ensureRole(ctx); err != nil {
			return nil, err
		}
		roleID, err = i.roleID(ctx)
	}
	if err != nil {
		return nil, err
	}

	secretResp, err := api.Logical().WriteWithContext(ctx,
		"auth/approle/role/"+i.RoleName+"/secret-id",
		map[string]interface{}{
			"cidr_list":         strings.Join(i.BindCIDRs, ","),
			"token_bound_cidrs": strings.Join(i.BindCIDRs, ","),
		})
	if err != nil {
		return nil, crederr.Transient(err, "generate secret-id")
	}
	secretID, ok := secretResp.Data["secret_id"].(string)
	if !ok || secretID == "" {
		return nil, crederr.Validationf("store returned empty secret_id")
	}

	auth, err := approle.NewAppRoleAuth(roleID, &approle.SecretID{FromString: secretID})
	if err != nil {
		return nil, cerr.Wrap(err, "build approle auth")
	}
	secret, err := api.Auth().Login(ctx, auth)
	if err != nil {
		return nil, crederr.PolicyDenied(err, "approle login")
	}
	if secret == nil || secret.Auth == nil {
		return nil, crederr.Validationf("approle login returned no auth data")
	}

	now := time.Now()
	ttl := time.Duration(secret.Auth.LeaseDuration) * time.Second
	cred := &credential.Credential{
		ID:          secret.Auth.Accessor,
		Accessor:    secret.Auth.Accessor,
		SecretValue: secret.Auth.ClientToken,
		Kind:        credential.KindProduction,
		Policies:    secret.Auth.Policies,
		TTL:         ttl,
		MaxTTL:      shared.ProductionTokenMaxTTL,
		Renewable:   secret.Auth.Renewable,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		BoundCIDRs:  append([]string(nil), i.BindCIDRs...),
		Metadata:    map[string]string{"vaultboot": "production", "role": i.RoleName},
		State:       credential.StateActive,
	}
	if err := cred.Validate(); err != nil {
		return nil, cerr.Wrap(err, "production credential invariant")
	}

	log.Info("Production credential issued",
		zap.String("accessor", cred.Accessor),
		zap.String("role", i.RoleName),
		zap.Duration("ttl", cred.TTL),
		zap.Strings("bound_cidrs", cred.BoundCIDRs))
	return cred, nil
}

// roleID reads the public half of the role pair. A missing role maps to
// NotFound so the caller can decide whether it may create it.
func (i *Issuer) roleID(ctx context.Context) (string, error) {
	resp, err := i.store.API().Logical().ReadWithContext(ctx, "auth/approle/role/"+i.RoleName+"/role-id")
	if err != nil {
		return "", crederr.Transient(err, "read role-id")
	}
	if resp == nil || resp.Data == nil {
		return "", cerr.Mark(cerr.Newf("approle role %s does not exist", i.RoleName), crederr.ErrNotFound)
	}
	id, ok := resp.Data["role_id"].(string)
	if !ok || id == "" {
		return "", crederr.Validationf("store returned empty role_id")
	}
	return id, nil
}

func (i *Issuer) ensureRole(ctx context.Context) error {
	if err := i.EnsureAuthMethod(ctx); err != nil {
		return err
	}

	_, err := i.store.API().Logical().WriteWithContext(ctx,
		"auth/approle/role/"+i.RoleName,
		map[string]interface{}{
			"token_policies":        []string{shared.ProductionPolicyName},
			"token_ttl":             shared.ProductionTokenTTL.String(),
			"token_max_ttl":         shared.ProductionTokenMaxTTL.String(),
			"bind_secret_id":        true,
			"secret_id_ttl":         shared.ProductionSecretIDTTL.String(),
			"secret_id_num_uses":    shared.ProductionSecretIDUses,
			"secret_id_bound_cidrs": strings.Join(i.BindCIDRs, ","),
		})
	if err != nil {
		return crederr.Transient(err, "write approle role")
	}
	return nil
}
