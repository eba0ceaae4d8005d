// pkg/issuer/revoke_all.go

package issuer

import (
	"context"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/crederr"
)

// Filter selects credentials for emergency revocation. Either field may be
// empty; a zero Filter matches every vaultboot-minted credential.
type Filter struct {
	Prefix        string
	MetadataMatch map[string]string
}

// RevokeAll is the emergency path. Best effort: it continues past
// individual failures, returns the count of confirmed revocations, and
// logs every accessor it could not confirm. The aggregate error carries
// each individual failure.
func (i *Issuer) RevokeAll(ctx context.Context, filter Filter, reason string) (int, error) {
	log := otelzap.Ctx(ctx)
	api := i.store.API()

	log.Warn("Emergency revocation started", zap.String("reason", reason))

	listing, err := api.Logical().ListWithContext(ctx, "auth/token/accessors")
	if err != nil {
		return 0, crederr.Transient(err, "list token accessors")
	}
	if listing == nil || listing.Data == nil {
		return 0, nil
	}
	keys, ok := listing.Data["keys"].([]interface{})
	if !ok {
		return 0, crederr.Validationf("unexpected accessor listing shape")
	}

	var (
		revoked int
		failed  int
		errs    *multierror.Error
	)
	for _, raw := range keys {
		accessor, ok := raw.(string)
		if !ok {
			continue
		}
		if !i.matches(ctx, accessor, filter) {
			continue
		}
		if err := i.store.RevokeAccessor(ctx, accessor); err != nil {
			log.Error("Unconfirmed revocation", zap.String("accessor", accessor), zap.Error(err))
			errs = multierror.Append(errs, err)
			failed++
			continue
		}
		revoked++
		log.Info("Credential revoked", zap.String("accessor", accessor), zap.String("reason", reason))
	}

	log.Warn("Emergency revocation finished",
		zap.Int("revoked", revoked),
		zap.Int("failed", failed))
	return revoked, errs.ErrorOrNil()
}

// matches inspects the accessor's token without its secret: display name
// prefix and metadata are enough to scope the sweep to vaultboot-minted
// credentials.
func (i *Issuer) matches(ctx context.Context, accessor string, filter Filter) bool {
	resp, err := i.store.API().Logical().WriteWithContext(ctx,
		"auth/token/lookup-accessor",
		map[string]interface{}{"accessor": accessor})
	if err != nil || resp == nil || resp.Data == nil {
		// Unknown accessor state: leave it alone rather than revoke blind.
		return false
	}

	if filter.Prefix != "" {
		name, _ := resp.Data["display_name"].(string)
		if !strings.HasPrefix(name, filter.Prefix) {
			return false
		}
	}

	meta, _ := resp.Data["meta"].(map[string]interface{})
	if len(filter.MetadataMatch) > 0 {
		for k, want := range filter.MetadataMatch {
			got, _ := meta[k].(string)
			if got != want {
				return false
			}
		}
		return true
	}

	// Default scope: only touch credentials this subsystem minted.
	_, minted := meta["vaultboot"]
	return filter.Prefix != "" || minted
}
