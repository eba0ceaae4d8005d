// cmd/rotate.go

package cmd

import (
	"github.com/spf13/cobra"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	cerr "github.com/cockroachdb/errors"

	"github.com/cloudya/vaultboot/pkg/bootctx"
	"github.com/cloudya/vaultboot/pkg/cli"
	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/lifecycle"
	"github.com/cloudya/vaultboot/pkg/storeclient"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate [credential-id]",
	Args:  cobra.MaximumNArgs(1),
	Short: "Rotate the production credential now",
	Long: `Forces a verify-then-revoke rotation of the production credential:
a new credential is minted, installed into the integration and proven to
work before the old one is revoked. If verification fails, the old
credential stays active and the new one is discarded.`,
	RunE: cli.Wrap(runRotate),
}

func runRotate(bc *bootctx.Context, cmd *cobra.Command, args []string) error {
	ctx := bc.Ctx
	log := otelzap.Ctx(ctx)

	d, err := buildDeps()
	if err != nil {
		return err
	}

	// Recover the managed credential from the sealed cache and confirm the
	// store still honors it before rotating on top of it.
	accessor, _, secret, err := d.sealed.Load()
	if err != nil {
		return cerr.Wrap(err, "no managed credential found; is bootstrap complete?")
	}
	if len(args) == 1 && args[0] != accessor {
		return cerr.Newf("credential %s is not managed here (have %s)", args[0], accessor)
	}
	cred, err := d.store.LookupSelf(ctx, secret)
	if err != nil {
		return cerr.Wrap(err, "managed credential no longer valid")
	}
	cred.SecretValue = secret
	cred.Kind = credential.KindProduction
	storeclient.LogAccessor(log, "Rotating managed credential", cred)

	mgr := lifecycle.NewManager(d.store, d.issuer, d.integration(), credential.NewRegistry())
	mgr.VerificationWindow = d.cfg.VerificationWindow
	if err := mgr.Adopt(ctx, cred); err != nil {
		return err
	}

	rec, err := mgr.RotateNow(ctx, cred.ID)
	if err != nil {
		return err
	}

	log.Info("Rotation finished",
		zap.String("outcome", string(rec.Outcome)),
		zap.String("old_accessor", accessor),
		zap.String("new_accessor", rec.NewAccessor))
	return nil
}
