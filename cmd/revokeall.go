// cmd/revokeall.go

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/bootctx"
	"github.com/cloudya/vaultboot/pkg/cli"
	"github.com/cloudya/vaultboot/pkg/issuer"
)

var (
	revokeReason string
	revokePrefix string
)

var revokeAllCmd = &cobra.Command{
	Use:   "revoke-all",
	Short: "Emergency: revoke every credential this subsystem minted",
	Long: `Best-effort emergency sweep. Every credential carrying vaultboot
issuance metadata is revoked; failures on individual credentials are
logged and do not stop the sweep. The count of confirmed revocations is
reported, and the sealed local cache is wiped.`,
	RunE: cli.Wrap(runRevokeAll),
}

func init() {
	revokeAllCmd.Flags().StringVar(&revokeReason, "reason", "", "reason recorded in the audit log (required)")
	revokeAllCmd.Flags().StringVar(&revokePrefix, "prefix", "", "limit the sweep to display names with this prefix")
	_ = revokeAllCmd.MarkFlagRequired("reason")
}

func runRevokeAll(bc *bootctx.Context, cmd *cobra.Command, args []string) error {
	ctx := bc.Ctx
	log := otelzap.Ctx(ctx)

	d, err := buildDeps()
	if err != nil {
		return err
	}

	count, err := d.issuer.RevokeAll(ctx, issuer.Filter{Prefix: revokePrefix}, revokeReason)
	fmt.Fprintf(cmd.OutOrStdout(), "confirmed revocations: %d\n", count)

	if wipeErr := d.sealed.Wipe(); wipeErr != nil {
		log.Warn("Sealed credential cache not wiped", zap.Error(wipeErr))
	}
	return err
}
