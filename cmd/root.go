// cmd/root.go

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/cloudya/vaultboot/pkg/shared"
)

var rootCmd = &cobra.Command{
	Use:     "vaultboot",
	Short:   "Bootstrap orchestration and credential lifecycle for the CloudYa stack",
	Version: shared.Version,
	Long: `vaultboot breaks the circular dependency between the workload
orchestrator and the secret store: it stands the store up with the
integration disabled, mints a short-lived bootstrap credential, exchanges
it for a role-bound production credential, and then manages that
credential's renewal and rotation for the life of the deployment.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "verbose console logging")

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(revokeAllCmd)
	rootCmd.AddCommand(rollbackCmd)
}

// Execute runs the CLI with the given base context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
