// cmd/rollback.go

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/cloudya/vaultboot/pkg/bootctx"
	"github.com/cloudya/vaultboot/pkg/cli"
	"github.com/cloudya/vaultboot/pkg/phases"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the most recent checkpoint",
	Long: `Restores the configuration snapshot from the most recent
checkpoint and moves the phase back to the checkpointed phase. A rollback
that cannot complete leaves the system in an unknown state and exits with
code 2; everything before the first write is exit code 1.`,
	RunE: cli.Wrap(runRollback),
}

func runRollback(bc *bootctx.Context, cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}

	// Seed the tracker from the phase the daemon last exported, so the
	// rollback target validation works against the real current phase.
	if s, rerr := phases.ReadStatusFile(d.cfg.StatusFile); rerr == nil {
		if p, perr := bootctx.ParsePhase(s.Phase); perr == nil {
			if p == bootctx.PhaseFailed {
				_ = bc.Phases.Advance(bootctx.PhaseFailed)
			} else {
				for bc.Phases.Current() < p {
					_ = bc.Phases.Advance(bc.Phases.Current() + 1)
				}
			}
		}
	}

	ctrl := d.controller(bc.Phases)
	return ctrl.Rollback(bc.Ctx)
}
