// cmd/status.go

package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudya/vaultboot/pkg/bootctx"
	"github.com/cloudya/vaultboot/pkg/cli"
	"github.com/cloudya/vaultboot/pkg/phases"
	"github.com/cloudya/vaultboot/pkg/shared"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current phase and credential states",
	RunE:  cli.Wrap(runStatus),
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit raw JSON")
}

func runStatus(bc *bootctx.Context, cmd *cobra.Command, args []string) error {
	path := shared.StatusFile
	if d, err := buildDeps(); err == nil {
		path = d.cfg.StatusFile
	}

	s, err := phases.ReadStatusFile(path)
	if err != nil {
		return err
	}

	if statusJSON {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Phase:           %s\n", s.Phase)
	fmt.Fprintf(out, "Updated:         %s (%s ago)\n",
		s.UpdatedAt.Format(time.RFC3339), time.Since(s.UpdatedAt).Round(time.Second))
	if s.ConfigChecksum != "" {
		fmt.Fprintf(out, "Config checksum: %s\n", s.ConfigChecksum)
	}
	fmt.Fprintf(out, "Credentials:     %d managed\n", len(s.Credentials))
	for _, c := range s.Credentials {
		fmt.Fprintf(out, "  %-24s %-11s %-9s ttl=%s expires=%s\n",
			c.Accessor, c.Kind, c.State, c.TTL, c.ExpiresAt.Format(time.RFC3339))
	}
	if len(s.Rotations) > 0 {
		fmt.Fprintf(out, "Rotations:       %d recorded\n", len(s.Rotations))
		for _, r := range s.Rotations {
			fmt.Fprintf(out, "  %s -> %s  %s\n", r.OldAccessor, r.NewAccessor, r.Outcome)
		}
	}
	return nil
}
