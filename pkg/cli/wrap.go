// pkg/cli/wrap.go
//
// Wrap adapts a vaultboot command function to cobra's RunE, giving every
// command the same envelope: a runtime context with tracing and a scoped
// logger, panic recovery, and span closure with the outcome recorded.

package cli

import (
	"github.com/spf13/cobra"

	"github.com/cloudya/vaultboot/pkg/bootctx"
)

// RunFunc is the signature every vaultboot command implements.
type RunFunc func(bc *bootctx.Context, cmd *cobra.Command, args []string) error

// Wrap produces the cobra RunE.
func Wrap(fn RunFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		bc := bootctx.New(cmd.Context(), cmd.Name())
		defer bc.End(&err)
		defer bc.HandlePanic(&err)

		err = fn(bc, cmd, args)
		return err
	}
}
