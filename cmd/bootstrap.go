// cmd/bootstrap.go

package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/bootctx"
	"github.com/cloudya/vaultboot/pkg/cli"
	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/lifecycle"
	"github.com/cloudya/vaultboot/pkg/phases"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Run the bootstrap sequence, then manage credentials until stopped",
	Long: `Runs PRE_INIT guards, phase 1 (secret service up, integration
disabled, bootstrap credential minted), phase 2 (production credential
exchange, integration enabled, bootstrap credential revoked), and then
stays resident as the lifecycle daemon: renewing, rotating and watching
the managed credentials until the process receives SIGINT or SIGTERM.`,
	RunE: cli.Wrap(runBootstrap),
}

func runBootstrap(bc *bootctx.Context, cmd *cobra.Command, args []string) error {
	ctx := bc.Ctx
	log := otelzap.Ctx(ctx)

	d, err := buildDeps()
	if err != nil {
		return err
	}

	ctrl := d.controller(bc.Phases)
	reg := d.registrar()
	if reg != nil {
		ctrl.Registrar = reg
	}

	mgr := lifecycle.NewManager(d.store, d.issuer, d.integration(), credential.NewRegistry())
	mgr.RenewalInterval = d.cfg.RenewalInterval
	mgr.RotationInterval = d.cfg.RotationInterval
	mgr.VerificationWindow = d.cfg.VerificationWindow
	mgr.RenewBackoffCap = d.cfg.RenewBackoffCap
	mgr.RenewMaxRetries = d.cfg.RenewMaxRetries
	if reg != nil {
		mgr.Heartbeat = reg
	}
	ctrl.Adopter = mgr

	if err := ctrl.PreInit(ctx); err != nil {
		return err
	}
	if _, err := ctrl.Phase1(ctx); err != nil {
		return err
	}
	prod, err := ctrl.Phase2(ctx)
	if err != nil {
		return err
	}
	if err := d.sealed.Save(prod); err != nil {
		log.Warn("Sealed credential cache not written", zap.Error(err))
	}
	if err := ctrl.Stabilize(ctx); err != nil {
		return err
	}

	// Tamper watch on the managed config file. A mismatch is a security
	// event; the daemon re-applies its own generation on top of it.
	go func() {
		err := d.conf.Watch(ctx, func(tamperErr error) {
			log.Error("Managed configuration tampered with out of band",
				zap.Error(tamperErr))
		})
		if err != nil && ctx.Err() == nil {
			log.Warn("Config watch unavailable", zap.Error(err))
		}
	}()

	go statusLoop(ctx, ctrl, mgr, d.cfg.StatusFile)

	log.Info("Entering steady state")
	err = mgr.Run(ctx)
	if reg != nil {
		reg.Deregister(context.WithoutCancel(ctx))
	}
	return err
}

// statusLoop keeps the operator-facing status file current.
func statusLoop(ctx context.Context, ctrl *phases.Controller, mgr *lifecycle.Manager, path string) {
	log := otelzap.Ctx(ctx)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	write := func() {
		if err := phases.WriteStatusFile(path, ctrl.Snapshot(mgr)); err != nil {
			log.Debug("Status file write failed", zap.Error(err))
		}
	}

	write()
	for {
		select {
		case <-ctx.Done():
			write()
			return
		case <-ticker.C:
			write()
		}
	}
}
