// cmd/wiring.go
//
// deps builds the production object graph from configuration. Commands take
// only the slice of it they need.

package cmd

import (
	"path/filepath"

	cerr "github.com/cockroachdb/errors"

	"github.com/cloudya/vaultboot/pkg/bootctx"
	"github.com/cloudya/vaultboot/pkg/checkpoint"
	"github.com/cloudya/vaultboot/pkg/config"
	"github.com/cloudya/vaultboot/pkg/configurator"
	"github.com/cloudya/vaultboot/pkg/consulreg"
	"github.com/cloudya/vaultboot/pkg/issuer"
	"github.com/cloudya/vaultboot/pkg/orchestrator"
	"github.com/cloudya/vaultboot/pkg/phases"
	"github.com/cloudya/vaultboot/pkg/shared"
	"github.com/cloudya/vaultboot/pkg/storeclient"
)

type deps struct {
	cfg    *config.Config
	store  *storeclient.Client
	issuer *issuer.Issuer
	conf   *configurator.Configurator
	orch   *orchestrator.Client
	cps    *checkpoint.Manager
	sealed *checkpoint.SealedStore
}

func buildDeps() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cerr.Wrap(err, "load configuration")
	}

	store, err := storeclient.New(cfg.VaultAddr, "", cfg.StoreTimeout)
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(cfg.NomadAddr)
	if err != nil {
		return nil, err
	}

	conf := configurator.New(cfg.ConfigPath,
		filepath.Join(cfg.SecretsDir, shared.TokenSinkName),
		cfg.ReadyTimeout)

	return &deps{
		cfg:    cfg,
		store:  store,
		issuer: issuer.New(store, cfg.ProductionRole, cfg.BindCIDRs),
		conf:   conf,
		orch:   orch,
		cps:    checkpoint.NewManager(cfg.CheckpointDir, cfg.CheckpointRetention),
		sealed: checkpoint.NewSealedStore(
			filepath.Join(cfg.SecretsDir, shared.SealedCredName),
			filepath.Join(cfg.SecretsDir, shared.SealKeyName)),
	}, nil
}

func (d *deps) controller(tracker *bootctx.PhaseTracker) *phases.Controller {
	c := phases.NewController(d.store, d.issuer, d.conf, d.orch, d.cps, tracker)
	c.StoreAddr = d.cfg.VaultAddr
	c.IntegrationAddress = d.cfg.VaultAddr
	c.DeployTimeout = d.cfg.SecretSvcTimeout
	c.RetryLimit = d.cfg.Phase2RetryLimit
	c.SwitchToken = d.store.SetToken
	return c
}

func (d *deps) integration() *phases.LiveIntegration {
	return &phases.LiveIntegration{
		Config:  d.conf,
		Orch:    d.orch,
		Store:   d.store,
		Sealed:  d.sealed,
		Address: d.cfg.VaultAddr,
	}
}

// registrar is advisory; a Consul that cannot be reached yields nil.
func (d *deps) registrar() *consulreg.Registrar {
	r, err := consulreg.New(d.cfg.ConsulAddr)
	if err != nil {
		return nil
	}
	return r
}
