// pkg/consulreg/consulreg.go
//
// Service registration for the integrated stack. Registration is advisory:
// a Consul outage must never block bootstrap or credential lifecycle work,
// so every failure here is logged and swallowed by the caller.

package consulreg

import (
	"context"
	"fmt"

	cerr "github.com/cockroachdb/errors"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

const (
	daemonServiceID  = "vaultboot"
	secretServiceID  = "secret-service"
	healthCheckIDFmt = "service:%s"
)

type Registrar struct {
	consul *consulapi.Client
}

func New(addr string) (*Registrar, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, cerr.Wrap(err, "create consul client")
	}
	return &Registrar{consul: client}, nil
}

// RegisterSecretService announces the secret service with a TTL check that
// the lifecycle manager's health sweep keeps alive.
func (r *Registrar) RegisterSecretService(ctx context.Context, address string, port int) error {
	reg := &consulapi.AgentServiceRegistration{
		ID:      secretServiceID,
		Name:    secretServiceID,
		Address: address,
		Port:    port,
		Tags:    []string{"vaultboot", "secret-store"},
		Check: &consulapi.AgentServiceCheck{
			CheckID:                        fmt.Sprintf(healthCheckIDFmt, secretServiceID),
			TTL:                            "90s",
			DeregisterCriticalServiceAfter: "10m",
		},
	}
	if err := r.consul.Agent().ServiceRegister(reg); err != nil {
		return cerr.Wrap(err, "register secret service")
	}
	otelzap.Ctx(ctx).Info("Secret service registered with Consul",
		zap.String("service_id", secretServiceID))
	return nil
}

// RegisterDaemon announces vaultboot itself for operator discovery.
func (r *Registrar) RegisterDaemon(ctx context.Context) error {
	reg := &consulapi.AgentServiceRegistration{
		ID:   daemonServiceID,
		Name: daemonServiceID,
		Tags: []string{"credential-lifecycle"},
		Check: &consulapi.AgentServiceCheck{
			CheckID:                        fmt.Sprintf(healthCheckIDFmt, daemonServiceID),
			TTL:                            "90s",
			DeregisterCriticalServiceAfter: "10m",
		},
	}
	if err := r.consul.Agent().ServiceRegister(reg); err != nil {
		return cerr.Wrap(err, "register daemon")
	}
	otelzap.Ctx(ctx).Info("Daemon registered with Consul")
	return nil
}

// Heartbeat updates the TTL checks; called from the health sweep.
func (r *Registrar) Heartbeat(ctx context.Context, healthy bool, note string) {
	log := otelzap.Ctx(ctx)
	update := r.consul.Agent().UpdateTTL

	status := consulapi.HealthPassing
	if !healthy {
		status = consulapi.HealthWarning
	}
	for _, id := range []string{daemonServiceID, secretServiceID} {
		if err := update(fmt.Sprintf(healthCheckIDFmt, id), note, status); err != nil {
			log.Debug("Consul TTL update failed", zap.String("check", id), zap.Error(err))
		}
	}
}

// Deregister removes both registrations on shutdown.
func (r *Registrar) Deregister(ctx context.Context) {
	log := otelzap.Ctx(ctx)
	for _, id := range []string{daemonServiceID, secretServiceID} {
		if err := r.consul.Agent().ServiceDeregister(id); err != nil {
			log.Debug("Consul deregister failed", zap.String("service", id), zap.Error(err))
		}
	}
}
