// pkg/lifecycle/manager.go
//
// The lifecycle manager owns every credential after issuance: it renews
// them before expiry, rotates them on schedule with verify-then-revoke
// semantics, and raises alerts when a credential drifts toward an unusable
// state. It runs as three independent sweeps over the shared registry;
// per-credential locking lives in the registry, not here.

package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/shared"
	"github.com/cloudya/vaultboot/pkg/storeclient"
)

// Minter mints replacement credentials during rotation. Production wiring
// is the issuer; tests inject fakes.
type Minter interface {
	IssueProduction(ctx context.Context) (*credential.Credential, error)
}

// Integration is the surface a credential must reach to be useful: Install
// hands it to the running orchestrator, Verify proves the integration works
// with it. Production wiring goes through the configurator and orchestrator
// client.
type Integration interface {
	Install(ctx context.Context, cred *credential.Credential) error
	Verify(ctx context.Context, cred *credential.Credential) error
}

// Heartbeater keeps external TTL health checks alive. Advisory: failures
// never block lifecycle work.
type Heartbeater interface {
	Heartbeat(ctx context.Context, healthy bool, note string)
}

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the manager's escalation unit. The receiver decides delivery;
// the daemon logs them, operators watch the status file.
type Alert struct {
	Severity Severity
	Accessor string
	Message  string
}

type AlertFunc func(ctx context.Context, a Alert)

// Manager runs the renewal, rotation and health sweeps.
type Manager struct {
	Store       storeclient.Store
	Minter      Minter
	Integration Integration
	Registry    *credential.Registry
	Notify      AlertFunc
	Heartbeat   Heartbeater

	RenewalInterval    time.Duration
	RotationInterval   time.Duration
	HealthInterval     time.Duration
	VerificationWindow time.Duration
	RenewBackoffCap    time.Duration
	RenewMaxRetries    int

	clock   Clock
	metrics *counters

	mu       sync.Mutex
	history  []credential.RotationRecord
	inFlight sync.WaitGroup
}

func NewManager(store storeclient.Store, minter Minter, integration Integration, reg *credential.Registry) *Manager {
	return &Manager{
		Store:              store,
		Minter:             minter,
		Integration:        integration,
		Registry:           reg,
		RenewalInterval:    shared.RenewalInterval,
		RotationInterval:   shared.RotationInterval,
		HealthInterval:     shared.RenewalInterval,
		VerificationWindow: shared.VerificationWindow,
		RenewBackoffCap:    shared.RenewBackoffCap,
		RenewMaxRetries:    shared.RenewMaxRetries,
		clock:              realClock{},
		metrics:            newCounters(),
	}
}

// WithClock injects a clock; tests only.
func (m *Manager) WithClock(c Clock) *Manager {
	m.clock = c
	return m
}

// Run drives the three sweeps until ctx is cancelled. Shutdown is graceful:
// a sweep operation already started runs to completion on a detached
// context before Run returns, so a rotation is never abandoned halfway.
func (m *Manager) Run(ctx context.Context) error {
	log := otelzap.Ctx(ctx)
	log.Info("Lifecycle manager started",
		zap.Duration("renewal_interval", m.RenewalInterval),
		zap.Duration("rotation_interval", m.RotationInterval))

	var wg sync.WaitGroup
	sweep := func(interval time.Duration, fn func(context.Context)) {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(interval):
				fn(ctx)
			}
		}
	}

	wg.Add(3)
	go sweep(m.RenewalInterval, m.renewSweep)
	go sweep(m.RotationInterval, m.rotationSweep)
	go sweep(m.HealthInterval, m.healthSweep)

	<-ctx.Done()
	wg.Wait()
	m.inFlight.Wait()

	log.Info("Lifecycle manager stopped", zap.Int("managed", m.Registry.Len()))
	return nil
}

// Adopt transfers a freshly issued credential into management.
func (m *Manager) Adopt(ctx context.Context, cred *credential.Credential) error {
	if err := m.Registry.Add(cred); err != nil {
		return err
	}
	otelzap.Ctx(ctx).Info("Credential adopted",
		zap.String("accessor", cred.Accessor),
		zap.String("kind", string(cred.Kind)))
	return nil
}

// Credentials snapshots the managed set, secrets stripped, for status
// reporting.
func (m *Manager) Credentials() []credential.Credential {
	ids := m.Registry.IDs()
	out := make([]credential.Credential, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.Registry.Get(id); ok {
			out = append(out, c)
		}
	}
	return out
}

// RotationHistory returns the rotation records accumulated this run,
// oldest first.
func (m *Manager) RotationHistory() []credential.RotationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]credential.RotationRecord(nil), m.history...)
}

func (m *Manager) recordRotation(rec *credential.RotationRecord) {
	if rec == nil {
		return
	}
	m.mu.Lock()
	m.history = append(m.history, *rec)
	m.mu.Unlock()
}

func (m *Manager) alert(ctx context.Context, a Alert) {
	log := otelzap.Ctx(ctx)
	if a.Severity == SeverityCritical {
		log.Error("Credential alert", zap.String("accessor", a.Accessor), zap.String("message", a.Message))
	} else {
		log.Warn("Credential alert", zap.String("accessor", a.Accessor), zap.String("message", a.Message))
	}
	m.metrics.alert(ctx, string(a.Severity))
	if m.Notify != nil {
		m.Notify(ctx, a)
	}
}

// opContext detaches a sweep operation from Run's cancellation so shutdown
// lets it finish, while still bounding it.
func opContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}
