// pkg/lifecycle/health.go

package lifecycle

import (
	"context"
	"sort"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/crederr"
	"github.com/cloudya/vaultboot/pkg/shared"
)

// healthSweep classifies every managed credential, escalates the ones
// close to expiry, and cross-checks each against the store for policy
// drift. A drifted credential is revoked on the spot.
func (m *Manager) healthSweep(ctx context.Context) {
	log := otelzap.Ctx(ctx)
	now := m.clock.Now()
	healthy := true

	for _, id := range m.Registry.IDs() {
		c, ok := m.Registry.Get(id)
		if !ok {
			continue
		}

		switch c.EffectiveState(now) {
		case credential.StateExpired, credential.StateFailed:
			healthy = false
			m.alert(ctx, Alert{
				Severity: SeverityCritical,
				Accessor: c.Accessor,
				Message:  "credential unusable: " + string(c.EffectiveState(now)),
			})
			continue
		case credential.StateRenewing, credential.StateRotating, credential.StateRevoking:
			continue
		}

		// A non-renewable credential cannot be saved by the renewal sweep;
		// it runs out at its lease edge unless rotation replaces it first.
		if !c.Renewable {
			healthy = false
			m.alert(ctx, Alert{
				Severity: SeverityWarning,
				Accessor: c.Accessor,
				Message:  "credential is not renewable and will expire without replacement",
			})
			continue
		}

		if c.RemainingFraction(now) < shared.ExpiringThreshold {
			m.alert(ctx, Alert{
				Severity: SeverityWarning,
				Accessor: c.Accessor,
				Message:  "credential expiring imminently, forcing renewal",
			})
			m.inFlight.Add(1)
			opCtx, cancel := opContext(ctx, 2*time.Minute)
			if err := m.renewOne(opCtx, id); err != nil {
				healthy = false
			}
			cancel()
			m.inFlight.Done()
			continue
		}

		if err := m.checkIntegrity(ctx, id); err != nil {
			healthy = false
			log.Error("Credential integrity check failed",
				zap.String("accessor", c.Accessor), zap.Error(err))
			// Drift already alerted inside checkIntegrity; a deterministic
			// lookup rejection escalates here.
			if !crederr.IsIntegrity(err) {
				m.alert(ctx, Alert{
					Severity: SeverityCritical,
					Accessor: c.Accessor,
					Message:  "store rejected credential lookup: " + err.Error(),
				})
			}
		}
	}

	if m.Heartbeat != nil {
		note := "all credentials healthy"
		if !healthy {
			note = "degraded credential set"
		}
		m.Heartbeat.Heartbeat(ctx, healthy, note)
	}
}

// checkIntegrity compares the store's view of the credential against the
// issued record. Unexpected policies mean the credential was tampered with
// out of band; it is revoked immediately.
func (m *Manager) checkIntegrity(ctx context.Context, id string) error {
	return m.Registry.WithLock(id, func(c *credential.Credential) error {
		if c.State != credential.StateActive || c.SecretValue == "" {
			return nil
		}

		seen, err := m.Store.LookupSelf(ctx, c.SecretValue)
		if err != nil {
			// A store hiccup is not an integrity finding.
			if crederr.Retryable(err) {
				return nil
			}
			return err
		}

		if !samePolicySet(seen.Policies, c.Policies) {
			m.alert(ctx, Alert{
				Severity: SeverityCritical,
				Accessor: c.Accessor,
				Message:  "credential policy set drifted from issuance, revoking",
			})
			_ = c.Transition(credential.StateRevoking)
			if err := m.Store.Revoke(ctx, c.SecretValue); err != nil {
				return err
			}
			_ = c.Transition(credential.StateRevoked)
			m.metrics.revocation(ctx, "integrity")
			return crederr.Integrity("credential policy set drifted from issuance")
		}
		return nil
	})
}

func samePolicySet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
