// pkg/lifecycle/renew.go

package lifecycle

import (
	"context"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/crederr"
	"github.com/cloudya/vaultboot/pkg/shared"
)

// renewSweep renews every renewable credential that has dropped below the
// renewal threshold of its original TTL.
func (m *Manager) renewSweep(ctx context.Context) {
	now := m.clock.Now()
	for _, id := range m.Registry.IDs() {
		c, ok := m.Registry.Get(id)
		if !ok || !c.Renewable {
			continue
		}
		switch c.EffectiveState(now) {
		case credential.StateActive, credential.StateExpiring:
		default:
			continue
		}
		if c.RemainingFraction(now) >= shared.RenewalThreshold {
			continue
		}

		m.inFlight.Add(1)
		opCtx, cancel := opContext(ctx, 2*time.Minute)
		_ = m.renewOne(opCtx, id)
		cancel()
		m.inFlight.Done()
	}
}

// renewOne renews a single credential under its lock. On retry exhaustion
// the credential moves to Failed and a critical alert fires; a failed
// credential is never silently re-minted.
func (m *Manager) renewOne(ctx context.Context, id string) error {
	log := otelzap.Ctx(ctx)

	return m.Registry.WithLock(id, func(c *credential.Credential) error {
		now := m.clock.Now()
		switch c.EffectiveState(now) {
		case credential.StateActive, credential.StateExpiring:
		default:
			// Another operation got here first, or the credential is
			// already beyond saving.
			return nil
		}
		if !c.Renewable {
			return cerr.Mark(cerr.Newf("credential %s is not renewable", c.Accessor), crederr.ErrNotRenewable)
		}
		if err := c.Transition(credential.StateRenewing); err != nil {
			return err
		}

		granted, err := m.renewWithBackoff(ctx, c)
		if err != nil {
			_ = c.Transition(credential.StateFailed)
			m.metrics.renewal(ctx, "failed")
			m.alert(ctx, Alert{
				Severity: SeverityCritical,
				Accessor: c.Accessor,
				Message:  "renewal failed after retries; manual intervention required",
			})
			return err
		}

		// The store may grant less than asked near the max-TTL edge; the
		// hard ceiling is always CreatedAt + MaxTTL.
		expires := now.Add(granted)
		if c.MaxTTL > 0 {
			if hard := c.CreatedAt.Add(c.MaxTTL); expires.After(hard) {
				expires = hard
			}
		}
		c.ExpiresAt = expires
		if err := c.Transition(credential.StateActive); err != nil {
			return err
		}

		m.metrics.renewal(ctx, "ok")
		log.Info("Credential renewed",
			zap.String("accessor", c.Accessor),
			zap.Duration("granted", granted),
			zap.Time("expires_at", c.ExpiresAt))
		return nil
	})
}

// renewWithBackoff retries transient failures with exponential backoff.
// Deterministic failures (policy, validation) abort immediately.
func (m *Manager) renewWithBackoff(ctx context.Context, c *credential.Credential) (time.Duration, error) {
	backoff := shared.RenewBackoffBase
	var lastErr error

	for attempt := 0; attempt < m.RenewMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, cerr.Wrap(ctx.Err(), "renewal cancelled")
			case <-m.clock.After(backoff):
			}
			backoff *= 2
			if backoff > m.RenewBackoffCap {
				backoff = m.RenewBackoffCap
			}
		}

		granted, err := m.Store.Renew(ctx, c.SecretValue, c.TTL)
		if err == nil {
			return granted, nil
		}
		lastErr = err
		if !crederr.Retryable(err) {
			return 0, err
		}
		otelzap.Ctx(ctx).Warn("Renewal attempt failed",
			zap.String("accessor", c.Accessor),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return 0, crederr.Exhausted(lastErr, "renew credential")
}
