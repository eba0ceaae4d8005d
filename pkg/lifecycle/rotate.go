// pkg/lifecycle/rotate.go
//
// Rotation is verify-then-revoke: a new credential is minted, installed
// and proven live before the old one is touched. If verification fails
// inside the window, the old credential stays active and the new one is
// discarded. At no point do zero working credentials exist.

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

// rotationSweep rotates production credentials that have reached the
// rotation interval.
func (m *Manager) rotationSweep(ctx context.Context) {
	now := m.clock.Now()
	for _, id := range m.Registry.IDs() {
		c, ok := m.Registry.Get(id)
		if !ok || c.Kind != credential.KindProduction {
			continue
		}
		if now.Sub(c.CreatedAt) < m.RotationInterval {
			continue
		}

		m.inFlight.Add(1)
		opCtx, cancel := opContext(ctx, 5*time.Minute)
		_, _ = m.rotate(opCtx, id)
		cancel()
		m.inFlight.Done()
	}
}

// RotateNow rotates a credential immediately, for the operator CLI.
func (m *Manager) RotateNow(ctx context.Context, id string) (*credential.RotationRecord, error) {
	return m.rotate(ctx, id)
}

func (m *Manager) rotate(ctx context.Context, id string) (*credential.RotationRecord, error) {
	log := otelzap.Ctx(ctx)
	var record *credential.RotationRecord

	err := m.Registry.WithLock(id, func(old *credential.Credential) error {
		now := m.clock.Now()
		record = credential.NewRotationRecord(old, now)

		if err := old.Transition(credential.StateRotating); err != nil {
			return err
		}
		log.Info("Rotation started",
			zap.String("rotation_id", record.ID),
			zap.String("old_accessor", old.Accessor))

		newCred, err := m.Minter.IssueProduction(ctx)
		if err != nil {
			_ = old.Transition(credential.StateActive)
			m.metrics.rotation(ctx, "issue_failed")
			return cerr.Wrap(err, "mint replacement credential")
		}

		if err := m.Integration.Install(ctx, newCred); err != nil {
			return m.rollbackRotation(ctx, record, old, newCred, err)
		}

		verifyCtx, cancel := context.WithTimeout(ctx, m.VerificationWindow)
		err = m.Integration.Verify(verifyCtx, newCred)
		cancel()
		if err != nil {
			return m.rollbackRotation(ctx, record, old, newCred, err)
		}

		record.MarkVerified(newCred.Accessor, m.clock.Now())
		m.metrics.rotation(ctx, "verified")

		// Commit: the new credential takes the registry slot, then the old
		// one is revoked, strictly in that order.
		if err := m.Registry.Replace(old.ID, newCred); err != nil {
			return cerr.Wrap(err, "commit rotated credential")
		}
		_ = old.Transition(credential.StateRevoking)
		if err := m.Store.Revoke(ctx, old.SecretValue); err != nil {
			// The new credential is live; a lingering old token is an
			// alert, not a rollback.
			m.metrics.revocation(ctx, "failed")
			m.alert(ctx, Alert{
				Severity: SeverityWarning,
				Accessor: old.Accessor,
				Message:  "superseded credential could not be revoked",
			})
		} else {
			_ = old.Transition(credential.StateRevoked)
			m.metrics.revocation(ctx, "ok")
		}

		log.Info("Rotation complete",
			zap.String("rotation_id", record.ID),
			zap.String("old_accessor", old.Accessor),
			zap.String("new_accessor", newCred.Accessor))
		return nil
	})

	m.recordRotation(record)
	return record, err
}

// rollbackRotation restores the old credential at the integration surface
// and discards the unverified new one. The old credential is never revoked
// on this path.
func (m *Manager) rollbackRotation(ctx context.Context, record *credential.RotationRecord, old, newCred *credential.Credential, cause error) error {
	log := otelzap.Ctx(ctx)
	record.MarkRolledBack(newCred.Accessor)
	m.metrics.rotation(ctx, "rolled_back")

	log.Warn("Rotation verification failed, rolling back",
		zap.String("rotation_id", record.ID),
		zap.String("new_accessor", newCred.Accessor),
		zap.Error(cause))

	restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shared.ReloadReadyTimeout)
	defer cancel()
	if err := m.Integration.Install(restoreCtx, old); err != nil {
		// The old credential could not be put back. System state unknown.
		_ = old.Transition(credential.StateFailed)
		m.alert(ctx, Alert{
			Severity: SeverityCritical,
			Accessor: old.Accessor,
			Message:  "rotation rollback failed; integration state unknown",
		})
		return crederr.MarkFatal(cerr.WithSecondaryError(cerr.Wrap(err, "restore previous credential"), cause))
	}

	if err := m.Store.Revoke(restoreCtx, newCred.SecretValue); err != nil {
		m.alert(ctx, Alert{
			Severity: SeverityWarning,
			Accessor: newCred.Accessor,
			Message:  "discarded rotation credential could not be revoked",
		})
	}

	_ = old.Transition(credential.StateActive)
	m.alert(ctx, Alert{
		Severity: SeverityWarning,
		Accessor: old.Accessor,
		Message:  "rotation rolled back; previous credential remains active",
	})
	return cerr.Wrap(cause, "rotation verification")
}
