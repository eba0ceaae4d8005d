// pkg/credential/rotation.go

package credential

import (
	"time"

	"github.com/google/uuid"
)

// RotationOutcome is the terminal status of one rotation attempt.
type RotationOutcome string

const (
	RotationPending    RotationOutcome = "Pending"
	RotationVerified   RotationOutcome = "Verified"
	RotationRolledBack RotationOutcome = "RolledBack"
)

// RotationRecord documents one verify-then-revoke rotation. The record only
// moves to Verified after the new credential demonstrably works against the
// live integration; the old credential is revoked strictly after that.
type RotationRecord struct {
	ID           string          `json:"id"`
	CredentialID string          `json:"credential_id"`
	OldAccessor  string          `json:"old_accessor"`
	NewAccessor  string          `json:"new_accessor,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	VerifiedAt   *time.Time      `json:"verified_at,omitempty"`
	Outcome      RotationOutcome `json:"outcome"`
}

func NewRotationRecord(old *Credential, now time.Time) *RotationRecord {
	return &RotationRecord{
		ID:           uuid.New().String(),
		CredentialID: old.ID,
		OldAccessor:  old.Accessor,
		StartedAt:    now,
		Outcome:      RotationPending,
	}
}

// MarkVerified records successful verification of the new credential.
func (r *RotationRecord) MarkVerified(newAccessor string, now time.Time) {
	r.NewAccessor = newAccessor
	r.VerifiedAt = &now
	r.Outcome = RotationVerified
}

// MarkRolledBack records that the new credential was discarded and the old
// one remains active.
func (r *RotationRecord) MarkRolledBack(newAccessor string) {
	r.NewAccessor = newAccessor
	r.Outcome = RotationRolledBack
}
