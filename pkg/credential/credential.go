// pkg/credential/credential.go

package credential

import (
	"time"

	cerr "github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"
)

// State of a credential as seen by its owner.
type State string

const (
	StateActive   State = "Active"
	StateExpiring State = "Expiring"
	StateExpired  State = "Expired"
	StateRevoked  State = "Revoked"

	// Manager-internal intermediate states. A credential in one of these
	// is serialized: no other operation may start on it.
	StateRenewing State = "Renewing"
	StateRotating State = "Rotating"
	StateRevoking State = "Revoking"
	StateFailed   State = "Failed"
)

// Kind distinguishes the short-lived bootstrap token from the role-bound
// production credential.
type Kind string

const (
	KindBootstrap  Kind = "bootstrap"
	KindProduction Kind = "production"
)

// Credential is a bearer token plus the metadata needed to manage its
// lifetime. SecretValue is excluded from JSON and from zap output; it is
// only ever written to the owner-only token sink.
type Credential struct {
	ID            string            `json:"id"`
	Accessor      string            `json:"accessor"`
	SecretValue   string            `json:"-"`
	Kind          Kind              `json:"kind"`
	Policies      []string          `json:"policies"`
	TTL           time.Duration     `json:"ttl"`
	MaxTTL        time.Duration     `json:"max_ttl"`
	Renewable     bool              `json:"renewable"`
	UsesRemaining *int              `json:"uses_remaining,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	BoundCIDRs    []string          `json:"bound_cidrs,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	State         State             `json:"state"`

	// ExpiresAt tracks the current lease edge; renewals push it forward,
	// bounded by CreatedAt + MaxTTL.
	ExpiresAt time.Time `json:"expires_at"`
}

// Validate enforces the issuance invariants.
func (c *Credential) Validate() error {
	if c.ID == "" {
		return cerr.New("credential id is empty")
	}
	if c.MaxTTL > 0 && c.TTL > c.MaxTTL {
		return cerr.Newf("ttl %s exceeds max ttl %s", c.TTL, c.MaxTTL)
	}
	return nil
}

// EffectiveState folds the time- and usage-derived states in: a credential
// with zero uses remaining is immediately expired, whatever its record says.
func (c *Credential) EffectiveState(now time.Time) State {
	if c.UsesRemaining != nil && *c.UsesRemaining == 0 {
		return StateExpired
	}
	switch c.State {
	case StateRevoked, StateFailed, StateRenewing, StateRotating, StateRevoking:
		return c.State
	}
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return StateExpired
	}
	return c.State
}

// RemainingFraction reports how much of the original TTL is left at now.
func (c *Credential) RemainingFraction(now time.Time) float64 {
	if c.TTL <= 0 || c.ExpiresAt.IsZero() {
		return 0
	}
	remaining := c.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return float64(remaining) / float64(c.TTL)
}

// String implements fmt.Stringer without leaking the secret.
func (c *Credential) String() string {
	return "credential(" + c.Accessor + ", " + string(c.Kind) + ", " + string(c.State) + ")"
}

// MarshalLogObject lets zap log credentials safely.
func (c *Credential) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", c.ID)
	enc.AddString("accessor", c.Accessor)
	enc.AddString("kind", string(c.Kind))
	enc.AddString("state", string(c.State))
	enc.AddDuration("ttl", c.TTL)
	enc.AddDuration("max_ttl", c.MaxTTL)
	enc.AddBool("renewable", c.Renewable)
	return nil
}

var allowedTransitions = map[State][]State{
	StateActive:   {StateExpiring, StateExpired, StateRenewing, StateRotating, StateRevoking, StateFailed},
	StateExpiring: {StateActive, StateExpired, StateRenewing, StateRevoking, StateFailed},
	StateRenewing: {StateActive, StateFailed},
	StateRotating: {StateActive, StateRevoking, StateFailed},
	StateRevoking: {StateRevoked},
}

// Transition moves the credential to a new state, rejecting anything the
// per-credential state machine does not allow.
func (c *Credential) Transition(to State) error {
	for _, s := range allowedTransitions[c.State] {
		if s == to {
			c.State = to
			return nil
		}
	}
	return cerr.Newf("illegal credential transition %s -> %s for %s", c.State, to, c.Accessor)
}
