// pkg/phases/status.go

package phases

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	cerr "github.com/cockroachdb/errors"

	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/shared"
)

// Status is the operator-facing state export. It carries accessors and
// metadata only, never secret values, so the file is world-readable.
type Status struct {
	Phase          string                      `json:"phase"`
	Version        string                      `json:"version"`
	ConfigChecksum string                      `json:"config_checksum,omitempty"`
	UpdatedAt      time.Time                   `json:"updated_at"`
	Credentials    []credential.Credential     `json:"credentials,omitempty"`
	Rotations      []credential.RotationRecord `json:"rotations,omitempty"`
}

// CredentialSource is implemented by the lifecycle manager.
type CredentialSource interface {
	Credentials() []credential.Credential
	RotationHistory() []credential.RotationRecord
}

// Snapshot assembles the current status.
func (c *Controller) Snapshot(src CredentialSource) *Status {
	s := &Status{
		Phase:          c.Tracker.Current().String(),
		Version:        shared.Version,
		ConfigChecksum: c.Config.ActiveChecksum(),
		UpdatedAt:      time.Now().UTC(),
	}
	if src != nil {
		s.Credentials = src.Credentials()
		s.Rotations = src.RotationHistory()
	}
	return s
}

// WriteStatusFile persists the status atomically.
func WriteStatusFile(path string, s *Status) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return cerr.Wrap(err, "encode status")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cerr.Wrap(err, "create status directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return cerr.Wrap(err, "write status")
	}
	return os.Rename(tmp, path)
}

// ReadStatusFile loads the status written by a running daemon.
func ReadStatusFile(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerr.Wrap(err, "read status file")
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, cerr.Wrap(err, "decode status file")
	}
	return &s, nil
}
