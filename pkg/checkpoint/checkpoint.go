// pkg/checkpoint/checkpoint.go
//
// Checkpoints snapshot phase and configuration state before risky
// transitions. They hold credential references (ids and accessors), never
// secret values; the secret cache lives in the sealed store next door.

package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/bootctx"
	"github.com/cloudya/vaultboot/pkg/configurator"
	"github.com/cloudya/vaultboot/pkg/shared"
)

// CredentialRef identifies a credential without carrying its secret.
type CredentialRef struct {
	ID       string `json:"id"`
	Accessor string `json:"accessor"`
	Kind     string `json:"kind"`
}

// Checkpoint is one restorable snapshot.
type Checkpoint struct {
	ID             string                `json:"id"`
	Phase          string                `json:"phase"`
	ConfigSnapshot *configurator.Artifact `json:"config_snapshot"`
	CredentialRefs []CredentialRef       `json:"credential_refs"`
	TakenAt        time.Time             `json:"taken_at"`
	Pinned         bool                  `json:"pinned"`
}

// Manager owns the checkpoint directory.
type Manager struct {
	Dir       string
	Retention int
}

func NewManager(dir string, retention int) *Manager {
	if retention <= 0 {
		retention = shared.CheckpointRetention
	}
	return &Manager{Dir: dir, Retention: retention}
}

// Take persists a snapshot and garbage-collects old generations past the
// retention window, skipping pinned checkpoints.
func (m *Manager) Take(ctx context.Context, phase bootctx.Phase, art *configurator.Artifact, refs []CredentialRef) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:             uuid.New().String(),
		Phase:          phase.String(),
		ConfigSnapshot: art,
		CredentialRefs: refs,
		TakenAt:        time.Now().UTC(),
	}

	if err := os.MkdirAll(m.Dir, shared.DirPerm); err != nil {
		return nil, cerr.Wrap(err, "create checkpoint directory")
	}
	if err := m.write(cp); err != nil {
		return nil, err
	}
	otelzap.Ctx(ctx).Info("Checkpoint taken",
		zap.String("checkpoint_id", cp.ID),
		zap.String("phase", cp.Phase))

	if err := m.gc(ctx); err != nil {
		otelzap.Ctx(ctx).Warn("Checkpoint GC failed", zap.Error(err))
	}
	return cp, nil
}

// Pin marks a checkpoint as in use by a rollback so GC leaves it alone.
func (m *Manager) Pin(id string, pinned bool) error {
	cp, err := m.Load(id)
	if err != nil {
		return err
	}
	cp.Pinned = pinned
	return m.write(cp)
}

// Load reads one checkpoint by id.
func (m *Manager) Load(id string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.path(id))
	if err != nil {
		return nil, cerr.Wrap(err, "read checkpoint")
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, cerr.Wrap(err, "decode checkpoint")
	}
	return &cp, nil
}

// Latest returns the most recent checkpoint, or an error if none exist.
func (m *Manager) Latest() (*Checkpoint, error) {
	cps, err := m.list()
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, cerr.New("no checkpoints available")
	}
	return cps[len(cps)-1], nil
}

// Restore re-applies a checkpoint's configuration snapshot and returns the
// checkpoint so the caller can reconcile credential state. The checkpoint
// is pinned for the duration of the restore.
func (m *Manager) Restore(ctx context.Context, cp *Checkpoint, cfg *configurator.Configurator, reloader configurator.Reloader) error {
	if cp.ConfigSnapshot == nil {
		return cerr.New("checkpoint has no config snapshot")
	}
	if err := m.Pin(cp.ID, true); err != nil {
		return cerr.Wrap(err, "pin checkpoint")
	}
	defer func() { _ = m.Pin(cp.ID, false) }()

	if err := cfg.Apply(ctx, cp.ConfigSnapshot, reloader); err != nil {
		return cerr.Wrap(err, "re-apply checkpointed config")
	}
	otelzap.Ctx(ctx).Info("Checkpoint restored", zap.String("checkpoint_id", cp.ID))
	return nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.Dir, id+".json")
}

func (m *Manager) write(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return cerr.Wrap(err, "encode checkpoint")
	}
	tmp := m.path(cp.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, shared.SecretFilePerm); err != nil {
		return cerr.Wrap(err, "write checkpoint")
	}
	return os.Rename(tmp, m.path(cp.ID))
}

// list returns checkpoints ordered oldest first.
func (m *Manager) list() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cerr.Wrap(err, "list checkpoints")
	}

	var cps []*Checkpoint
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		cp, err := m.Load(e.Name()[:len(e.Name())-len(".json")])
		if err != nil {
			continue
		}
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].TakenAt.Before(cps[j].TakenAt) })
	return cps, nil
}

func (m *Manager) gc(ctx context.Context) error {
	cps, err := m.list()
	if err != nil {
		return err
	}
	excess := len(cps) - m.Retention
	for _, cp := range cps {
		if excess <= 0 {
			break
		}
		if cp.Pinned {
			continue
		}
		if err := os.Remove(m.path(cp.ID)); err != nil {
			return cerr.Wrap(err, "remove expired checkpoint")
		}
		otelzap.Ctx(ctx).Debug("Checkpoint expired", zap.String("checkpoint_id", cp.ID))
		excess--
	}
	return nil
}
