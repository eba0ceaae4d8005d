// pkg/configurator/apply.go

package configurator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/crederr"
	"github.com/cloudya/vaultboot/pkg/shared"
)

// Reloader triggers the orchestrator's config reload and reports readiness.
// Production wiring is the orchestrator package; tests inject fakes.
type Reloader interface {
	Reload(ctx context.Context) error
	Ready(ctx context.Context) error
}

// Configurator owns the on-disk configuration artifact. All writes go
// through the staging/checksum/rename discipline so a crash mid-write never
// leaves a partial file observable to the orchestrator.
type Configurator struct {
	TargetPath   string
	TokenSink    string
	ReadyTimeout time.Duration
	PollInterval time.Duration

	lastChecksum string
}

func New(targetPath, tokenSink string, readyTimeout time.Duration) *Configurator {
	return &Configurator{
		TargetPath:   targetPath,
		TokenSink:    tokenSink,
		ReadyTimeout: readyTimeout,
		PollInterval: time.Second,
	}
}

// Apply validates, stages, checksums, backs up, swaps and reloads. On a
// readiness timeout the previous artifact is restored byte-identically and
// ErrReloadFailed is returned.
func (c *Configurator) Apply(ctx context.Context, art *Artifact, reloader Reloader) error {
	log := otelzap.Ctx(ctx)

	if err := Validate(art); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.TargetPath), 0o755); err != nil {
		return cerr.Wrap(err, "create config directory")
	}

	staging := c.TargetPath + ".staging"
	if err := os.WriteFile(staging, art.Rendered, 0o640); err != nil {
		return cerr.Wrap(err, "write staging config")
	}

	// Re-read and verify before the swap; a short write or disk fault here
	// must not reach the active path.
	written, err := os.ReadFile(staging)
	if err != nil {
		return cerr.Wrap(err, "verify staging config")
	}
	if ChecksumOf(written) != art.Checksum {
		_ = os.Remove(staging)
		return crederr.Validationf("staging checksum mismatch, artifact discarded")
	}

	// Back up the active config for exactly one generation.
	backupPath := c.TargetPath + ".bak"
	if prev, err := os.ReadFile(c.TargetPath); err == nil {
		if err := os.WriteFile(backupPath, prev, 0o640); err != nil {
			_ = os.Remove(staging)
			return cerr.Wrap(err, "write config backup")
		}
		art.BackupOfPrevious = &Artifact{
			Rendered: prev,
			Checksum: ChecksumOf(prev),
		}
	}

	if err := os.Rename(staging, c.TargetPath); err != nil {
		_ = os.Remove(staging)
		return cerr.Wrap(err, "swap config into place")
	}
	c.lastChecksum = art.Checksum

	log.Info("Configuration swapped",
		zap.String("path", c.TargetPath),
		zap.String("version", art.Version),
		zap.String("phase", art.Phase.String()))

	if err := c.reloadAndAwait(ctx, reloader); err != nil {
		log.Error("Reload failed, restoring previous configuration", zap.Error(err))
		if restoreErr := c.restoreBackup(ctx, art, reloader); restoreErr != nil {
			// A failed restore means the system state is unknown. Fatal.
			return crederr.MarkFatal(cerr.WithSecondaryError(restoreErr, err))
		}
		return cerr.Mark(err, crederr.ErrReloadFailed)
	}
	return nil
}

// WriteTokenSink places the credential's secret where the orchestrator
// reads it: owner-only, written via rename so readers never see a torn file.
func (c *Configurator) WriteTokenSink(ctx context.Context, cred *credential.Credential) error {
	if err := os.MkdirAll(filepath.Dir(c.TokenSink), shared.DirPerm); err != nil {
		return cerr.Wrap(err, "create secrets directory")
	}
	tmp := c.TokenSink + ".tmp"
	if err := os.WriteFile(tmp, []byte(cred.SecretValue), shared.SecretFilePerm); err != nil {
		return cerr.Wrap(err, "write token sink")
	}
	if err := os.Rename(tmp, c.TokenSink); err != nil {
		_ = os.Remove(tmp)
		return cerr.Wrap(err, "swap token sink")
	}
	otelzap.Ctx(ctx).Info("Token sink updated", zap.String("accessor", cred.Accessor))
	return nil
}

// ActiveChecksum reports the checksum of the last applied artifact.
func (c *Configurator) ActiveChecksum() string { return c.lastChecksum }

func (c *Configurator) reloadAndAwait(ctx context.Context, reloader Reloader) error {
	if err := reloader.Reload(ctx); err != nil {
		return cerr.Wrap(err, "trigger reload")
	}

	deadline, cancel := context.WithTimeout(ctx, c.ReadyTimeout)
	defer cancel()

	var lastErr error
	for {
		if lastErr = reloader.Ready(deadline); lastErr == nil {
			return nil
		}
		select {
		case <-deadline.Done():
			if lastErr == nil {
				lastErr = deadline.Err()
			}
			return cerr.Wrap(lastErr, "orchestrator not ready within timeout")
		case <-time.After(c.PollInterval):
		}
	}
}

func (c *Configurator) restoreBackup(ctx context.Context, art *Artifact, reloader Reloader) error {
	backup := art.BackupOfPrevious
	if backup == nil {
		return cerr.New("no backup generation to restore")
	}

	tmp := c.TargetPath + ".restore"
	if err := os.WriteFile(tmp, backup.Rendered, 0o640); err != nil {
		return cerr.Wrap(err, "write restore file")
	}
	current, err := os.ReadFile(tmp)
	if err != nil || !bytes.Equal(current, backup.Rendered) {
		return cerr.New("restore verification failed")
	}
	if err := os.Rename(tmp, c.TargetPath); err != nil {
		return cerr.Wrap(err, "swap restore into place")
	}
	c.lastChecksum = backup.Checksum

	return c.reloadAndAwait(ctx, reloader)
}
