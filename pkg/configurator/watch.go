// pkg/configurator/watch.go

package configurator

import (
	"context"
	"os"

	cerr "github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/crederr"
)

// Watch observes the active artifact for out-of-band modification. The
// configurator is the only sanctioned writer; any edit that changes the
// checksum away from the last applied generation is a security event and
// is reported through onTamper. Watch blocks until ctx is done.
func (c *Configurator) Watch(ctx context.Context, onTamper func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return cerr.Wrap(err, "create config watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(c.TargetPath); err != nil {
		return cerr.Wrap(err, "watch config path")
	}

	log := otelzap.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			content, err := os.ReadFile(c.TargetPath)
			if err != nil {
				onTamper(crederr.Integrity("active config artifact unreadable after external event"))
				continue
			}
			if sum := ChecksumOf(content); sum != c.lastChecksum {
				log.Warn("Config artifact modified outside configurator",
					zap.String("path", c.TargetPath),
					zap.String("observed_checksum", sum))
				onTamper(crederr.Integrity("active config artifact modified outside configurator"))
			}
			// Rename/remove drops the watch on some platforms; re-add.
			_ = watcher.Add(c.TargetPath)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Config watcher error", zap.Error(werr))
		}
	}
}
