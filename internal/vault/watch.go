package vault

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchDenylist reloads user deny patterns whenever the denylist file
// changes. The watcher runs until ctx is cancelled. Watching the state
// directory rather than the file itself survives editors that replace the
// file on save.
func (v *Vault) WatchDenylist(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(v.StateDir()); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", v.StateDir(), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != denylistFile {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				v.reloadUserPatterns()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				v.logger.Warn("denylist watcher error", "error", err)
			}
		}
	}()
	return nil
}
