// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Reloads the TOML config file into a ConfigStore when it changes on disk.

package control

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Reload reads path and pushes its live-reloadable values into store. An
// invalid file leaves the store untouched.
func Reload(path string, store *ConfigStore) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	store.SetConfig(cfg.Values())
	return nil
}

// WatchConfig reloads path into store on every write until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are followed.
func WatchConfig(ctx context.Context, path string, store *ConfigStore, log logrus.FieldLogger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watch %s: %w", abs, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := Reload(abs, store); err != nil {
				log.WithError(err).WithField("file", abs).Warn("config reload rejected")
				continue
			}
			log.WithField("file", abs).Info("config reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config watcher error")
		}
	}
}
