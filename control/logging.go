// control/logging.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-rtp/api"
)

func parseLevel(s string) (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, api.ErrInvalidArgument)
	}
	return lvl, nil
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg *Config) (*logrus.Logger, error) {
	lvl, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(lvl)
	if cfg.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}

// BindLogLevel makes log_level live-reloadable through store.
func BindLogLevel(store *ConfigStore, l *logrus.Logger) {
	store.OnReload(func(changed map[string]any) {
		s, ok := changed["log_level"].(string)
		if !ok {
			return
		}
		lvl, err := parseLevel(s)
		if err != nil {
			l.WithError(err).Warn("ignoring log level")
			return
		}
		l.SetLevel(lvl)
		l.WithField("level", lvl.String()).Info("log level changed")
	})
}
