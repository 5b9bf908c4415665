//go:build linux
// +build linux

// File: server/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Functional options for the Server facade.

package server

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-rtp/control"
)

// Option customizes server initialization.
type Option func(*Server)

// WithLogger sets the logger passed down to every subsystem.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithFatalHandler replaces the descriptor-exhaustion handler, which by
// default exits the process.
func WithFatalHandler(fn func(error)) Option {
	return func(s *Server) { s.fatal = fn }
}

// WithConfigStore shares a store, typically one fed by control.WatchConfig.
func WithConfigStore(cs *control.ConfigStore) Option {
	return func(s *Server) { s.store = cs }
}

// WithStatsInterval sets how often scheduler and stream counters are copied
// into the metrics registry.
func WithStatsInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.statsEvery = d
		}
	}
}
