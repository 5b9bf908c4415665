// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot reload, runtime metrics and debug introspection for
// the RTP server.
//
// Provides:
//   - Config with defaults, TOML loading and validation
//   - ConfigStore snapshots with reload listeners, fed by WatchConfig
//   - MetricsRegistry for counters exported by the scheduler and streams
//   - DebugProbes dumped on demand
//   - NewLogger, the logrus logger factory
package control
