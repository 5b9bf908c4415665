//go:build linux
// +build linux

// File: server/server_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server wires the worker pool, the event thread, the listener and the
// per-connection RTP streams together.

package server

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-rtp/api"
	"github.com/momentics/hioload-rtp/control"
	"github.com/momentics/hioload-rtp/internal/concurrency"
	"github.com/momentics/hioload-rtp/internal/session"
	"github.com/momentics/hioload-rtp/pool"
	"github.com/momentics/hioload-rtp/reactor"
	"github.com/momentics/hioload-rtp/transport"
)

const (
	defaultStatsInterval = time.Second
	sessionShards        = 64
	shutdownPoll         = 10 * time.Millisecond
)

// Server accepts ingest connections and turns each into an RTP stream.
type Server struct {
	cfg         *control.Config
	log         logrus.FieldLogger
	fatal       func(error)
	store       *control.ConfigStore
	metrics     *control.MetricsRegistry
	probes      *control.DebugProbes
	statsEvery  time.Duration
	defaultDest netip.AddrPort

	workers   *concurrency.WorkerPool
	thread    *reactor.EventThread
	slots     *pool.SlotPool
	listener  *transport.ListenerSocket
	sessions  *session.Manager[*conn]
	statsTask *concurrency.Task

	streamsMu sync.Mutex
	streams   map[*stream]struct{}
	retired   streamTotals

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewServer builds a server from cfg. Nothing listens until Start.
func NewServer(cfg *control.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	s := &Server{
		cfg:        cfg,
		log:        l,
		metrics:    control.NewMetricsRegistry(),
		probes:     control.NewDebugProbes(),
		statsEvery: defaultStatsInterval,
		sessions:   session.NewManager[*conn](sessionShards),
		streams:    make(map[*stream]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = control.NewConfigStore(cfg.Values())
	}
	if cfg.RTPDest != "" {
		// already validated
		s.defaultDest, _ = netip.ParseAddrPort(cfg.RTPDest)
	}

	slots, err := pool.NewSlotPool(cfg.PoolSlotSize, cfg.PoolMaxSlots)
	if err != nil {
		return nil, err
	}
	s.slots = slots
	thread, err := reactor.NewEventThread(reactor.WithLogger(s.log.WithField("component", "reactor")))
	if err != nil {
		return nil, fmt.Errorf("event thread: %w", err)
	}
	s.thread = thread
	s.workers = concurrency.NewWorkerPool(cfg.Workers,
		concurrency.WithLogger(s.log.WithField("component", "scheduler")),
		concurrency.WithCPUPinning(cfg.PinWorkers))

	lopts := []transport.ListenerOption{
		transport.WithListenerLogger(s.log.WithField("component", "listener")),
		transport.WithMaxConnections(s.store.GetInt("max_connections", cfg.MaxConnections)),
		transport.WithSendBufferSize(cfg.SendBufferSize),
	}
	if s.fatal != nil {
		lopts = append(lopts, transport.WithFatalHandler(s.fatal))
	}
	s.listener = transport.NewListenerSocket(s.workers, s.thread,
		transport.ConnectionFactoryFunc(s.newConn), lopts...)
	s.statsTask = s.workers.NewTask("stats", concurrency.RunnerFunc(s.collect))
	s.store.OnReload(s.applyReload)
	s.registerProbes()
	return s, nil
}

// Start begins dispatching and listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return api.ErrClosed
	}
	if s.started {
		return nil
	}
	addr, err := netip.ParseAddrPort(s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	s.thread.Start()
	if err := s.listener.Initialize(addr, 0); err != nil {
		return err
	}
	s.statsTask.Signal(concurrency.EventStart)
	s.started = true
	return nil
}

// Addr returns the bound listen address, useful with port 0.
func (s *Server) Addr() netip.AddrPort { return s.listener.LocalAddr() }

// Metrics returns the registry the stats task publishes into.
func (s *Server) Metrics() *control.MetricsRegistry { return s.metrics }

// Probes returns the debug probes, including platform probes.
func (s *Server) Probes() *control.DebugProbes { return s.probes }

// Store returns the live configuration store.
func (s *Server) Store() *control.ConfigStore { return s.store }

// NumSessions returns the number of open ingest connections.
func (s *Server) NumSessions() int { return s.sessions.Len() }

// Shutdown stops accepting, cancels every connection and waits for them and
// their streams to close before stopping the scheduler. If ctx ends first,
// the remaining tasks are abandoned and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if started {
		s.listener.Stop()
	}
	s.sessions.CancelAll()

	var err error
	ticker := time.NewTicker(shutdownPoll)
	defer ticker.Stop()
	for !s.drained(started) {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			s.log.WithError(err).WithFields(logrus.Fields{
				"sessions": s.sessions.Len(),
				"streams":  s.numStreams(),
			}).Warn("shutdown deadline reached, abandoning tasks")
		case <-ticker.C:
			// new connections may have raced the listener stop
			s.sessions.CancelAll()
			continue
		}
		break
	}

	s.statsTask.Signal(concurrency.EventKill)
	if err := s.thread.Stop(); err != nil {
		s.log.WithError(err).Warn("event thread stop")
	}
	s.workers.Shutdown()
	s.log.Info("server stopped")
	return err
}

func (s *Server) drained(started bool) bool {
	if s.sessions.Len() > 0 || s.numStreams() > 0 {
		return false
	}
	return !started || !s.listener.Task().Alive()
}

func (s *Server) applyReload(changed map[string]any) {
	if _, ok := changed["max_connections"]; ok {
		n := s.store.GetInt("max_connections", s.cfg.MaxConnections)
		s.listener.SetMaxConnections(n)
		s.log.WithField("max_connections", n).Info("connection ceiling updated")
	}
	if _, ok := changed["idle_timeout"]; ok {
		d := s.store.GetDuration("idle_timeout", s.cfg.IdleTimeout.Duration)
		s.log.WithField("idle_timeout", d).Info("idle timeout updated for new connections")
	}
}

// ageLimit is read per packet so reloads apply to running streams.
func (s *Server) ageLimit() time.Duration {
	return s.store.GetDuration("age_limit", s.cfg.AgeLimit.Duration)
}

func (s *Server) registerProbes() {
	control.RegisterPlatformProbes(s.probes)
	s.probes.RegisterProbe("scheduler", func() any { return s.workers.Stats() })
	s.probes.RegisterProbe("reactor", func() any { return s.thread.Stats() })
	s.probes.RegisterProbe("listener", func() any { return s.listener.Stats() })
	s.probes.RegisterProbe("slots", func() any { return slotStats(s.slots.Stats()) })
	s.probes.RegisterProbe("streams", func() any { return s.streamMetrics() })
	s.probes.RegisterProbe("sessions", func() any { return s.sessions.Len() })
}
