//go:build linux
// +build linux

// File: server/stats_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/momentics/hioload-rtp/api"
	"github.com/momentics/hioload-rtp/internal/concurrency"
)

// streamTotals accumulates the counters of closed streams.
type streamTotals struct {
	packetsSent int64
	resent      int64
	expired     int64
	acked       int64
	unknownAcks int64
	evicted     int64
	sendErrors  int64
	dropped     int64
	acksIn      int64
	backoffs    int64
	bytesSent   int64
	bytesAcked  int64
}

func (t *streamTotals) add(ss *streamStats) {
	if ss == nil {
		return
	}
	t.packetsSent += ss.PacketsSent
	t.resent += ss.Resend.Resent
	t.expired += ss.Resend.Expired
	t.acked += ss.Resend.Acked
	t.unknownAcks += ss.Resend.UnknownAcks
	t.evicted += ss.Resend.Evicted
	t.sendErrors += ss.Resend.SendErrors
	t.dropped += ss.Dropped
	t.acksIn += ss.AcksIn
	t.backoffs += ss.Tracker.Backoffs
	t.bytesSent += ss.Tracker.BytesSent
	t.bytesAcked += ss.Tracker.BytesAcked
}

func (s *Server) trackStream(st *stream) {
	s.streamsMu.Lock()
	s.streams[st] = struct{}{}
	s.streamsMu.Unlock()
}

func (s *Server) retireStream(st *stream) {
	s.streamsMu.Lock()
	delete(s.streams, st)
	s.retired.add(st.stats())
	s.streamsMu.Unlock()
}

func (s *Server) numStreams() int {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	return len(s.streams)
}

// streamMetrics sums closed and live streams. Live figures come from each
// stream's last published snapshot.
func (s *Server) streamMetrics() map[string]int64 {
	s.streamsMu.Lock()
	total := s.retired
	var outstanding, inFlight int64
	for st := range s.streams {
		ss := st.stats()
		total.add(ss)
		if ss != nil {
			outstanding += int64(ss.Resend.Outstanding)
			inFlight += int64(ss.Tracker.BytesInFlight)
		}
	}
	live := int64(len(s.streams))
	s.streamsMu.Unlock()

	return map[string]int64{
		"live":            live,
		"packets_sent":    total.packetsSent,
		"resent":          total.resent,
		"expired":         total.expired,
		"acked":           total.acked,
		"unknown_acks":    total.unknownAcks,
		"evicted":         total.evicted,
		"send_errors":     total.sendErrors,
		"dropped":         total.dropped,
		"acks_in":         total.acksIn,
		"backoffs":        total.backoffs,
		"bytes_sent":      total.bytesSent,
		"bytes_acked":     total.bytesAcked,
		"outstanding":     outstanding,
		"bytes_in_flight": inFlight,
	}
}

func slotStats(ps api.PoolStats) map[string]int64 {
	return map[string]int64{
		"total_alloc": ps.TotalAlloc,
		"gets":        ps.Gets,
		"puts":        ps.Puts,
		"in_use":      ps.InUse,
		"exhausted":   ps.Exhausted,
	}
}

// collect runs as the stats task, copying every component's counters into
// the metrics registry on a fixed period.
func (s *Server) collect(t *concurrency.Task) concurrency.Result {
	if t.GetEvents().Has(concurrency.EventKill) {
		return concurrency.Terminate()
	}
	s.publishMetrics()
	return concurrency.RetryAfter(s.statsEvery)
}

func (s *Server) publishMetrics() {
	s.metrics.SetAll("scheduler", s.workers.Stats())
	s.metrics.SetAll("reactor", s.thread.Stats())
	s.metrics.SetAll("listener", s.listener.Stats())
	s.metrics.SetAll("slots", slotStats(s.slots.Stats()))
	s.metrics.SetAll("streams", s.streamMetrics())
	s.metrics.Set("sessions", int64(s.sessions.Len()))
}
