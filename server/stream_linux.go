//go:build linux
// +build linux

// File: server/stream_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// stream: the task that owns one outgoing RTP flow, its resend buffer and
// its congestion state.

package server

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-catrate"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-rtp/api"
	"github.com/momentics/hioload-rtp/congestion"
	"github.com/momentics/hioload-rtp/internal/concurrency"
	"github.com/momentics/hioload-rtp/reliable"
	"github.com/momentics/hioload-rtp/transport"
)

const (
	// the owning connection stops reading above backlogHigh queued bytes
	// and resumes at backlogLow
	backlogHigh = 256 * 1024
	backlogLow  = 64 * 1024

	ackBufSize  = 1500
	maxAckReads = 64

	minResendInterval = concurrency.MinWait
	maxResendInterval = 200 * time.Millisecond
	rateInterval      = time.Second
)

// streamStats is the snapshot a stream publishes after each run.
type streamStats struct {
	Resend      reliable.Stats
	Tracker     congestion.Stats
	PacketsSent int64
	AcksIn      int64
	Dropped     int64
}

// blockingWriter remembers whether a send hit a full socket buffer so the
// stream can arm writable interest once per run.
type blockingWriter struct {
	sock    *transport.UDPSocket
	blocked bool
}

func (w *blockingWriter) Send(p []byte) (int, error) {
	n, err := w.sock.Send(p)
	if errors.Is(err, api.ErrWouldBlock) {
		w.blocked = true
	}
	return n, err
}

type stream struct {
	srv      *Server
	owner    *concurrency.Task
	task     *concurrency.Task
	ssrc     uint32
	dest     netip.AddrPort
	sock     *transport.UDPSocket
	out      *blockingWriter
	tracker  *congestion.BandwidthTracker
	resend   *reliable.ResendBuffer
	reliable bool
	log      logrus.FieldLogger
	warn     *catrate.Limiter

	mu           sync.Mutex
	pending      *queue.Queue
	pendingBytes int
	backlog      atomic.Bool

	// touched only from Run
	ackBuf    []byte
	sent      int64
	acksIn    int64
	dropped   int64
	rateStart time.Time
	rateBytes int

	snap atomic.Pointer[streamStats]
}

func (s *Server) newStream(c *conn, req streamRequest) (*stream, error) {
	sock := transport.NewUDPSocket(s.thread)
	ipv6 := req.dest.Addr().Unmap().Is6()
	if err := sock.Open(ipv6); err != nil {
		return nil, err
	}
	local := netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	if ipv6 {
		local = netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	}
	if err := sock.Bind(local); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.SetDestination(req.dest); err != nil {
		_ = sock.Close()
		return nil, err
	}

	tracker := congestion.NewBandwidthTracker(congestion.Config{
		MSS:           s.cfg.MSS,
		InitialWindow: s.cfg.InitialWindow,
		MaxWindow:     s.cfg.MaxWindow,
		MaxRTO:        s.cfg.MaxRetransmitDelay.Duration,
		SlowStart:     s.cfg.SlowStart,
	})
	if req.window > 0 {
		tracker.SetClientWindow(req.window)
	}

	st := &stream{
		srv:       s,
		owner:     c.task,
		ssrc:      binary.BigEndian.Uint32(c.id[:4]),
		dest:      req.dest,
		sock:      sock,
		out:       &blockingWriter{sock: sock},
		tracker:   tracker,
		reliable:  tracker.ReadyForAckProcessing(),
		warn:      catrate.NewLimiter(map[time.Duration]int{10 * time.Second: 1}),
		pending:   queue.New(),
		ackBuf:    make([]byte, ackBufSize),
		rateStart: time.Now(),
	}
	st.log = c.log.WithFields(logrus.Fields{"ssrc": st.ssrc, "dest": req.dest.String()})
	st.resend = reliable.NewResendBuffer(st.out, tracker, s.slots,
		reliable.WithLogger(st.log),
		reliable.WithMaxEntries(s.cfg.ResendMaxEntries))
	st.task = s.workers.NewTask("rtp-stream", st)
	sock.SetTask(st.task)
	if err := sock.RequestEvent(api.EventReadable); err != nil {
		_ = sock.Close()
		return nil, err
	}
	st.publish()
	s.trackStream(st)
	st.log.WithField("reliable", st.reliable).Info("stream started")
	return st, nil
}

// LocalPort is the UDP port acks must be sent to.
func (st *stream) LocalPort() uint16 { return st.sock.LocalAddr().Port() }

// push queues marshaled packets and reports whether the backlog is over
// the high-water mark.
func (st *stream) push(pkts [][]byte) bool {
	st.mu.Lock()
	for _, p := range pkts {
		st.pending.Add(p)
		st.pendingBytes += len(p)
	}
	over := st.pendingBytes > backlogHigh
	st.mu.Unlock()
	if over {
		st.backlog.Store(true)
	}
	st.task.Signal(concurrency.EventUpdate)
	return over
}

func (st *stream) backlogged() bool { return st.backlog.Load() }

// Run implements concurrency.Runner.
func (st *stream) Run(t *concurrency.Task) concurrency.Result {
	if t.GetEvents().Has(concurrency.EventKill) {
		st.shutdown()
		return concurrency.Terminate()
	}
	now := time.Now()
	if !st.readAcks(now) {
		// ack reads hit their budget without draining the socket
		t.Signal(concurrency.EventRead)
	}
	if st.reliable {
		if _, err := st.resend.ResendDueEntries(now); err != nil {
			st.log.WithError(err).Warn("resend pass failed")
		}
	}
	st.sendPending(now)
	st.updateRate(now)
	st.maybeResume()
	st.publish()

	if st.out.blocked {
		st.out.blocked = false
		if err := st.sock.RequestEvent(api.EventReadable | api.EventWritable); err != nil {
			st.log.WithError(err).Error("arming stream socket failed")
			st.shutdown()
			return concurrency.Terminate()
		}
		return concurrency.Idle()
	}
	if st.reliable && st.resend.Len() > 0 {
		return concurrency.RetryAfter(st.resendInterval())
	}
	return concurrency.Idle()
}

// readAcks drains the socket. It returns false when it stopped early, in
// which case no readable interest is armed.
func (st *stream) readAcks(now time.Time) bool {
	for i := 0; i < maxAckReads; i++ {
		n, from, err := st.sock.RecvFrom(st.ackBuf)
		if errors.Is(err, api.ErrWouldBlock) {
			return true
		}
		if err != nil {
			// ICMP errors surface here once and are consumed by the read
			if _, ok := st.warn.Allow("recv"); ok {
				st.log.WithError(err).Debug("stream receive error")
			}
			continue
		}
		if from.Addr().Unmap() != st.dest.Addr().Unmap() || !st.reliable {
			continue
		}
		acks, err := reliable.ParseAck(st.ackBuf[:n])
		if err != nil {
			continue
		}
		st.acksIn++
		st.resend.AckPackets(acks, now)
	}
	return false
}

func (st *stream) sendPending(now time.Time) {
	for {
		if st.reliable && st.tracker.IsFlowControlled() {
			return
		}
		st.mu.Lock()
		if st.pending.Length() == 0 {
			st.mu.Unlock()
			return
		}
		pkt := st.pending.Peek().([]byte)
		st.mu.Unlock()

		if _, err := st.out.Send(pkt); err != nil {
			if errors.Is(err, api.ErrWouldBlock) {
				return
			}
			st.dropped++
			if _, ok := st.warn.Allow("send"); ok {
				st.log.WithError(err).Warn("rtp send failed, dropping packet")
			}
		} else {
			st.sent++
			st.rateBytes += len(pkt)
			if st.reliable {
				if err := st.resend.AddPacket(pkt, st.srv.ageLimit(), now); err != nil {
					st.log.WithError(err).Warn("packet not tracked for resend")
				}
			}
		}

		st.mu.Lock()
		st.pending.Remove()
		st.pendingBytes -= len(pkt)
		st.mu.Unlock()
	}
}

func (st *stream) updateRate(now time.Time) {
	elapsed := now.Sub(st.rateStart)
	if elapsed < rateInterval {
		return
	}
	st.tracker.UpdateAckTimeout(st.rateBytes, elapsed)
	st.rateStart = now
	st.rateBytes = 0
}

func (st *stream) maybeResume() {
	if !st.backlog.Load() {
		return
	}
	st.mu.Lock()
	low := st.pendingBytes <= backlogLow
	st.mu.Unlock()
	if low && st.backlog.CompareAndSwap(true, false) {
		st.owner.Signal(concurrency.EventUpdate)
	}
}

func (st *stream) resendInterval() time.Duration {
	d := st.tracker.RTO() / 4
	switch {
	case d < minResendInterval:
		return minResendInterval
	case d > maxResendInterval:
		return maxResendInterval
	}
	return d
}

func (st *stream) publish() {
	st.snap.Store(&streamStats{
		Resend:      st.resend.Stats(),
		Tracker:     st.tracker.Stats(),
		PacketsSent: st.sent,
		AcksIn:      st.acksIn,
		Dropped:     st.dropped,
	})
}

func (st *stream) stats() *streamStats { return st.snap.Load() }

func (st *stream) shutdown() {
	st.resend.ClearOutstandingPackets()
	st.mu.Lock()
	st.pending = queue.New()
	st.pendingBytes = 0
	st.mu.Unlock()
	if err := st.sock.Close(); err != nil {
		st.log.WithError(err).Warn("closing stream socket")
	}
	st.publish()
	st.srv.retireStream(st)
	st.log.WithFields(logrus.Fields{
		"sent":   st.sent,
		"resent": st.resend.Stats().Resent,
	}).Info("stream closed")
}
