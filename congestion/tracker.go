// File: congestion/tracker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// BandwidthTracker: per-stream congestion window and RTT/RTO estimation.

package congestion

import (
	"time"
)

const (
	// DefaultMSS is the payload budget of one media packet on ethernet.
	DefaultMSS = 1466

	DefaultMinRTO = 600 * time.Millisecond
	DefaultMaxRTO = 24 * time.Second

	minAckTimeout = 20 * time.Millisecond
	maxAckTimeout = 100 * time.Millisecond

	// rtoGranularity is the clock granularity term G of the RTO formula.
	rtoGranularity = time.Millisecond
)

// Config holds the tunables of a tracker. Zero fields take defaults.
type Config struct {
	MSS           int
	InitialWindow int // congestion window before any ack, bytes
	MaxWindow     int // upper bound until the client advertises its window
	MinRTO        time.Duration
	MaxRTO        time.Duration // maximum retransmit delay
	SlowStart     bool
}

// DefaultConfig returns the stock tracker settings.
func DefaultConfig() Config {
	return Config{
		MSS:           DefaultMSS,
		InitialWindow: 2 * DefaultMSS,
		MaxWindow:     48 * DefaultMSS,
		MinRTO:        DefaultMinRTO,
		MaxRTO:        DefaultMaxRTO,
		SlowStart:     true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MSS <= 0 {
		c.MSS = d.MSS
	}
	if c.InitialWindow <= 0 {
		c.InitialWindow = 2 * c.MSS
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = d.MaxWindow
	}
	if c.MaxWindow < c.InitialWindow {
		c.MaxWindow = c.InitialWindow
	}
	if c.MinRTO <= 0 {
		c.MinRTO = d.MinRTO
	}
	if c.MaxRTO < c.MinRTO {
		c.MaxRTO = d.MaxRTO
		if c.MaxRTO < c.MinRTO {
			c.MaxRTO = c.MinRTO
		}
	}
	return c
}

// BandwidthTracker is owned by one stream task and is not safe for
// concurrent use.
type BandwidthTracker struct {
	cfg Config

	cwnd         int
	ssthresh     int
	maxWindow    int
	clientWindow int
	inFlight     int
	avoidanceAcc int

	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration

	ackTimeout  time.Duration
	lastBackoff time.Time
	rttSamples  int64
	backoffs    int64
	bytesSent   int64
	bytesAcked  int64
}

// NewBandwidthTracker returns a tracker with an empty window and RTO at its
// minimum. Without slow start the window opens fully at once.
func NewBandwidthTracker(cfg Config) *BandwidthTracker {
	cfg = cfg.withDefaults()
	bt := &BandwidthTracker{
		cfg:        cfg,
		maxWindow:  cfg.MaxWindow,
		rto:        cfg.MinRTO,
		ackTimeout: maxAckTimeout,
	}
	bt.resetWindow()
	return bt
}

func (bt *BandwidthTracker) resetWindow() {
	bt.avoidanceAcc = 0
	if bt.cfg.SlowStart {
		bt.cwnd = bt.cfg.InitialWindow
		bt.ssthresh = bt.maxWindow * 3 / 4
	} else {
		bt.cwnd = bt.maxWindow
		bt.ssthresh = bt.maxWindow
	}
	if bt.cwnd > bt.maxWindow {
		bt.cwnd = bt.maxWindow
	}
}

// SetClientWindow records the receiver-advertised window, which caps the
// congestion window, and restarts window growth.
func (bt *BandwidthTracker) SetClientWindow(bytes int) {
	if bytes <= 0 {
		return
	}
	bt.clientWindow = bytes
	bt.maxWindow = bytes
	if bt.maxWindow < bt.cfg.MSS {
		bt.maxWindow = bt.cfg.MSS
	}
	bt.resetWindow()
}

// FillWindow accounts for n bytes just sent.
func (bt *BandwidthTracker) FillWindow(n int) {
	bt.inFlight += n
	bt.bytesSent += int64(n)
}

// EmptyWindow releases n acknowledged bytes and grows the window by them.
func (bt *BandwidthTracker) EmptyWindow(n int) {
	bt.ReleaseWindow(n)
	bt.bytesAcked += int64(n)
	bt.GrowWindow(n)
}

// ReleaseWindow takes n bytes out of flight without growing the window,
// for packets that expired or were discarded.
func (bt *BandwidthTracker) ReleaseWindow(n int) {
	bt.inFlight -= n
	if bt.inFlight < 0 {
		bt.inFlight = 0
	}
}

// GrowWindow opens the window for n acknowledged bytes: byte for byte in
// slow start, one MSS per window's worth of bytes in congestion avoidance.
func (bt *BandwidthTracker) GrowWindow(n int) {
	if n <= 0 {
		return
	}
	if bt.cwnd < bt.ssthresh {
		bt.cwnd += n
	} else {
		bt.avoidanceAcc += n
		for bt.avoidanceAcc >= bt.cwnd {
			bt.avoidanceAcc -= bt.cwnd
			bt.cwnd += bt.cfg.MSS
		}
	}
	if bt.cwnd > bt.maxWindow {
		bt.cwnd = bt.maxWindow
	}
}

// ClearInFlight zeroes the bytes-in-flight counter.
func (bt *BandwidthTracker) ClearInFlight() { bt.inFlight = 0 }

// AddToRTTEstimate feeds one RTT sample into the smoothed estimator
// (SRTT/RTTVAR with gains 1/8 and 1/4) and recomputes the RTO.
func (bt *BandwidthTracker) AddToRTTEstimate(sample time.Duration) {
	if sample < 0 {
		return
	}
	bt.rttSamples++
	if bt.srtt == 0 && bt.rttvar == 0 {
		bt.srtt = sample
		bt.rttvar = sample / 2
	} else {
		delta := bt.srtt - sample
		if delta < 0 {
			delta = -delta
		}
		bt.rttvar = (3*bt.rttvar + delta) / 4
		bt.srtt = (7*bt.srtt + sample) / 8
	}
	variance := 4 * bt.rttvar
	if variance < rtoGranularity {
		variance = rtoGranularity
	}
	bt.rto = bt.clampRTO(bt.srtt + variance)
}

func (bt *BandwidthTracker) clampRTO(d time.Duration) time.Duration {
	if d < bt.cfg.MinRTO {
		return bt.cfg.MinRTO
	}
	if d > bt.cfg.MaxRTO {
		return bt.cfg.MaxRTO
	}
	return d
}

// AdjustWindowForRetransmit is the multiplicative decrease after a presumed
// loss: the slow-start threshold drops to half the window and the window
// collapses onto it. Losses within one RTO of the previous backoff belong to
// the same event and are ignored.
func (bt *BandwidthTracker) AdjustWindowForRetransmit(now time.Time) {
	if !bt.lastBackoff.IsZero() && now.Sub(bt.lastBackoff) < bt.rto {
		return
	}
	bt.lastBackoff = now
	bt.backoffs++
	half := bt.cwnd / 2
	if floor := 2 * bt.cfg.MSS; half < floor {
		half = floor
	}
	if half > bt.maxWindow {
		half = bt.maxWindow
	}
	bt.ssthresh = half
	bt.cwnd = half
	bt.avoidanceAcc = 0
}

// UpdateAckTimeout derives how long a receiver may delay acks from the
// current send rate: roughly the time to send one MSS, within 20..100ms.
func (bt *BandwidthTracker) UpdateAckTimeout(bytesSent int, interval time.Duration) {
	if bytesSent <= 0 || interval <= 0 {
		bt.ackTimeout = maxAckTimeout
		return
	}
	perMSS := time.Duration(int64(interval) * int64(bt.cfg.MSS) / int64(bytesSent))
	switch {
	case perMSS < minAckTimeout:
		perMSS = minAckTimeout
	case perMSS > maxAckTimeout:
		perMSS = maxAckTimeout
	}
	bt.ackTimeout = perMSS
}

// IsFlowControlled reports whether the window is full.
func (bt *BandwidthTracker) IsFlowControlled() bool { return bt.inFlight >= bt.cwnd }

// AvailableWindow is the number of bytes that may still be sent.
func (bt *BandwidthTracker) AvailableWindow() int {
	if avail := bt.cwnd - bt.inFlight; avail > 0 {
		return avail
	}
	return 0
}

// ReadyForAckProcessing reports whether the client advertised a window.
func (bt *BandwidthTracker) ReadyForAckProcessing() bool {
	return bt.clientWindow > 0 && bt.cwnd > 0
}

func (bt *BandwidthTracker) MSS() int { return bt.cfg.MSS }
func (bt *BandwidthTracker) CongestionWindow() int { return bt.cwnd }
func (bt *BandwidthTracker) SlowStartThreshold() int { return bt.ssthresh }
func (bt *BandwidthTracker) ClientWindow() int { return bt.clientWindow }
func (bt *BandwidthTracker) BytesInFlight() int { return bt.inFlight }
func (bt *BandwidthTracker) SRTT() time.Duration { return bt.srtt }
func (bt *BandwidthTracker) RTTVar() time.Duration { return bt.rttvar }
func (bt *BandwidthTracker) RTO() time.Duration { return bt.rto }
func (bt *BandwidthTracker) AckTimeout() time.Duration { return bt.ackTimeout }

// Stats is a snapshot of the tracker for metrics.
type Stats struct {
	CongestionWindow   int
	SlowStartThreshold int
	BytesInFlight      int
	SRTT               time.Duration
	RTO                time.Duration
	RTTSamples         int64
	Backoffs           int64
	BytesSent          int64
	BytesAcked         int64
}

// Stats returns the current counters.
func (bt *BandwidthTracker) Stats() Stats {
	return Stats{
		CongestionWindow:   bt.cwnd,
		SlowStartThreshold: bt.ssthresh,
		BytesInFlight:      bt.inFlight,
		SRTT:               bt.srtt,
		RTO:                bt.rto,
		RTTSamples:         bt.rttSamples,
		Backoffs:           bt.backoffs,
		BytesSent:          bt.bytesSent,
		BytesAcked:         bt.bytesAcked,
	}
}
