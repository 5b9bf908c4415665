// File: reliable/resender.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ResendBuffer: outstanding RTP packets awaiting acknowledgment.

package reliable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-rtp/api"
	"github.com/momentics/hioload-rtp/congestion"
)

const (
	// DefaultInitialEntries is the starting size of the outstanding array.
	DefaultInitialEntries = 64
	// GrowthIncrement is how many slots each growth step adds.
	GrowthIncrement = 32
	// DefaultMaxEntries bounds growth; beyond it slots are evicted.
	DefaultMaxEntries = 1024

	seqOffset = 2
)

// ErrCapacityExceeded is returned when the array cannot grow any further.
var ErrCapacityExceeded = errors.New("reliable: resend buffer at capacity")

// PacketWriter sends one datagram. transport.UDPSocket satisfies it.
type PacketWriter interface {
	Send(p []byte) (int, error)
}

// SequenceNumber returns the RTP sequence number of pkt.
func SequenceNumber(pkt []byte) (uint16, error) {
	if len(pkt) < seqOffset+2 {
		return 0, fmt.Errorf("reliable: %d-byte packet has no sequence number: %w", len(pkt), api.ErrInvalidArgument)
	}
	return binary.BigEndian.Uint16(pkt[seqOffset:]), nil
}

type entry struct {
	seq       uint16
	buf       packetBuffer
	size      int
	sentAt    time.Time
	expireAt  time.Time
	rtoAtSend time.Duration
	resends   int
}

// Stats counts what happened to packets over the buffer's lifetime.
type Stats struct {
	Outstanding        int
	Capacity           int
	MaxEntries         int // high-water mark of outstanding entries
	Added              int64
	Acked              int64
	UnknownAcks        int64
	Expired            int64
	Resent             int64
	Evicted            int64
	BufferSlotFallback int64 // oversized packets given their own buffer
	PoolExhausted      int64
	SendErrors         int64
}

// ResendBuffer is the per-stream table of unacknowledged packets. The
// entries slice is dense: live entries occupy [0, n).
type ResendBuffer struct {
	writer  PacketWriter
	tracker *congestion.BandwidthTracker
	pool    api.SlotPool
	log     logrus.FieldLogger
	warn    *catrate.Limiter

	entries    []entry
	n          int
	maxEntries int
	evictIdx   int

	stats Stats
}

// Option customizes NewResendBuffer.
type Option func(*ResendBuffer)

// WithLogger sets the logger used for send failures and pool pressure.
func WithLogger(l logrus.FieldLogger) Option {
	return func(rb *ResendBuffer) {
		if l != nil {
			rb.log = l
		}
	}
}

// WithInitialEntries sets the initial array size.
func WithInitialEntries(n int) Option {
	return func(rb *ResendBuffer) {
		if n > 0 {
			rb.entries = make([]entry, n)
		}
	}
}

// WithMaxEntries caps array growth.
func WithMaxEntries(n int) Option {
	return func(rb *ResendBuffer) {
		if n > 0 {
			rb.maxEntries = n
		}
	}
}

// NewResendBuffer creates a buffer resending through w and accounting on
// tracker. pool may be nil, in which case every packet gets its own buffer.
func NewResendBuffer(w PacketWriter, tracker *congestion.BandwidthTracker, pool api.SlotPool, opts ...Option) *ResendBuffer {
	l := logrus.New()
	l.SetOutput(io.Discard)
	rb := &ResendBuffer{
		writer:     w,
		tracker:    tracker,
		pool:       pool,
		log:        l,
		warn:       catrate.NewLimiter(map[time.Duration]int{10 * time.Second: 1}),
		maxEntries: DefaultMaxEntries,
	}
	for _, opt := range opts {
		opt(rb)
	}
	if rb.entries == nil {
		rb.entries = make([]entry, DefaultInitialEntries)
	}
	if rb.maxEntries < len(rb.entries) {
		rb.maxEntries = len(rb.entries)
	}
	return rb
}

// AddPacket records pkt as sent at now. A non-positive ageLimit means the
// packet is already too late to retransmit: it is counted as expired and
// not kept. Otherwise the packet is copied and charged to the window.
func (rb *ResendBuffer) AddPacket(pkt []byte, ageLimit time.Duration, now time.Time) error {
	seq, err := SequenceNumber(pkt)
	if err != nil {
		return err
	}
	if ageLimit <= 0 {
		rb.stats.Expired++
		return nil
	}
	if rb.n == len(rb.entries) {
		if err := rb.grow(); err != nil {
			if rb.n == 0 {
				return err
			}
			// Rotating eviction, not oldest-first. The victim is whatever
			// sits at the cursor, so a slot can be evicted repeatedly while
			// older packets survive.
			rb.evictIdx %= rb.n
			victim := &rb.entries[rb.evictIdx]
			rb.tracker.ReleaseWindow(victim.size)
			rb.removeAt(rb.evictIdx)
			rb.evictIdx++
			rb.stats.Evicted++
		}
	}

	e := &rb.entries[rb.n]
	*e = entry{
		seq:       seq,
		buf:       rb.copyPacket(pkt),
		size:      len(pkt),
		sentAt:    now,
		expireAt:  now.Add(ageLimit),
		rtoAtSend: rb.tracker.RTO(),
	}
	rb.n++
	rb.tracker.FillWindow(e.size)
	rb.stats.Added++
	if rb.n > rb.stats.MaxEntries {
		rb.stats.MaxEntries = rb.n
	}
	return nil
}

func (rb *ResendBuffer) grow() error {
	size := len(rb.entries)
	if size >= rb.maxEntries {
		return ErrCapacityExceeded
	}
	next := size + GrowthIncrement
	if next > rb.maxEntries {
		next = rb.maxEntries
	}
	grown := make([]entry, next)
	copy(grown, rb.entries)
	rb.entries = grown
	return nil
}

func (rb *ResendBuffer) copyPacket(pkt []byte) packetBuffer {
	if rb.pool == nil {
		return newOwnedBuffer(pkt)
	}
	if len(pkt) > rb.pool.SlotSize() {
		rb.stats.BufferSlotFallback++
		return newOwnedBuffer(pkt)
	}
	buf, err := newPooledBuffer(rb.pool, pkt)
	if err == nil {
		return buf
	}
	rb.stats.PoolExhausted++
	if _, ok := rb.warn.Allow("pool"); ok {
		rb.log.WithError(err).Warn("packet pool exhausted, falling back to heap buffers")
	}
	return newOwnedBuffer(pkt)
}

// removeAt frees entry i and fills the hole with the last live entry.
func (rb *ResendBuffer) removeAt(i int) {
	rb.entries[i].buf.release()
	last := rb.n - 1
	rb.entries[i] = rb.entries[last]
	rb.entries[last] = entry{}
	rb.n = last
}

func (rb *ResendBuffer) find(seq uint16) int {
	for i := 0; i < rb.n; i++ {
		if rb.entries[i].seq == seq {
			return i
		}
	}
	return -1
}

// AckPacket resolves seq. Only a packet never resent yields an RTT sample.
// An unknown sequence number is a duplicate or late ack; the window is
// credited one MSS since the real size is gone. Reports whether seq was
// outstanding.
func (rb *ResendBuffer) AckPacket(seq uint16, now time.Time) bool {
	i := rb.find(seq)
	if i < 0 {
		rb.stats.UnknownAcks++
		rb.tracker.GrowWindow(rb.tracker.MSS())
		return false
	}
	e := &rb.entries[i]
	rb.tracker.EmptyWindow(e.size)
	if e.resends == 0 {
		rb.tracker.AddToRTTEstimate(now.Sub(e.sentAt))
	}
	rb.stats.Acked++
	rb.removeAt(i)
	return true
}

// AckPackets applies a batch of acks, typically from ParseAck, and returns
// how many matched outstanding packets.
func (rb *ResendBuffer) AckPackets(seqs []uint16, now time.Time) int {
	matched := 0
	for _, seq := range seqs {
		if rb.AckPacket(seq, now) {
			matched++
		}
	}
	return matched
}

// ResendDueEntries walks the outstanding packets whose RTO has elapsed.
// Expired ones are dropped; the rest are written again. It returns the
// number of packets resent. A would-block from the writer ends the pass
// early and is not an error.
func (rb *ResendBuffer) ResendDueEntries(now time.Time) (int, error) {
	resent := 0
	rto := rb.tracker.RTO()
	for i := 0; i < rb.n; {
		e := &rb.entries[i]
		if now.Sub(e.sentAt) <= rto {
			i++
			continue
		}
		if now.After(e.expireAt) {
			rb.tracker.ReleaseWindow(e.size)
			rb.stats.Expired++
			rb.removeAt(i)
			continue
		}
		if _, err := rb.writer.Send(e.buf.bytes()); err != nil {
			if errors.Is(err, api.ErrWouldBlock) {
				return resent, nil
			}
			rb.stats.SendErrors++
			if _, ok := rb.warn.Allow("send"); ok {
				rb.log.WithError(err).WithField("seq", e.seq).Warn("packet resend failed")
			}
			i++
			continue
		}
		e.resends++
		if e.resends == 1 {
			rb.tracker.AddToRTTEstimate(e.rtoAtSend * 3 / 2)
		}
		e.sentAt = now
		rb.tracker.AdjustWindowForRetransmit(now)
		rb.stats.Resent++
		resent++
		i++
	}
	return resent, nil
}

// ClearOutstandingPackets drops everything, as on a playback restart.
func (rb *ResendBuffer) ClearOutstandingPackets() {
	for rb.n > 0 {
		last := rb.n - 1
		rb.tracker.ReleaseWindow(rb.entries[last].size)
		rb.removeAt(last)
	}
	rb.tracker.ClearInFlight()
	rb.evictIdx = 0
}

// Len returns the number of outstanding packets.
func (rb *ResendBuffer) Len() int { return rb.n }

// Cap returns the current array size.
func (rb *ResendBuffer) Cap() int { return len(rb.entries) }

// BytesOutstanding sums the sizes of outstanding packets.
func (rb *ResendBuffer) BytesOutstanding() int {
	total := 0
	for i := 0; i < rb.n; i++ {
		total += rb.entries[i].size
	}
	return total
}

// Stats returns a copy of the counters.
func (rb *ResendBuffer) Stats() Stats {
	st := rb.stats
	st.Outstanding = rb.n
	st.Capacity = len(rb.entries)
	return st
}
