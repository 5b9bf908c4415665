//go:build linux
// +build linux

// File: server/session_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// conn: one TCP ingest connection. It reads the STREAM request, then feeds
// every following byte to its RTP stream.

package server

import (
	"bytes"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-rtp/api"
	"github.com/momentics/hioload-rtp/internal/concurrency"
	"github.com/momentics/hioload-rtp/transport"
)

const (
	readBufSize = 16 * 1024
	// reads per run before yielding to other tasks on the worker
	maxReadsPerRun = 32
	rtpClockRate   = 8000
)

type conn struct {
	id      uuid.UUID
	srv     *Server
	sock    *transport.StreamSocket
	task    *concurrency.Task
	timeout *concurrency.TimeoutTask
	log     logrus.FieldLogger

	buf        []byte
	line       []byte
	stream     *stream
	packetizer rtp.Packetizer
	closed     bool
}

// newConn is the listener's ConnectionFactory.
func (s *Server) newConn(sock *transport.StreamSocket) (*concurrency.Task, error) {
	c := &conn{
		id:   uuid.New(),
		srv:  s,
		sock: sock,
		buf:  make([]byte, readBufSize),
	}
	c.log = s.log.WithFields(logrus.Fields{
		"conn":   c.id.String(),
		"remote": sock.RemoteAddr().String(),
	})
	c.task = s.workers.NewTask("conn", c)
	c.timeout = s.workers.NewTimeoutTask(c.task, s.store.GetDuration("idle_timeout", s.cfg.IdleTimeout.Duration))
	if err := s.sessions.Add(c); err != nil {
		c.timeout.Stop()
		return nil, err
	}
	c.log.Debug("connection accepted")
	return c.task, nil
}

// ID implements session.Session.
func (c *conn) ID() uuid.UUID { return c.id }

// Cancel implements session.Session.
func (c *conn) Cancel() { c.task.Signal(concurrency.EventKill) }

// Run implements concurrency.Runner.
func (c *conn) Run(t *concurrency.Task) concurrency.Result {
	events := t.GetEvents()
	switch {
	case events.Has(concurrency.EventKill):
		c.close("cancelled")
		return concurrency.Terminate()
	case events.Has(concurrency.EventTimeout):
		c.close("idle timeout")
		return concurrency.Terminate()
	}

	for i := 0; i < maxReadsPerRun; i++ {
		if c.stream != nil && c.stream.backlogged() {
			// the stream signals EventUpdate once it has drained
			return concurrency.Idle()
		}
		n, err := c.sock.Read(c.buf)
		if errors.Is(err, api.ErrWouldBlock) {
			return concurrency.Idle()
		}
		if err != nil {
			reason := "eof"
			if !errors.Is(err, io.EOF) {
				reason = err.Error()
			}
			c.close(reason)
			return concurrency.Terminate()
		}
		c.timeout.RefreshTimeout()
		if err := c.consume(c.buf[:n]); err != nil {
			c.reject(err)
			return concurrency.Terminate()
		}
	}
	t.Signal(concurrency.EventRead)
	return concurrency.Idle()
}

func (c *conn) consume(data []byte) error {
	if c.stream == nil {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			c.line = append(c.line, data...)
			if len(c.line) > maxRequestLine {
				return errLineTooLong
			}
			return nil
		}
		c.line = append(c.line, data[:idx]...)
		if len(c.line) > maxRequestLine {
			return errLineTooLong
		}
		if err := c.startStream(string(c.line)); err != nil {
			return err
		}
		c.line = nil
		data = data[idx+1:]
		if len(data) == 0 {
			return nil
		}
	}
	return c.forward(data)
}

func (c *conn) startStream(line string) error {
	req, err := parseStreamRequest(line, c.srv.defaultDest)
	if err != nil {
		return err
	}
	st, err := c.srv.newStream(c, req)
	if err != nil {
		return err
	}
	c.stream = st
	c.packetizer = rtp.NewPacketizer(uint16(c.srv.cfg.MSS), 0, st.ssrc,
		&codecs.G711Payloader{}, rtp.NewRandomSequencer(), rtpClockRate)
	if _, err := c.sock.Send(okReply(st.ssrc, st.LocalPort())); err != nil {
		return err
	}
	return nil
}

// forward packetizes data. Packets are marshaled at once because c.buf is
// reused by the next read.
func (c *conn) forward(data []byte) error {
	pkts := c.packetizer.Packetize(data, uint32(len(data)))
	raws := make([][]byte, 0, len(pkts))
	for _, p := range pkts {
		raw, err := p.Marshal()
		if err != nil {
			return err
		}
		raws = append(raws, raw)
	}
	c.stream.push(raws)
	return nil
}

func (c *conn) reject(err error) {
	c.log.WithError(err).Info("request rejected")
	_, _ = c.sock.Send(errReply(err))
	c.close(err.Error())
}

func (c *conn) close(reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.timeout.Stop()
	c.srv.sessions.Remove(c.id)
	if c.stream != nil {
		c.stream.task.Signal(concurrency.EventKill)
	}
	if err := c.sock.Close(); err != nil {
		c.log.WithError(err).Debug("closing connection socket")
	}
	c.srv.listener.ConnectionClosed()
	c.log.WithField("reason", reason).Info("connection closed")
}
