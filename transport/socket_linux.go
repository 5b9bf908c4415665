//go:build linux
// +build linux

// File: transport/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket: non-blocking descriptor I/O on top of an EventContext.

package transport

import (
	"fmt"
	"io"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rtp/api"
	"github.com/momentics/hioload-rtp/internal/concurrency"
	"github.com/momentics/hioload-rtp/reactor"
)

// Socket owns one descriptor through its EventContext.
type Socket struct {
	thread *reactor.EventThread
	ctx    *reactor.EventContext
	family int
	local  netip.AddrPort

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// open creates a non-blocking, close-on-exec socket of the given type.
func (s *Socket) open(family, sotype, proto int) error {
	if s.ctx != nil {
		return fmt.Errorf("transport: socket already open: %w", api.ErrInvalidArgument)
	}
	fd, err := unix.Socket(family, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return fmt.Errorf("socket create: %w", err)
	}
	s.adopt(fd, family)
	return nil
}

// adopt takes ownership of an already non-blocking descriptor.
func (s *Socket) adopt(fd, family int) {
	s.ctx = reactor.NewEventContext(fd, s.thread)
	s.family = family
}

// FD returns the descriptor, -1 if closed or never opened.
func (s *Socket) FD() int {
	if s.ctx == nil {
		return -1
	}
	return s.ctx.FD()
}

// IsOpen reports whether the socket holds a descriptor.
func (s *Socket) IsOpen() bool { return s.FD() >= 0 }

// SetTask sets the task signaled on readiness.
func (s *Socket) SetTask(t *concurrency.Task) {
	if s.ctx != nil {
		s.ctx.SetTask(t)
	}
}

// RequestEvent arms one-shot readiness interest.
func (s *Socket) RequestEvent(mask api.EventMask) error {
	if s.ctx == nil {
		return fmt.Errorf("transport: socket not open: %w", api.ErrClosed)
	}
	return s.ctx.RequestEvent(mask)
}

// Bind binds the socket to addr and records the bound local address.
func (s *Socket) Bind(addr netip.AddrPort) error {
	fd := s.FD()
	if fd < 0 {
		return fmt.Errorf("transport: bind on closed socket: %w", api.ErrClosed)
	}
	sa, _, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind %v: %w", addr, err)
	}
	return s.refreshLocal()
}

func (s *Socket) refreshLocal() error {
	sa, err := unix.Getsockname(s.FD())
	if err != nil {
		return fmt.Errorf("getsockname: %w", err)
	}
	s.local = fromSockaddr(sa)
	return nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

// SetReuseAddr toggles SO_REUSEADDR.
func (s *Socket) SetReuseAddr(on bool) error {
	return s.setInt(unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(on), "SO_REUSEADDR")
}

// SetSendBufferSize sets SO_SNDBUF.
func (s *Socket) SetSendBufferSize(n int) error {
	return s.setInt(unix.SOL_SOCKET, unix.SO_SNDBUF, n, "SO_SNDBUF")
}

// SendBufferSize reads SO_SNDBUF back.
func (s *Socket) SendBufferSize() (int, error) {
	return unix.GetsockoptInt(s.FD(), unix.SOL_SOCKET, unix.SO_SNDBUF)
}

// SetRecvBufferSize sets SO_RCVBUF.
func (s *Socket) SetRecvBufferSize(n int) error {
	return s.setInt(unix.SOL_SOCKET, unix.SO_RCVBUF, n, "SO_RCVBUF")
}

func (s *Socket) setInt(level, opt, val int, name string) error {
	if err := unix.SetsockoptInt(s.FD(), level, opt, val); err != nil {
		return fmt.Errorf("setsockopt %s=%d: %w", name, val, err)
	}
	return nil
}

// Read reads into p. On EAGAIN it re-arms readable interest and returns
// api.ErrWouldBlock. A zero-length read on a stream socket is io.EOF.
func (s *Socket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.FD(), p)
	switch {
	case err == nil && n == 0 && len(p) > 0:
		return 0, io.EOF
	case err == nil:
		s.bytesIn.Add(int64(n))
		return n, nil
	case isWouldBlock(err):
		return 0, s.wouldBlock(api.EventReadable)
	default:
		return 0, fmt.Errorf("read: %w", err)
	}
}

// Send writes p, possibly partially. On EAGAIN with nothing written it
// re-arms writable interest and returns api.ErrWouldBlock. A partial write
// arms readable and writable together, since arming replaces the previous
// interest.
func (s *Socket) Send(p []byte) (int, error) {
	n, err := unix.Write(s.FD(), p)
	switch {
	case err == nil:
		s.bytesOut.Add(int64(n))
		if n < len(p) {
			if err := s.RequestEvent(api.EventReadable | api.EventWritable); err != nil {
				return n, err
			}
		}
		return n, nil
	case isWouldBlock(err):
		return 0, s.wouldBlock(api.EventWritable)
	default:
		return 0, fmt.Errorf("write: %w", err)
	}
}

// WriteV gathers bufs into one write.
func (s *Socket) WriteV(bufs [][]byte) (int, error) {
	n, err := unix.Writev(s.FD(), bufs)
	switch {
	case err == nil:
		s.bytesOut.Add(int64(n))
		return n, nil
	case isWouldBlock(err):
		return 0, s.wouldBlock(api.EventWritable)
	default:
		return 0, fmt.Errorf("writev: %w", err)
	}
}

func (s *Socket) wouldBlock(mask api.EventMask) error {
	if err := s.RequestEvent(mask); err != nil {
		return err
	}
	return api.ErrWouldBlock
}

// Stats returns byte counters.
func (s *Socket) Stats() (in, out int64) {
	return s.bytesIn.Load(), s.bytesOut.Load()
}

// Close releases the descriptor and its registration.
func (s *Socket) Close() error {
	if s.ctx == nil {
		return nil
	}
	return s.ctx.Cleanup()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
