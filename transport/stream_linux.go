//go:build linux
// +build linux

// File: transport/stream_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// StreamSocket: TCP connections, accepted or dialed.

package transport

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rtp/api"
	"github.com/momentics/hioload-rtp/reactor"
)

// StreamSocket is a non-blocking TCP socket.
type StreamSocket struct {
	Socket
	remote    netip.AddrPort
	connected bool
}

// NewStreamSocket returns an unopened stream socket bound to thread.
func NewStreamSocket(thread *reactor.EventThread) *StreamSocket {
	return &StreamSocket{Socket: Socket{thread: thread}}
}

// Open creates the TCP descriptor for the given address family.
func (s *StreamSocket) Open(ipv6 bool) error {
	family := unix.AF_INET
	if ipv6 {
		family = unix.AF_INET6
	}
	return s.open(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
}

// Connect starts a non-blocking connect. While the handshake is in flight it
// returns api.ErrWouldBlock with writable interest armed; the owning task
// then calls CheckConnected.
func (s *StreamSocket) Connect(addr netip.AddrPort) error {
	sa, _, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	s.remote = addr
	err = unix.Connect(s.FD(), sa)
	switch {
	case err == nil:
		s.connected = true
		return s.refreshLocal()
	case errors.Is(err, unix.EINPROGRESS):
		return s.wouldBlock(api.EventWritable)
	default:
		return fmt.Errorf("connect %v: %w", addr, err)
	}
}

// CheckConnected completes a pending Connect once the socket is writable.
func (s *StreamSocket) CheckConnected() error {
	if s.connected {
		return nil
	}
	soErr, err := unix.GetsockoptInt(s.FD(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if soErr != 0 {
		return fmt.Errorf("connect %v: %w", s.remote, unix.Errno(soErr))
	}
	s.connected = true
	return s.refreshLocal()
}

// Adopt takes an accepted descriptor.
func (s *StreamSocket) Adopt(fd int, remote netip.AddrPort) error {
	family := unix.AF_INET
	if remote.Addr().Is6() {
		family = unix.AF_INET6
	}
	s.adopt(fd, family)
	s.remote = remote
	s.connected = true
	return s.refreshLocal()
}

// RemoteAddr returns the peer address.
func (s *StreamSocket) RemoteAddr() netip.AddrPort { return s.remote }

// Connected reports whether the connection is established.
func (s *StreamSocket) Connected() bool { return s.connected }

// SetNoDelay toggles TCP_NODELAY.
func (s *StreamSocket) SetNoDelay(on bool) error {
	return s.setInt(unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(on), "TCP_NODELAY")
}

// SetKeepAlive toggles SO_KEEPALIVE.
func (s *StreamSocket) SetKeepAlive(on bool) error {
	return s.setInt(unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolInt(on), "SO_KEEPALIVE")
}

// Close drops the connection.
func (s *StreamSocket) Close() error {
	s.connected = false
	return s.Socket.Close()
}
