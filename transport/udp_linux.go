//go:build linux
// +build linux

// File: transport/udp_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// UDPSocket: datagram I/O for media and acknowledgement traffic.

package transport

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rtp/api"
	"github.com/momentics/hioload-rtp/reactor"
)

// UDPSocket is a non-blocking datagram socket with an optional default
// destination.
type UDPSocket struct {
	Socket
	dest   unix.Sockaddr
	destAP netip.AddrPort
}

// NewUDPSocket returns an unopened datagram socket bound to thread.
func NewUDPSocket(thread *reactor.EventThread) *UDPSocket {
	return &UDPSocket{Socket: Socket{thread: thread}}
}

// Open creates the datagram descriptor.
func (s *UDPSocket) Open(ipv6 bool) error {
	family := unix.AF_INET
	if ipv6 {
		family = unix.AF_INET6
	}
	return s.open(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
}

// SetDestination sets the peer used by Send.
func (s *UDPSocket) SetDestination(addr netip.AddrPort) error {
	sa, _, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	s.dest, s.destAP = sa, addr
	return nil
}

// Destination returns the peer used by Send.
func (s *UDPSocket) Destination() netip.AddrPort { return s.destAP }

// Send writes one datagram to the default destination.
func (s *UDPSocket) Send(p []byte) (int, error) {
	if s.dest == nil {
		return 0, fmt.Errorf("transport: udp send without destination: %w", api.ErrInvalidArgument)
	}
	return s.sendTo(p, s.dest)
}

// SendTo writes one datagram to addr.
func (s *UDPSocket) SendTo(addr netip.AddrPort, p []byte) (int, error) {
	sa, _, err := toSockaddr(addr)
	if err != nil {
		return 0, err
	}
	return s.sendTo(p, sa)
}

func (s *UDPSocket) sendTo(p []byte, sa unix.Sockaddr) (int, error) {
	err := unix.Sendto(s.FD(), p, 0, sa)
	switch {
	case err == nil:
		s.bytesOut.Add(int64(len(p)))
		return len(p), nil
	case isWouldBlock(err):
		return 0, s.wouldBlock(api.EventWritable)
	default:
		return 0, fmt.Errorf("sendto: %w", err)
	}
}

// RecvFrom reads one datagram. On EAGAIN it re-arms readable interest and
// returns api.ErrWouldBlock.
func (s *UDPSocket) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	n, sa, err := unix.Recvfrom(s.FD(), p, 0)
	switch {
	case err == nil:
		s.bytesIn.Add(int64(n))
		return n, fromSockaddr(sa), nil
	case isWouldBlock(err):
		return 0, netip.AddrPort{}, s.wouldBlock(api.EventReadable)
	default:
		return 0, netip.AddrPort{}, fmt.Errorf("recvfrom: %w", err)
	}
}
