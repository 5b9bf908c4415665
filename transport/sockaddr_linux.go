//go:build linux
// +build linux

// File: transport/sockaddr_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rtp/api"
)

func toSockaddr(ap netip.AddrPort) (unix.Sockaddr, int, error) {
	addr := ap.Addr().Unmap()
	switch {
	case addr.Is4():
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, unix.AF_INET, nil
	case addr.Is6():
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, unix.AF_INET6, nil
	default:
		return nil, 0, fmt.Errorf("transport: address %v: %w", ap, api.ErrInvalidArgument)
	}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	default:
		return netip.AddrPort{}
	}
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
