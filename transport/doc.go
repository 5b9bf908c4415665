// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package transport provides non-blocking sockets driven by the reactor.
//
// Socket wraps a descriptor and its reactor.EventContext. Reads and writes
// never block: on EAGAIN the socket re-arms readiness interest and reports
// api.ErrWouldBlock, and the owning task is signaled once the descriptor is
// ready again. StreamSocket adds TCP connection handling, UDPSocket datagram
// I/O, and ListenerSocket is itself a task accepting connections.
//
// The package targets Linux.
package transport
