//go:build linux
// +build linux

// File: transport/listener_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ListenerSocket: a task that accepts TCP connections and hands each one to
// a connection factory.

package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rtp/api"
	"github.com/momentics/hioload-rtp/internal/concurrency"
	"github.com/momentics/hioload-rtp/reactor"
)

const (
	// ThrottleDelay is how long the listener sleeps between accept rounds
	// while at the connection ceiling.
	ThrottleDelay = time.Second

	DefaultBacklog        = 511
	DefaultSendBufferSize = 96 * 1024
)

// ConnectionFactory adopts accepted connections. NewConnection returns the
// task that will own sock; the listener fills sock in and arms read interest.
// Returning an error rejects the connection and closes it. A returned task
// must call ConnectionClosed exactly once, also when it is killed.
type ConnectionFactory interface {
	NewConnection(sock *StreamSocket) (*concurrency.Task, error)
}

// ConnectionFactoryFunc adapts a function to ConnectionFactory.
type ConnectionFactoryFunc func(sock *StreamSocket) (*concurrency.Task, error)

// NewConnection calls f(sock).
func (f ConnectionFactoryFunc) NewConnection(sock *StreamSocket) (*concurrency.Task, error) {
	return f(sock)
}

// ListenerSocket accepts connections on a Socket and is scheduled as a task.
type ListenerSocket struct {
	Socket
	task     *concurrency.Task
	factory  ConnectionFactory
	log      logrus.FieldLogger
	warn     *catrate.Limiter
	fatal    func(error)
	accept   func(fd, flags int) (int, unix.Sockaddr, error)
	sndBuf   int
	maxConns atomic.Int64
	conns    atomic.Int64

	throttled atomic.Bool
	accepted  atomic.Int64
	rejected  atomic.Int64
	throttles atomic.Int64
}

// ListenerOption customizes NewListenerSocket.
type ListenerOption func(*ListenerSocket)

// WithListenerLogger sets the logger.
func WithListenerLogger(l logrus.FieldLogger) ListenerOption {
	return func(ls *ListenerSocket) {
		if l != nil {
			ls.log = l
		}
	}
}

// WithMaxConnections sets the connection ceiling; n <= 0 disables it.
func WithMaxConnections(n int) ListenerOption {
	return func(ls *ListenerSocket) { ls.maxConns.Store(int64(n)) }
}

// WithSendBufferSize sets SO_SNDBUF for accepted sockets.
func WithSendBufferSize(n int) ListenerOption {
	return func(ls *ListenerSocket) { ls.sndBuf = n }
}

// WithFatalHandler replaces the descriptor-exhaustion handler. The default
// logs and exits the process.
func WithFatalHandler(fn func(error)) ListenerOption {
	return func(ls *ListenerSocket) { ls.fatal = fn }
}

// NewListenerSocket creates an unopened listener scheduled on pool.
func NewListenerSocket(pool *concurrency.WorkerPool, thread *reactor.EventThread, factory ConnectionFactory, opts ...ListenerOption) *ListenerSocket {
	ls := &ListenerSocket{
		Socket:  Socket{thread: thread},
		factory: factory,
		log:     logrus.StandardLogger(),
		warn:    catrate.NewLimiter(map[time.Duration]int{10 * time.Second: 1}),
		accept:  unix.Accept4,
		sndBuf:  DefaultSendBufferSize,
	}
	for _, opt := range opts {
		opt(ls)
	}
	if ls.fatal == nil {
		ls.fatal = func(err error) {
			ls.log.WithError(err).Error("out of file descriptors, exiting")
			os.Exit(1)
		}
	}
	ls.task = pool.NewTask("listener", ls)
	return ls
}

// Initialize opens, binds and listens on addr, then arms accept readiness.
func (ls *ListenerSocket) Initialize(addr netip.AddrPort, backlog int) error {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	family := unix.AF_INET
	if addr.Addr().Unmap().Is6() {
		family = unix.AF_INET6
	}
	if err := ls.open(family, unix.SOCK_STREAM, unix.IPPROTO_TCP); err != nil {
		return err
	}
	if err := ls.SetReuseAddr(true); err != nil {
		ls.Close()
		return err
	}
	if err := ls.Bind(addr); err != nil {
		ls.Close()
		return err
	}
	if err := unix.Listen(ls.FD(), backlog); err != nil {
		ls.Close()
		return fmt.Errorf("listen %v: %w", addr, err)
	}
	ls.SetTask(ls.task)
	if err := ls.RequestEvent(api.EventReadable); err != nil {
		ls.Close()
		return err
	}
	ls.log.WithField("addr", ls.LocalAddr().String()).Info("listening")
	return nil
}

// Task returns the listener's own task.
func (ls *ListenerSocket) Task() *concurrency.Task { return ls.task }

// Stop closes the listener from its own task.
func (ls *ListenerSocket) Stop() { ls.task.Signal(concurrency.EventKill) }

// SetMaxConnections changes the ceiling at runtime.
func (ls *ListenerSocket) SetMaxConnections(n int) { ls.maxConns.Store(int64(n)) }

// ConnectionClosed must be called once per adopted connection when it ends.
func (ls *ListenerSocket) ConnectionClosed() { ls.conns.Add(-1) }

// NumConnections returns the number of live adopted connections.
func (ls *ListenerSocket) NumConnections() int64 { return ls.conns.Load() }

// IsOverMaxConnections reports whether the ceiling has been reached.
func (ls *ListenerSocket) IsOverMaxConnections() bool {
	limit := ls.maxConns.Load()
	return limit > 0 && ls.conns.Load() >= limit
}

// Run implements concurrency.Runner. Readable events and throttle timers
// both lead to an accept round.
func (ls *ListenerSocket) Run(t *concurrency.Task) concurrency.Result {
	events := t.GetEvents()
	if events.Has(concurrency.EventKill) {
		if err := ls.Close(); err != nil {
			ls.log.WithError(err).Warn("listener close failed")
		}
		return concurrency.Terminate()
	}
	if !ls.IsOpen() {
		return concurrency.Terminate()
	}
	if fatal := ls.acceptAll(); fatal {
		_ = ls.Close()
		return concurrency.Terminate()
	}
	if ls.IsOverMaxConnections() {
		if !ls.throttled.Swap(true) {
			ls.throttles.Add(1)
		}
		if _, ok := ls.warn.Allow("throttle"); ok {
			ls.log.WithFields(logrus.Fields{
				"connections": ls.conns.Load(),
				"max":         ls.maxConns.Load(),
			}).Warn("connection ceiling reached, throttling accepts")
		}
		return concurrency.RetryAfter(ThrottleDelay)
	}
	ls.throttled.Store(false)
	if err := ls.RequestEvent(api.EventReadable); err != nil {
		ls.log.WithError(err).Error("listener re-arm failed")
		return concurrency.Terminate()
	}
	return concurrency.Idle()
}

// acceptAll accepts until EAGAIN or the ceiling. It returns true after
// descriptor exhaustion has been reported.
func (ls *ListenerSocket) acceptAll() bool {
	for !ls.IsOverMaxConnections() {
		fd, sa, err := ls.accept(ls.FD(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case isWouldBlock(err):
				return false
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
				ls.fatal(fmt.Errorf("accept: %w", err))
				return true
			default:
				ls.log.WithError(err).Error("accept failed")
				return false
			}
		}
		ls.adoptConn(fd, fromSockaddr(sa))
	}
	return false
}

func (ls *ListenerSocket) adoptConn(fd int, remote netip.AddrPort) {
	sock := NewStreamSocket(ls.thread)
	if err := sock.Adopt(fd, remote); err != nil {
		ls.log.WithError(err).Warn("adopt accepted socket")
	}
	// best effort, a failing option does not cost the connection
	if err := sock.SetNoDelay(true); err != nil {
		ls.log.WithError(err).Debug("TCP_NODELAY")
	}
	if err := sock.SetKeepAlive(true); err != nil {
		ls.log.WithError(err).Debug("SO_KEEPALIVE")
	}
	if ls.sndBuf > 0 {
		if err := sock.SetSendBufferSize(ls.sndBuf); err != nil {
			ls.log.WithError(err).Debug("SO_SNDBUF")
		}
	}

	task, err := ls.factory.NewConnection(sock)
	if err != nil || task == nil {
		ls.rejected.Add(1)
		ls.log.WithError(err).WithField("remote", remote.String()).Info("connection rejected")
		_ = sock.Close()
		return
	}
	// from here on the task owns sock and reports its end
	ls.conns.Add(1)
	ls.accepted.Add(1)
	sock.SetTask(task)
	if err := sock.RequestEvent(api.EventReadable); err != nil {
		ls.log.WithError(err).Warn("arming accepted socket failed")
		_ = sock.Close()
		task.Signal(concurrency.EventKill)
	}
}

// Stats returns accept counters.
func (ls *ListenerSocket) Stats() map[string]int64 {
	return map[string]int64{
		"connections": ls.conns.Load(),
		"accepted":    ls.accepted.Load(),
		"rejected":    ls.rejected.Load(),
		"throttles":   ls.throttles.Load(),
	}
}
