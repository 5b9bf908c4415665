//go:build linux
// +build linux

package transport

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rtp/api"
	"github.com/momentics/hioload-rtp/internal/concurrency"
	"github.com/momentics/hioload-rtp/reactor"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

type harness struct {
	pool   *concurrency.WorkerPool
	thread *reactor.EventThread
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pool := concurrency.NewWorkerPool(2)
	thread, err := reactor.NewEventThread()
	require.NoError(t, err)
	thread.Start()
	t.Cleanup(func() {
		_ = thread.Stop()
		pool.Shutdown()
	})
	return &harness{pool: pool, thread: thread}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// echoTask reads everything available and writes it back.
func (h *harness) echoTask(sock *StreamSocket, onClose func()) *concurrency.Task {
	buf := make([]byte, 1024)
	return h.pool.NewTask("echo", concurrency.RunnerFunc(func(t *concurrency.Task) concurrency.Result {
		if t.GetEvents().Has(concurrency.EventKill) {
			_ = sock.Close()
			return concurrency.Terminate()
		}
		for {
			n, err := sock.Read(buf)
			if errors.Is(err, api.ErrWouldBlock) {
				return concurrency.Idle()
			}
			if err != nil {
				_ = sock.Close()
				if onClose != nil {
					onClose()
				}
				return concurrency.Terminate()
			}
			_, _ = sock.Send(buf[:n])
		}
	}))
}

func TestUDPSocket_SendRecv(t *testing.T) {
	h := newHarness(t)

	a := NewUDPSocket(h.thread)
	require.NoError(t, a.Open(false))
	defer a.Close()
	require.NoError(t, a.Bind(loopback))

	b := NewUDPSocket(h.thread)
	require.NoError(t, b.Open(false))
	defer b.Close()
	require.NoError(t, b.Bind(loopback))

	_, err := a.Send([]byte("x"))
	assert.ErrorIs(t, err, api.ErrInvalidArgument, "send needs a destination")

	require.NoError(t, a.SetDestination(b.LocalAddr()))
	n, err := a.Send([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 64)
	var from netip.AddrPort
	require.Eventually(t, func() bool {
		n, from, err = b.RecvFrom(buf)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, a.LocalAddr(), from)

	_, _, err = b.RecvFrom(buf)
	assert.ErrorIs(t, err, api.ErrWouldBlock)
	assert.NotZero(t, b.ctx.Tag(), "would-block must arm readiness interest")
}

func TestListener_AcceptsAndEchoes(t *testing.T) {
	h := newHarness(t)

	adopted := make(chan *StreamSocket, 1)
	var ls *ListenerSocket
	ls = NewListenerSocket(h.pool, h.thread, ConnectionFactoryFunc(func(sock *StreamSocket) (*concurrency.Task, error) {
		adopted <- sock
		return h.echoTask(sock, ls.ConnectionClosed), nil
	}), WithListenerLogger(quietLogger()))
	require.NoError(t, ls.Initialize(loopback, 0))
	defer ls.Stop()

	conn, err := net.Dial("tcp", ls.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	var sock *StreamSocket
	select {
	case sock = <-adopted:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not adopted")
	}
	assert.True(t, sock.Connected())
	assert.Equal(t, conn.LocalAddr().String(), sock.RemoteAddr().String())

	nodelay, err := unix.GetsockoptInt(sock.FD(), unix.IPPROTO_TCP, unix.TCP_NODELAY)
	require.NoError(t, err)
	assert.Equal(t, 1, nodelay)
	keepalive, err := unix.GetsockoptInt(sock.FD(), unix.SOL_SOCKET, unix.SO_KEEPALIVE)
	require.NoError(t, err)
	assert.Equal(t, 1, keepalive)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply := make([]byte, 4)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))

	assert.Equal(t, int64(1), ls.Stats()["accepted"])
	conn.Close()
	require.Eventually(t, func() bool { return ls.NumConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamSocket_PartialSendKeepsReadInterest(t *testing.T) {
	h := newHarness(t)

	adopted := make(chan *StreamSocket, 1)
	events := make(chan concurrency.EventFlags, 16)
	ls := NewListenerSocket(h.pool, h.thread, ConnectionFactoryFunc(func(sock *StreamSocket) (*concurrency.Task, error) {
		adopted <- sock
		return h.pool.NewTask("sink", concurrency.RunnerFunc(func(t *concurrency.Task) concurrency.Result {
			if ev := t.GetEvents(); ev != 0 {
				events <- ev
			}
			return concurrency.Idle()
		})), nil
	}), WithListenerLogger(quietLogger()))
	require.NoError(t, ls.Initialize(loopback, 0))
	defer ls.Stop()

	conn, err := net.Dial("tcp", ls.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	var sock *StreamSocket
	select {
	case sock = <-adopted:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not adopted")
	}
	defer sock.Close()
	require.NoError(t, sock.SetSendBufferSize(4096))

	// the peer never reads, so the kernel takes only part of this
	big := make([]byte, 16<<20)
	n, err := sock.Send(big)
	require.NoError(t, err)
	require.Positive(t, n)
	require.Less(t, n, len(big))

	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Has(concurrency.EventRead) {
				return
			}
		case <-deadline:
			t.Fatal("readable interest was dropped by the partial send")
		}
	}
}

func TestListener_ThrottlesAtCeiling(t *testing.T) {
	h := newHarness(t)

	var adopted atomic.Int32
	var ls *ListenerSocket
	ls = NewListenerSocket(h.pool, h.thread, ConnectionFactoryFunc(func(sock *StreamSocket) (*concurrency.Task, error) {
		adopted.Add(1)
		return h.echoTask(sock, ls.ConnectionClosed), nil
	}), WithMaxConnections(1), WithListenerLogger(quietLogger()))
	require.NoError(t, ls.Initialize(loopback, 0))
	defer ls.Stop()

	c1, err := net.Dial("tcp", ls.LocalAddr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return adopted.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	c2, err := net.Dial("tcp", ls.LocalAddr().String()) // completes in the kernel backlog
	require.NoError(t, err)
	defer c2.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), adopted.Load(), "second connection accepted above the ceiling")
	assert.True(t, ls.IsOverMaxConnections())

	c1.Close()
	require.Eventually(t, func() bool { return adopted.Load() == 2 }, 3*time.Second, 10*time.Millisecond,
		"throttled listener should accept again after its idle timer")
	assert.Equal(t, int64(1), ls.Stats()["throttles"])
}

func TestListener_RejectedConnectionIsClosed(t *testing.T) {
	h := newHarness(t)

	ls := NewListenerSocket(h.pool, h.thread, ConnectionFactoryFunc(func(*StreamSocket) (*concurrency.Task, error) {
		return nil, errors.New("no capacity")
	}), WithListenerLogger(quietLogger()))
	require.NoError(t, ls.Initialize(loopback, 0))
	defer ls.Stop()

	conn, err := net.Dial("tcp", ls.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(1), ls.Stats()["rejected"])
	assert.Zero(t, ls.NumConnections())
}

func TestListener_DescriptorExhaustionIsFatal(t *testing.T) {
	h := newHarness(t)

	fatal := make(chan error, 1)
	ls := NewListenerSocket(h.pool, h.thread, ConnectionFactoryFunc(func(*StreamSocket) (*concurrency.Task, error) {
		t.Error("factory must not be reached")
		return nil, nil
	}), WithFatalHandler(func(err error) { fatal <- err }), WithListenerLogger(quietLogger()))
	ls.accept = func(int, int) (int, unix.Sockaddr, error) { return -1, nil, unix.EMFILE }
	require.NoError(t, ls.Initialize(loopback, 0))

	// the listener closes itself on the fatal path, which may reset the
	// connection before Dial returns
	if conn, err := net.Dial("tcp", ls.LocalAddr().String()); err == nil {
		defer conn.Close()
	}

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, unix.EMFILE)
	case <-time.After(2 * time.Second):
		t.Fatal("EMFILE did not reach the fatal handler")
	}
	require.Eventually(t, func() bool { return !ls.Task().Alive() }, time.Second, 5*time.Millisecond)
}

func TestStreamSocket_NonBlockingConnect(t *testing.T) {
	h := newHarness(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			_, _ = io.Copy(c, c)
			c.Close()
		}
	}()

	connected := make(chan error, 1)
	sock := NewStreamSocket(h.thread)
	require.NoError(t, sock.Open(false))
	task := h.pool.NewTask("dialer", concurrency.RunnerFunc(func(t *concurrency.Task) concurrency.Result {
		if t.GetEvents().Has(concurrency.EventWrite) {
			connected <- sock.CheckConnected()
			return concurrency.Terminate()
		}
		return concurrency.Idle()
	}))
	sock.SetTask(task)

	err = sock.Connect(netip.MustParseAddrPort(ln.Addr().String()))
	if err == nil {
		connected <- nil
	} else {
		require.ErrorIs(t, err, api.ErrWouldBlock)
	}

	select {
	case err := <-connected:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect never completed")
	}
	assert.True(t, sock.Connected())
	assert.True(t, sock.LocalAddr().IsValid())
	require.NoError(t, sock.Close())
	assert.False(t, sock.IsOpen())
}
