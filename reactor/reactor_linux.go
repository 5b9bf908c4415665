//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based poller. The tag rides in the Fd field of the epoll
// data union; EPOLLONESHOT gives the re-arm-per-event contract.

package reactor

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rtp/api"
)

// epollPoller is an epoll-based Poller.
type epollPoller struct {
	epfd   int
	wakeFd int
	raw    []unix.EpollEvent
	closed atomic.Bool
}

// NewPoller constructs the platform Poller.
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeTag)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		_ = unix.Close(wfd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakeup: %w", err)
	}
	return &epollPoller{
		epfd:   epfd,
		wakeFd: wfd,
		raw:    make([]unix.EpollEvent, maxEventsPerWait),
	}, nil
}

func epollEvents(mask api.EventMask) uint32 {
	ev := uint32(unix.EPOLLONESHOT | unix.EPOLLRDHUP)
	if mask&api.EventReadable != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&api.EventWritable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Register adds fd with one-shot interest.
func (p *epollPoller) Register(fd int, tag uint32, mask api.EventMask) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	ev := &unix.EpollEvent{Events: epollEvents(mask), Fd: int32(tag)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("epoll ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Modify re-arms fd.
func (p *epollPoller) Modify(fd int, tag uint32, mask api.EventMask) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	ev := &unix.EpollEvent{Events: epollEvents(mask), Fd: int32(tag)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("epoll ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Unregister removes fd from the interest list.
func (p *epollPoller) Unregister(fd int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait waits for epoll events and translates them. Only one goroutine may Wait.
func (p *epollPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	raw := p.raw
	if len(events) < len(raw) {
		raw = raw[:len(events)]
	}
	n, err := unix.EpollWait(p.epfd, raw, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil // interrupted by signal, normal
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	out := 0
	for i := 0; i < n; i++ {
		tag := uint32(raw[i].Fd)
		if tag == wakeTag {
			p.drainWakeup()
			continue
		}
		var ev Event
		ev.Tag = tag
		flags := raw[i].Events
		if flags&unix.EPOLLIN != 0 {
			ev.Mask |= api.EventReadable
		}
		if flags&unix.EPOLLOUT != 0 {
			ev.Mask |= api.EventWritable
		}
		if flags&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			ev.Hangup = true
			ev.Mask |= api.EventReadable
		}
		events[out] = ev
		out++
	}
	return out, nil
}

// Wakeup bumps the eventfd counter so a blocked Wait returns.
func (p *epollPoller) Wakeup() error {
	var one = [8]byte{1}
	if _, err := unix.Write(p.wakeFd, one[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *epollPoller) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(p.wakeFd, buf[:])
}

// Close closes the epoll instance and the wake-up descriptor.
func (p *epollPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	werr := unix.Close(p.wakeFd)
	if err := unix.Close(p.epfd); err != nil {
		return err
	}
	return werr
}
