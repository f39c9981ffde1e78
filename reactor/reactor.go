//go:build linux

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reactor is the epoll-driven I/O multiplexer bound to a
// coroutine.Engine's idle hook. It is built directly on
// golang.org/x/sys/unix syscalls rather than Go's net package, because
// owning the epoll instance itself -- not delegating to the runtime
// netpoller -- is the point: the engine's idle hook calls epoll_wait
// and translates readiness into coroutine wake-ups.
package reactor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	cclog "github.com/ClusterCockpit/cachepit/ccLogger"
	"github.com/ClusterCockpit/cachepit/coroutine"
)

// registerMask is the edge-triggered interest mask added to every
// epoll registration on top of the caller's requested readiness
// (EPOLLIN or EPOLLOUT): a peer hangup must be requested explicitly,
// unlike EPOLLERR/EPOLLHUP which the kernel reports regardless.
const registerMask = unix.EPOLLRDHUP | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLET

// readyMask is the subset of a post-wake event that means "stop
// retrying the syscall and take whatever it returns, including 0".
const readyMask = unix.EPOLLRDHUP | unix.EPOLLERR | unix.EPOLLHUP

// ErrStopped is returned by Read/Write/Accept once a connection's
// running flag has been cleared by Stop rather than by genuine fd
// readiness.
var ErrStopped = errors.New("reactor: stopped")

// Connection is the per-socket record the reactor hands to epoll as
// user data and that the idle hook looks up on readiness. It is also
// the process-wide shutdown unit: Stop walks every registered
// Connection, clears running, and half-closes its socket.
type Connection struct {
	fd       int
	ctx      *coroutine.Coroutine
	events   uint32
	running  atomic.Bool
	listener bool
}

// Fd returns the connection's file descriptor.
func (c *Connection) Fd() int { return c.fd }

// Reactor owns one epoll instance and the registry of every live
// connection, accepted or listening, bound to it. The registry is
// guarded by mu, which is never held across a coroutine suspension
// point.
type Reactor struct {
	epfd   int
	stopFD int
	engine *coroutine.Engine

	mu    sync.Mutex
	conns map[int]*Connection

	// running mirrors the original server-wide flag: Stop clears it
	// first, so a connection created after Stop has already run (a
	// worker spawned from a connection the acceptor had already
	// accepted) is born not-running rather than slipping past the
	// registry walk below.
	running atomic.Bool
}

// New creates a Reactor bound to engine. The engine's idle hook should
// call r.IdleHook.
func New(engine *coroutine.Engine) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("REACTOR/NEW > epoll_create1: %w", err)
	}

	stopFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("REACTOR/NEW > eventfd: %w", err)
	}

	r := &Reactor{
		epfd:   epfd,
		stopFD: stopFD,
		engine: engine,
		conns:  make(map[int]*Connection),
	}
	r.running.Store(true)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(stopFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, stopFD, &ev); err != nil {
		unix.Close(stopFD)
		unix.Close(epfd)
		return nil, fmt.Errorf("REACTOR/NEW > epoll_ctl(stop): %w", err)
	}

	return r, nil
}

// Close releases the epoll instance and the stop eventfd.
func (r *Reactor) Close() {
	unix.Close(r.stopFD)
	unix.Close(r.epfd)
}

// Stop clears every registered connection's running flag, half-closes
// every tracked accepted socket (the listening socket is left to its
// owner to close), and signals the idle hook's next epoll_wait to
// return via the stop eventfd, which wakes every coroutine currently
// blocked in Read/Write/Accept. Those calls then observe running ==
// false and return ErrStopped instead of retrying their syscall. Safe
// to call from any OS thread.
func (r *Reactor) Stop() {
	cclog.Warn("REACTOR/STOP > clearing running connections")

	r.running.Store(false)

	r.mu.Lock()
	for _, conn := range r.conns {
		conn.running.Store(false)
		if !conn.listener {
			if err := unix.Shutdown(conn.fd, unix.SHUT_RDWR); err != nil && err != unix.ENOTCONN {
				cclog.Errorf("REACTOR/STOP > shutdown(fd=%d): %s", conn.fd, err)
			}
		}
	}
	r.mu.Unlock()

	buf := make([]byte, 8)
	buf[0] = 1
	if _, err := unix.Write(r.stopFD, buf); err != nil {
		cclog.Errorf("REACTOR/STOP > writing stop eventfd: %s", err)
	}
}

// NewConnection wraps an already-accepted, already non-blocking fd for
// use with the suspending Read/Write/Accept wrappers below, and
// registers it so Stop can find and shut it down. listener marks the
// server's listening socket, which Stop clears but never shuts down
// (its owner closes it directly).
func (r *Reactor) NewConnection(fd int, ctx *coroutine.Coroutine, listener bool) *Connection {
	conn := &Connection{fd: fd, ctx: ctx, listener: listener}
	conn.running.Store(r.running.Load())

	r.mu.Lock()
	r.conns[fd] = conn
	r.mu.Unlock()

	return conn
}

// Unregister removes conn from the registry Stop walks. Callers must
// unregister a connection before (or as part of) closing its socket.
func (r *Reactor) Unregister(conn *Connection) {
	r.mu.Lock()
	delete(r.conns, conn.fd)
	r.mu.Unlock()
}

// IdleHook performs one round of epoll_wait with an infinite timeout
// and wakes whatever it finds ready. It is meant to be the body of the
// coroutine.Engine's idle coroutine: the engine keeps re-entering it in
// a loop until every connection worker has finished.
func (r *Reactor) IdleHook() {
	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], -1)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		cclog.Errorf("REACTOR/IDLEHOOK > epoll_wait: %s", err)
		return
	}

	for i := 0; i < n; i++ {
		ev := events[i]
		if int(ev.Fd) == r.stopFD {
			r.engine.WakeAll()
			continue
		}

		r.mu.Lock()
		conn, ok := r.conns[int(ev.Fd)]
		r.mu.Unlock()
		if !ok {
			continue
		}

		conn.events = ev.Events
		r.engine.Wake(conn.ctx)
	}
}

// blockUntilReady registers fd for the requested readiness, blocks the
// calling coroutine, and deregisters the descriptor before returning --
// the reactor deregisters after every single event rather than relying
// on EPOLLONESHOT, matching the simpler (if more syscall-heavy) behavior
// the original engine used. Registry membership (for Stop) is handled
// separately, by NewConnection/Unregister.
func (r *Reactor) blockUntilReady(conn *Connection, want uint32) {
	ev := unix.EpollEvent{Events: want | registerMask, Fd: int32(conn.fd)}

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, conn.fd, &ev); err != nil {
		cclog.Errorf("REACTOR/BLOCK > epoll_ctl(add, fd=%d): %s", conn.fd, err)
	}

	r.engine.Block()

	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, conn.fd, nil)
}

// Read behaves like unix.Read but suspends the calling coroutine
// instead of blocking the OS thread when the socket is not yet
// readable. It returns ErrStopped once conn.running is cleared by
// Stop, without retrying the read.
func (r *Reactor) Read(conn *Connection, buf []byte) (int, error) {
	for conn.running.Load() {
		n, err := unix.Read(conn.fd, buf)
		if err == nil {
			return n, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return n, err
		}

		r.blockUntilReady(conn, unix.EPOLLIN)
		if conn.events&readyMask != 0 {
			return unix.Read(conn.fd, buf)
		}
	}
	return 0, ErrStopped
}

// Write behaves like unix.Write but suspends the calling coroutine
// instead of blocking the OS thread when the socket is not yet
// writable. It returns ErrStopped once conn.running is cleared by
// Stop, without retrying the write.
func (r *Reactor) Write(conn *Connection, buf []byte) (int, error) {
	for conn.running.Load() {
		n, err := unix.Write(conn.fd, buf)
		if err == nil {
			return n, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return n, err
		}

		r.blockUntilReady(conn, unix.EPOLLOUT)
		if conn.events&readyMask != 0 {
			return unix.Write(conn.fd, buf)
		}
	}
	return 0, ErrStopped
}

// Accept behaves like accept4(listenFD, SOCK_NONBLOCK|SOCK_CLOEXEC) but
// suspends the calling coroutine instead of blocking the OS thread
// while no connection is pending. It returns ErrStopped once
// listenConn.running is cleared by Stop, without retrying the accept.
func (r *Reactor) Accept(listenConn *Connection) (int, error) {
	for listenConn.running.Load() {
		fd, _, err := unix.Accept4(listenConn.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			return fd, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return fd, err
		}

		r.blockUntilReady(listenConn, unix.EPOLLIN)
		if listenConn.events&readyMask != 0 {
			return unix.Accept4(listenConn.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		}
	}
	return -1, ErrStopped
}

// SetNonblocking marks fd non-blocking, as required before it can be
// driven through the suspending wrappers above.
func SetNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// Listen creates a non-blocking IPv4 TCP listening socket bound to
// port on all interfaces, with SO_REUSEADDR and SO_KEEPALIVE set and
// the given backlog.
func Listen(port int, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("REACTOR/LISTEN > socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("REACTOR/LISTEN > setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("REACTOR/LISTEN > setsockopt(SO_KEEPALIVE): %w", err)
	}

	addr := unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("REACTOR/LISTEN > bind(:%d): %w", port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("REACTOR/LISTEN > listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("REACTOR/LISTEN > set nonblocking: %w", err)
	}

	return fd, nil
}

// CloseFD closes a raw file descriptor, e.g. one returned by Accept or
// Listen.
func CloseFD(fd int) error {
	return unix.Close(fd)
}

// BoundPort returns the port actually bound to fd, useful when port 0
// was requested so the kernel picks an ephemeral one.
func BoundPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("REACTOR/BOUNDPORT > getsockname: %w", err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("REACTOR/BOUNDPORT > unexpected sockaddr type %T", sa)
	}
	return sa4.Port, nil
}
