//go:build !linux

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package reactor

import (
	"errors"

	"github.com/ClusterCockpit/cachepit/coroutine"
)

// ErrUnsupported is returned by every Reactor operation on platforms
// without epoll. The reactor is the one component in this repository
// that is inherently Linux-specific -- edge-triggered epoll has no
// portable equivalent -- so non-Linux builds still compile but cannot
// actually serve connections.
var ErrUnsupported = errors.New("reactor: epoll is only available on linux")

// ErrStopped mirrors the linux build's sentinel so callers can type-switch
// on it regardless of platform, even though it is never actually returned
// here (every stub call already fails with ErrUnsupported).
var ErrStopped = errors.New("reactor: stopped")

type Connection struct{}

func (c *Connection) Fd() int { return -1 }

type Reactor struct{}

func New(engine *coroutine.Engine) (*Reactor, error) {
	return nil, ErrUnsupported
}

func (r *Reactor) Close() {}

func (r *Reactor) Stop() {}

func (r *Reactor) NewConnection(fd int, ctx *coroutine.Coroutine, listener bool) *Connection {
	return &Connection{}
}

func (r *Reactor) Unregister(conn *Connection) {}

func (r *Reactor) IdleHook() {}

func (r *Reactor) Read(conn *Connection, buf []byte) (int, error) {
	return 0, ErrUnsupported
}

func (r *Reactor) Write(conn *Connection, buf []byte) (int, error) {
	return 0, ErrUnsupported
}

func (r *Reactor) Accept(listenConn *Connection) (int, error) {
	return -1, ErrUnsupported
}

func SetNonblocking(fd int) error {
	return ErrUnsupported
}

func Listen(port int, backlog int) (int, error) {
	return -1, ErrUnsupported
}

func BoundPort(fd int) (int, error) {
	return 0, ErrUnsupported
}

func CloseFD(fd int) error {
	return ErrUnsupported
}
