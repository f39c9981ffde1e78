// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package server wires the coroutine engine, the epoll reactor, the
// store, and the text protocol into a running TCP cache server. One
// acceptor coroutine spawns one worker coroutine per accepted
// connection; the engine runs them cooperatively, one at a time.
package server

import (
	"fmt"
	"net"
	"runtime"
	"sync"

	cclog "github.com/ClusterCockpit/cachepit/ccLogger"
	"github.com/ClusterCockpit/cachepit/coroutine"
	"github.com/ClusterCockpit/cachepit/metrics"
	"github.com/ClusterCockpit/cachepit/protocol"
	"github.com/ClusterCockpit/cachepit/reactor"
	"github.com/ClusterCockpit/cachepit/store"
	"github.com/ClusterCockpit/cachepit/telemetry"
)

// listenBacklog matches the small, fixed backlog the reference design
// uses; this is not meant to be tuned per deployment.
const listenBacklog = 5

// readBufferSize is the chunk size read from a connection per Read
// call. Partial commands accumulate in the per-connection buffer
// across calls.
const readBufferSize = 4096

// writeBufferSize is the chunk size a response is drained into via
// Command.Build per write attempt.
const writeBufferSize = 4096

// Parser is the pluggable parser constructor: one new Parser per
// accepted connection, since a Parser carries per-connection state.
type Parser func() protocol.Parser

// Server owns one listening socket, one coroutine engine, and the
// store it serves. nAcceptors/nWorkers are accepted on Start only for
// signature compatibility with a pool-based server design; this
// implementation always runs exactly one acceptor coroutine per Start
// and one worker coroutine per live connection, all cooperatively
// scheduled by one engine that runs a single coroutine at a time.
type Server struct {
	store     *store.Store
	newParser Parser
	executor  protocol.Executor
	collector *metrics.Collector
	publisher *telemetry.Publisher

	mu        sync.Mutex
	engine    *coroutine.Engine
	reactor   *reactor.Reactor
	listenFD  int
	boundPort int
	done      chan struct{}
}

// New creates a Server bound to store s. collector and publisher may
// be nil; a nil publisher makes every telemetry call a no-op.
func New(s *store.Store, newParser Parser, executor protocol.Executor, collector *metrics.Collector, publisher *telemetry.Publisher) *Server {
	return &Server{
		store:     s,
		newParser: newParser,
		executor:  executor,
		collector: collector,
		publisher: publisher,
		listenFD:  -1,
	}
}

// Start binds port (0 picks an ephemeral port) and begins serving in
// the background. nAcceptors and nWorkers are accepted for signature
// compatibility and ignored: the coroutine engine spawns one worker per
// connection and runs one coroutine at a time, which makes a fixed-size
// acceptor/worker pool meaningless, a deliberate deviation from a
// thread-pool server design.
func (s *Server) Start(port int, nAcceptors int, nWorkers int) error {
	cclog.ComponentInfo("Server", fmt.Sprintf(
		"nAcceptors=%d nWorkers=%d are accepted for API compatibility and ignored; "+
			"the coroutine engine serves every connection, one coroutine at a time", nAcceptors, nWorkers))

	fd, err := reactor.Listen(port, listenBacklog)
	if err != nil {
		return fmt.Errorf("SERVER/START > %w", err)
	}

	boundPort, err := reactor.BoundPort(fd)
	if err != nil {
		reactor.CloseFD(fd)
		return fmt.Errorf("SERVER/START > %w", err)
	}

	var r *reactor.Reactor
	engine := coroutine.NewEngine(func() {
		r.IdleHook()
	})

	r, err = reactor.New(engine)
	if err != nil {
		reactor.CloseFD(fd)
		return fmt.Errorf("SERVER/START > %w", err)
	}

	s.mu.Lock()
	s.engine = engine
	s.reactor = r
	s.listenFD = fd
	s.boundPort = boundPort
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		engine.Start(func() {
			s.acceptLoop(engine, r, fd)
		})

		r.Close()
		close(s.done)
	}()

	cclog.ComponentInfo("Server", fmt.Sprintf("listening on :%d", boundPort))
	return nil
}

// Stop signals the reactor to shut down: every coroutine blocked in
// Read/Write/Accept is woken and returns reactor.ErrStopped, which
// unwinds the acceptor and worker loops. Stop does not block; call
// Join to wait for shutdown to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	r := s.reactor
	fd := s.listenFD
	s.mu.Unlock()

	if r == nil {
		return
	}
	r.Stop()
	if fd >= 0 {
		reactor.CloseFD(fd)
	}
}

// Join blocks until the server's engine goroutine has fully exited. It
// only returns a non-nil error for conditions detected outside the
// engine itself; a panicking coroutine is fatal and propagates out of
// the engine's own goroutine instead of being reported here, per the
// engine's panic policy.
func (s *Server) Join() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	<-done
	return nil
}

// Addr returns the server's bound TCP address. Only meaningful after
// Start has returned successfully.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &net.TCPAddr{IP: net.IPv4zero, Port: s.boundPort}
}

// acceptLoop is the body of the single acceptor coroutine: it accepts
// connections until the reactor is stopped, spawning one worker
// coroutine per connection.
func (s *Server) acceptLoop(engine *coroutine.Engine, r *reactor.Reactor, listenFD int) {
	self := engine.Current()
	listenConn := r.NewConnection(listenFD, self, true)
	defer r.Unregister(listenConn)

	for {
		connFD, err := r.Accept(listenConn)
		if err != nil {
			if err != reactor.ErrStopped {
				cclog.ComponentError("Server", "accept:", err.Error())
			}
			return
		}

		if err := reactor.SetNonblocking(connFD); err != nil {
			cclog.ComponentError("Server", "set nonblocking on accepted fd:", err.Error())
			reactor.CloseFD(connFD)
			continue
		}

		s.collector.ConnectionOpened()
		remote := fmt.Sprintf("fd:%d", connFD)
		s.publisher.ConnectionOpened(remote)

		engine.Spawn(func() {
			s.serveConnection(engine, r, connFD, remote)
		})
	}
}

// serveConnection is the body of one worker coroutine: it reads
// bytes, feeds them to a fresh Parser, executes complete commands
// against the store, and writes the rendered response back.
func (s *Server) serveConnection(engine *coroutine.Engine, r *reactor.Reactor, connFD int, remote string) {
	self := engine.Current()
	conn := r.NewConnection(connFD, self, false)
	defer func() {
		r.Unregister(conn)
		reactor.CloseFD(connFD)
		s.collector.ConnectionClosed()
		s.publisher.ConnectionClosed(remote)
	}()

	parser := s.newParser()

	var pending []byte
	readBuf := make([]byte, readBufferSize)

	for {
		consumed, complete := parser.Parse(pending)
		if complete {
			pending = pending[consumed:]
			cmd := parser.Command()

			if err := s.executor.Execute(s.store, cmd); err != nil {
				cclog.ComponentError("Server", "execute:", err.Error())
				return
			}
			s.collector.ObserveCommand(cmd.Name())
			s.observeStore()

			if !s.writeResponse(r, conn, cmd) {
				return
			}
			continue
		}

		n, err := r.Read(conn, readBuf)
		if err != nil {
			if err != reactor.ErrStopped {
				cclog.ComponentDebug("Server", "read:", err.Error())
			}
			return
		}
		if n == 0 {
			return
		}
		pending = append(pending, readBuf[:n]...)
	}
}

// writeResponse drains cmd's response through Build into a fixed write
// buffer, writing each chunk out in turn, until Build reports nothing
// remains.
func (s *Server) writeResponse(r *reactor.Reactor, conn *reactor.Connection, cmd protocol.Command) bool {
	writeBuf := make([]byte, writeBufferSize)
	for {
		n, remaining := cmd.Build(writeBuf)
		if n > 0 && !s.writeAll(r, conn, writeBuf[:n]) {
			return false
		}
		if remaining == 0 {
			return true
		}
	}
}

func (s *Server) writeAll(r *reactor.Reactor, conn *reactor.Connection, buf []byte) bool {
	for len(buf) > 0 {
		n, err := r.Write(conn, buf)
		if err != nil {
			if err != reactor.ErrStopped {
				cclog.ComponentDebug("Server", "write:", err.Error())
			}
			return false
		}
		buf = buf[n:]
	}
	return true
}

func (s *Server) observeStore() {
	entries, used, maxBytes := s.store.Stats()
	s.collector.ObserveStore(entries, used, maxBytes)
}
