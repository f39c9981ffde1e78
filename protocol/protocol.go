// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package protocol declares the external parser/command/executor
// contract a connection worker drives: bytes in, a Command out, a
// rendered response out. It has no concrete implementation of its own --
// textproto provides one -- so a different wire format can be swapped in
// without touching the store, engine, or reactor.
package protocol

import "github.com/ClusterCockpit/cachepit/store"

// Command is one fully-parsed request, reusable across parses via Reset
// so a connection worker does not allocate a new Command per request.
type Command interface {
	// Name identifies the operation for logging/metrics, e.g. "get".
	Name() string

	// SetResponse records the text Execute computed for this command.
	// Build drains it afterward.
	SetResponse(response string)

	// Build copies as much of the response set by SetResponse into out
	// as fits, advancing an internal cursor. It returns the number of
	// bytes copied into out this call and the number of response bytes
	// still unwritten afterward; the caller writes out[:n] and keeps
	// calling Build until remaining reaches 0.
	Build(out []byte) (n int, remaining int)

	// Reset clears the command so the same value can be reused for
	// parsing the connection's next request.
	Reset()
}

// Parser incrementally parses commands out of a byte stream. A Parser is
// owned by exactly one connection and is never invoked by anything other
// than the connection's worker coroutine, so it never needs to suspend
// and never touches the store itself.
type Parser interface {
	// Parse consumes as much of buf as forms part of the command
	// currently being parsed. complete reports whether a full command is
	// now available; consumed is how many leading bytes of buf were
	// used and must be dropped by the caller regardless of complete.
	Parse(buf []byte) (consumed int, complete bool)

	// Command returns the command parsed so far. It is only meaningful
	// once Parse has reported complete.
	Command() Command
}

// Executor runs a parsed Command against the store and calls
// cmd.SetResponse with the text to render, or returns an error if the
// command could not be carried out at all (a malformed argument, not a
// store miss -- misses are a normal response like NOT_FOUND).
type Executor interface {
	Execute(s *store.Store, cmd Command) error
}
