// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package textproto is a small memcached-inspired line protocol: the
// one concrete Parser/Command/Executor triple shipped for the cache
// server's connection workers.
//
// Requests:
//
//	get <key>\r\n
//	set <key> <bytes>\r\n<data>\r\n
//	add <key> <bytes>\r\n<data>\r\n
//	replace <key> <bytes>\r\n<data>\r\n
//	delete <key>\r\n
//
// add/replace/set map onto the store's put_if_absent/set/put
// operations respectively.
package textproto

import (
	"bytes"
	"fmt"
	"strconv"

	cclog "github.com/ClusterCockpit/cachepit/ccLogger"
	"github.com/ClusterCockpit/cachepit/protocol"
	"github.com/ClusterCockpit/cachepit/store"
)

// maxInlineLen is the header length, memcached-style, past which Parse
// warns about a line that still has no newline. Longer header lines that
// do end in a newline are parsed normally.
const maxInlineLen = 250

const (
	opGet     = "get"
	opSet     = "set"
	opAdd     = "add"
	opReplace = "replace"
	opDelete  = "delete"
)

// command is the textproto implementation of protocol.Command.
type command struct {
	op       string
	key      string
	argLen   int
	value    []byte
	response string
	sent     int // cursor into response, advanced by Build
}

var _ protocol.Command = (*command)(nil)

func (c *command) Name() string { return c.op }

func (c *command) SetResponse(response string) {
	c.response = response
	c.sent = 0
}

func (c *command) Build(out []byte) (n int, remaining int) {
	n = copy(out, c.response[c.sent:])
	c.sent += n
	return n, len(c.response) - c.sent
}

func (c *command) Reset() {
	c.op = ""
	c.key = ""
	c.argLen = 0
	c.value = nil
	c.response = ""
	c.sent = 0
}

// Parser incrementally parses textproto requests out of a byte stream.
// One Parser belongs to exactly one connection and is driven only by
// that connection's worker coroutine.
type Parser struct {
	cmd command
}

var _ protocol.Parser = (*Parser)(nil)

// NewParser returns a ready-to-use Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Command returns the command parsed by the most recently completed
// Parse call.
func (p *Parser) Command() protocol.Command {
	return &p.cmd
}

// Parse looks for one complete request at the front of buf. It reports
// how many leading bytes of buf it consumed and whether a full command
// is now available in Command(). A return of (0, false) means buf does
// not yet hold a complete header line or payload; the caller must read
// more bytes and call Parse again with them appended.
func (p *Parser) Parse(buf []byte) (consumed int, complete bool) {
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		if len(buf) > maxInlineLen {
			// A header this long without a line ending is only
			// reported: Parse still returns (0, false) and keeps waiting
			// for a newline, and the caller's pending buffer has no
			// size cap of its own.
			cclog.Warn("TEXTPROTO/PARSE > inline command exceeds max length without a newline")
		}
		return 0, false
	}

	line := buf[:nl]
	line = bytes.TrimSuffix(line, []byte("\r"))
	headerLen := nl + 1

	p.cmd.Reset()

	fields := bytes.Fields(line)
	if len(fields) == 0 {
		p.cmd.response = "SERVER_ERROR empty command\r\n"
		return headerLen, true
	}

	op := string(fields[0])
	p.cmd.op = op

	switch op {
	case opGet, opDelete:
		if len(fields) != 2 {
			p.cmd.response = fmt.Sprintf("SERVER_ERROR malformed %s command\r\n", op)
			return headerLen, true
		}
		p.cmd.key = string(fields[1])
		return headerLen, true

	case opSet, opAdd, opReplace:
		if len(fields) != 3 {
			p.cmd.response = fmt.Sprintf("SERVER_ERROR malformed %s command\r\n", op)
			return headerLen, true
		}
		key := string(fields[1])
		n, err := strconv.Atoi(string(fields[2]))
		if err != nil || n < 0 {
			p.cmd.response = fmt.Sprintf("SERVER_ERROR bad byte count for %s command\r\n", op)
			return headerLen, true
		}

		total := headerLen + n + 2 // payload plus its trailing CRLF
		if len(buf) < total {
			return 0, false
		}

		payload := buf[headerLen : headerLen+n]
		p.cmd.key = key
		p.cmd.argLen = n
		p.cmd.value = append([]byte(nil), payload...)
		return total, true

	default:
		p.cmd.response = fmt.Sprintf("SERVER_ERROR unknown command %q\r\n", op)
		return headerLen, true
	}
}

// Executor binds textproto commands to a store's five operations.
type Executor struct{}

var _ protocol.Executor = Executor{}

// Execute runs cmd against s and calls cmd.SetResponse with the
// response text. It only returns an error for conditions the protocol
// layer itself cannot recover from. A malformed or unknown command
// already carries the SERVER_ERROR response Parse set for it, and
// Execute returns without touching the store or that response.
func (Executor) Execute(s *store.Store, c protocol.Command) error {
	cmd, ok := c.(*command)
	if !ok {
		return fmt.Errorf("TEXTPROTO/EXECUTE > command is not a textproto command")
	}
	if cmd.response != "" {
		// Parse already produced a terminal response (protocol error).
		return nil
	}

	switch cmd.op {
	case opGet:
		value, found := s.Get(cmd.key)
		if !found {
			cmd.SetResponse("NOT_FOUND\r\n")
			return nil
		}
		cmd.SetResponse(fmt.Sprintf("VALUE %d\r\n%s\r\n", len(value), value))
		return nil

	case opSet:
		if !s.Put(cmd.key, cmd.value) {
			cmd.SetResponse("SERVER_ERROR value too large for store\r\n")
			return nil
		}
		cmd.SetResponse("STORED\r\n")
		return nil

	case opAdd:
		if !s.PutIfAbsent(cmd.key, cmd.value) {
			cmd.SetResponse("NOT_STORED\r\n")
			return nil
		}
		cmd.SetResponse("STORED\r\n")
		return nil

	case opReplace:
		if !s.Set(cmd.key, cmd.value) {
			cmd.SetResponse("NOT_STORED\r\n")
			return nil
		}
		cmd.SetResponse("STORED\r\n")
		return nil

	case opDelete:
		if !s.Delete(cmd.key) {
			cmd.SetResponse("NOT_FOUND\r\n")
			return nil
		}
		cmd.SetResponse("DELETED\r\n")
		return nil

	default:
		return fmt.Errorf("TEXTPROTO/EXECUTE > unrecognized op %q", cmd.op)
	}
}
