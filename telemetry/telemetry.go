// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry publishes the cache server's eviction and
// connection lifecycle as small JSON event records to a NATS subject.
// Publishing is best-effort: a dead or unreachable NATS server must
// never slow down or block the single-threaded store/reactor, so every
// publish is fire-and-forget and failures are only logged.
package telemetry

import (
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"

	cclog "github.com/ClusterCockpit/cachepit/ccLogger"
)

// Config configures the NATS connection and subject, matching the
// "sinks.telemetry" section of cachepit's own configuration file
// (nats_url, subject, optional user/password).
type Config struct {
	NatsURL  string `json:"nats_url"`
	Subject  string `json:"subject"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

// Event is one lifecycle record. Kind is one of the constants below.
type Event struct {
	Kind       string `json:"kind"`
	Key        string `json:"key,omitempty"`
	FreedBytes int    `json:"freed_bytes,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

const (
	KindEviction         = "eviction"
	KindConnectionOpened = "connection_opened"
	KindConnectionClosed = "connection_closed"
)

// Publisher owns one NATS connection and publishes Events to a fixed
// subject. A nil *Publisher is valid and every method on it is a no-op,
// so telemetry can be wired unconditionally even when disabled in
// configuration.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// Connect dials the configured NATS server. It returns an error only
// for configuration or initial-dial failures; once connected, later
// publish failures are swallowed.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("TELEMETRY/CONNECT > subject must be set")
	}

	var uinfo nats.Option
	if cfg.User != "" && cfg.Password != "" {
		uinfo = nats.UserInfo(cfg.User, cfg.Password)
	}

	url := cfg.NatsURL
	if url == "" {
		url = "nats://localhost:4222"
	}
	cclog.ComponentDebug("Telemetry", "Connect", url, "subject", cfg.Subject)

	var nc *nats.Conn
	var err error
	if uinfo != nil {
		nc, err = nats.Connect(url, uinfo)
	} else {
		nc, err = nats.Connect(url)
	}
	if err != nil {
		return nil, fmt.Errorf("TELEMETRY/CONNECT > %w", err)
	}

	return &Publisher{nc: nc, subject: cfg.Subject}, nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	cclog.ComponentDebug("Telemetry", "CLOSE")
	p.nc.Close()
}

func (p *Publisher) publish(ev Event) {
	if p == nil || p.nc == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		cclog.ComponentError("Telemetry", "marshal event:", err.Error())
		return
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		cclog.ComponentError("Telemetry", "publish event:", err.Error())
	}
}

// Eviction reports one LRU-pressure eviction. Its signature matches
// store.EvictionObserver so it can be wired directly.
func (p *Publisher) Eviction(key string, freedBytes int) {
	p.publish(Event{Kind: KindEviction, Key: key, FreedBytes: freedBytes})
}

// ConnectionOpened reports a newly accepted connection.
func (p *Publisher) ConnectionOpened(remoteAddr string) {
	p.publish(Event{Kind: KindConnectionOpened, RemoteAddr: remoteAddr})
}

// ConnectionClosed reports a connection going away.
func (p *Publisher) ConnectionClosed(remoteAddr string) {
	p.publish(Event{Kind: KindConnectionClosed, RemoteAddr: remoteAddr})
}
