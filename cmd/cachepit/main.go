// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command cachepit runs the bounded in-memory key/value cache server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	ccconfig "github.com/ClusterCockpit/cachepit/ccConfig"
	cclog "github.com/ClusterCockpit/cachepit/ccLogger"
	"github.com/ClusterCockpit/cachepit/cfgwatch"
	"github.com/ClusterCockpit/cachepit/configschema"
	"github.com/ClusterCockpit/cachepit/metrics"
	"github.com/ClusterCockpit/cachepit/protocol"
	"github.com/ClusterCockpit/cachepit/server"
	"github.com/ClusterCockpit/cachepit/store"
	"github.com/ClusterCockpit/cachepit/telemetry"
	"github.com/ClusterCockpit/cachepit/textproto"
)

type serverConfig struct {
	Port         int `json:"port"`
	MaxSizeBytes int `json:"max_size_bytes"`
	NAcceptors   int `json:"n_acceptors"`
	NWorkers     int `json:"n_workers"`
}

type sinksConfig struct {
	Telemetry telemetry.Config `json:"telemetry"`
}

type options struct {
	configPath string
	port       int
	maxSize    int
	logLevel   string
	adminAddr  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		cclog.Abort(err.Error())
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "cachepit",
		Short: "cachepit serves a bounded in-memory key/value cache over a text protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "cachepit.json", "path to the JSON configuration file")
	cmd.Flags().IntVar(&opts.port, "port", 0, "TCP port to listen on; overrides the config file when non-zero")
	cmd.Flags().IntVar(&opts.maxSize, "max-size-bytes", 0, "store byte budget; overrides the config file")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, err, crit")
	cmd.Flags().StringVar(&opts.adminAddr, "admin-addr", ":9090", "address for the /metrics and /healthz admin endpoint")

	return cmd
}

func run(opts *options) error {
	cclog.Init(opts.logLevel, false)

	// A SIGPIPE is otherwise fatal to the process the first time a
	// client resets a connection mid-write; the reactor already turns
	// that into an ordinary EPIPE return from Write.
	signal.Ignore(syscall.SIGPIPE)

	if err := loadAndValidateConfig(opts.configPath); err != nil {
		return err
	}

	svrCfg, err := readServerConfig()
	if err != nil {
		return err
	}
	if opts.port != 0 {
		svrCfg.Port = opts.port
	}
	if opts.maxSize != 0 {
		svrCfg.MaxSizeBytes = opts.maxSize
	}
	if svrCfg.MaxSizeBytes <= 0 {
		return fmt.Errorf("server.max_size_bytes must be > 0")
	}

	telemetryCfg := readTelemetryConfig()

	collector := metrics.NewCollector()
	admin := metrics.NewAdminServer(opts.adminAddr, collector)
	defer admin.Close()

	var publisher *telemetry.Publisher
	if telemetryCfg.Subject != "" {
		p, err := telemetry.Connect(telemetryCfg)
		if err != nil {
			cclog.ComponentError("Main", "telemetry disabled:", err.Error())
		} else {
			publisher = p
			defer publisher.Close()
		}
	}

	s := store.New(svrCfg.MaxSizeBytes)
	s.OnEvict(func(key string, freedBytes int) {
		collector.ObserveEviction(key, freedBytes)
		publisher.Eviction(key, freedBytes)
	})

	srv := server.New(s, func() protocol.Parser { return textproto.NewParser() }, textproto.Executor{}, collector, publisher)
	if err := srv.Start(svrCfg.Port, svrCfg.NAcceptors, svrCfg.NWorkers); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	reload := &configReloadListener{path: opts.configPath}
	cfgwatch.AddListener(opts.configPath, reload)
	defer cfgwatch.FsWatcherShutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cclog.ComponentInfo("Main", "shutting down")
	srv.Stop()
	return srv.Join()
}

func loadAndValidateConfig(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cclog.ComponentWarn("Main", "no config file at", path, "- using flag defaults only")
			ccconfig.Init(path)
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := configschema.Validate(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("validating config %s: %w", path, err)
	}

	ccconfig.Init(path)
	return nil
}

func readServerConfig() (serverConfig, error) {
	var cfg serverConfig
	raw := ccconfig.GetPackageConfig("server")
	if raw == nil {
		return cfg, fmt.Errorf("config is missing required \"server\" section")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing server config: %w", err)
	}
	return cfg, nil
}

func readTelemetryConfig() telemetry.Config {
	var sinks sinksConfig
	raw := ccconfig.GetPackageConfig("sinks")
	if raw == nil {
		return telemetry.Config{}
	}
	if err := json.Unmarshal(raw, &sinks); err != nil {
		cclog.ComponentWarn("Main", "parsing sinks config:", err.Error())
		return telemetry.Config{}
	}
	return sinks.Telemetry
}

// configReloadListener re-validates cachepit.json on every write and
// logs the outcome. The store's byte budget is never live-reloaded
// from this path: resizing a running LRU budget is out of scope.
type configReloadListener struct {
	path string
}

func (l *configReloadListener) EventMatch(event string) bool {
	return true
}

func (l *configReloadListener) EventCallback() {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		cclog.ComponentWarn("ConfigReload", "could not re-read", l.path, ":", err.Error())
		return
	}
	if err := configschema.Validate(bytes.NewReader(raw)); err != nil {
		cclog.ComponentError("ConfigReload", "new config is invalid, keeping previous config:", err.Error())
		return
	}
	ccconfig.Init(l.path)
	cclog.ComponentInfo("ConfigReload", "reloaded", l.path)
}
