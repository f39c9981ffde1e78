// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cclog "github.com/ClusterCockpit/cachepit/ccLogger"
)

// AdminServer is the small ambient HTTP server exposing /metrics and
// /healthz. It is not the cache's own text protocol -- it is plain
// net/http, routed with gorilla/mux, the way the teacher's
// PrometheusSink serves its own /metrics endpoint.
type AdminServer struct {
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewAdminServer starts listening on addr in the background. Call
// Close to shut it down.
func NewAdminServer(addr string, collector *Collector) *AdminServer {
	router := mux.NewRouter()
	router.Path("/metrics").Handler(promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	router.Path("/healthz").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	s := &AdminServer{
		httpServer: &http.Server{Addr: addr, Handler: router},
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cclog.ComponentDebug("AdminServer", "Serving metrics at", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cclog.ComponentError("AdminServer", err.Error())
		}
	}()

	return s
}

// Close shuts the admin server down and waits for its goroutine to
// exit.
func (s *AdminServer) Close() {
	cclog.ComponentDebug("AdminServer", "CLOSE")
	s.httpServer.Shutdown(context.Background())
	s.wg.Wait()
}
