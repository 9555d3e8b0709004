// Copyright 2022 The telemetrybus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/telemetrybus/apis"
	"github.com/alwitt/telemetrybus/common"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// newMetricsRegistry define the process metrics registry
func newMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// startOpsServer start the health check / metrics server in the background.
//
// The server shuts down once runtimeContext is cancelled.
func startOpsServer(
	runtimeContext context.Context,
	wg *sync.WaitGroup,
	config common.OpsServerConfig,
	instance string,
	registry *prometheus.Registry,
	status apis.StatusReporter,
	probes ...apis.ReadinessProbe,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "ops-server",
		"instance":  instance,
	}

	httpHandler, err := apis.GetOpsHandler(config, registry, status, probes...)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}
	router := apis.BuildOpsRouter(httpHandler, config)

	serverListen := fmt.Sprintf("%s:%d", config.Server.ListenOn, config.Server.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	wg.Add(2)
	// Start the server
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()
	// Stop the server
	go func() {
		defer wg.Done()
		<-runtimeContext.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)
	return nil
}
