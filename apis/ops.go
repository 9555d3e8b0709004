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

package apis

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/telemetrybus/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessProbe a dependency the service needs before it is ready
type ReadinessProbe interface {
	// Name the dependency name
	Name() string
	// IsConnected whether the dependency is reachable
	IsConnected() bool
}

// StatusReporter report a snapshot of the pipeline component states
type StatusReporter func() map[string]interface{}

// OpsStatusResponse response for the status query
type OpsStatusResponse struct {
	goutils.RestAPIBaseResponse
	// Status component state snapshot
	Status map[string]interface{} `json:"status"`
}

// OpsHandler REST handler for health checks and metrics
type OpsHandler struct {
	goutils.RestAPIHandler
	probes   []ReadinessProbe
	status   StatusReporter
	gatherer prometheus.Gatherer
}

// GetOpsHandler define OpsHandler
func GetOpsHandler(
	httpConfig common.OpsServerConfig,
	gatherer prometheus.Gatherer,
	status StatusReporter,
	probes ...ReadinessProbe,
) (OpsHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "ops",
	}
	if gatherer == nil {
		return OpsHandler{}, common.Fault(common.ErrConfiguration, "ops handler needs a metrics gatherer")
	}
	requestIDHeader := httpConfig.Logging.RequestIDHeader
	return OpsHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &requestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		probes:   probes,
		status:   status,
		gatherer: gatherer,
	}, nil
}

// Alive liveness check. Always succeeds once the server is up.
func (h OpsHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h OpsHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready readiness check. Succeeds only when every dependency is reachable.
func (h OpsHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	down := []string{}
	for _, probe := range h.probes {
		if !probe.IsConnected() {
			down = append(down, probe.Name())
		}
	}
	if len(down) == 0 {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
		return
	}
	msg := fmt.Sprintf("unreachable: %s", strings.Join(down, ","))
	log.WithFields(localLogTags).Warn(msg)
	respCode = http.StatusServiceUnavailable
	respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, "not ready", msg)
}

// ReadyHandler Wrapper around Ready
func (h OpsHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// -----------------------------------------------------------------------

// Status report the component state snapshot
func (h OpsHandler) Status(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	snapshot := map[string]interface{}{}
	if h.status != nil {
		snapshot = h.status()
	}
	resp := OpsStatusResponse{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Status: snapshot,
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// StatusHandler Wrapper around Status
func (h OpsHandler) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Status(w, r)
	}
}

// -----------------------------------------------------------------------

// MetricsHandler expose the metrics registry in Prometheus text format
func (h OpsHandler) MetricsHandler() http.HandlerFunc {
	handler := promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
	return handler.ServeHTTP
}

// ========================================================================================

// BuildOpsRouter define the ops API router
func BuildOpsRouter(h OpsHandler, httpConfig common.OpsServerConfig) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, httpConfig.PathPrefix, nil)

	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/status", MethodHandlers{
		"get": h.StatusHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/metrics", MethodHandlers{
		"get": h.MetricsHandler(),
	})

	router.Use(RequestLogging(
		h.LogTags, httpConfig.Logging.RequestIDHeader, httpConfig.Logging.DoNotLogHeaders,
	))
	return router
}
