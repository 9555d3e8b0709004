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

// Package apis the health check / metrics REST surface
package apis

import (
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix register new method handlers for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// statusRecorder captures the response code for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

// WriteHeader record the status before writing it
func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogging middleware which tags every request with an ID and logs its outcome.
//
// The ID is read from requestIDHeader when the caller provides one, and echoed back in
// the response.
func RequestLogging(
	logTags log.Fields, requestIDHeader string, doNotLogHeaders []string,
) mux.MiddlewareFunc {
	skip := map[string]bool{}
	for _, header := range doNotLogHeaders {
		skip[strings.ToLower(header)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := ""
			if requestIDHeader != "" {
				reqID = r.Header.Get(requestIDHeader)
			}
			if reqID == "" {
				reqID = uuid.New().String()
			}
			if requestIDHeader != "" {
				w.Header().Set(requestIDHeader, reqID)
			}
			localTags := common.Component{LogTags: logTags}.CopyLogTags()
			localTags["request_id"] = reqID
			localTags["request_method"] = r.Method
			localTags["request_uri"] = r.URL.String()
			for header, values := range r.Header {
				if skip[strings.ToLower(header)] {
					continue
				}
				localTags["header_"+strings.ToLower(header)] = strings.Join(values, ",")
			}
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r)
			localTags["response_code"] = recorder.status
			localTags["response_time"] = time.Since(start).String()
			log.WithFields(localTags).Debug("Request complete")
		})
	}
}
