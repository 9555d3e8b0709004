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

package ingestion

import (
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ingestionMetrics ingestion scheduler metrics
type ingestionMetrics struct {
	ingested       prometheus.Counter
	invalid        prometheus.Counter
	appendFailures prometheus.Counter
	queueRejected  prometheus.Counter
	iteration      prometheus.Histogram
}

// newIngestionMetrics define the ingestion metrics. With a nil registerer the
// metrics are created but not exported.
func newIngestionMetrics(registerer prometheus.Registerer) (*ingestionMetrics, error) {
	factory := promauto.With(registerer)
	var m *ingestionMetrics
	// promauto panics on duplicate registration
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = common.Fault(common.ErrConfiguration, "ingestion metrics: %v", r)
			}
		}()
		m = &ingestionMetrics{
			ingested: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "telemetrybus",
				Subsystem: "ingestion",
				Name:      "messages_persisted_total",
				Help:      "Total number of messages appended to streams",
			}),
			invalid: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "telemetrybus",
				Subsystem: "ingestion",
				Name:      "messages_invalid_total",
				Help:      "Total number of undecodable or anonymous messages dropped",
			}),
			appendFailures: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "telemetrybus",
				Subsystem: "ingestion",
				Name:      "append_failures_total",
				Help:      "Total number of failed stream appends",
			}),
			queueRejected: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "telemetrybus",
				Subsystem: "ingestion",
				Name:      "queue_rejected_total",
				Help:      "Total number of delivered payloads the inbound queue rejected",
			}),
			iteration: factory.NewHistogram(prometheus.HistogramOpts{
				Namespace: "telemetrybus",
				Subsystem: "ingestion",
				Name:      "drain_duration_seconds",
				Help:      "Time spent draining and persisting per iteration",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			}),
		}
		return nil
	}()
	return m, err
}

// observeIteration record one iteration's drain duration
func (m *ingestionMetrics) observeIteration(elapsed time.Duration) {
	m.iteration.Observe(elapsed.Seconds())
}
