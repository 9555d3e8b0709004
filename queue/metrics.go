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

package queue

import (
	"github.com/alwitt/telemetrybus/common"
	"github.com/prometheus/client_golang/prometheus"
)

// queueMetrics prometheus metrics of one queue
type queueMetrics struct {
	enqueued prometheus.Counter
	dropped  prometheus.Counter
	depth    prometheus.Gauge
}

// newQueueMetrics define and register the metrics of one queue
func newQueueMetrics(registerer prometheus.Registerer, name string) (*queueMetrics, error) {
	labels := prometheus.Labels{"queue": name}
	m := &queueMetrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "telemetrybus",
			Subsystem:   "queue",
			Name:        "enqueued_total",
			ConstLabels: labels,
			Help:        "Total number of items accepted by the queue",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "telemetrybus",
			Subsystem:   "queue",
			Name:        "dropped_total",
			ConstLabels: labels,
			Help:        "Total number of items dropped due to overflow",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "telemetrybus",
			Subsystem:   "queue",
			Name:        "depth",
			ConstLabels: labels,
			Help:        "Current number of pending items",
		}),
	}
	for _, collector := range []prometheus.Collector{m.enqueued, m.dropped, m.depth} {
		if err := registerer.Register(collector); err != nil {
			return nil, common.WrapFault(common.ErrConfiguration, err, "queue %s metrics", name)
		}
	}
	return m, nil
}
