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

// Package results records analysis alerts in per-entity result streams
package results

import (
	"context"
	"strconv"
	"strings"

	"github.com/alwitt/telemetrybus/analysis"
	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/databus"
	"github.com/apex/log"
)

// Result entry fields beyond the standard Id / Value / Time
const (
	FieldExpected = "Expected"
	FieldForecast = "Forecast"
)

// StreamResultSink appends alerts to the stream "<entity>_<result source>Stream"
type StreamResultSink struct {
	common.Component
	bus    databus.DataBus
	maxLen int64
}

// NewStreamResultSink define a new stream result sink
func NewStreamResultSink(bus databus.DataBus, maxLen int64) *StreamResultSink {
	return &StreamResultSink{
		Component: common.Component{
			LogTags: log.Fields{"module": "results", "component": "stream-sink", "instance": bus.Name()},
		},
		bus:    bus,
		maxLen: maxLen,
	}
}

// formatFloat render a value for a stream field
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// AlertEntry build the stream entry recording one alert
func AlertEntry(entityID string, alert analysis.Alert) databus.StreamEntry {
	entry := databus.StreamEntry{
		Fields: []databus.Field{
			{Name: databus.FieldID, Value: entityID},
			{Name: databus.FieldValue, Value: formatFloat(alert.Actual)},
			{Name: databus.FieldTime, Value: alert.Time},
			{Name: FieldExpected, Value: formatFloat(alert.Expected)},
		},
	}
	if len(alert.Forecast) > 0 {
		values := make([]string, len(alert.Forecast))
		for idx, v := range alert.Forecast {
			values[idx] = formatFloat(v)
		}
		entry.Fields = append(entry.Fields, databus.Field{
			Name: FieldForecast, Value: strings.Join(values, ","),
		})
	}
	return entry
}

// Write append the alerts to the entity's result stream. Stops at the first failure.
func (s *StreamResultSink) Write(
	ctxt context.Context, kind analysis.Kind, entityID string, alerts []analysis.Alert,
) error {
	stream := databus.StreamName(entityID, kind.SourceType())
	for _, alert := range alerts {
		if _, err := s.bus.AppendToStream(ctxt, stream, AlertEntry(entityID, alert), s.maxLen); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to record %s alert in %s", kind, stream)
			return err
		}
	}
	log.WithFields(s.LogTags).Debugf("Recorded %d %s alerts in %s", len(alerts), kind, stream)
	return nil
}
