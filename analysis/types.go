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

package analysis

import (
	"context"
	"encoding/json"

	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/databus"
)

// Kind analysis engine kind
type Kind string

const (
	// KindAnomaly anomaly detection
	KindAnomaly Kind = "anomaly"
	// KindSpike spike detection
	KindSpike Kind = "spike"
	// KindChangePoint change point detection
	KindChangePoint Kind = "changepoint"
	// KindForecast forecasting
	KindForecast Kind = "forecast"
)

// SourceType the stream source tag of this kind's results
func (k Kind) SourceType() databus.SourceType {
	switch k {
	case KindAnomaly:
		return databus.SourceAnomalyDetection
	case KindSpike:
		return databus.SourceSpikeDetection
	case KindChangePoint:
		return databus.SourceChangePointDetection
	case KindForecast:
		return databus.SourceForecasting
	}
	return databus.SourceType(k)
}

// Point one analysis input value
type Point struct {
	Value float64
	Time  string
}

// Prediction one analysis output
type Prediction struct {
	// IsEvent whether the point is an anomaly, spike, or change point
	IsEvent bool
	// Actual the observed value
	Actual float64
	// Expected the value the estimator expected, or the forecast value
	Expected float64
	// Time of the point
	Time string
}

// AnalysisFunc converts a chronological window of samples into predictions. Must be
// free of side effects.
type AnalysisFunc func(points []Point) ([]Prediction, error)

// Alert one detected event, or one forecast
type Alert struct {
	Kind     Kind      `json:"kind"`
	EntityID string    `json:"entity_id"`
	Actual   float64   `json:"actual"`
	Expected float64   `json:"expected"`
	Time     string    `json:"time"`
	Forecast []float64 `json:"forecast,omitempty"`
}

// Encode serialize the alert
func (a Alert) Encode() ([]byte, error) {
	raw, err := json.Marshal(&a)
	if err != nil {
		return nil, common.WrapFault(common.ErrSerialization, err, "unable to encode alert")
	}
	return raw, nil
}

// SampleProvider source of an entity's newest samples, newest first
type SampleProvider interface {
	GetSamples(ctxt context.Context, entityID string, count int) ([]common.Sample, error)
}

// NotificationSink best effort alert delivery. Failures are not retried.
type NotificationSink interface {
	Send(ctxt context.Context, kind Kind, entityID string, alert Alert) error
}

// ResultSink durable record of alerts
type ResultSink interface {
	Write(ctxt context.Context, kind Kind, entityID string, alerts []Alert) error
}
