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
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/apex/log"
)

// Engine periodically analyzes the newest samples of each monitored parameter
type Engine interface {
	// Kind the engine kind
	Kind() Kind
	// Start begin the analysis loop, if the engine is enabled
	Start() error
	// Stop end the analysis loop, waiting up to timeout. Safe before Start.
	Stop(timeout time.Duration) error
	// RunOnce execute one analysis pass over all parameters
	RunOnce(ctxt context.Context) error
}

// EngineParams analysis engine parameters
type EngineParams struct {
	// Kind the engine kind
	Kind Kind
	// Config the engine config
	Config common.EngineConfig
	// Samples provides the parameter samples
	Samples SampleProvider
	// Analyze the estimator. Nil selects DefaultAnalysisFunc.
	Analyze AnalysisFunc
	// Notifier receives alerts when notification is enabled
	Notifier NotificationSink
	// Results receives alerts when result persistence is enabled
	Results ResultSink
}

// engineImpl implements Engine
type engineImpl struct {
	common.Component
	EngineParams
	task  common.PeriodicTask
	dedup *DedupCache
}

// NewEngine define a new analysis engine
func NewEngine(rootCtxt context.Context, params EngineParams) (Engine, error) {
	logTags := log.Fields{"module": "analysis", "component": "engine", "instance": params.Kind}
	if params.Samples == nil {
		return nil, common.Fault(common.ErrConfiguration, "%s engine has no sample provider", params.Kind)
	}
	if params.Analyze == nil {
		analyze, err := DefaultAnalysisFunc(params.Kind, params.Config)
		if err != nil {
			return nil, err
		}
		params.Analyze = analyze
	}
	if params.Config.NotificationEnabled && params.Notifier == nil {
		return nil, common.Fault(
			common.ErrConfiguration, "%s engine notification enabled without a sink", params.Kind,
		)
	}
	if params.Config.ResultPersistEnabled && params.Results == nil {
		return nil, common.Fault(
			common.ErrConfiguration, "%s engine result persistence enabled without a sink", params.Kind,
		)
	}
	task, err := common.GetPeriodicTaskInstance(
		string(params.Kind), params.Config.ExecutionIntervalDuration(), rootCtxt,
	)
	if err != nil {
		return nil, err
	}
	return &engineImpl{
		Component:    common.Component{LogTags: logTags},
		EngineParams: params,
		task:         task,
		dedup:        NewDedupCache(string(params.Kind)),
	}, nil
}

// Kind the engine kind
func (e *engineImpl) Kind() Kind {
	return e.EngineParams.Kind
}

// Start begin the analysis loop
func (e *engineImpl) Start() error {
	if !e.Config.Enabled {
		log.WithFields(e.LogTags).Info("Engine disabled")
		return nil
	}
	log.WithFields(e.LogTags).Infof(
		"Starting analysis of %d parameters every %s",
		len(e.Config.Parameters), e.Config.ExecutionIntervalDuration(),
	)
	return e.task.Start(e.RunOnce)
}

// Stop end the analysis loop
func (e *engineImpl) Stop(timeout time.Duration) error {
	return e.task.Stop(timeout)
}

// RunOnce execute one analysis pass over all parameters
func (e *engineImpl) RunOnce(ctxt context.Context) error {
	for _, parameter := range e.Config.Parameters {
		if ctxt.Err() != nil {
			return ctxt.Err()
		}
		common.RunProtected(e.LogTags, "Analyze "+parameter, func() error {
			return e.analyzeParameter(ctxt, parameter)
		})
	}
	return nil
}

// analyzeParameter run the estimator over one parameter's newest samples
func (e *engineImpl) analyzeParameter(ctxt context.Context, parameter string) error {
	samples, err := e.Samples.GetSamples(ctxt, parameter, e.Config.PredictionDataSize)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		log.WithFields(e.LogTags).Warnf("No data received for %s", parameter)
		return nil
	}
	newest := samples[0]

	// Samples arrive newest first
	points := make([]Point, len(samples))
	for idx, sample := range samples {
		points[len(samples)-1-idx] = Point{Value: sample.Value, Time: sample.Time}
	}
	predictions, err := e.Analyze(points)
	if err != nil {
		return err
	}
	alerts := e.buildAlerts(parameter, predictions)
	log.WithFields(e.LogTags).Debugf("%s: %d samples, %d alerts", parameter, len(samples), len(alerts))

	if e.Config.NotificationEnabled && e.dedup.ShouldEmit(parameter, newest) {
		for _, alert := range alerts {
			if err := e.Notifier.Send(ctxt, e.Kind(), parameter, alert); err != nil {
				log.WithError(err).WithFields(e.LogTags).Warnf("Notification for %s not sent", parameter)
			}
		}
	}

	if e.Config.ResultPersistEnabled && len(alerts) > 0 {
		if err := e.Results.Write(ctxt, e.Kind(), parameter, alerts); err != nil {
			return err
		}
	}
	return nil
}

// buildAlerts convert predictions into alerts. A forecast produces one alert
// carrying all forecast values; detectors produce one alert per event.
func (e *engineImpl) buildAlerts(parameter string, predictions []Prediction) []Alert {
	alerts := make([]Alert, 0)
	if e.Kind() == KindForecast {
		if len(predictions) == 0 {
			return alerts
		}
		forecast := make([]float64, len(predictions))
		for idx, p := range predictions {
			forecast[idx] = p.Expected
		}
		last := predictions[len(predictions)-1]
		return append(alerts, Alert{
			Kind:     KindForecast,
			EntityID: parameter,
			Actual:   last.Actual,
			Expected: forecast[0],
			Time:     last.Time,
			Forecast: forecast,
		})
	}
	for _, p := range predictions {
		if !p.IsEvent {
			continue
		}
		alerts = append(alerts, Alert{
			Kind:     e.Kind(),
			EntityID: parameter,
			Actual:   p.Actual,
			Expected: p.Expected,
			Time:     p.Time,
		})
	}
	return alerts
}
