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
	"sync"
	"time"

	"github.com/alwitt/telemetrybus/analysis"
	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/databus"
	"github.com/alwitt/telemetrybus/ingestion"
	"github.com/alwitt/telemetrybus/notify"
	"github.com/alwitt/telemetrybus/queue"
	"github.com/alwitt/telemetrybus/results"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
)

// componentStopTimeout max wait for each component to stop during shutdown
const componentStopTimeout = time.Second * 5

// Pipeline the assembled ingestion and analysis pipeline
type Pipeline struct {
	common.Component
	Bus       databus.DataBus
	Inbound   queue.InboundQueue[[]byte]
	Scheduler ingestion.Scheduler
	Notifier  *notify.AsyncNotifier
	Engines   []analysis.Engine
}

// BuildPipeline assemble the pipeline from the system config. Nothing is started.
func BuildPipeline(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	registry prometheus.Registerer,
) (*Pipeline, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "pipeline",
		"instance":  instance,
	}

	bus, err := databus.New(config.Bus)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define %s bus", config.Bus.Type)
		return nil, err
	}

	policy, err := queue.ParseOverflowPolicy(
		config.Ingestion.Queue.Capacity, config.Ingestion.Queue.OverflowPolicy,
	)
	if err != nil {
		return nil, err
	}
	inbound, err := queue.NewInboundQueue(
		"inbound", config.Ingestion.Queue.Capacity,
		queue.WithOverflowPolicy[[]byte](policy),
		queue.WithMetrics[[]byte](registry),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define inbound queue")
		return nil, err
	}

	scheduler, err := ingestion.NewScheduler(runtimeContext, instance, ingestion.SchedulerParams{
		Bus:                bus,
		Queue:              inbound,
		SubscribeTopic:     config.Bus.SubscribeTopic,
		SubscribeMode:      databus.PatternAuto,
		CollectionInterval: config.Ingestion.CollectionIntervalDuration(),
		StreamLengthCap:    config.Ingestion.StreamLengthCap,
		PersistenceEnabled: config.Ingestion.PersistenceEnabled,
		Metrics:            registry,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ingestion scheduler")
		return nil, err
	}

	sinks := notify.Fanout{notify.NewLogNotifier()}
	if config.Notification.PublishAlerts {
		sinks = append(sinks, notify.NewBusNotifier(bus, config.Bus.PublishTopic))
	}
	notifier, err := notify.NewAsyncNotifier(
		runtimeContext, sinks, config.Notification.DispatchBuffer,
		time.Second*time.Duration(config.Notification.SendTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define alert notifier")
		return nil, err
	}

	resultSink := results.NewStreamResultSink(bus, config.Ingestion.StreamLengthCap)

	engineConfigs := []struct {
		kind   analysis.Kind
		config common.EngineConfig
	}{
		{analysis.KindAnomaly, config.Analysis.Anomaly},
		{analysis.KindSpike, config.Analysis.Spike},
		{analysis.KindChangePoint, config.Analysis.ChangePoint},
		{analysis.KindForecast, config.Analysis.Forecast},
	}
	engines := make([]analysis.Engine, 0, len(engineConfigs))
	for _, oneEngine := range engineConfigs {
		engine, err := analysis.NewEngine(runtimeContext, analysis.EngineParams{
			Kind:     oneEngine.kind,
			Config:   oneEngine.config,
			Samples:  scheduler,
			Notifier: notifier,
			Results:  resultSink,
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define %s engine", oneEngine.kind)
			return nil, err
		}
		engines = append(engines, engine)
	}

	return &Pipeline{
		Component: common.Component{LogTags: logTags},
		Bus:       bus,
		Inbound:   inbound,
		Scheduler: scheduler,
		Notifier:  notifier,
		Engines:   engines,
	}, nil
}

// Start start the notifier, the scheduler, then the engines
func (p *Pipeline) Start() error {
	if err := p.Notifier.Start(); err != nil {
		return err
	}
	if err := p.Scheduler.Start(); err != nil {
		return err
	}
	for _, engine := range p.Engines {
		if err := engine.Start(); err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf("Unable to start %s engine", engine.Kind())
			return err
		}
	}
	log.WithFields(p.LogTags).Info("Pipeline started")
	return nil
}

// Stop stop all components in reverse start order, then close the bus
func (p *Pipeline) Stop(ctxt context.Context) {
	for _, engine := range p.Engines {
		if err := engine.Stop(componentStopTimeout); err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf("Failed to stop %s engine", engine.Kind())
		}
	}
	if err := p.Scheduler.Stop(componentStopTimeout); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Failed to stop ingestion scheduler")
	}
	if err := p.Notifier.Stop(componentStopTimeout); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Failed to stop alert notifier")
	}
	p.Inbound.Close()
	if err := p.Bus.Close(ctxt); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Failed to close bus")
	}
	log.WithFields(p.LogTags).Info("Pipeline stopped")
}

// Status snapshot of the pipeline component states
func (p *Pipeline) Status() map[string]interface{} {
	engines := make([]string, 0, len(p.Engines))
	for _, engine := range p.Engines {
		engines = append(engines, string(engine.Kind()))
	}
	return map[string]interface{}{
		"bus":       p.Bus.Name(),
		"connected": p.Bus.IsConnected(),
		"scheduler": p.Scheduler.State().String(),
		"inbound":   p.Inbound.Stats(),
		"engines":   engines,
	}
}

// RunPipeline run the pipeline until runtimeContext is cancelled
func RunPipeline(
	runtimeContext context.Context, config *common.SystemConfig, instance string,
) error {
	registry := newMetricsRegistry()
	pipeline, err := BuildPipeline(runtimeContext, config, instance, registry)
	if err != nil {
		return err
	}
	defer pipeline.Stop(context.Background())

	wg := sync.WaitGroup{}
	defer wg.Wait()
	opsContext, opsCancel := context.WithCancel(runtimeContext)
	defer opsCancel()
	if config.Ops != nil {
		if err := startOpsServer(
			opsContext, &wg, *config.Ops, instance, registry, pipeline.Status, pipeline.Bus,
		); err != nil {
			return err
		}
	}

	if err := pipeline.Start(); err != nil {
		return err
	}

	<-runtimeContext.Done()
	return nil
}
