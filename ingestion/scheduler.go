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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/databus"
	"github.com/alwitt/telemetrybus/queue"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
)

// State ingestion scheduler state
type State int32

const (
	// Idle not running
	Idle State = iota
	// Connecting waiting for the bus connection
	Connecting
	// Subscribed subscribed to the telemetry topic
	Subscribed
	// Looping draining the inbound queue
	Looping
)

// String toString function
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Looping:
		return "looping"
	default:
		return "idle"
	}
}

// ComputeSleep the pause before the next iteration, given the time the current
// iteration's work took. Never negative.
func ComputeSleep(interval, elapsed time.Duration) time.Duration {
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// Scheduler persists telemetry delivered on the bus into per-entity streams
type Scheduler interface {
	// Start begin the ingestion loop. No-op when persistence is disabled.
	Start() error
	// Stop end the ingestion loop, waiting up to timeout. Safe before Start.
	Stop(timeout time.Duration) error
	// State current scheduler state
	State() State
	// GetSamples read the newest count samples of an entity, newest first.
	// Malformed entries are skipped.
	GetSamples(ctxt context.Context, entityID string, count int) ([]common.Sample, error)
}

// SchedulerParams ingestion scheduler parameters
type SchedulerParams struct {
	// Bus the data bus
	Bus databus.DataBus
	// Queue receives payloads from the subscription callback
	Queue queue.InboundQueue[[]byte]
	// SubscribeTopic the telemetry topic
	SubscribeTopic string
	// SubscribeMode how the topic is interpreted
	SubscribeMode databus.PatternMode
	// CollectionInterval ingestion cadence
	CollectionInterval time.Duration
	// StreamLengthCap soft max length of each stream
	StreamLengthCap int64
	// PersistenceEnabled whether to run the ingestion loop at all
	PersistenceEnabled bool
	// Metrics registerer for the ingestion metrics. Nil disables metrics.
	Metrics prometheus.Registerer
}

// schedulerImpl implements Scheduler
type schedulerImpl struct {
	common.Component
	SchedulerParams
	operationCtxt context.Context
	contextCancel context.CancelFunc
	wg            sync.WaitGroup
	lock          sync.Mutex
	started       bool
	// subscription is held for this scheduler's lifetime once established
	subscription databus.Subscription
	state        atomic.Int32
	metrics      *ingestionMetrics
}

// NewScheduler define a new ingestion scheduler
func NewScheduler(
	rootCtxt context.Context, name string, params SchedulerParams,
) (Scheduler, error) {
	logTags := log.Fields{"module": "ingestion", "component": "scheduler", "instance": name}
	if params.Bus == nil || params.Queue == nil {
		return nil, common.Fault(common.ErrConfiguration, "scheduler %s needs a bus and a queue", name)
	}
	if params.CollectionInterval <= 0 {
		return nil, common.Fault(
			common.ErrConfiguration, "scheduler %s collection interval must be positive", name,
		)
	}
	if params.SubscribeTopic == "" {
		return nil, common.Fault(common.ErrConfiguration, "scheduler %s has no subscribe topic", name)
	}
	metrics, err := newIngestionMetrics(params.Metrics)
	if err != nil {
		return nil, err
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	return &schedulerImpl{
		Component:       common.Component{LogTags: logTags},
		SchedulerParams: params,
		operationCtxt:   ctxt,
		contextCancel:   cancel,
		metrics:         metrics,
	}, nil
}

// State current scheduler state
func (s *schedulerImpl) State() State {
	return State(s.state.Load())
}

func (s *schedulerImpl) setState(newState State) {
	if old := State(s.state.Swap(int32(newState))); old != newState {
		log.WithFields(s.LogTags).Debugf("State %s -> %s", old, newState)
	}
}

// Start begin the ingestion loop
func (s *schedulerImpl) Start() error {
	if !s.PersistenceEnabled {
		log.WithFields(s.LogTags).Info("Persistence disabled, not starting ingestion")
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return common.Fault(common.ErrConfiguration, "ingestion already started")
	}
	if s.operationCtxt.Err() != nil {
		return common.Fault(common.ErrClosed, "ingestion already stopped")
	}
	s.started = true
	s.wg.Add(1)
	go s.loop()
	log.WithFields(s.LogTags).Infof(
		"Started ingestion of '%s' every %s", s.SubscribeTopic, s.CollectionInterval,
	)
	return nil
}

// loop the ingestion loop
func (s *schedulerImpl) loop() {
	defer s.wg.Done()
	defer log.WithFields(s.LogTags).Info("Ingestion loop exiting")
	// Runs even when Stop gave up waiting on this loop
	defer s.release()
	for s.operationCtxt.Err() == nil {
		var elapsed time.Duration
		common.RunProtected(s.LogTags, "Ingestion iteration", func() error {
			var err error
			elapsed, err = s.runIteration(s.operationCtxt)
			return err
		})
		s.metrics.observeIteration(elapsed)
		if !common.SleepContext(s.operationCtxt, ComputeSleep(s.CollectionInterval, elapsed)) {
			return
		}
	}
}

// runIteration execute one ingestion iteration. Returns the time spent draining.
func (s *schedulerImpl) runIteration(ctxt context.Context) (time.Duration, error) {
	if !s.Bus.IsConnected() {
		s.setState(Connecting)
		if s.Bus.Connect(ctxt) {
			log.WithFields(s.LogTags).Info("Connected to data bus")
		} else {
			log.WithFields(s.LogTags).Warn("Data bus not reachable")
		}
	}

	s.lock.Lock()
	subscribed := s.subscription != nil
	s.lock.Unlock()
	if !subscribed {
		sub, err := s.Bus.Subscribe(ctxt, s.SubscribeTopic, s.SubscribeMode, s.onPayload)
		if err != nil {
			return 0, err
		}
		s.lock.Lock()
		if ctxt.Err() != nil {
			// Stop already ran its unsubscribe step
			s.lock.Unlock()
			if err := sub.Close(); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Failed to unsubscribe")
			}
			return 0, common.Fault(common.ErrClosed, "ingestion stopped while subscribing")
		}
		s.subscription = sub
		s.lock.Unlock()
		s.setState(Subscribed)
		log.WithFields(s.LogTags).Infof("Topic '%s' subscribed", s.SubscribeTopic)
	}

	s.setState(Looping)
	start := time.Now()
	err := s.drainOne(ctxt)
	return time.Since(start), err
}

// onPayload subscription callback. Only enqueues.
func (s *schedulerImpl) onPayload(payload []byte) {
	if !s.Queue.TryEnqueue(payload) {
		s.metrics.queueRejected.Inc()
	}
}

// drainOne persist at most one pending message
func (s *schedulerImpl) drainOne(ctxt context.Context) error {
	if !s.Queue.HasData() {
		return nil
	}
	payload, ok := s.Queue.TryDequeue()
	if !ok {
		return nil
	}
	msg, err := common.DecodeMessage(payload)
	if err != nil {
		s.metrics.invalid.Inc()
		log.WithError(err).WithFields(s.LogTags).Warn("Dropping undecodable message")
		return nil
	}
	if msg.ID == "" {
		s.metrics.invalid.Inc()
		log.WithFields(s.LogTags).Warnf("Dropping message without ID: %s", msg)
		return nil
	}
	stream := databus.StreamName(msg.ID, databus.SourceDataService)
	if _, err := s.Bus.AppendToStream(
		ctxt, stream, databus.EntryFromMessage(msg), s.StreamLengthCap,
	); err != nil {
		s.metrics.appendFailures.Inc()
		return err
	}
	s.metrics.ingested.Inc()
	log.WithFields(s.LogTags).Debugf("Persisted %s into %s", msg, stream)
	return nil
}

// Stop end the ingestion loop
func (s *schedulerImpl) Stop(timeout time.Duration) error {
	log.WithFields(s.LogTags).Info("Stopping ingestion")
	s.contextCancel()
	if !common.WaitWithTimeout(&s.wg, timeout) {
		log.WithFields(s.LogTags).Errorf("Ingestion loop did not exit within %s", timeout)
	}
	s.release()
	return nil
}

// release drop the held subscription, and return to Idle
func (s *schedulerImpl) release() {
	s.lock.Lock()
	sub := s.subscription
	s.subscription = nil
	s.lock.Unlock()
	if sub != nil {
		if err := sub.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to unsubscribe")
		}
	}
	s.setState(Idle)
}

// GetSamples read the newest count samples of an entity
func (s *schedulerImpl) GetSamples(
	ctxt context.Context, entityID string, count int,
) ([]common.Sample, error) {
	entries, err := s.Bus.ReadStreamRange(
		ctxt,
		databus.StreamName(entityID, databus.SourceDataService),
		databus.StreamRange{Count: int64(count), Order: databus.Descending},
	)
	if err != nil {
		return nil, err
	}
	samples := make([]common.Sample, 0, len(entries))
	for _, entry := range entries {
		sample, err := databus.ParseSample(entry)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Debugf("Skipping entry of %s", entityID)
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}
