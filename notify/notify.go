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

// Package notify delivers analysis alerts to their consumers
package notify

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/telemetrybus/analysis"
	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/databus"
	"github.com/apex/log"
)

// BusNotifier publishes alerts onto a data bus topic
type BusNotifier struct {
	common.Component
	bus   databus.DataBus
	topic string
}

// NewBusNotifier define a new bus notifier
func NewBusNotifier(bus databus.DataBus, topic string) *BusNotifier {
	return &BusNotifier{
		Component: common.Component{
			LogTags: log.Fields{"module": "notify", "component": "bus-notifier", "instance": topic},
		},
		bus:   bus,
		topic: topic,
	}
}

// Send publish the alert
func (n *BusNotifier) Send(
	ctxt context.Context, kind analysis.Kind, entityID string, alert analysis.Alert,
) error {
	alert.Kind = kind
	alert.EntityID = entityID
	payload, err := alert.Encode()
	if err != nil {
		return err
	}
	if err := n.bus.PublishRaw(ctxt, n.topic, payload); err != nil {
		return err
	}
	log.WithFields(n.LogTags).Debugf("Published %s alert for %s", kind, entityID)
	return nil
}

// LogNotifier records alerts in the application log
type LogNotifier struct {
	common.Component
}

// NewLogNotifier define a new log notifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{
		Component: common.Component{
			LogTags: log.Fields{"module": "notify", "component": "log-notifier"},
		},
	}
}

// Send log the alert
func (n *LogNotifier) Send(
	_ context.Context, kind analysis.Kind, entityID string, alert analysis.Alert,
) error {
	logTags := n.CopyLogTags()
	logTags["kind"] = kind
	logTags["entity"] = entityID
	logTags["time"] = alert.Time
	if kind == analysis.KindForecast {
		logTags["forecast"] = alert.Forecast
		log.WithFields(logTags).Info("Forecast")
	} else {
		logTags["actual"] = alert.Actual
		logTags["expected"] = alert.Expected
		log.WithFields(logTags).Warn("Alert")
	}
	return nil
}

// Fanout sends each alert to every sink. All sinks are attempted.
type Fanout []analysis.NotificationSink

// Send deliver the alert to every sink
func (f Fanout) Send(
	ctxt context.Context, kind analysis.Kind, entityID string, alert analysis.Alert,
) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Send(ctxt, kind, entityID, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ===============================================================================

// notifyRequest one pending notification
type notifyRequest struct {
	kind     analysis.Kind
	entityID string
	alert    analysis.Alert
}

// AsyncNotifier moves notification delivery off the caller's goroutine. When the
// dispatch buffer is full, the notification is dropped.
type AsyncNotifier struct {
	common.Component
	sink        analysis.NotificationSink
	processor   common.TaskProcessor
	sendTimeout time.Duration
	wg          sync.WaitGroup
}

// NewAsyncNotifier define a new asynchronous notifier over another sink
func NewAsyncNotifier(
	rootCtxt context.Context,
	sink analysis.NotificationSink,
	bufferSize int,
	sendTimeout time.Duration,
) (*AsyncNotifier, error) {
	processor, err := common.GetNewTaskProcessorInstance(rootCtxt, "notify-dispatch", bufferSize)
	if err != nil {
		return nil, err
	}
	instance := &AsyncNotifier{
		Component: common.Component{
			LogTags: log.Fields{"module": "notify", "component": "async-notifier"},
		},
		sink:        sink,
		processor:   processor,
		sendTimeout: sendTimeout,
	}
	if err := processor.AddToTaskExecutionMap(
		reflect.TypeOf(notifyRequest{}), instance.processRequest,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start begin dispatching
func (n *AsyncNotifier) Start() error {
	return n.processor.StartEventLoop(&n.wg)
}

// Stop end dispatching, waiting up to timeout. Pending notifications are dropped.
func (n *AsyncNotifier) Stop(timeout time.Duration) error {
	if err := n.processor.StopEventLoop(); err != nil {
		return err
	}
	if !common.WaitWithTimeout(&n.wg, timeout) {
		log.WithFields(n.LogTags).Errorf("Dispatch loop did not exit within %s", timeout)
	}
	return nil
}

// Send queue the alert for delivery
func (n *AsyncNotifier) Send(
	_ context.Context, kind analysis.Kind, entityID string, alert analysis.Alert,
) error {
	if !n.processor.TrySubmit(notifyRequest{kind: kind, entityID: entityID, alert: alert}) {
		return common.Fault(common.ErrOverflow, "notification for %s dropped", entityID)
	}
	return nil
}

// processRequest deliver one queued alert
func (n *AsyncNotifier) processRequest(param interface{}) error {
	request, ok := param.(notifyRequest)
	if !ok {
		return common.Fault(common.ErrSerialization, "unexpected task %s", reflect.TypeOf(param))
	}
	ctxt, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
	defer cancel()
	return n.sink.Send(ctxt, request.kind, request.entityID, request.alert)
}
