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

	"github.com/alwitt/telemetrybus/bridge"
	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/databus"
	"github.com/apex/log"
)

// RunBridge relay device telemetry from MQTT onto the bus until runtimeContext is
// cancelled
func RunBridge(
	runtimeContext context.Context, config *common.SystemConfig, instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "bridge",
		"instance":  instance,
	}
	if config.Bridge == nil {
		return common.Fault(common.ErrConfiguration, "bridge can't start without its configurations")
	}

	bus, err := databus.New(config.Bus)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define %s bus", config.Bus.Type)
		return err
	}
	defer func() {
		if err := bus.Close(context.Background()); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close bus")
		}
	}()

	registry := newMetricsRegistry()
	relay, err := bridge.NewMQTTBridge(runtimeContext, bridge.MQTTBridgeParams{
		Config:         *config.Bridge,
		Bus:            bus,
		TargetTopic:    config.Bus.SubscribeTopic,
		ConnectTimeout: config.Bus.ConnectTimeoutDuration(),
		Metrics:        registry,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define MQTT bridge")
		return err
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	opsContext, opsCancel := context.WithCancel(runtimeContext)
	defer opsCancel()
	if config.Ops != nil {
		if err := startOpsServer(
			opsContext, &wg, *config.Ops, instance, registry, nil, bus,
		); err != nil {
			return err
		}
	}

	if err := relay.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start MQTT bridge")
		return err
	}
	defer func() {
		if err := relay.Stop(componentStopTimeout); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop MQTT bridge")
		}
	}()

	<-runtimeContext.Done()
	return nil
}
