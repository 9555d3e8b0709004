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
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/telemetrybus/analysis"
	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/databus"
	"github.com/alwitt/telemetrybus/ingestion"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func testSystemConfig(t *testing.T) *common.SystemConfig {
	common.InstallDefaultConfigValues()
	var config common.SystemConfig
	assert.Nil(t, viper.Unmarshal(&config))
	config.Bus.Type = "memory"
	config.Bus.ServerURI = "unit-test"
	config.Ops = nil
	return &config
}

func TestPipelineMemoryBus(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := testSystemConfig(t)
	config.Analysis.Anomaly.Parameters = []string{"Pressure"}
	config.Analysis.Anomaly.ResultPersistEnabled = true

	uut, err := BuildPipeline(ctxt, config, "unit-test", prometheus.NewRegistry())
	assert.Nil(err)
	defer uut.Stop(context.Background())

	alerts := make(chan []byte, 16)
	assert.True(uut.Bus.Connect(ctxt))
	alertSub, err := uut.Bus.Subscribe(
		ctxt, config.Bus.PublishTopic, databus.PatternAuto, func(payload []byte) {
			alerts <- payload
		},
	)
	assert.Nil(err)
	defer func() {
		assert.Nil(alertSub.Close())
	}()

	assert.Nil(uut.Start())

	// Case 0: ingestion
	{
		assert.Eventually(func() bool {
			return uut.Scheduler.State() == ingestion.Looping
		}, time.Second*5, time.Millisecond*20)
		for i := 0; i < 2; i++ {
			msg := common.NewMessage("Temperature", fmt.Sprintf("%d", 20+i), "Boiler1", time.Now())
			assert.Nil(uut.Bus.Publish(ctxt, config.Bus.SubscribeTopic, msg))
		}
		assert.Eventually(func() bool {
			samples, err := uut.Scheduler.GetSamples(ctxt, "Temperature", 10)
			return err == nil && len(samples) == 2
		}, time.Second*5, time.Millisecond*50)
		status := uut.Status()
		assert.Equal("memory", status["bus"])
		assert.Equal(true, status["connected"])
		assert.Equal("looping", status["scheduler"])
	}

	appendSample := func(value float64) {
		msg := common.NewMessage("Pressure", fmt.Sprintf("%g", value), "Boiler1", time.Now())
		_, err := uut.Bus.AppendToStream(
			ctxt,
			databus.StreamName("Pressure", databus.SourceDataService),
			databus.EntryFromMessage(msg),
			config.Ingestion.StreamLengthCap,
		)
		assert.Nil(err)
	}
	var anomaly analysis.Engine
	for _, engine := range uut.Engines {
		if engine.Kind() == analysis.KindAnomaly {
			anomaly = engine
		}
	}
	assert.NotNil(anomaly)

	// Case 1: first pass records the anomaly, but only seeds notification dedup
	{
		for i := 0; i < 20; i++ {
			appendSample(10)
		}
		appendSample(100)
		assert.Nil(anomaly.RunOnce(ctxt))
		entries, err := uut.Bus.ReadStreamRange(
			ctxt, "Pressure_AnomalyDetectionStream", databus.StreamRange{},
		)
		assert.Nil(err)
		assert.Len(entries, 1)
		time.Sleep(time.Millisecond * 50)
		assert.Len(alerts, 0)
	}

	// Case 2: a new reading publishes the alert
	{
		appendSample(11)
		assert.Nil(anomaly.RunOnce(ctxt))
		select {
		case payload := <-alerts:
			assert.Contains(string(payload), "Pressure")
		case <-time.After(time.Second * 2):
			assert.Fail("alert not published")
		}
	}
}
