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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/stretchr/testify/assert"
)

type fakeSamples struct {
	lock    sync.Mutex
	samples map[string][]common.Sample
	calls   int
	fail    bool
}

func (f *fakeSamples) set(entity string, values ...float64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	// Newest first
	samples := make([]common.Sample, len(values))
	for idx, v := range values {
		samples[len(values)-1-idx] = common.Sample{ID: entity, Value: v, Time: fmt.Sprintf("t%d", idx)}
	}
	f.samples[entity] = samples
}

func (f *fakeSamples) GetSamples(_ context.Context, entity string, count int) ([]common.Sample, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls++
	if f.fail {
		return nil, common.Fault(common.ErrConnectivity, "dummy outage")
	}
	samples := f.samples[entity]
	if len(samples) > count {
		samples = samples[:count]
	}
	return samples, nil
}

type sentAlert struct {
	kind   Kind
	entity string
	alert  Alert
}

type fakeNotifier struct {
	lock sync.Mutex
	sent []sentAlert
}

func (f *fakeNotifier) Send(_ context.Context, kind Kind, entity string, alert Alert) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.sent = append(f.sent, sentAlert{kind: kind, entity: entity, alert: alert})
	return nil
}

func (f *fakeNotifier) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.sent)
}

type fakeResults struct {
	lock    sync.Mutex
	written map[string][]Alert
}

func (f *fakeResults) Write(_ context.Context, kind Kind, entity string, alerts []Alert) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	key := fmt.Sprintf("%s/%s", kind, entity)
	f.written[key] = append(f.written[key], alerts...)
	return nil
}

func TestEngineConstruction(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()
	cfg := common.EngineConfig{ExecutionInterval: 1, PredictionDataSize: 10, Threshold: 2}

	_, err := NewEngine(ctxt, EngineParams{Kind: KindAnomaly, Config: cfg})
	assert.ErrorIs(err, common.ErrConfiguration)

	samples := &fakeSamples{samples: map[string][]common.Sample{}}
	notifyCfg := cfg
	notifyCfg.NotificationEnabled = true
	_, err = NewEngine(ctxt, EngineParams{Kind: KindAnomaly, Config: notifyCfg, Samples: samples})
	assert.ErrorIs(err, common.ErrConfiguration)

	persistCfg := cfg
	persistCfg.ResultPersistEnabled = true
	_, err = NewEngine(ctxt, EngineParams{Kind: KindAnomaly, Config: persistCfg, Samples: samples})
	assert.ErrorIs(err, common.ErrConfiguration)

	_, err = NewEngine(ctxt, EngineParams{Kind: Kind("bogus"), Config: cfg, Samples: samples})
	assert.ErrorIs(err, common.ErrConfiguration)
}

func TestEngineAnalysisPass(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	samples := &fakeSamples{samples: map[string][]common.Sample{}}
	notifier := &fakeNotifier{}
	results := &fakeResults{written: map[string][]Alert{}}
	uut, err := NewEngine(ctxt, EngineParams{
		Kind: KindAnomaly,
		Config: common.EngineConfig{
			Enabled:              true,
			ExecutionInterval:    1,
			PredictionDataSize:   10,
			NotificationEnabled:  true,
			ResultPersistEnabled: true,
			Parameters:           []string{"T1", "missing"},
			Threshold:            2,
		},
		Samples:  samples,
		Notifier: notifier,
		Results:  results,
	})
	assert.Nil(err)
	assert.Equal(KindAnomaly, uut.Kind())

	// Case 0: first pass seeds the dedup cache; results still persisted
	{
		samples.set("T1", 10, 10, 11, 9, 10, 10, 50, 10, 11, 9)
		assert.Nil(uut.RunOnce(ctxt))
		assert.Equal(0, notifier.count())
		assert.Len(results.written["anomaly/T1"], 1)
		alert := results.written["anomaly/T1"][0]
		assert.Equal("T1", alert.EntityID)
		assert.InDelta(50.0, alert.Actual, 1e-9)
		assert.Equal("t6", alert.Time)
	}

	// Case 1: newest value unchanged, no notification
	{
		assert.Nil(uut.RunOnce(ctxt))
		assert.Equal(0, notifier.count())
	}

	// Case 2: newest value changed, alerts sent
	{
		samples.set("T1", 10, 10, 11, 9, 10, 10, 50, 10, 11, 10)
		assert.Nil(uut.RunOnce(ctxt))
		assert.Equal(1, notifier.count())
		assert.Equal(KindAnomaly, notifier.sent[0].kind)
		assert.Equal("T1", notifier.sent[0].entity)
	}

	// Case 3: sample source failures do not fail the pass
	{
		samples.fail = true
		assert.Nil(uut.RunOnce(ctxt))
		samples.fail = false
	}
}

func TestEngineForecastAlert(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	samples := &fakeSamples{samples: map[string][]common.Sample{}}
	results := &fakeResults{written: map[string][]Alert{}}
	uut, err := NewEngine(ctxt, EngineParams{
		Kind: KindForecast,
		Config: common.EngineConfig{
			ExecutionInterval:    1,
			PredictionDataSize:   12,
			ResultPersistEnabled: true,
			Parameters:           []string{"T1"},
			Horizon:              4,
		},
		Samples: samples,
		Results: results,
	})
	assert.Nil(err)

	samples.set("T1", 1, 2, 3, 4, 5, 6)
	assert.Nil(uut.RunOnce(ctxt))
	written := results.written["forecast/T1"]
	assert.Len(written, 1)
	assert.Len(written[0].Forecast, 4)
	assert.Equal(KindForecast, written[0].Kind)
	assert.Equal("t5", written[0].Time)
}

func TestEngineLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	samples := &fakeSamples{samples: map[string][]common.Sample{}}
	cfg := common.EngineConfig{
		ExecutionInterval: 1, PredictionDataSize: 10, Parameters: []string{"T1"}, Threshold: 2,
	}

	// Case 0: stop before start
	{
		uut, err := NewEngine(ctxt, EngineParams{Kind: KindSpike, Config: cfg, Samples: samples})
		assert.Nil(err)
		assert.Nil(uut.Stop(time.Second))
	}

	// Case 1: disabled engine never runs
	{
		uut, err := NewEngine(ctxt, EngineParams{Kind: KindSpike, Config: cfg, Samples: samples})
		assert.Nil(err)
		assert.Nil(uut.Start())
		time.Sleep(time.Millisecond * 50)
		assert.Nil(uut.Stop(time.Second))
		samples.lock.Lock()
		assert.Equal(0, samples.calls)
		samples.lock.Unlock()
	}

	// Case 2: enabled engine runs immediately, and stops promptly
	{
		enabled := cfg
		enabled.Enabled = true
		uut, err := NewEngine(ctxt, EngineParams{Kind: KindChangePoint, Config: enabled, Samples: samples})
		assert.Nil(err)
		assert.Nil(uut.Start())
		assert.Eventually(func() bool {
			samples.lock.Lock()
			defer samples.lock.Unlock()
			return samples.calls > 0
		}, time.Second, time.Millisecond*5)
		start := time.Now()
		assert.Nil(uut.Stop(time.Second))
		assert.Less(time.Since(start), time.Millisecond*500)
	}
}
