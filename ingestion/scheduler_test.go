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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/databus"
	"github.com/alwitt/telemetrybus/queue"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestComputeSleep(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(time.Millisecond*700, ComputeSleep(time.Second, time.Millisecond*300))
	assert.Equal(time.Duration(0), ComputeSleep(time.Second, time.Millisecond*1200))
	assert.Equal(time.Duration(0), ComputeSleep(time.Second, time.Second))
	assert.Equal(time.Second, ComputeSleep(time.Second, 0))
}

func newTestScheduler(
	t *testing.T, bus databus.DataBus, interval time.Duration, reg prometheus.Registerer,
) Scheduler {
	q, err := queue.NewInboundQueue[[]byte]("testing", 0)
	assert.Nil(t, err)
	uut, err := NewScheduler(context.Background(), "testing", SchedulerParams{
		Bus:                bus,
		Queue:              q,
		SubscribeTopic:     "datamessage",
		CollectionInterval: interval,
		StreamLengthCap:    1000,
		PersistenceEnabled: true,
		Metrics:            reg,
	})
	assert.Nil(t, err)
	return uut
}

func TestSchedulerParams(t *testing.T) {
	assert := assert.New(t)
	bus := databus.NewMemoryBus("testing")
	q, err := queue.NewInboundQueue[[]byte]("testing", 0)
	assert.Nil(err)

	_, err = NewScheduler(context.Background(), "bad", SchedulerParams{Queue: q, SubscribeTopic: "a"})
	assert.ErrorIs(err, common.ErrConfiguration)
	_, err = NewScheduler(context.Background(), "bad", SchedulerParams{
		Bus: bus, Queue: q, SubscribeTopic: "a",
	})
	assert.ErrorIs(err, common.ErrConfiguration)
	_, err = NewScheduler(context.Background(), "bad", SchedulerParams{
		Bus: bus, Queue: q, CollectionInterval: time.Second,
	})
	assert.ErrorIs(err, common.ErrConfiguration)
}

func TestSchedulerStopBeforeStart(t *testing.T) {
	assert := assert.New(t)

	bus := databus.NewMemoryBus("testing")
	uut := newTestScheduler(t, bus, time.Millisecond*10, nil)
	assert.Nil(uut.Stop(time.Second))
	assert.Equal(Idle, uut.State())
	assert.NotNil(uut.Start())
	// Nothing connected, nothing subscribed
	assert.False(bus.IsConnected())
}

func TestSchedulerPersistenceDisabled(t *testing.T) {
	assert := assert.New(t)

	bus := databus.NewMemoryBus("testing")
	q, err := queue.NewInboundQueue[[]byte]("testing", 0)
	assert.Nil(err)
	uut, err := NewScheduler(context.Background(), "testing", SchedulerParams{
		Bus: bus, Queue: q, SubscribeTopic: "datamessage", CollectionInterval: time.Millisecond,
	})
	assert.Nil(err)
	assert.Nil(uut.Start())
	time.Sleep(time.Millisecond * 20)
	assert.Equal(Idle, uut.State())
	assert.False(bus.IsConnected())
	assert.Nil(uut.Stop(time.Second))
}

func TestSchedulerIngestion(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	ctxt := context.Background()

	reg := prometheus.NewRegistry()
	bus := databus.NewMemoryBus("testing")
	uut := newTestScheduler(t, bus, time.Millisecond*20, reg)
	assert.Nil(uut.Start())
	defer func() {
		assert.Nil(uut.Stop(time.Second))
		assert.Equal(Idle, uut.State())
	}()

	// Wait for the subscription
	assert.Eventually(func() bool { return uut.State() == Looping }, time.Second, time.Millisecond*5)

	// Case 0: valid messages, including the legacy wire format
	{
		for i := 0; i < 3; i++ {
			msg := common.NewMessage("T1", fmt.Sprintf("%d", 10+i), "Boiler1", time.Now())
			assert.Nil(bus.Publish(ctxt, "datamessage", msg))
		}
		assert.Nil(bus.PublishRaw(
			ctxt, "datamessage",
			[]byte(`{"Id":"T1","Value":"13","Time":"2022-05-01T10:11:12.1234567","Source":"legacy"}`),
		))
		assert.Eventually(func() bool {
			samples, err := uut.GetSamples(ctxt, "T1", 10)
			return err == nil && len(samples) == 4
		}, time.Second*2, time.Millisecond*10)
		samples, err := uut.GetSamples(ctxt, "T1", 10)
		assert.Nil(err)
		assert.InDelta(13.0, samples[0].Value, 1e-9)
		assert.InDelta(10.0, samples[3].Value, 1e-9)
		// count bounds the read
		samples, err = uut.GetSamples(ctxt, "T1", 2)
		assert.Nil(err)
		assert.Len(samples, 2)
	}

	// Case 1: invalid messages are dropped without stopping the loop
	{
		assert.Nil(bus.PublishRaw(ctxt, "datamessage", []byte("not json")))
		assert.Nil(bus.PublishRaw(ctxt, "datamessage", []byte(`{"value":"1"}`)))
		assert.Nil(bus.Publish(ctxt, "datamessage", common.NewMessage("T2", "5", "", time.Now())))
		assert.Eventually(func() bool {
			samples, err := uut.GetSamples(ctxt, "T2", 10)
			return err == nil && len(samples) == 1
		}, time.Second*2, time.Millisecond*10)
		impl := uut.(*schedulerImpl)
		assert.Equal(2.0, testutil.ToFloat64(impl.metrics.invalid))
		assert.Equal(5.0, testutil.ToFloat64(impl.metrics.ingested))
	}

	// Case 2: unknown entity
	{
		samples, err := uut.GetSamples(ctxt, "unknown", 10)
		assert.Nil(err)
		assert.Empty(samples)
	}
}

func TestSchedulerDrainsOnePerIteration(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	bus := databus.NewMemoryBus("testing")
	assert.True(bus.Connect(ctxt))
	q, err := queue.NewInboundQueue[[]byte]("testing", 0)
	assert.Nil(err)
	uut, err := NewScheduler(ctxt, "testing", SchedulerParams{
		Bus:                bus,
		Queue:              q,
		SubscribeTopic:     "datamessage",
		CollectionInterval: time.Millisecond * 100,
		StreamLengthCap:    1000,
		PersistenceEnabled: true,
	})
	assert.Nil(err)

	// Queue a burst before the loop starts
	for i := 0; i < 5; i++ {
		payload, err := common.NewMessage("T1", fmt.Sprintf("%d", i), "", time.Now()).Encode()
		assert.Nil(err)
		assert.True(q.TryEnqueue(payload))
	}
	assert.Nil(uut.Start())
	time.Sleep(time.Millisecond * 250)
	assert.Nil(uut.Stop(time.Second))

	// About three iterations ran; the burst is not batched
	samples, err := uut.GetSamples(ctxt, "T1", 10)
	assert.Nil(err)
	assert.GreaterOrEqual(len(samples), 2)
	assert.LessOrEqual(len(samples), 4)
	assert.True(q.HasData())
}

func TestSchedulerSurvivesOutage(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	bus := databus.NewMemoryBus("testing")
	bus.SetReachable(false)
	uut := newTestScheduler(t, bus, time.Millisecond*10, nil)
	assert.Nil(uut.Start())
	defer func() {
		assert.Nil(uut.Stop(time.Second))
	}()

	// Case 0: broker down
	{
		time.Sleep(time.Millisecond * 50)
		assert.Equal(Connecting, uut.State())
	}

	// Case 1: broker returns, ingestion self heals
	{
		bus.SetReachable(true)
		assert.Eventually(func() bool { return uut.State() == Looping }, time.Second, time.Millisecond*5)
		assert.Nil(bus.Publish(ctxt, "datamessage", common.NewMessage("T3", "1", "", time.Now())))
		assert.Eventually(func() bool {
			samples, err := uut.GetSamples(ctxt, "T3", 10)
			return err == nil && len(samples) == 1
		}, time.Second, time.Millisecond*10)
	}
}

func TestSchedulerInstanceScopedSubscription(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	// Two schedulers on separate buses each subscribe on their own
	wg := sync.WaitGroup{}
	buses := []*databus.MemoryBus{databus.NewMemoryBus("a"), databus.NewMemoryBus("b")}
	schedulers := []Scheduler{}
	for _, bus := range buses {
		uut := newTestScheduler(t, bus, time.Millisecond*10, nil)
		assert.Nil(uut.Start())
		schedulers = append(schedulers, uut)
	}
	for idx, bus := range buses {
		uut := schedulers[idx]
		assert.Eventually(func() bool { return uut.State() == Looping }, time.Second, time.Millisecond*5)
		assert.Nil(bus.Publish(ctxt, "datamessage", common.NewMessage("T4", "1", "", time.Now())))
	}
	for _, uut := range schedulers {
		wg.Add(1)
		go func(s Scheduler) {
			defer wg.Done()
			assert.Eventually(func() bool {
				samples, err := s.GetSamples(ctxt, "T4", 10)
				return err == nil && len(samples) == 1
			}, time.Second, time.Millisecond*10)
			assert.Nil(s.Stop(time.Second))
		}(uut)
	}
	wg.Wait()
}

// delayedBus slows down selected MemoryBus operations
type delayedBus struct {
	*databus.MemoryBus
	subscribeDelay time.Duration
	appendDelay    time.Duration

	lock        sync.Mutex
	appendTimes []time.Time
}

func (b *delayedBus) Subscribe(
	ctxt context.Context, topic string, mode databus.PatternMode, handler databus.MessageHandler,
) (databus.Subscription, error) {
	time.Sleep(b.subscribeDelay)
	return b.MemoryBus.Subscribe(ctxt, topic, mode, handler)
}

func (b *delayedBus) AppendToStream(
	ctxt context.Context, stream string, entry databus.StreamEntry, maxLen int64,
) (string, error) {
	b.lock.Lock()
	b.appendTimes = append(b.appendTimes, time.Now())
	b.lock.Unlock()
	time.Sleep(b.appendDelay)
	return b.MemoryBus.AppendToStream(ctxt, stream, entry, maxLen)
}

func (b *delayedBus) appendGaps() []time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()
	gaps := make([]time.Duration, 0)
	for idx := 1; idx < len(b.appendTimes); idx++ {
		gaps = append(gaps, b.appendTimes[idx].Sub(b.appendTimes[idx-1]))
	}
	return gaps
}

func TestSchedulerStopDuringSubscribe(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	bus := &delayedBus{MemoryBus: databus.NewMemoryBus("testing"), subscribeDelay: time.Millisecond * 300}
	uut := newTestScheduler(t, bus, time.Millisecond*10, nil)
	impl := uut.(*schedulerImpl)
	assert.Nil(uut.Start())

	// Loop is inside Subscribe; the bounded wait gives up first
	time.Sleep(time.Millisecond * 50)
	assert.Nil(uut.Stop(time.Millisecond * 50))

	// The late subscription is released once Subscribe returns
	time.Sleep(time.Millisecond * 500)
	assert.Equal(Idle, uut.State())
	impl.lock.Lock()
	assert.Nil(impl.subscription)
	impl.lock.Unlock()

	assert.Nil(bus.Publish(ctxt, "datamessage", common.NewMessage("T5", "1", "", time.Now())))
	time.Sleep(time.Millisecond * 20)
	assert.Equal(0, impl.Queue.Len())
}

func TestSchedulerDriftCompensation(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	runWith := func(interval, body time.Duration) []time.Duration {
		bus := &delayedBus{MemoryBus: databus.NewMemoryBus("testing"), appendDelay: body}
		assert.True(bus.Connect(ctxt))
		q, err := queue.NewInboundQueue[[]byte]("testing", 0)
		assert.Nil(err)
		for i := 0; i < 10; i++ {
			payload, err := common.NewMessage("T6", fmt.Sprintf("%d", i), "", time.Now()).Encode()
			assert.Nil(err)
			assert.True(q.TryEnqueue(payload))
		}
		uut, err := NewScheduler(ctxt, "testing", SchedulerParams{
			Bus:                bus,
			Queue:              q,
			SubscribeTopic:     "datamessage",
			CollectionInterval: interval,
			StreamLengthCap:    1000,
			PersistenceEnabled: true,
		})
		assert.Nil(err)
		assert.Nil(uut.Start())
		assert.Eventually(func() bool {
			return len(bus.appendGaps()) >= 4
		}, time.Second*5, time.Millisecond*10)
		assert.Nil(uut.Stop(time.Second))
		return bus.appendGaps()
	}

	// Case 0: a body shorter than the interval keeps the interval cadence
	{
		gaps := runWith(time.Millisecond*100, time.Millisecond*50)
		assert.GreaterOrEqual(len(gaps), 4)
		for _, gap := range gaps[:4] {
			assert.GreaterOrEqual(gap, time.Millisecond*90)
			assert.Less(gap, time.Millisecond*140)
		}
	}

	// Case 1: a body longer than the interval runs back to back
	{
		gaps := runWith(time.Millisecond*50, time.Millisecond*120)
		assert.GreaterOrEqual(len(gaps), 4)
		for _, gap := range gaps[:4] {
			assert.GreaterOrEqual(gap, time.Millisecond*115)
			assert.Less(gap, time.Millisecond*165)
		}
	}
}
