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

package common

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodicTaskLifecycle(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: bad interval
	{
		_, err := GetPeriodicTaskInstance("testing", 0, ctxt)
		assert.NotNil(err)
	}

	// Case 1: stop before start
	{
		uut, err := GetPeriodicTaskInstance("testing", time.Millisecond*10, ctxt)
		assert.Nil(err)
		assert.Nil(uut.Stop(time.Millisecond * 100))
		assert.False(uut.Running())
		// Can't start once stopped
		assert.NotNil(uut.Start(func(context.Context) error { return nil }))
		assert.False(uut.Running())
	}

	// Case 2: normal operation
	{
		uut, err := GetPeriodicTaskInstance("testing", time.Millisecond*20, ctxt)
		assert.Nil(err)
		var count atomic.Int32
		handler := func(context.Context) error {
			count.Add(1)
			return nil
		}
		assert.Nil(uut.Start(handler))
		assert.NotNil(uut.Start(handler))
		time.Sleep(time.Millisecond * 110)
		assert.True(uut.Running())
		assert.Nil(uut.Stop(time.Second))
		assert.False(uut.Running())
		seen := count.Load()
		assert.GreaterOrEqual(seen, int32(3))
		time.Sleep(time.Millisecond * 60)
		assert.Equal(seen, count.Load())
	}

	// Case 3: handler errors and panics do not terminate the loop
	{
		uut, err := GetPeriodicTaskInstance("testing", time.Millisecond*10, ctxt)
		assert.Nil(err)
		var count atomic.Int32
		handler := func(context.Context) error {
			switch count.Add(1) {
			case 1:
				return fmt.Errorf("dummy error")
			case 2:
				panic("dummy panic")
			}
			return nil
		}
		assert.Nil(uut.Start(handler))
		time.Sleep(time.Millisecond * 100)
		assert.Nil(uut.Stop(time.Second))
		assert.GreaterOrEqual(count.Load(), int32(4))
	}

	// Case 4: stop interrupts a long sleep
	{
		uut, err := GetPeriodicTaskInstance("testing", time.Hour, ctxt)
		assert.Nil(err)
		called := make(chan bool, 1)
		assert.Nil(uut.Start(func(context.Context) error {
			called <- true
			return nil
		}))
		<-called
		start := time.Now()
		assert.Nil(uut.Stop(time.Second))
		assert.Less(time.Since(start), time.Millisecond*500)
	}

	// Case 5: stop with a handler which ignores cancellation only waits up to the bound
	{
		uut, err := GetPeriodicTaskInstance("testing", time.Millisecond*10, ctxt)
		assert.Nil(err)
		release := make(chan bool)
		entered := make(chan bool, 1)
		assert.Nil(uut.Start(func(context.Context) error {
			entered <- true
			<-release
			return nil
		}))
		<-entered
		start := time.Now()
		assert.Nil(uut.Stop(time.Millisecond * 50))
		assert.Less(time.Since(start), time.Millisecond*500)
		close(release)
	}
}

func TestSleepContext(t *testing.T) {
	assert := assert.New(t)

	// Case 0: zero sleep on a live context
	assert.True(SleepContext(context.Background(), 0))
	assert.True(SleepContext(context.Background(), -time.Second))

	// Case 1: sleep completes
	{
		start := time.Now()
		assert.True(SleepContext(context.Background(), time.Millisecond*20))
		assert.GreaterOrEqual(time.Since(start), time.Millisecond*20)
	}

	// Case 2: interrupted
	{
		ctxt, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(time.Millisecond * 10)
			cancel()
		}()
		start := time.Now()
		assert.False(SleepContext(ctxt, time.Hour))
		assert.Less(time.Since(start), time.Second)
		assert.False(SleepContext(ctxt, 0))
	}

	// Case 3: wait group wait with bound
	{
		wg := sync.WaitGroup{}
		wg.Add(1)
		assert.False(WaitWithTimeout(&wg, time.Millisecond*10))
		wg.Done()
		assert.True(WaitWithTimeout(&wg, time.Millisecond*10))
	}
}
