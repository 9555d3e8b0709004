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

package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alwitt/telemetrybus/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type fakeHandle struct {
	id       int32
	released atomic.Bool
}

type fakeFactory struct {
	created   atomic.Int32
	fail      atomic.Bool
	panicking atomic.Bool
	lock      sync.Mutex
	handles   []*fakeHandle
}

func (f *fakeFactory) Create(_ context.Context) (*fakeHandle, error) {
	if f.fail.Load() {
		return nil, fmt.Errorf("dummy connect failure")
	}
	h := &fakeHandle{id: f.created.Add(1)}
	f.lock.Lock()
	f.handles = append(f.handles, h)
	f.lock.Unlock()
	return h, nil
}

func (f *fakeFactory) Probe(h *fakeHandle) bool {
	if f.panicking.Load() {
		panic("dummy probe panic")
	}
	return !h.released.Load()
}

func (f *fakeFactory) Release(h *fakeHandle) {
	h.released.Store(true)
}

func (f *fakeFactory) liveHandles() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	live := 0
	for _, h := range f.handles {
		if !h.released.Load() {
			live++
		}
	}
	return live
}

func TestConnectionManagerLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt := context.Background()
	factory := &fakeFactory{}
	uut := NewConnectionManager[*fakeHandle]("fake://broker", factory, log.Fields{})

	// Case 0: nothing connected yet
	{
		assert.Equal("fake://broker", uut.Endpoint())
		assert.False(uut.IsConnected())
		assert.Equal(int32(0), factory.created.Load())
	}

	// Case 1: lazy connect on first handle request
	var first *fakeHandle
	{
		h, err := uut.GetHandle(ctxt)
		assert.Nil(err)
		assert.NotNil(h)
		first = h
		assert.True(uut.IsConnected())
		// Existing handle is reused
		h, err = uut.GetHandle(ctxt)
		assert.Nil(err)
		assert.Equal(first, h)
		assert.Equal(int32(1), factory.created.Load())
	}

	// Case 2: reconnect replaces and releases the old handle
	{
		assert.True(uut.Connect(ctxt))
		h, err := uut.GetHandle(ctxt)
		assert.Nil(err)
		assert.NotEqual(first.id, h.id)
		assert.True(first.released.Load())
		assert.Equal(1, factory.liveHandles())
	}

	// Case 3: failed reconnect leaves no handle
	{
		factory.fail.Store(true)
		assert.False(uut.Connect(ctxt))
		assert.False(uut.IsConnected())
		assert.Equal(0, factory.liveHandles())
		_, err := uut.GetHandle(ctxt)
		assert.ErrorIs(err, common.ErrConnectivity)
		factory.fail.Store(false)
	}

	// Case 4: probe panic is reported as disconnected
	{
		assert.True(uut.Connect(ctxt))
		factory.panicking.Store(true)
		assert.False(uut.IsConnected())
		factory.panicking.Store(false)
		assert.True(uut.IsConnected())
	}

	// Case 5: closed manager never creates another handle
	{
		assert.Nil(uut.Close(ctxt))
		assert.Nil(uut.Close(ctxt))
		assert.False(uut.IsConnected())
		assert.Equal(0, factory.liveHandles())
		before := factory.created.Load()
		assert.False(uut.Connect(ctxt))
		_, err := uut.GetHandle(ctxt)
		assert.ErrorIs(err, common.ErrClosed)
		assert.Equal(before, factory.created.Load())
	}
}

func TestConnectionManagerConcurrentFirstUse(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	factory := &fakeFactory{}
	uut := NewConnectionManager[*fakeHandle]("fake://broker", factory, log.Fields{})

	wg := sync.WaitGroup{}
	results := make(chan *fakeHandle, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := uut.GetHandle(ctxt)
			assert.Nil(err)
			results <- h
		}()
	}
	wg.Wait()
	close(results)

	// Only one handle is ever created
	assert.Equal(int32(1), factory.created.Load())
	var seen *fakeHandle
	for h := range results {
		if seen == nil {
			seen = h
		}
		assert.Equal(seen, h)
	}
	assert.Nil(uut.Close(ctxt))
}
