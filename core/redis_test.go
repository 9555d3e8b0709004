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
	"testing"
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/stretchr/testify/assert"
)

func TestRedisConnectionParams(t *testing.T) {
	assert := assert.New(t)

	// Case 0: missing parameters
	{
		_, err := GetRedisConnection(RedisConnectParams{})
		assert.ErrorIs(err, common.ErrConfiguration)
	}

	// Case 1: plain address
	{
		opts, err := parseRedisEndpoint("localhost:6379")
		assert.Nil(err)
		assert.Equal("localhost:6379", opts.Addr)
	}

	// Case 2: URI with DB
	{
		opts, err := parseRedisEndpoint("redis://127.0.0.1:6380/2")
		assert.Nil(err)
		assert.Equal("127.0.0.1:6380", opts.Addr)
		assert.Equal(2, opts.DB)
	}
}

func TestRedisConnectionUnreachable(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	uut, err := GetRedisConnection(RedisConnectParams{
		ServerURI:      "127.0.0.1:1",
		ConnectTimeout: time.Millisecond * 200,
		ProbeTimeout:   time.Millisecond * 200,
	})
	assert.Nil(err)

	assert.False(uut.IsConnected())
	assert.False(uut.Connect(ctxt))
	_, err = uut.GetHandle(ctxt)
	assert.ErrorIs(err, common.ErrConnectivity)
	assert.Nil(uut.Close(ctxt))
}

func TestRedisConnectionLive(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	uut, err := GetRedisConnection(RedisConnectParams{
		ServerURI:      common.GetUnitTestRedisURI(),
		ConnectTimeout: time.Second,
		ProbeTimeout:   time.Second,
	})
	assert.Nil(err)
	if !uut.Connect(ctxt) {
		t.Skipf("Redis not reachable at %s", common.GetUnitTestRedisURI())
	}
	defer func() {
		assert.Nil(uut.Close(ctxt))
	}()

	client, err := uut.GetHandle(ctxt)
	assert.Nil(err)
	assert.Nil(client.Ping(ctxt).Err())

	// Reconnect produces a new working client, and retires the old one
	assert.True(uut.Connect(ctxt))
	newClient, err := uut.GetHandle(ctxt)
	assert.Nil(err)
	assert.False(client == newClient)
	assert.NotNil(client.Ping(ctxt).Err())
	assert.Nil(newClient.Ping(ctxt).Err())
}
