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

package databus

import (
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// defaultProbeTimeout max duration of one connectivity probe
const defaultProbeTimeout = time.Second

// New define the DataBus selected by the bus config. No connection is made until
// first use.
func New(cfg common.BusConfig) (DataBus, error) {
	logTags := log.Fields{"module": "databus", "component": "factory", "instance": cfg.Type}
	switch cfg.Type {
	case "redis":
		conn, err := core.GetRedisConnection(core.RedisConnectParams{
			ServerURI:      cfg.ServerURI,
			ConnectTimeout: cfg.ConnectTimeoutDuration(),
			ProbeTimeout:   defaultProbeTimeout,
		})
		if err != nil {
			return nil, err
		}
		return NewRedisBus(conn), nil
	case "nats":
		conn, err := core.GetNatsConnection(core.NATSConnectParams{
			ServerURI:           cfg.ServerURI,
			ConnectTimeout:      cfg.ConnectTimeoutDuration(),
			MaxReconnectAttempt: cfg.Reconnect.MaxAttempts,
			ReconnectWait:       time.Second * time.Duration(cfg.Reconnect.WaitInterval),
			OnDisconnectCallback: func(_ *nats.Conn, err error) {
				log.WithError(err).WithFields(logTags).Warn("NATS disconnected")
			},
			OnReconnectCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Info("NATS reconnected")
			},
			OnCloseCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Info("NATS connection closed")
			},
		})
		if err != nil {
			return nil, err
		}
		return NewJetStreamBus(conn, cfg.KVBucket), nil
	case "memory":
		return NewMemoryBus(cfg.ServerURI), nil
	}
	return nil, common.Fault(common.ErrConfiguration, "unsupported bus type '%s'", cfg.Type)
}
