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
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS JetStream cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration `validate:"gt=0"`
	// MaxReconnectAttempt on connection loss, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsHandle one NATS connection, and its JetStream context
type NatsHandle struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

// NatsConnection manages the connection to a NATS JetStream cluster
type NatsConnection ConnectionManager[*NatsHandle]

// natsHandleFactory implements HandleFactory for NATS connections
type natsHandleFactory struct {
	common.Component
	params NATSConnectParams
}

// GetNatsConnection define a new NATS JetStream connection manager. The connection
// is established on first use.
func GetNatsConnection(param NATSConnectParams) (NatsConnection, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "jetstream-backend",
		"instance":  param.ServerURI,
	}
	validate := validator.New()
	if err := validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid NATS connection parameters")
		return nil, common.WrapFault(common.ErrConfiguration, err, "invalid NATS parameters")
	}
	factory := &natsHandleFactory{
		Component: common.Component{LogTags: logTags}, params: param,
	}
	return NewConnectionManager[*NatsHandle](param.ServerURI, factory, logTags), nil
}

// Create establish a new NATS connection with JetStream
func (f *natsHandleFactory) Create(_ context.Context) (*NatsHandle, error) {
	options := []nats.Option{
		nats.Timeout(f.params.ConnectTimeout),
		nats.MaxReconnects(f.params.MaxReconnectAttempt),
		nats.ReconnectWait(f.params.ReconnectWait),
	}
	if f.params.OnDisconnectCallback != nil {
		options = append(options, nats.DisconnectErrHandler(f.params.OnDisconnectCallback))
	}
	if f.params.OnReconnectCallback != nil {
		options = append(options, nats.ReconnectHandler(f.params.OnReconnectCallback))
	}
	if f.params.OnCloseCallback != nil {
		options = append(options, nats.ClosedHandler(f.params.OnCloseCallback))
	}
	nc, err := nats.Connect(f.params.ServerURI, options...)
	if err != nil {
		return nil, common.WrapFault(common.ErrConnectivity, err, "NATS client connect failed")
	}

	// Define the JetStream client
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, common.WrapFault(common.ErrConnectivity, err, "failed to define JetStream client")
	}
	log.WithFields(f.LogTags).Info("Created JetStream client")
	return &NatsHandle{Conn: nc, JS: js}, nil
}

// Probe whether the connection is up
func (f *natsHandleFactory) Probe(handle *NatsHandle) bool {
	if handle == nil || handle.Conn == nil {
		return false
	}
	return handle.Conn.IsConnected()
}

// Release flush and close the connection
func (f *natsHandleFactory) Release(handle *NatsHandle) {
	if handle == nil || handle.Conn == nil {
		return
	}
	if handle.Conn.IsConnected() {
		if err := handle.Conn.FlushTimeout(f.params.ConnectTimeout); err != nil {
			log.WithError(err).WithFields(f.LogTags).Errorf("NATS flush failed")
		}
	}
	handle.Conn.Close()
	log.WithFields(f.LogTags).Infof("Close NATS client")
}
