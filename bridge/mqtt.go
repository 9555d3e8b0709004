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

// Package bridge relays device telemetry from an MQTT broker onto the data bus
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/databus"
	"github.com/alwitt/telemetrybus/queue"
	"github.com/apex/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
)

// MQTTBridgeParams MQTT bridge parameters
type MQTTBridgeParams struct {
	// Config MQTT side settings
	Config common.MQTTBridgeConfig `validate:"required"`
	// Bus the data bus to relay onto
	Bus databus.DataBus `validate:"required"`
	// TargetTopic the bus topic to publish relayed payloads on
	TargetTopic string `validate:"required"`
	// ConnectTimeout max time to wait for the MQTT broker connection
	ConnectTimeout time.Duration `validate:"gt=0"`
	// Metrics registry for the relay queue metrics. Optional.
	Metrics prometheus.Registerer
}

// MQTTBridge subscribes to an MQTT topic, and republishes each payload on the data bus.
//
// The MQTT callback only enqueues; a periodic relay task drains the queue onto the bus,
// so a slow or unreachable bus never stalls the MQTT client.
type MQTTBridge struct {
	common.Component
	params  MQTTBridgeParams
	client  mqtt.Client
	pending queue.InboundQueue[[]byte]
	relay   common.PeriodicTask

	lock sync.Mutex
	// held payload which failed to publish, retried before the queue
	held []byte
}

// NewMQTTBridge define a new MQTT bridge
func NewMQTTBridge(rootCtxt context.Context, params MQTTBridgeParams) (*MQTTBridge, error) {
	logTags := log.Fields{
		"module": "bridge", "component": "mqtt-bridge", "instance": params.Config.ClientID,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid MQTT bridge parameters")
		return nil, common.WrapFault(common.ErrConfiguration, err, "invalid MQTT bridge parameters")
	}

	queueOpts := []queue.Option[[]byte]{}
	if params.Config.QueueCapacity > 0 {
		queueOpts = append(queueOpts, queue.WithOverflowPolicy[[]byte](queue.DropOldest))
	}
	if params.Metrics != nil {
		queueOpts = append(queueOpts, queue.WithMetrics[[]byte](params.Metrics))
	}
	pending, err := queue.NewInboundQueue(
		"mqtt-"+params.Config.ClientID, params.Config.QueueCapacity, queueOpts...,
	)
	if err != nil {
		return nil, err
	}

	relay, err := common.GetPeriodicTaskInstance(
		"mqtt-relay-"+params.Config.ClientID,
		time.Millisecond*time.Duration(params.Config.RelayInterval),
		rootCtxt,
	)
	if err != nil {
		return nil, err
	}

	instance := &MQTTBridge{
		Component: common.Component{LogTags: logTags},
		params:    params,
		pending:   pending,
		relay:     relay,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(params.Config.BrokerURI).
		SetClientID(params.Config.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(params.ConnectTimeout).
		SetOnConnectHandler(instance.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).WithFields(logTags).Warn("MQTT connection lost")
		})
	instance.client = mqtt.NewClient(opts)

	return instance, nil
}

// onConnect (re)subscribe on every broker connect
func (b *MQTTBridge) onConnect(client mqtt.Client) {
	topic := b.params.Config.Topic
	qos := byte(b.params.Config.QoS)
	token := client.Subscribe(topic, qos, b.HandleMessage)
	if !token.WaitTimeout(b.params.ConnectTimeout) {
		log.WithFields(b.LogTags).Errorf("Subscribe to MQTT topic %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to subscribe to MQTT topic %s", topic)
		return
	}
	log.WithFields(b.LogTags).Infof("Subscribed to MQTT topic %s (QoS %d)", topic, qos)
}

// HandleMessage MQTT message callback. Only enqueues the payload.
func (b *MQTTBridge) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	if !b.pending.TryEnqueue(payload) {
		log.WithFields(b.LogTags).Warnf("Relay queue rejected payload from %s", msg.Topic())
	}
}

// Relay publish queued payloads onto the bus, stopping at the first failure
func (b *MQTTBridge) Relay(ctxt context.Context) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	relayed := 0
	defer func() {
		if relayed > 0 {
			log.WithFields(b.LogTags).Debugf("Relayed %d payloads", relayed)
		}
	}()
	for {
		if ctxt.Err() != nil {
			return nil
		}
		payload := b.held
		if payload == nil {
			var ok bool
			if payload, ok = b.pending.TryDequeue(); !ok {
				return nil
			}
		}
		if err := b.params.Bus.PublishRaw(ctxt, b.params.TargetTopic, payload); err != nil {
			b.held = payload
			return err
		}
		b.held = nil
		relayed++
	}
}

// Start connect to the MQTT broker, and start the relay
func (b *MQTTBridge) Start() error {
	token := b.client.Connect()
	if !token.WaitTimeout(b.params.ConnectTimeout) {
		return common.Fault(
			common.ErrConnectivity, "connect to %s timed out", b.params.Config.BrokerURI,
		)
	}
	if err := token.Error(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to connect to MQTT broker %s", b.params.Config.BrokerURI,
		)
		return common.WrapFault(common.ErrConnectivity, err, "MQTT connect failed")
	}
	return b.relay.Start(func(ctxt context.Context) error {
		if !b.params.Bus.IsConnected() && !b.params.Bus.Connect(ctxt) {
			return common.Fault(common.ErrConnectivity, "bus %s unreachable", b.params.Bus.Name())
		}
		return b.Relay(ctxt)
	})
}

// Stop disconnect from the MQTT broker, and stop the relay
func (b *MQTTBridge) Stop(timeout time.Duration) error {
	if b.client.IsConnected() {
		b.client.Disconnect(uint(timeout.Milliseconds()))
	}
	err := b.relay.Stop(timeout)
	b.pending.Close()
	return err
}
