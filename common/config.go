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
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ===============================================================================
// Bus Config

// ReconnectConfig transport reconnect parameters
type ReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// BusConfig message bus connection and routing parameters
type BusConfig struct {
	// Type is the broker backing the bus. "memory" is an in-process bus for local runs.
	Type string `mapstructure:"type" json:"type" validate:"required,oneof=redis nats memory"`
	// ServerURI is the broker connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required"`
	// ConnectTimeout is the max duration for connecting to the broker in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect ReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// SubscribeTopic is the topic device telemetry is published on
	SubscribeTopic string `mapstructure:"subscribe_topic" json:"subscribe_topic" validate:"required"`
	// PublishTopic is the topic alerts are published on
	PublishTopic string `mapstructure:"publish_topic" json:"publish_topic" validate:"required"`
	// KVBucket is the key-value bucket name, for brokers which scope KV by bucket
	KVBucket string `mapstructure:"kv_bucket" json:"kv_bucket" validate:"required"`
}

// ConnectTimeoutDuration helper function to get the connect timeout as duration
func (c BusConfig) ConnectTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.ConnectTimeout)
}

// ===============================================================================
// Ingestion Config

// InboundQueueConfig inbound hand-off queue parameters
type InboundQueueConfig struct {
	// Capacity is the max number of pending messages. 0 means unbounded.
	Capacity int `mapstructure:"capacity" json:"capacity" validate:"gte=0"`
	// OverflowPolicy is what to do when the queue is full
	OverflowPolicy string `mapstructure:"overflow_policy" json:"overflow_policy" validate:"required,oneof=drop-oldest drop-newest"`
}

// IngestionConfig ingestion scheduler parameters
type IngestionConfig struct {
	// PersistenceEnabled whether to persist inbound telemetry into streams
	PersistenceEnabled bool `mapstructure:"persistence_enabled" json:"persistence_enabled"`
	// CollectionInterval is the ingestion cadence in seconds
	CollectionInterval int `mapstructure:"collection_interval_sec" json:"collection_interval_sec" validate:"gte=1"`
	// StreamLengthCap is the soft max length of each stream
	StreamLengthCap int64 `mapstructure:"stream_length_cap" json:"stream_length_cap" validate:"gte=1"`
	// Queue is the inbound queue parameters
	Queue InboundQueueConfig `mapstructure:"queue" json:"queue" validate:"required"`
}

// CollectionIntervalDuration helper function to get the collection interval as duration
func (c IngestionConfig) CollectionIntervalDuration() time.Duration {
	return time.Second * time.Duration(c.CollectionInterval)
}

// ===============================================================================
// Analysis Config

// EngineConfig one analysis engine's parameters
type EngineConfig struct {
	// Enabled whether the engine runs
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ExecutionInterval is the engine cadence in seconds
	ExecutionInterval int `mapstructure:"execution_interval_sec" json:"execution_interval_sec" validate:"gte=1"`
	// PredictionDataSize is the number of samples analyzed per iteration
	PredictionDataSize int `mapstructure:"prediction_data_size" json:"prediction_data_size" validate:"gte=1"`
	// NotificationEnabled whether alerts are sent to the notification sink
	NotificationEnabled bool `mapstructure:"notification_enabled" json:"notification_enabled"`
	// ResultPersistEnabled whether alerts are written to the result sink
	ResultPersistEnabled bool `mapstructure:"result_persist_enabled" json:"result_persist_enabled"`
	// Parameters is the list of monitored entity IDs
	Parameters []string `mapstructure:"parameters" json:"parameters"`
	// Threshold is the detector sensitivity, in standard deviations
	Threshold float64 `mapstructure:"threshold" json:"threshold" validate:"gte=0"`
	// Horizon is the number of values to forecast
	Horizon int `mapstructure:"horizon" json:"horizon" validate:"gte=0"`
}

// ExecutionIntervalDuration helper function to get the execution interval as duration
func (c EngineConfig) ExecutionIntervalDuration() time.Duration {
	return time.Second * time.Duration(c.ExecutionInterval)
}

// AnalysisConfig parameters for all analysis engines
type AnalysisConfig struct {
	Anomaly     EngineConfig `mapstructure:"anomaly" json:"anomaly" validate:"required"`
	Spike       EngineConfig `mapstructure:"spike" json:"spike" validate:"required"`
	ChangePoint EngineConfig `mapstructure:"changepoint" json:"changepoint" validate:"required"`
	Forecast    EngineConfig `mapstructure:"forecast" json:"forecast" validate:"required"`
}

// NotificationConfig alert notification parameters
type NotificationConfig struct {
	// PublishAlerts whether alerts are published onto the bus publish topic
	PublishAlerts bool `mapstructure:"publish_alerts" json:"publish_alerts"`
	// DispatchBuffer is the number of pending notifications buffered for dispatch
	DispatchBuffer int `mapstructure:"dispatch_buffer" json:"dispatch_buffer" validate:"gte=1"`
	// SendTimeout is the max duration of one notification send in seconds
	SendTimeout int `mapstructure:"send_timeout_sec" json:"send_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Ops Server Config

// HTTPServerConfig HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// OpsServerConfig health check and metrics server parameters
type OpsServerConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
	// PathPrefix is the end-point path prefix
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// MQTT Bridge Config

// MQTTBridgeConfig device MQTT ingress bridge parameters
type MQTTBridgeConfig struct {
	// BrokerURI is the MQTT broker the devices publish to
	BrokerURI string `mapstructure:"broker_uri" json:"broker_uri" validate:"required,uri"`
	// ClientID is the MQTT client ID of the bridge
	ClientID string `mapstructure:"client_id" json:"client_id" validate:"required"`
	// Topic is the MQTT topic filter to relay from
	Topic string `mapstructure:"topic" json:"topic" validate:"required"`
	// QoS is the MQTT subscription QoS
	QoS int `mapstructure:"qos" json:"qos" validate:"gte=0,lte=2"`
	// RelayInterval is the relay cadence in milliseconds
	RelayInterval int `mapstructure:"relay_interval_ms" json:"relay_interval_ms" validate:"gte=1"`
	// QueueCapacity is the max number of pending relayed payloads. 0 means unbounded.
	QueueCapacity int `mapstructure:"queue_capacity" json:"queue_capacity" validate:"gte=0"`
}

// ===============================================================================
// Complete Config

// SystemConfig system configuration
type SystemConfig struct {
	// Bus are the message bus config parameters
	Bus BusConfig `mapstructure:"bus" json:"bus" validate:"required"`
	// Ingestion are the ingestion scheduler config parameters
	Ingestion IngestionConfig `mapstructure:"ingestion" json:"ingestion" validate:"required"`
	// Analysis are the analysis engine config parameters
	Analysis AnalysisConfig `mapstructure:"analysis" json:"analysis" validate:"required"`
	// Notification are the alert notification config parameters
	Notification NotificationConfig `mapstructure:"notification" json:"notification" validate:"required"`
	// Ops are the health check / metrics server configs
	Ops *OpsServerConfig `mapstructure:"ops,omitempty" json:"ops,omitempty" validate:"omitempty"`
	// Bridge are the MQTT bridge configs
	Bridge *MQTTBridgeConfig `mapstructure:"bridge,omitempty" json:"bridge,omitempty" validate:"omitempty"`
}

// Validate verify the config content, returning a configuration fault on failure
func (c *SystemConfig) Validate(validate *validator.Validate) error {
	if err := validate.Struct(c); err != nil {
		return WrapFault(ErrConfiguration, err, "invalid system config")
	}
	return nil
}

// ===============================================================================

// installEngineDefaults helper function to install the defaults of one engine
func installEngineDefaults(engine string, interval int, threshold float64, horizon int) {
	prefix := "analysis." + engine
	viper.SetDefault(prefix+".enabled", false)
	viper.SetDefault(prefix+".execution_interval_sec", interval)
	viper.SetDefault(prefix+".prediction_data_size", 100)
	viper.SetDefault(prefix+".notification_enabled", true)
	viper.SetDefault(prefix+".result_persist_enabled", false)
	viper.SetDefault(prefix+".parameters", []string{})
	viper.SetDefault(prefix+".threshold", threshold)
	viper.SetDefault(prefix+".horizon", horizon)
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default bus settings
	viper.SetDefault("bus.type", "redis")
	viper.SetDefault("bus.server_uri", "redis://127.0.0.1:6379/0")
	viper.SetDefault("bus.connect_timeout_sec", 5)
	viper.SetDefault("bus.reconnect.max_attempts", -1)
	viper.SetDefault("bus.reconnect.wait_interval_sec", 2)
	viper.SetDefault("bus.subscribe_topic", "datamessage")
	viper.SetDefault("bus.publish_topic", "ml/alertmessage")
	viper.SetDefault("bus.kv_bucket", "telemetry")

	// Default ingestion settings
	viper.SetDefault("ingestion.persistence_enabled", true)
	viper.SetDefault("ingestion.collection_interval_sec", 1)
	viper.SetDefault("ingestion.stream_length_cap", 1000)
	viper.SetDefault("ingestion.queue.capacity", 0)
	viper.SetDefault("ingestion.queue.overflow_policy", "drop-oldest")

	// Default analysis settings
	installEngineDefaults("anomaly", 300, 3.0, 0)
	installEngineDefaults("spike", 300, 3.5, 0)
	installEngineDefaults("changepoint", 300, 2.0, 0)
	installEngineDefaults("forecast", 300, 0, 10)

	// Default notification settings
	viper.SetDefault("notification.publish_alerts", true)
	viper.SetDefault("notification.dispatch_buffer", 64)
	viper.SetDefault("notification.send_timeout_sec", 5)

	// Default ops server settings
	viper.SetDefault("ops.path_prefix", "/")
	viper.SetDefault("ops.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("ops.server_config.listen_port", 3100)
	viper.SetDefault("ops.server_config.read_timeout_sec", 60)
	viper.SetDefault("ops.server_config.write_timeout_sec", 60)
	viper.SetDefault("ops.server_config.idle_timeout_sec", 600)
	viper.SetDefault("ops.logging_config.request_id_header", "Telemetrybus-Request-ID")
	viper.SetDefault(
		"ops.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default MQTT bridge settings
	viper.SetDefault("bridge.broker_uri", "tcp://127.0.0.1:1883")
	viper.SetDefault("bridge.client_id", "telemetrybus-bridge")
	viper.SetDefault("bridge.topic", "devices/+/telemetry")
	viper.SetDefault("bridge.qos", 1)
	viper.SetDefault("bridge.relay_interval_ms", 50)
	viper.SetDefault("bridge.queue_capacity", 4096)
}
