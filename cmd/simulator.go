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
	"math/rand"
	"strconv"
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/databus"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

// SimulatorCLIArgs device simulator arguments
type SimulatorCLIArgs struct {
	// Source is the simulated device. A random ID is used when empty.
	Source string
	// ParameterID is the simulated parameter
	ParameterID string `validate:"required"`
	// IntervalMs is the time between readings
	IntervalMs int `validate:"gte=1"`
	// MaxValue readings are drawn from [0, MaxValue)
	MaxValue int64 `validate:"gte=1"`
	// Count is the number of readings to send. 0 sends until stopped.
	Count int `validate:"gte=0"`
}

// GetSimulatorCLIFlags retrieve the set of CMD flags for the device simulator
func GetSimulatorCLIFlags(args *SimulatorCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "source",
			Usage:       "Simulated device name",
			Aliases:     []string{"s"},
			EnvVars:     []string{"SIMULATOR_SOURCE"},
			Value:       "Boiler1",
			DefaultText: "Boiler1",
			Destination: &args.Source,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "parameter",
			Usage:       "Simulated parameter ID",
			Aliases:     []string{"p"},
			EnvVars:     []string{"SIMULATOR_PARAMETER"},
			Value:       "Temperature",
			DefaultText: "Temperature",
			Destination: &args.ParameterID,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "interval-ms",
			Usage:       "Time between readings in milliseconds",
			Aliases:     []string{"i"},
			EnvVars:     []string{"SIMULATOR_INTERVAL_MS"},
			Value:       5000,
			DefaultText: "5000",
			Destination: &args.IntervalMs,
			Required:    false,
		},
		&cli.Int64Flag{
			Name:        "max-value",
			Usage:       "Readings are drawn uniformly from [0, max-value)",
			EnvVars:     []string{"SIMULATOR_MAX_VALUE"},
			Value:       100,
			DefaultText: "100",
			Destination: &args.MaxValue,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "count",
			Usage:       "Number of readings to send. 0 runs until interrupted.",
			EnvVars:     []string{"SIMULATOR_COUNT"},
			Value:       0,
			DefaultText: "0",
			Destination: &args.Count,
			Required:    false,
		},
	}
}

// Simulator publishes random readings for one device parameter
type Simulator struct {
	common.Component
	params SimulatorCLIArgs
	bus    databus.DataBus
	topic  string
	rng    *rand.Rand
}

// NewSimulator define a new device simulator
func NewSimulator(params SimulatorCLIArgs, bus databus.DataBus, topic string) (*Simulator, error) {
	if params.Source == "" {
		params.Source = uuid.NewString()
	}
	logTags := log.Fields{
		"module":    "cmd",
		"component": "simulator",
		"instance":  params.Source,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid simulator args")
		return nil, common.WrapFault(common.ErrConfiguration, err, "invalid simulator args")
	}
	return &Simulator{
		Component: common.Component{LogTags: logTags},
		params:    params,
		bus:       bus,
		topic:     topic,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Emit publish one reading
func (s *Simulator) Emit(ctxt context.Context) (common.Message, error) {
	msg := common.NewMessage(
		s.params.ParameterID,
		strconv.FormatInt(s.rng.Int63n(s.params.MaxValue), 10),
		s.params.Source,
		time.Now().UTC(),
	)
	if err := s.bus.Publish(ctxt, s.topic, msg); err != nil {
		return msg, err
	}
	log.WithFields(s.LogTags).Infof("%s : %s", msg.ID, msg.Value)
	return msg, nil
}

// Run publish readings until the count is reached or the context is cancelled.
// Publish failures are logged and the loop continues.
func (s *Simulator) Run(ctxt context.Context) error {
	interval := time.Millisecond * time.Duration(s.params.IntervalMs)
	for sent := 0; s.params.Count == 0 || sent < s.params.Count; sent++ {
		if !s.bus.IsConnected() {
			s.bus.Connect(ctxt)
		}
		if _, err := s.Emit(ctxt); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to publish reading")
		}
		if !common.SleepContext(ctxt, interval) {
			return nil
		}
	}
	return nil
}

// RunSimulator run the device simulator against the configured bus
func RunSimulator(
	runtimeContext context.Context, config *common.SystemConfig, params SimulatorCLIArgs,
) error {
	bus, err := databus.New(config.Bus)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(context.Background()); err != nil {
			log.WithError(err).Error("Failed to close bus")
		}
	}()
	simulator, err := NewSimulator(params, bus, config.Bus.SubscribeTopic)
	if err != nil {
		return err
	}
	return simulator.Run(runtimeContext)
}
