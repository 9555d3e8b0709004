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
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	viper.Reset()

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		err := cfg.Validate(validate)
		assert.NotNil(err)
		assert.True(errors.Is(err, ErrConfiguration))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(cfg.Validate(validate))
		assert.Equal("redis", cfg.Bus.Type)
		assert.Equal("datamessage", cfg.Bus.SubscribeTopic)
		assert.Equal(time.Second, cfg.Ingestion.CollectionIntervalDuration())
		assert.EqualValues(1000, cfg.Ingestion.StreamLengthCap)
		assert.NotNil(cfg.Ops)
		assert.NotNil(cfg.Bridge)
		assert.Equal(time.Second*300, cfg.Analysis.Anomaly.ExecutionIntervalDuration())
	}

	// Case 2: invalid config
	{
		config := []byte(`---
bus:
  type: kafka`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(cfg.Validate(validate))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
ingestion:
  collection_interval_sec: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(cfg.Validate(validate))
	}

	// Case 4: engine parameters
	{
		config := []byte(`---
analysis:
  anomaly:
    enabled: true
    parameters:
      - Temperature
      - Pressure`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(cfg.Validate(validate))
		assert.True(cfg.Analysis.Anomaly.Enabled)
		assert.EqualValues([]string{"Temperature", "Pressure"}, cfg.Analysis.Anomaly.Parameters)
		assert.False(cfg.Analysis.Spike.Enabled)
	}
}
