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
	"strings"
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
)

// RedisConnectParams Redis connection parameters
type RedisConnectParams struct {
	// ServerURI either a "redis://" URI, or a plain "host:port" address
	ServerURI string `validate:"required"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration `validate:"gt=0"`
	// ProbeTimeout max time to wait for a connectivity probe
	ProbeTimeout time.Duration `validate:"gt=0"`
}

// RedisConnection manages the connection to Redis
type RedisConnection ConnectionManager[*redis.Client]

// redisHandleFactory implements HandleFactory for Redis clients
type redisHandleFactory struct {
	common.Component
	params  RedisConnectParams
	options *redis.Options
}

// parseRedisEndpoint convert the server endpoint into client options
func parseRedisEndpoint(serverURI string) (*redis.Options, error) {
	if strings.Contains(serverURI, "://") {
		return redis.ParseURL(serverURI)
	}
	return &redis.Options{Addr: serverURI}, nil
}

// GetRedisConnection define a new Redis connection manager. The connection is
// established on first use.
func GetRedisConnection(param RedisConnectParams) (RedisConnection, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "redis-backend",
		"instance":  param.ServerURI,
	}
	validate := validator.New()
	if err := validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid Redis connection parameters")
		return nil, common.WrapFault(common.ErrConfiguration, err, "invalid Redis parameters")
	}
	options, err := parseRedisEndpoint(param.ServerURI)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse Redis server URI")
		return nil, common.WrapFault(common.ErrConfiguration, err, "invalid Redis server URI")
	}
	options.DialTimeout = param.ConnectTimeout
	// Do not let the client library retry; retry policy belongs to the caller
	options.MaxRetries = -1
	factory := &redisHandleFactory{
		Component: common.Component{LogTags: logTags},
		params:    param,
		options:   options,
	}
	return NewConnectionManager[*redis.Client](param.ServerURI, factory, logTags), nil
}

// Create establish a new Redis client, and verify it can reach the server
func (f *redisHandleFactory) Create(ctxt context.Context) (*redis.Client, error) {
	client := redis.NewClient(f.options)
	lclCtxt, cancel := context.WithTimeout(ctxt, f.params.ConnectTimeout)
	defer cancel()
	if err := client.Ping(lclCtxt).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			log.WithError(closeErr).WithFields(f.LogTags).Debug("Client close failed")
		}
		return nil, common.WrapFault(common.ErrConnectivity, err, "redis ping failed")
	}
	return client, nil
}

// Probe whether the client can reach the server
func (f *redisHandleFactory) Probe(client *redis.Client) bool {
	if client == nil {
		return false
	}
	ctxt, cancel := context.WithTimeout(context.Background(), f.params.ProbeTimeout)
	defer cancel()
	return client.Ping(ctxt).Err() == nil
}

// Release close the client
func (f *redisHandleFactory) Release(client *redis.Client) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		log.WithError(err).WithFields(f.LogTags).Error("Redis client close failed")
	} else {
		log.WithFields(f.LogTags).Debug("Closed Redis client")
	}
}
