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
	"os"
	"time"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// CopyLogTags make a copy of the component log tags, so it can be extended locally
func (c Component) CopyLogTags() log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	return result
}

// SleepContext sleep for the duration, or until the context is cancelled.
//
// Returns false if the sleep was interrupted.
func SleepContext(ctxt context.Context, duration time.Duration) bool {
	if duration <= 0 {
		select {
		case <-ctxt.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctxt.Done():
		return false
	case <-timer.C:
		return true
	}
}

// GetUnitTestRedisURI helper function to get the Redis URI for unit testing
func GetUnitTestRedisURI() string {
	if uri := os.Getenv("UNITTEST_REDIS_URI"); uri != "" {
		return uri
	}
	return "redis://127.0.0.1:6379/0"
}

// GetUnitTestNatsURI helper function to get the NATS URI for unit testing
func GetUnitTestNatsURI() string {
	if uri := os.Getenv("UNITTEST_NATS_URI"); uri != "" {
		return uri
	}
	return "nats://127.0.0.1:4222"
}
