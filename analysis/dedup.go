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

package analysis

import (
	"sync"

	"github.com/alwitt/telemetrybus/common"
	"github.com/apex/log"
)

// DedupCache per-entity record of the last sample an emission decision was made on
type DedupCache struct {
	common.Component
	lock sync.Mutex
	last map[string]common.Sample
}

// NewDedupCache define a new cache
func NewDedupCache(name string) *DedupCache {
	return &DedupCache{
		Component: common.Component{
			LogTags: log.Fields{"module": "analysis", "component": "dedup-cache", "instance": name},
		},
		last: make(map[string]common.Sample),
	}
}

// ShouldEmit whether notifications should go out for the entity's current sample.
//
// The first observation of an entity only seeds the cache. Afterwards, returns true
// and records the sample only when its value differs from the recorded one.
func (c *DedupCache) ShouldEmit(entityID string, current common.Sample) (emit bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(c.LogTags).Errorf("Dedup check on %s failed: %v", entityID, r)
			emit = false
		}
	}()
	c.lock.Lock()
	defer c.lock.Unlock()
	previous, ok := c.last[entityID]
	if !ok {
		c.last[entityID] = current
		return false
	}
	if previous.ID == entityID && previous.Value != current.Value {
		c.last[entityID] = current
		return true
	}
	return false
}
