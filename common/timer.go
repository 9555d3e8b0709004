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
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
)

// PeriodicHandler callback function executed on each iteration of a periodic task
type PeriodicHandler func(ctxt context.Context) error

// PeriodicTask runs a handler on a fixed interval in a background loop
type PeriodicTask interface {
	// Start begin the background loop. Only one loop is ever started per instance.
	Start(handler PeriodicHandler) error
	// Stop cancel the background loop, and wait up to timeout for it to exit.
	// Safe to call even if Start was never called.
	Stop(timeout time.Duration) error
	// Running whether the background loop is active
	Running() bool
}

// periodicTaskImpl implements PeriodicTask
type periodicTaskImpl struct {
	Component
	interval         time.Duration
	operationContext context.Context
	contextCancel    context.CancelFunc
	wg               sync.WaitGroup
	lock             sync.Mutex
	started          bool
	running          bool
}

// GetPeriodicTaskInstance define a new periodic task
func GetPeriodicTaskInstance(
	name string, interval time.Duration, rootCtxt context.Context,
) (PeriodicTask, error) {
	logTags := log.Fields{
		"module": "common", "component": "periodic-task", "instance": name,
	}
	if interval <= 0 {
		return nil, Fault(ErrConfiguration, "periodic task %s interval must be positive", name)
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	return &periodicTaskImpl{
		Component:        Component{LogTags: logTags},
		interval:         interval,
		operationContext: ctxt,
		contextCancel:    cancel,
	}, nil
}

// Start begin the background loop
func (t *periodicTaskImpl) Start(handler PeriodicHandler) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.started {
		err := fmt.Errorf("periodic task already started")
		log.WithError(err).WithFields(t.LogTags).Error("Unable to start")
		return err
	}
	if t.operationContext.Err() != nil {
		return Fault(ErrClosed, "periodic task already stopped")
	}
	log.WithFields(t.LogTags).Infof("Starting with int %s", t.interval)
	t.started = true
	t.running = true
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			t.lock.Lock()
			t.running = false
			t.lock.Unlock()
		}()
		defer log.WithFields(t.LogTags).Info("Task loop exiting")
		for t.operationContext.Err() == nil {
			RunProtected(t.LogTags, "Task iteration", func() error {
				return handler(t.operationContext)
			})
			if !SleepContext(t.operationContext, t.interval) {
				return
			}
		}
	}()
	return nil
}

// Stop cancel the background loop
func (t *periodicTaskImpl) Stop(timeout time.Duration) error {
	log.WithFields(t.LogTags).Info("Stopping task loop")
	t.contextCancel()
	if !WaitWithTimeout(&t.wg, timeout) {
		log.WithFields(t.LogTags).Errorf("Task loop did not exit within %s", timeout)
	}
	return nil
}

// Running whether the background loop is active
func (t *periodicTaskImpl) Running() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.running
}

// ===============================================================================

// RunProtected execute one unit of work, logging any error or panic it produces
// instead of propagating it.
func RunProtected(logTags log.Fields, what string, work func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logTags).Errorf("%s panicked: %v", what, r)
		}
	}()
	if err := work(); err != nil {
		if IsCancellation(err) {
			log.WithFields(logTags).Debugf("%s cancelled", what)
			return
		}
		log.WithError(err).WithFields(logTags).Errorf("%s failed", what)
	}
}

// WaitWithTimeout wait for the wait group, up to timeout.
//
// Returns false if the wait timed out.
func WaitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
