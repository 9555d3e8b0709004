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
	"sync"
	"sync/atomic"

	"github.com/alwitt/telemetrybus/common"
	"github.com/apex/log"
)

// ConnectionManager owns at most one live connection handle to a broker
type ConnectionManager[H any] interface {
	// Endpoint the broker endpoint
	Endpoint() string
	// IsConnected whether the current handle is connected. Never panics; false when
	// no handle exists.
	IsConnected() bool
	// Connect (re)create the connection handle, replacing any prior handle.
	//
	// Returns the resulting connectivity state. On failure, no handle is held.
	Connect(ctxt context.Context) bool
	// GetHandle get the current handle, connecting first if no handle exists
	GetHandle(ctxt context.Context) (H, error)
	// Close release the current handle. No handle is created afterwards.
	Close(ctxt context.Context) error
}

// HandleFactory creates, checks, and releases one type of connection handle
type HandleFactory[H any] interface {
	// Create establish a new connection handle
	Create(ctxt context.Context) (H, error)
	// Probe whether the handle is connected
	Probe(handle H) bool
	// Release free the resources held by the handle
	Release(handle H)
}

// handleRef holder for the current handle
type handleRef[H any] struct {
	handle H
}

// managedConnection implements ConnectionManager over a HandleFactory
type managedConnection[H any] struct {
	common.Component
	endpoint string
	factory  HandleFactory[H]
	// current handle is swapped as a whole, never modified in place
	current    atomic.Pointer[handleRef[H]]
	createLock sync.Mutex
	closed     atomic.Bool
}

// NewConnectionManager define a new ConnectionManager. Connection is established lazily.
func NewConnectionManager[H any](
	endpoint string, factory HandleFactory[H], logTags log.Fields,
) ConnectionManager[H] {
	return &managedConnection[H]{
		Component: common.Component{LogTags: logTags},
		endpoint:  endpoint,
		factory:   factory,
	}
}

// Endpoint the broker endpoint
func (m *managedConnection[H]) Endpoint() string {
	return m.endpoint
}

// IsConnected whether the current handle is connected
func (m *managedConnection[H]) IsConnected() (connected bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(m.LogTags).Errorf("Connection probe panicked: %v", r)
			connected = false
		}
	}()
	ref := m.current.Load()
	if ref == nil {
		return false
	}
	return m.factory.Probe(ref.handle)
}

// Connect (re)create the connection handle
func (m *managedConnection[H]) Connect(ctxt context.Context) bool {
	m.createLock.Lock()
	defer m.createLock.Unlock()
	if m.closed.Load() {
		log.WithFields(m.LogTags).Error("Connection manager already closed")
		return false
	}
	return m.connect(ctxt)
}

// connect replace the handle. Caller must hold createLock.
func (m *managedConnection[H]) connect(ctxt context.Context) bool {
	handle, err := m.factory.Create(ctxt)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to connect to %s", m.endpoint)
		m.replace(nil)
		return false
	}
	m.replace(&handleRef[H]{handle: handle})
	connected := m.factory.Probe(handle)
	if connected {
		log.WithFields(m.LogTags).Infof("Connected to %s", m.endpoint)
	} else {
		log.WithFields(m.LogTags).Warnf("New connection to %s not yet ready", m.endpoint)
	}
	return connected
}

// replace swap in a new handle reference, releasing the old handle
func (m *managedConnection[H]) replace(newRef *handleRef[H]) {
	if old := m.current.Swap(newRef); old != nil {
		m.release(old.handle)
	}
}

// release free a handle, logging instead of propagating panics
func (m *managedConnection[H]) release(handle H) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(m.LogTags).Errorf("Connection release panicked: %v", r)
		}
	}()
	m.factory.Release(handle)
}

// GetHandle get the current handle, connecting first if no handle exists
func (m *managedConnection[H]) GetHandle(ctxt context.Context) (H, error) {
	var empty H
	if m.closed.Load() {
		return empty, common.Fault(common.ErrClosed, "connection to %s closed", m.endpoint)
	}
	if ref := m.current.Load(); ref != nil {
		return ref.handle, nil
	}
	m.createLock.Lock()
	defer m.createLock.Unlock()
	if m.closed.Load() {
		return empty, common.Fault(common.ErrClosed, "connection to %s closed", m.endpoint)
	}
	// Another caller may have connected while this one waited
	if ref := m.current.Load(); ref != nil {
		return ref.handle, nil
	}
	m.connect(ctxt)
	if ref := m.current.Load(); ref != nil {
		return ref.handle, nil
	}
	return empty, common.Fault(common.ErrConnectivity, "no connection to %s", m.endpoint)
}

// Close release the current handle
func (m *managedConnection[H]) Close(_ context.Context) error {
	m.createLock.Lock()
	defer m.createLock.Unlock()
	if m.closed.Swap(true) {
		return nil
	}
	m.replace(nil)
	log.WithFields(m.LogTags).Infof("Closed connection to %s", m.endpoint)
	return nil
}
