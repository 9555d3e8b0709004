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

package databus

import (
	"context"
	"path"
	"strconv"
	"sync"

	"github.com/alwitt/telemetrybus/common"
	"github.com/apex/log"
)

// memoryStream one in-process stream log
type memoryStream struct {
	lastSeq uint64
	entries []StreamEntry
}

// MemoryBus in-process DataBus, for local development and tests.
//
// Topic patterns use path.Match glob syntax. Reachability can be toggled to
// simulate a broker outage.
type MemoryBus struct {
	common.Component
	lock      sync.RWMutex
	reachable bool
	connected bool
	closed    bool
	kv        map[string]string
	streams   map[string]*memoryStream
	subs      map[*memorySubscription]bool
}

// NewMemoryBus define a new in-process DataBus
func NewMemoryBus(name string) *MemoryBus {
	return &MemoryBus{
		Component: common.Component{
			LogTags: log.Fields{"module": "databus", "component": "memory-bus", "instance": name},
		},
		reachable: true,
		kv:        make(map[string]string),
		streams:   make(map[string]*memoryStream),
		subs:      make(map[*memorySubscription]bool),
	}
}

// SetReachable simulate the broker becoming (un)reachable. Going unreachable drops
// the current connection.
func (b *MemoryBus) SetReachable(reachable bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.reachable = reachable
	if !reachable {
		b.connected = false
	}
}

// Name the bus implementation name
func (b *MemoryBus) Name() string {
	return "memory"
}

// IsConnected whether the broker connection is up
func (b *MemoryBus) IsConnected() bool {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.connected
}

// Connect force a reconnect
func (b *MemoryBus) Connect(_ context.Context) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.connected = b.reachable && !b.closed
	return b.connected
}

// Close close all subscriptions, and drop the connection
func (b *MemoryBus) Close(_ context.Context) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.closed = true
	b.connected = false
	b.subs = make(map[*memorySubscription]bool)
	return nil
}

// usable verify the bus can serve a request, connecting lazily. Caller must hold
// the write lock.
func (b *MemoryBus) usable() error {
	if b.closed {
		return common.Fault(common.ErrClosed, "memory bus closed")
	}
	if !b.connected {
		if !b.reachable {
			return common.Fault(common.ErrConnectivity, "memory bus unreachable")
		}
		b.connected = true
	}
	return nil
}

// SetValue set a key's value
func (b *MemoryBus) SetValue(_ context.Context, key, value string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	b.kv[key] = value
	return nil
}

// GetValue get a key's value
func (b *MemoryBus) GetValue(_ context.Context, key string) (string, bool, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if err := b.usable(); err != nil {
		return "", false, err
	}
	value, ok := b.kv[key]
	return value, ok, nil
}

// GetAndSetValue set a key's value, returning the previous value
func (b *MemoryBus) GetAndSetValue(_ context.Context, key, value string) (string, bool, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if err := b.usable(); err != nil {
		return "", false, err
	}
	previous, ok := b.kv[key]
	b.kv[key] = value
	return previous, ok, nil
}

// Publish publish a message on a topic
func (b *MemoryBus) Publish(ctxt context.Context, topic string, msg common.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return b.PublishRaw(ctxt, topic, payload)
}

// PublishRaw publish an already encoded payload on a topic. Handlers run on the
// publishing goroutine.
func (b *MemoryBus) PublishRaw(_ context.Context, topic string, payload []byte) error {
	b.lock.RLock()
	if !b.connected {
		b.lock.RUnlock()
		return common.Fault(common.ErrConnectivity, "not connected, unable to publish on '%s'", topic)
	}
	targets := make([]*memorySubscription, 0)
	for sub := range b.subs {
		if sub.matches(topic) {
			targets = append(targets, sub)
		}
	}
	b.lock.RUnlock()
	for _, sub := range targets {
		delivered := make([]byte, len(payload))
		copy(delivered, payload)
		safeDeliver(sub.owner.LogTags, topic, sub.handler, delivered)
	}
	return nil
}

// Subscribe register a handler for payloads delivered on a topic
func (b *MemoryBus) Subscribe(
	_ context.Context, topic string, mode PatternMode, handler MessageHandler,
) (Subscription, error) {
	usePattern := mode.usePattern(topic, redisWildcards)
	if usePattern {
		if _, err := path.Match(topic, ""); err != nil {
			return nil, common.WrapFault(common.ErrConfiguration, err, "bad topic pattern '%s'", topic)
		}
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{topic: topic, pattern: usePattern, handler: handler, owner: b}
	b.subs[sub] = true
	return sub, nil
}

// memorySubscription one in-process subscription
type memorySubscription struct {
	topic   string
	pattern bool
	handler MessageHandler
	owner   *MemoryBus
}

// matches whether a published topic is routed to this subscription
func (s *memorySubscription) matches(topic string) bool {
	if !s.pattern {
		return s.topic == topic
	}
	matched, _ := path.Match(s.topic, topic)
	return matched
}

// Topic the subscribed topic
func (s *memorySubscription) Topic() string {
	return s.topic
}

// Close stop the subscription
func (s *memorySubscription) Close() error {
	s.owner.lock.Lock()
	defer s.owner.lock.Unlock()
	delete(s.owner.subs, s)
	return nil
}

// AppendToStream append an entry to a stream
func (b *MemoryBus) AppendToStream(
	_ context.Context, stream string, entry StreamEntry, maxLen int64,
) (string, error) {
	if len(entry.Fields) == 0 {
		return "", common.Fault(common.ErrMalformedEntry, "entry for '%s' has no fields", stream)
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if err := b.usable(); err != nil {
		return "", err
	}
	memLog, ok := b.streams[stream]
	if !ok {
		memLog = &memoryStream{}
		b.streams[stream] = memLog
	}
	memLog.lastSeq++
	stored := StreamEntry{
		ID:     strconv.FormatUint(memLog.lastSeq, 10),
		Fields: append([]Field{}, entry.Fields...),
	}
	memLog.entries = append(memLog.entries, stored)
	if maxLen > 0 && int64(len(memLog.entries)) > maxLen {
		memLog.entries = append([]StreamEntry{}, memLog.entries[int64(len(memLog.entries))-maxLen:]...)
	}
	return stored.ID, nil
}

// ReadStreamRange read a range of stream entries
func (b *MemoryBus) ReadStreamRange(
	_ context.Context, stream string, window StreamRange,
) ([]StreamEntry, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	entries := make([]StreamEntry, 0)
	memLog, ok := b.streams[stream]
	if !ok || len(memLog.entries) == 0 {
		return entries, nil
	}
	from, to := window.bounds()
	lo, err := parseSequenceBound(from, 0, memLog.lastSeq)
	if err != nil {
		return nil, err
	}
	hi, err := parseSequenceBound(to, 0, memLog.lastSeq)
	if err != nil {
		return nil, err
	}
	selected := make([]StreamEntry, 0)
	for _, entry := range memLog.entries {
		seq, _ := strconv.ParseUint(entry.ID, 10, 64)
		if seq >= lo && seq <= hi {
			selected = append(selected, entry)
		}
	}
	if window.Order == Descending {
		ReverseEntries(selected)
	}
	for _, entry := range selected {
		if window.Count > 0 && int64(len(entries)) >= window.Count {
			break
		}
		entries = append(entries, StreamEntry{ID: entry.ID, Fields: append([]Field{}, entry.Fields...)})
	}
	return entries, nil
}
