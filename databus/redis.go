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
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/core"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// redisWildcards characters which make a Redis channel name a pattern
const redisWildcards = "*?["

// RedisBus DataBus backed by Redis
type RedisBus struct {
	common.Component
	conn          core.RedisConnection
	subsLock      sync.Mutex
	subscriptions map[*redisSubscription]bool
}

// NewRedisBus define a new Redis backed DataBus
func NewRedisBus(conn core.RedisConnection) *RedisBus {
	return &RedisBus{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "databus", "component": "redis-bus", "instance": conn.Endpoint(),
			},
		},
		conn:          conn,
		subscriptions: make(map[*redisSubscription]bool),
	}
}

// Name the bus implementation name
func (b *RedisBus) Name() string {
	return "redis"
}

// IsConnected whether the broker connection is up
func (b *RedisBus) IsConnected() bool {
	return b.conn.IsConnected()
}

// Connect force a reconnect. Existing subscriptions move to the new client.
func (b *RedisBus) Connect(ctxt context.Context) bool {
	if !b.conn.Connect(ctxt) {
		return false
	}
	if _, err := b.client(ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Warn("New client unusable")
		return false
	}
	return true
}

// Close close all subscriptions, and release the broker connection
func (b *RedisBus) Close(ctxt context.Context) error {
	b.subsLock.Lock()
	subs := make([]*redisSubscription, 0, len(b.subscriptions))
	for sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.subsLock.Unlock()
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Failed to close subscription on '%s'", sub.topic)
		}
	}
	return b.conn.Close(ctxt)
}

// client get the current Redis client
func (b *RedisBus) client(ctxt context.Context) (*redis.Client, error) {
	client, err := b.conn.GetHandle(ctxt)
	if err != nil {
		if errors.Is(err, common.ErrConnectivity) || errors.Is(err, common.ErrClosed) {
			return nil, err
		}
		return nil, common.WrapFault(common.ErrConnectivity, err, "no Redis client")
	}
	b.rebindSubscriptions(ctxt, client)
	return client, nil
}

// rebindSubscriptions re-issue subscriptions still bound to a replaced client
func (b *RedisBus) rebindSubscriptions(ctxt context.Context, client *redis.Client) {
	b.subsLock.Lock()
	stale := make([]*redisSubscription, 0)
	for sub := range b.subscriptions {
		if sub.boundClient() != client {
			stale = append(stale, sub)
		}
	}
	b.subsLock.Unlock()
	for _, sub := range stale {
		if err := sub.bind(ctxt, client); err != nil {
			log.WithError(err).WithFields(sub.LogTags).Warn("Unable to re-subscribe on new client")
		} else {
			log.WithFields(sub.LogTags).Info("Re-subscribed on new client")
		}
	}
}

// transportFault wrap a Redis command failure
func transportFault(err error, op string, target string) error {
	return common.WrapFault(common.ErrConnectivity, err, "redis %s '%s' failed", op, target)
}

// SetValue set a key's value
func (b *RedisBus) SetValue(ctxt context.Context, key, value string) error {
	client, err := b.client(ctxt)
	if err != nil {
		return err
	}
	if err := client.Set(ctxt, key, value, 0).Err(); err != nil {
		return transportFault(err, "SET", key)
	}
	return nil
}

// GetValue get a key's value
func (b *RedisBus) GetValue(ctxt context.Context, key string) (string, bool, error) {
	client, err := b.client(ctxt)
	if err != nil {
		return "", false, err
	}
	value, err := client.Get(ctxt, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, transportFault(err, "GET", key)
	}
	return value, true, nil
}

// GetAndSetValue set a key's value, returning the previous value
func (b *RedisBus) GetAndSetValue(ctxt context.Context, key, value string) (string, bool, error) {
	client, err := b.client(ctxt)
	if err != nil {
		return "", false, err
	}
	previous, err := client.GetSet(ctxt, key, value).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, transportFault(err, "GETSET", key)
	}
	return previous, true, nil
}

// Publish publish a message on a topic
func (b *RedisBus) Publish(ctxt context.Context, topic string, msg common.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return b.PublishRaw(ctxt, topic, payload)
}

// PublishRaw publish an already encoded payload on a topic
func (b *RedisBus) PublishRaw(ctxt context.Context, topic string, payload []byte) error {
	// Never hand a payload to a dead connection
	if !b.conn.IsConnected() {
		return common.Fault(common.ErrConnectivity, "not connected, unable to publish on '%s'", topic)
	}
	client, err := b.client(ctxt)
	if err != nil {
		return err
	}
	if err := client.Publish(ctxt, topic, payload).Err(); err != nil {
		return transportFault(err, "PUBLISH", topic)
	}
	return nil
}

// Subscribe register a handler for payloads delivered on a topic
func (b *RedisBus) Subscribe(
	ctxt context.Context, topic string, mode PatternMode, handler MessageHandler,
) (Subscription, error) {
	client, err := b.client(ctxt)
	if err != nil {
		return nil, err
	}
	logTags := b.CopyLogTags()
	logTags["topic"] = topic
	sub := &redisSubscription{
		Component: common.Component{LogTags: logTags},
		topic:     topic,
		pattern:   mode.usePattern(topic, redisWildcards),
		handler:   handler,
		owner:     b,
	}
	if err := sub.bind(ctxt, client); err != nil {
		return nil, err
	}
	b.subsLock.Lock()
	b.subscriptions[sub] = true
	b.subsLock.Unlock()
	log.WithFields(logTags).Infof("Subscribed (%s)", mode)
	return sub, nil
}

// redisSubscription one Redis PubSub subscription. The PubSub is replaced when the
// bus moves to a new client.
type redisSubscription struct {
	common.Component
	topic   string
	pattern bool
	handler MessageHandler
	owner   *RedisBus
	wg      sync.WaitGroup
	once    sync.Once

	lock   sync.Mutex
	client *redis.Client
	pubsub *redis.PubSub
	closed bool
}

// boundClient the client the current PubSub belongs to
func (s *redisSubscription) boundClient() *redis.Client {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.client
}

// bind subscribe on the client, start its delivery goroutine, then drop the
// previous PubSub
func (s *redisSubscription) bind(ctxt context.Context, client *redis.Client) error {
	var pubsub *redis.PubSub
	if s.pattern {
		pubsub = client.PSubscribe(ctxt, s.topic)
	} else {
		pubsub = client.Subscribe(ctxt, s.topic)
	}
	// Wait for the subscription confirmation
	if _, err := pubsub.Receive(ctxt); err != nil {
		if closeErr := pubsub.Close(); closeErr != nil {
			log.WithError(closeErr).WithFields(s.LogTags).Debug("PubSub close failed")
		}
		return transportFault(err, "SUBSCRIBE", s.topic)
	}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		_ = pubsub.Close()
		return common.Fault(common.ErrClosed, "subscription on '%s' closed", s.topic)
	}
	previous := s.pubsub
	s.client = client
	s.pubsub = pubsub
	s.wg.Add(1)
	s.lock.Unlock()

	go func() {
		defer s.wg.Done()
		for msg := range pubsub.Channel() {
			safeDeliver(s.LogTags, msg.Channel, s.handler, []byte(msg.Payload))
		}
		log.WithFields(s.LogTags).Debug("Delivery loop exiting")
	}()

	if previous != nil {
		if err := previous.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Previous PubSub close failed")
		}
	}
	return nil
}

// Topic the subscribed topic
func (s *redisSubscription) Topic() string {
	return s.topic
}

// Close stop the subscription, and wait for the delivery goroutine to exit
func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.lock.Lock()
		s.closed = true
		pubsub := s.pubsub
		s.lock.Unlock()
		if pubsub != nil {
			err = pubsub.Close()
		}
		s.wg.Wait()
		s.owner.subsLock.Lock()
		delete(s.owner.subscriptions, s)
		s.owner.subsLock.Unlock()
		log.WithFields(s.LogTags).Info("Unsubscribed")
	})
	return err
}

// AppendToStream append an entry to a stream
func (b *RedisBus) AppendToStream(
	ctxt context.Context, stream string, entry StreamEntry, maxLen int64,
) (string, error) {
	if len(entry.Fields) == 0 {
		return "", common.Fault(common.ErrMalformedEntry, "entry for '%s' has no fields", stream)
	}
	client, err := b.client(ctxt)
	if err != nil {
		return "", err
	}
	values := make([]interface{}, 0, len(entry.Fields)*2)
	for _, f := range entry.Fields {
		values = append(values, f.Name, f.Value)
	}
	args := &redis.XAddArgs{Stream: stream, ID: "*", Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := client.XAdd(ctxt, args).Result()
	if err != nil {
		return "", transportFault(err, "XADD", stream)
	}
	return id, nil
}

// ReadStreamRange read a range of stream entries
func (b *RedisBus) ReadStreamRange(
	ctxt context.Context, stream string, window StreamRange,
) ([]StreamEntry, error) {
	client, err := b.client(ctxt)
	if err != nil {
		return nil, err
	}
	from, to := window.bounds()
	var cmd *redis.XMessageSliceCmd
	switch {
	case window.Order == Ascending && window.Count > 0:
		cmd = client.XRangeN(ctxt, stream, from, to, window.Count)
	case window.Order == Ascending:
		cmd = client.XRange(ctxt, stream, from, to)
	case window.Count > 0:
		cmd = client.XRevRangeN(ctxt, stream, to, from, window.Count)
	default:
		cmd = client.XRevRange(ctxt, stream, to, from)
	}
	messages, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return []StreamEntry{}, nil
	} else if err != nil {
		return nil, transportFault(err, "XRANGE", stream)
	}
	entries := make([]StreamEntry, 0, len(messages))
	for _, msg := range messages {
		values := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			values[k] = fmt.Sprint(v)
		}
		entries = append(entries, entryFromMap(msg.ID, values))
	}
	return entries, nil
}
