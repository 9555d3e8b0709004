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
	"strconv"
	"strings"
	"sync"

	"github.com/alwitt/telemetrybus/common"
	"github.com/alwitt/telemetrybus/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// natsWildcards characters which make a NATS subject a pattern
const natsWildcards = "*>"

// natsStreamSubjectPrefix subject prefix for stream appends
const natsStreamSubjectPrefix = "tbstream."

// maxGetAndSetAttempts bound on compare-and-swap retries of GetAndSetValue
const maxGetAndSetAttempts = 5

// JetStreamBus DataBus backed by NATS JetStream
type JetStreamBus struct {
	common.Component
	conn   core.NatsConnection
	bucket string

	// lock protects the per-connection caches below
	lock sync.Mutex
	// cachedFor is the connection the caches were built against
	cachedFor *nats.Conn
	kv        nats.KeyValue
	// knownStreams maps stream name to its configured max length
	knownStreams map[string]int64

	subsLock      sync.Mutex
	subscriptions map[*natsSubscription]bool
}

// NewJetStreamBus define a new JetStream backed DataBus
func NewJetStreamBus(conn core.NatsConnection, kvBucket string) *JetStreamBus {
	return &JetStreamBus{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "databus", "component": "jetstream-bus", "instance": conn.Endpoint(),
			},
		},
		conn:          conn,
		bucket:        kvBucket,
		knownStreams:  make(map[string]int64),
		subscriptions: make(map[*natsSubscription]bool),
	}
}

// JetStreamName convert a stream name into a valid JetStream stream name.
//
// Characters outside [A-Za-z0-9_] are escaped as '-' followed by two hex digits.
func JetStreamName(stream string) string {
	var builder strings.Builder
	for _, b := range []byte(stream) {
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9', b == '_':
			builder.WriteByte(b)
		default:
			builder.WriteString(fmt.Sprintf("-%02X", b))
		}
	}
	return builder.String()
}

// Name the bus implementation name
func (b *JetStreamBus) Name() string {
	return "nats"
}

// IsConnected whether the broker connection is up
func (b *JetStreamBus) IsConnected() bool {
	return b.conn.IsConnected()
}

// Connect force a reconnect. Existing subscriptions move to the new connection.
func (b *JetStreamBus) Connect(ctxt context.Context) bool {
	if !b.conn.Connect(ctxt) {
		return false
	}
	if _, err := b.handle(ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Warn("New connection unusable")
		return false
	}
	return true
}

// Close close all subscriptions, and release the broker connection
func (b *JetStreamBus) Close(ctxt context.Context) error {
	b.subsLock.Lock()
	subs := make([]*natsSubscription, 0, len(b.subscriptions))
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

// handle get the current connection handle, resetting the caches if the
// connection was replaced
func (b *JetStreamBus) handle(ctxt context.Context) (*core.NatsHandle, error) {
	handle, err := b.conn.GetHandle(ctxt)
	if err != nil {
		if errors.Is(err, common.ErrConnectivity) || errors.Is(err, common.ErrClosed) {
			return nil, err
		}
		return nil, common.WrapFault(common.ErrConnectivity, err, "no NATS connection")
	}
	b.lock.Lock()
	if b.cachedFor != handle.Conn {
		b.cachedFor = handle.Conn
		b.kv = nil
		b.knownStreams = make(map[string]int64)
	}
	b.lock.Unlock()
	b.rebindSubscriptions(handle.Conn)
	return handle, nil
}

// rebindSubscriptions re-issue subscriptions still bound to a replaced connection
func (b *JetStreamBus) rebindSubscriptions(conn *nats.Conn) {
	b.subsLock.Lock()
	stale := make([]*natsSubscription, 0)
	for sub := range b.subscriptions {
		if sub.boundConn() != conn {
			stale = append(stale, sub)
		}
	}
	b.subsLock.Unlock()
	for _, sub := range stale {
		if err := sub.bind(conn); err != nil {
			log.WithError(err).WithFields(sub.LogTags).Warn("Unable to re-subscribe on new connection")
		} else {
			log.WithFields(sub.LogTags).Info("Re-subscribed on new connection")
		}
	}
}

// natsFault wrap a NATS operation failure
func natsFault(err error, op string, target string) error {
	return common.WrapFault(common.ErrConnectivity, err, "nats %s '%s' failed", op, target)
}

// keyValue get the KV bucket, creating it if needed
func (b *JetStreamBus) keyValue(ctxt context.Context) (nats.KeyValue, error) {
	handle, err := b.handle(ctxt)
	if err != nil {
		return nil, err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.kv != nil {
		return b.kv, nil
	}
	kv, err := handle.JS.KeyValue(b.bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = handle.JS.CreateKeyValue(&nats.KeyValueConfig{Bucket: b.bucket})
		if err == nil {
			log.WithFields(b.LogTags).Infof("Defined KV bucket %s", b.bucket)
		}
	}
	if err != nil {
		return nil, natsFault(err, "KV bucket", b.bucket)
	}
	b.kv = kv
	return kv, nil
}

// SetValue set a key's value
func (b *JetStreamBus) SetValue(ctxt context.Context, key, value string) error {
	kv, err := b.keyValue(ctxt)
	if err != nil {
		return err
	}
	if _, err := kv.Put(key, []byte(value)); err != nil {
		return natsFault(err, "KV put", key)
	}
	return nil
}

// GetValue get a key's value
func (b *JetStreamBus) GetValue(ctxt context.Context, key string) (string, bool, error) {
	kv, err := b.keyValue(ctxt)
	if err != nil {
		return "", false, err
	}
	entry, err := kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, natsFault(err, "KV get", key)
	}
	return string(entry.Value()), true, nil
}

// GetAndSetValue set a key's value, returning the previous value.
//
// The swap is a revision checked update, retried a bounded number of times on
// concurrent modification.
func (b *JetStreamBus) GetAndSetValue(ctxt context.Context, key, value string) (string, bool, error) {
	kv, err := b.keyValue(ctxt)
	if err != nil {
		return "", false, err
	}
	var lastErr error
	for attempt := 0; attempt < maxGetAndSetAttempts; attempt++ {
		entry, err := kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			if _, lastErr = kv.Create(key, []byte(value)); lastErr == nil {
				return "", false, nil
			}
			continue
		} else if err != nil {
			return "", false, natsFault(err, "KV get", key)
		}
		if _, lastErr = kv.Update(key, []byte(value), entry.Revision()); lastErr == nil {
			return string(entry.Value()), true, nil
		}
	}
	return "", false, natsFault(lastErr, "KV swap", key)
}

// Publish publish a message on a topic
func (b *JetStreamBus) Publish(ctxt context.Context, topic string, msg common.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return b.PublishRaw(ctxt, topic, payload)
}

// PublishRaw publish an already encoded payload on a topic
func (b *JetStreamBus) PublishRaw(ctxt context.Context, topic string, payload []byte) error {
	// Never hand a payload to a dead connection
	if !b.conn.IsConnected() {
		return common.Fault(common.ErrConnectivity, "not connected, unable to publish on '%s'", topic)
	}
	handle, err := b.handle(ctxt)
	if err != nil {
		return err
	}
	if err := handle.Conn.Publish(topic, payload); err != nil {
		return natsFault(err, "PUBLISH", topic)
	}
	return nil
}

// Subscribe register a handler for payloads delivered on a topic
func (b *JetStreamBus) Subscribe(
	ctxt context.Context, topic string, mode PatternMode, handler MessageHandler,
) (Subscription, error) {
	if !mode.usePattern(topic, natsWildcards) && strings.ContainsAny(topic, natsWildcards) {
		return nil, common.Fault(
			common.ErrConfiguration, "exact subscription topic '%s' contains wildcards", topic,
		)
	}
	handle, err := b.handle(ctxt)
	if err != nil {
		return nil, err
	}
	logTags := b.CopyLogTags()
	logTags["topic"] = topic
	wrapped := &natsSubscription{
		Component: common.Component{LogTags: logTags},
		topic:     topic,
		handler:   handler,
		owner:     b,
	}
	if err := wrapped.bind(handle.Conn); err != nil {
		return nil, err
	}
	b.subsLock.Lock()
	b.subscriptions[wrapped] = true
	b.subsLock.Unlock()
	log.WithFields(logTags).Infof("Subscribed (%s)", mode)
	return wrapped, nil
}

// natsSubscription one NATS core subscription. The underlying subscription is
// replaced when the bus moves to a new connection.
type natsSubscription struct {
	common.Component
	topic   string
	handler MessageHandler
	owner   *JetStreamBus
	once    sync.Once

	lock   sync.Mutex
	conn   *nats.Conn
	sub    *nats.Subscription
	closed bool
}

// boundConn the connection the current subscription belongs to
func (s *natsSubscription) boundConn() *nats.Conn {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.conn
}

// bind subscribe on the connection, then drop the previous subscription
func (s *natsSubscription) bind(conn *nats.Conn) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return common.Fault(common.ErrClosed, "subscription on '%s' closed", s.topic)
	}
	sub, err := conn.Subscribe(s.topic, func(msg *nats.Msg) {
		safeDeliver(s.LogTags, msg.Subject, s.handler, msg.Data)
	})
	if err != nil {
		return natsFault(err, "SUBSCRIBE", s.topic)
	}
	if s.sub != nil && s.sub.IsValid() {
		if err := s.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Previous subscription removal failed")
		}
	}
	s.conn = conn
	s.sub = sub
	return nil
}

// Topic the subscribed topic
func (s *natsSubscription) Topic() string {
	return s.topic
}

// Close stop the subscription
func (s *natsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.lock.Lock()
		s.closed = true
		if s.sub != nil && s.sub.IsValid() {
			err = s.sub.Unsubscribe()
		}
		s.lock.Unlock()
		s.owner.subsLock.Lock()
		delete(s.owner.subscriptions, s)
		s.owner.subsLock.Unlock()
		log.WithFields(s.LogTags).Info("Unsubscribed")
	})
	return err
}

// ensureStream define the JetStream stream backing a log, or update its length limit
func (b *JetStreamBus) ensureStream(handle *core.NatsHandle, name string, maxLen int64) error {
	if maxLen <= 0 {
		maxLen = -1
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if known, ok := b.knownStreams[name]; ok && known == maxLen {
		return nil
	}
	info, err := handle.JS.StreamInfo(name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = handle.JS.AddStream(&nats.StreamConfig{
			Name:     name,
			Subjects: []string{natsStreamSubjectPrefix + name},
			MaxMsgs:  maxLen,
			Discard:  nats.DiscardOld,
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return natsFault(err, "define stream", name)
		}
		log.WithFields(b.LogTags).Infof("Defined new stream %s", name)
	} else if err != nil {
		return natsFault(err, "stream info", name)
	} else if info.Config.MaxMsgs != maxLen {
		currentConfig := info.Config
		currentConfig.MaxMsgs = maxLen
		if _, err := handle.JS.UpdateStream(&currentConfig); err != nil {
			return natsFault(err, "update stream limits", name)
		}
		log.WithFields(b.LogTags).Infof("Updated stream %s max length to %d", name, maxLen)
	}
	b.knownStreams[name] = maxLen
	return nil
}

// AppendToStream append an entry to a stream
func (b *JetStreamBus) AppendToStream(
	ctxt context.Context, stream string, entry StreamEntry, maxLen int64,
) (string, error) {
	if len(entry.Fields) == 0 {
		return "", common.Fault(common.ErrMalformedEntry, "entry for '%s' has no fields", stream)
	}
	handle, err := b.handle(ctxt)
	if err != nil {
		return "", err
	}
	name := JetStreamName(stream)
	if err := b.ensureStream(handle, name, maxLen); err != nil {
		return "", err
	}
	msg := nats.NewMsg(natsStreamSubjectPrefix + name)
	for _, f := range entry.Fields {
		msg.Header.Set(f.Name, f.Value)
	}
	if value, ok := entry.Get(FieldValue); ok {
		msg.Data = []byte(value)
	}
	ack, err := handle.JS.PublishMsg(msg, nats.Context(ctxt))
	if err != nil {
		return "", natsFault(err, "append", stream)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// parseSequenceBound convert a range bound into a stream sequence number
func parseSequenceBound(bound string, first, last uint64) (uint64, error) {
	switch bound {
	case RangeOldest:
		return first, nil
	case RangeNewest:
		return last, nil
	}
	seq, err := strconv.ParseUint(bound, 10, 64)
	if err != nil {
		return 0, common.WrapFault(common.ErrConfiguration, err, "invalid range bound '%s'", bound)
	}
	return seq, nil
}

// ReadStreamRange read a range of stream entries
func (b *JetStreamBus) ReadStreamRange(
	ctxt context.Context, stream string, window StreamRange,
) ([]StreamEntry, error) {
	handle, err := b.handle(ctxt)
	if err != nil {
		return nil, err
	}
	name := JetStreamName(stream)
	info, err := handle.JS.StreamInfo(name, nats.Context(ctxt))
	if errors.Is(err, nats.ErrStreamNotFound) {
		return []StreamEntry{}, nil
	} else if err != nil {
		return nil, natsFault(err, "stream info", stream)
	}
	if info.State.Msgs == 0 {
		return []StreamEntry{}, nil
	}
	from, to := window.bounds()
	lo, err := parseSequenceBound(from, info.State.FirstSeq, info.State.LastSeq)
	if err != nil {
		return nil, err
	}
	hi, err := parseSequenceBound(to, info.State.FirstSeq, info.State.LastSeq)
	if err != nil {
		return nil, err
	}
	if lo < info.State.FirstSeq {
		lo = info.State.FirstSeq
	}
	if hi > info.State.LastSeq {
		hi = info.State.LastSeq
	}
	entries := make([]StreamEntry, 0)
	if lo > hi {
		return entries, nil
	}

	readOne := func(seq uint64) (bool, error) {
		msg, err := handle.JS.GetMsg(name, seq, nats.Context(ctxt))
		if errors.Is(err, nats.ErrMsgNotFound) {
			// Trimmed or deleted
			return true, nil
		} else if err != nil {
			return false, natsFault(err, "read", stream)
		}
		values := make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			values[k] = msg.Header.Get(k)
		}
		entries = append(entries, entryFromMap(strconv.FormatUint(msg.Sequence, 10), values))
		return window.Count <= 0 || int64(len(entries)) < window.Count, nil
	}

	if window.Order == Ascending {
		for seq := lo; seq <= hi; seq++ {
			more, err := readOne(seq)
			if err != nil {
				return nil, err
			}
			if !more {
				break
			}
		}
	} else {
		for seq := hi; seq >= lo; seq-- {
			more, err := readOne(seq)
			if err != nil {
				return nil, err
			}
			if !more || seq == 0 {
				break
			}
		}
	}
	return entries, nil
}
