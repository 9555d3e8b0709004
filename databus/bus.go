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
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/telemetrybus/common"
	"github.com/apex/log"
)

// SourceType the logical producer of a stream's entries
type SourceType string

const (
	// SourceDataService ingested device telemetry
	SourceDataService SourceType = "DataService"
	// SourceRuleEngine rule engine output
	SourceRuleEngine SourceType = "RuleEngine"
	// SourceAnomalyDetection anomaly engine results
	SourceAnomalyDetection SourceType = "AnomalyDetection"
	// SourceSpikeDetection spike engine results
	SourceSpikeDetection SourceType = "SpikeDetection"
	// SourceChangePointDetection change point engine results
	SourceChangePointDetection SourceType = "ChangePointDetection"
	// SourceForecasting forecast engine results
	SourceForecasting SourceType = "Forecasting"
)

// StreamName name of the stream holding an entity's entries from one source
func StreamName(entityID string, source SourceType) string {
	return entityID + "_" + string(source) + "Stream"
}

// PatternMode how a subscribe topic is interpreted
type PatternMode int

const (
	// PatternAuto pattern subscription iff the topic contains a wildcard
	PatternAuto PatternMode = iota
	// PatternExact literal topic
	PatternExact
	// PatternGlob wildcard topic
	PatternGlob
)

// String toString function
func (m PatternMode) String() string {
	switch m {
	case PatternExact:
		return "exact"
	case PatternGlob:
		return "pattern"
	default:
		return "auto"
	}
}

// usePattern resolve whether to subscribe by pattern, given the broker's wildcard characters
func (m PatternMode) usePattern(topic string, wildcards string) bool {
	switch m {
	case PatternExact:
		return false
	case PatternGlob:
		return true
	default:
		return strings.ContainsAny(topic, wildcards)
	}
}

// Order stream range read order
type Order int

const (
	// Descending newest entry first
	Descending Order = iota
	// Ascending oldest entry first
	Ascending
)

// Stream range sentinels
const (
	// RangeOldest the first entry of a stream
	RangeOldest = "-"
	// RangeNewest the last entry of a stream
	RangeNewest = "+"
)

// StreamRange bounds of a stream range read
type StreamRange struct {
	// From lower entry ID bound (inclusive). Empty means RangeOldest.
	From string
	// To upper entry ID bound (inclusive). Empty means RangeNewest.
	To string
	// Count max number of entries. <= 0 means no limit.
	Count int64
	// Order of the returned entries
	Order Order
}

// bounds the range bounds with the defaults applied
func (r StreamRange) bounds() (string, string) {
	from, to := r.From, r.To
	if from == "" {
		from = RangeOldest
	}
	if to == "" {
		to = RangeNewest
	}
	return from, to
}

// Stream entry field names
const (
	FieldID    = "Id"
	FieldValue = "Value"
	FieldTime  = "Time"
)

// canonicalFields the entry fields in their stored order
var canonicalFields = []string{FieldID, FieldValue, FieldTime}

// Field one named stream entry field
type Field struct {
	Name  string
	Value string
}

// StreamEntry one stream log entry
type StreamEntry struct {
	// ID broker assigned entry ID. Empty before append.
	ID string
	// Fields ordered entry fields
	Fields []Field
}

// Get fetch a field value
func (e StreamEntry) Get(name string) (string, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// String toString function
func (e StreamEntry) String() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s=%s", f.Name, f.Value))
	}
	return fmt.Sprintf("[%s]{%s}", e.ID, strings.Join(parts, " "))
}

// EntryFromMessage build the stream entry recording a message
func EntryFromMessage(msg common.Message) StreamEntry {
	return StreamEntry{
		Fields: []Field{
			{Name: FieldID, Value: msg.ID},
			{Name: FieldValue, Value: msg.Value},
			{Name: FieldTime, Value: msg.Time.UTC().Format(time.RFC3339Nano)},
		},
	}
}

// entryFromMap build a stream entry from an unordered field set. The well known
// fields come first, followed by any others in name order.
func entryFromMap(id string, values map[string]string) StreamEntry {
	entry := StreamEntry{ID: id, Fields: make([]Field, 0, len(values))}
	for _, name := range canonicalFields {
		if v, ok := values[name]; ok {
			entry.Fields = append(entry.Fields, Field{Name: name, Value: v})
		}
	}
	others := make([]string, 0)
	for name := range values {
		if name != FieldID && name != FieldValue && name != FieldTime {
			others = append(others, name)
		}
	}
	sort.Strings(others)
	for _, name := range others {
		entry.Fields = append(entry.Fields, Field{Name: name, Value: values[name]})
	}
	return entry
}

// ParseSample convert a stream entry into an analysis sample.
//
// The entry must carry non-empty Id and Time fields and a numeric Value field;
// anything else is an ErrMalformedEntry.
func ParseSample(entry StreamEntry) (common.Sample, error) {
	if len(entry.Fields) < len(canonicalFields) {
		return common.Sample{}, common.Fault(
			common.ErrMalformedEntry, "entry %s has %d fields", entry.ID, len(entry.Fields),
		)
	}
	id, ok := entry.Get(FieldID)
	if !ok || id == "" {
		return common.Sample{}, common.Fault(common.ErrMalformedEntry, "entry %s missing %s", entry.ID, FieldID)
	}
	rawValue, ok := entry.Get(FieldValue)
	if !ok {
		return common.Sample{}, common.Fault(
			common.ErrMalformedEntry, "entry %s missing %s", entry.ID, FieldValue,
		)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(rawValue), 64)
	if err != nil {
		return common.Sample{}, common.WrapFault(
			common.ErrMalformedEntry, err, "entry %s value '%s' not numeric", entry.ID, rawValue,
		)
	}
	ts, ok := entry.Get(FieldTime)
	if !ok || ts == "" {
		return common.Sample{}, common.Fault(
			common.ErrMalformedEntry, "entry %s missing %s", entry.ID, FieldTime,
		)
	}
	return common.Sample{ID: id, Value: value, Time: ts}, nil
}

// ReverseEntries reverse the entry order in place
func ReverseEntries(entries []StreamEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

// MessageHandler callback invoked once per delivered payload. It runs on the
// broker's delivery goroutine, so it must not block.
type MessageHandler func(payload []byte)

// Subscription an active topic subscription
type Subscription interface {
	// Topic the subscribed topic
	Topic() string
	// Close stop the subscription
	Close() error
}

// DataBus key/value, publish/subscribe, and append-only stream operations over one broker
// connection.
//
// Every operation touching the broker fails with ErrConnectivity when the connection is
// down. The bus never retries, and never waits for reconnection.
type DataBus interface {
	// Name the bus implementation name
	Name() string
	// IsConnected whether the broker connection is up
	IsConnected() bool
	// Connect force a reconnect, returning the resulting connectivity
	Connect(ctxt context.Context) bool
	// Close close all subscriptions, and release the broker connection
	Close(ctxt context.Context) error

	// SetValue set a key's value
	SetValue(ctxt context.Context, key, value string) error
	// GetValue get a key's value. Returns false if the key does not exist.
	GetValue(ctxt context.Context, key string) (string, bool, error)
	// GetAndSetValue set a key's value, returning the previous value if there was one
	GetAndSetValue(ctxt context.Context, key, value string) (string, bool, error)

	// Publish publish a message on a topic
	Publish(ctxt context.Context, topic string, msg common.Message) error
	// PublishRaw publish an already encoded payload on a topic
	PublishRaw(ctxt context.Context, topic string, payload []byte) error
	// Subscribe register a handler for payloads delivered on a topic
	Subscribe(
		ctxt context.Context, topic string, mode PatternMode, handler MessageHandler,
	) (Subscription, error)

	// AppendToStream append an entry to a stream, trimming the stream to about maxLen
	// entries. maxLen <= 0 means no trimming. Returns the new entry ID.
	AppendToStream(
		ctxt context.Context, stream string, entry StreamEntry, maxLen int64,
	) (string, error)
	// ReadStreamRange read a range of stream entries. A missing stream returns no
	// entries and no error.
	ReadStreamRange(ctxt context.Context, stream string, window StreamRange) ([]StreamEntry, error)
}

// safeDeliver run a handler, logging instead of propagating panics
func safeDeliver(logTags log.Fields, topic string, handler MessageHandler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logTags).Errorf("Handler for '%s' panicked: %v", topic, r)
		}
	}()
	handler(payload)
}
