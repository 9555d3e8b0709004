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
	"encoding/json"
	"fmt"
	"time"
)

// legacyTimeFormats timestamp layouts accepted in addition to RFC3339, as emitted
// by older device publishers which do not attach a zone.
var legacyTimeFormats = []string{
	"2006-01-02T15:04:05.9999999",
	"2006-01-02 15:04:05",
	"1/2/2006 3:04:05 PM",
}

// Message a telemetry reading published by an edge device
type Message struct {
	// ID is the logical identity of the reading (parameter / device ID)
	ID string `json:"id" validate:"required"`
	// Value is the reading value
	Value string `json:"value"`
	// Time is when the reading was taken
	Time time.Time `json:"time"`
	// Source is the publisher of the reading
	Source string `json:"source"`
}

// NewMessage define a new message
func NewMessage(id, value, source string, timestamp time.Time) Message {
	return Message{ID: id, Value: value, Time: timestamp, Source: source}
}

// String toString function
func (m Message) String() string {
	return fmt.Sprintf("%s@%s[%s]", m.ID, m.Source, m.Time.Format(time.RFC3339Nano))
}

// Encode serialize the message for transport
func (m Message) Encode() ([]byte, error) {
	raw, err := json.Marshal(&m)
	if err != nil {
		return nil, WrapFault(ErrSerialization, err, "unable to encode %s", m.ID)
	}
	return raw, nil
}

// UnmarshalJSON support time stamps without a zone from legacy publishers
func (m *Message) UnmarshalJSON(raw []byte) error {
	type wireMessage struct {
		ID     string `json:"id"`
		Value  string `json:"value"`
		Time   string `json:"time"`
		Source string `json:"source"`
	}
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	m.ID = wire.ID
	m.Value = wire.Value
	m.Source = wire.Source
	m.Time = time.Time{}
	if wire.Time == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, wire.Time); err == nil {
		m.Time = ts
		return nil
	}
	for _, layout := range legacyTimeFormats {
		if ts, err := time.ParseInLocation(layout, wire.Time, time.UTC); err == nil {
			m.Time = ts
			return nil
		}
	}
	return fmt.Errorf("unknown timestamp format '%s'", wire.Time)
}

// DecodeMessage parse a message received from transport
func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, WrapFault(ErrSerialization, err, "unable to decode message")
	}
	return msg, nil
}

// ==============================================================================

// Sample a single time series point of one entity, as read back from its stream
type Sample struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
	Time  string  `json:"time"`
}
