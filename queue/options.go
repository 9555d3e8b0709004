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

package queue

import "github.com/prometheus/client_golang/prometheus"

// queueOptions optional queue settings
type queueOptions[T any] struct {
	policy     OverflowPolicy
	registerer prometheus.Registerer
	onDrop     func(item T)
}

// Option functional option for NewInboundQueue
type Option[T any] func(*queueOptions[T])

// WithOverflowPolicy set the policy applied when a bounded queue is full. Ignored
// by unbounded queues.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *queueOptions[T]) {
		o.policy = policy
	}
}

// WithMetrics export queue depth and counters through the registerer
func WithMetrics[T any](registerer prometheus.Registerer) Option[T] {
	return func(o *queueOptions[T]) {
		o.registerer = registerer
	}
}

// WithDropCallback call the function with every dropped item
func WithDropCallback[T any](callback func(item T)) Option[T] {
	return func(o *queueOptions[T]) {
		o.onDrop = callback
	}
}
