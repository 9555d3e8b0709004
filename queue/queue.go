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

// Package queue provides the concurrency safe hand-off queue placed between a
// broker's delivery callback and the goroutine that later drains it.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/alwitt/telemetrybus/common"
	"github.com/apex/log"
)

// OverflowPolicy what happens when a bounded queue is full
type OverflowPolicy int

const (
	// Unbounded the queue grows without limit
	Unbounded OverflowPolicy = iota
	// DropOldest evict the oldest pending item to make room
	DropOldest
	// DropNewest reject the new item
	DropNewest
)

// String toString function
func (p OverflowPolicy) String() string {
	switch p {
	case Unbounded:
		return "unbounded"
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy convert a config string into an OverflowPolicy. A zero
// capacity is always Unbounded.
func ParseOverflowPolicy(capacity int, policy string) (OverflowPolicy, error) {
	if capacity <= 0 {
		return Unbounded, nil
	}
	switch policy {
	case "drop-oldest", "":
		return DropOldest, nil
	case "drop-newest":
		return DropNewest, nil
	}
	return Unbounded, common.Fault(common.ErrConfiguration, "unknown overflow policy '%s'", policy)
}

// Stats queue operation counters
type Stats struct {
	Enqueued uint64
	Dequeued uint64
	Dropped  uint64
}

// InboundQueue FIFO hand-off queue. No operation ever blocks.
type InboundQueue[T any] interface {
	// TryEnqueue add an item. Returns false if the item was dropped, or the queue is closed.
	TryEnqueue(item T) bool
	// TryDequeue remove the oldest item. Returns false if the queue is empty.
	TryDequeue() (T, bool)
	// HasData advisory hint whether the queue is non-empty
	HasData() bool
	// Len number of pending items
	Len() int
	// Stats operation counters
	Stats() Stats
	// Close stop accepting new items. Pending items can still be dequeued.
	Close()
}

// inboundQueueImpl implements InboundQueue with a ring buffer
type inboundQueueImpl[T any] struct {
	common.Component
	lock     sync.Mutex
	ring     []T
	head     int
	size     int
	capacity int
	policy   OverflowPolicy
	closed   bool
	// pending mirrors size for the lock free HasData hint
	pending  atomic.Int64
	enqueued atomic.Uint64
	dequeued atomic.Uint64
	dropped  atomic.Uint64
	metrics  *queueMetrics
	onDrop   func(item T)
}

// initialRingSize starting ring size of an unbounded queue
const initialRingSize = 64

// NewInboundQueue define a new inbound queue. A capacity <= 0 means unbounded.
func NewInboundQueue[T any](name string, capacity int, options ...Option[T]) (InboundQueue[T], error) {
	opts := &queueOptions[T]{policy: DropOldest}
	for _, option := range options {
		option(opts)
	}
	policy := opts.policy
	ringSize := capacity
	if capacity <= 0 {
		policy = Unbounded
		capacity = 0
		ringSize = initialRingSize
	} else if policy == Unbounded {
		return nil, common.Fault(
			common.ErrConfiguration, "queue %s has capacity %d but no overflow policy", name, capacity,
		)
	}
	instance := &inboundQueueImpl[T]{
		Component: common.Component{
			LogTags: log.Fields{"module": "queue", "component": "inbound-queue", "instance": name},
		},
		ring:     make([]T, ringSize),
		capacity: capacity,
		policy:   policy,
		onDrop:   opts.onDrop,
	}
	if opts.registerer != nil {
		metrics, err := newQueueMetrics(opts.registerer, name)
		if err != nil {
			return nil, err
		}
		instance.metrics = metrics
	}
	log.WithFields(instance.LogTags).Debugf("Defined queue (capacity %d, %s)", capacity, policy)
	return instance, nil
}

// grow double the ring size. Caller must hold the lock.
func (q *inboundQueueImpl[T]) grow() {
	newRing := make([]T, len(q.ring)*2)
	for i := 0; i < q.size; i++ {
		newRing[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.ring = newRing
	q.head = 0
}

// popHead remove the oldest item. Caller must hold the lock, and size must be > 0.
func (q *inboundQueueImpl[T]) popHead() T {
	var empty T
	item := q.ring[q.head]
	q.ring[q.head] = empty
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	return item
}

// TryEnqueue add an item
func (q *inboundQueueImpl[T]) TryEnqueue(item T) bool {
	var evicted T
	hasEvicted := false
	accepted := true

	q.lock.Lock()
	switch {
	case q.closed:
		q.lock.Unlock()
		return false
	case q.policy == Unbounded && q.size == len(q.ring):
		q.grow()
	case q.policy == DropOldest && q.size == q.capacity:
		evicted = q.popHead()
		hasEvicted = true
	case q.policy == DropNewest && q.size == q.capacity:
		accepted = false
	}
	if accepted {
		q.ring[(q.head+q.size)%len(q.ring)] = item
		q.size++
	}
	q.setDepth()
	q.lock.Unlock()

	if hasEvicted {
		q.recordDrop(evicted)
	}
	if !accepted {
		q.recordDrop(item)
		return false
	}
	q.enqueued.Add(1)
	if q.metrics != nil {
		q.metrics.enqueued.Inc()
	}
	return true
}

// recordDrop account for a dropped item
func (q *inboundQueueImpl[T]) recordDrop(item T) {
	q.dropped.Add(1)
	if q.metrics != nil {
		q.metrics.dropped.Inc()
	}
	if q.onDrop != nil {
		q.onDrop(item)
	}
}

// TryDequeue remove the oldest item
func (q *inboundQueueImpl[T]) TryDequeue() (T, bool) {
	q.lock.Lock()
	if q.size == 0 {
		q.lock.Unlock()
		var empty T
		return empty, false
	}
	item := q.popHead()
	q.setDepth()
	q.lock.Unlock()

	q.dequeued.Add(1)
	return item, true
}

// setDepth publish the current size. Caller must hold lock.
func (q *inboundQueueImpl[T]) setDepth() {
	q.pending.Store(int64(q.size))
	if q.metrics != nil {
		q.metrics.depth.Set(float64(q.size))
	}
}

// HasData advisory hint whether the queue is non-empty
func (q *inboundQueueImpl[T]) HasData() bool {
	return q.pending.Load() > 0
}

// Len number of pending items
func (q *inboundQueueImpl[T]) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

// Stats operation counters
func (q *inboundQueueImpl[T]) Stats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Dropped:  q.dropped.Load(),
	}
}

// Close stop accepting new items
func (q *inboundQueueImpl[T]) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
}
