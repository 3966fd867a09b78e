// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"
	"sync"
	"time"
)

// Message is one encoded envelope held for later delivery.
type Message struct {
	Data     []byte    `json:"data"`
	QueuedAt time.Time `json:"queued_at"`
}

// Queue is a count-bounded FIFO of undelivered messages. When a Push
// would exceed capacity, the oldest entry is evicted — the bridge
// loses old events rather than growing without bound while the cloud
// is unreachable. The drain loop walks it front-first so relative
// order survives reconnects.
//
// Thread-safe: all methods may be called concurrently.
type Queue struct {
	mu       sync.Mutex
	entries  []Message
	capacity int
	evicted  uint64
}

// NewQueue creates a Queue holding at most capacity messages. The
// capacity must be positive.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		panic(fmt.Sprintf("bridge: queue capacity must be positive, got %d", capacity))
	}
	return &Queue{capacity: capacity}
}

// Push appends a message. If the queue is full the oldest entry is
// dropped, never the newest.
func (q *Queue) Push(message Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.entries) >= q.capacity {
		q.entries[0] = Message{} // release data for GC
		q.entries = q.entries[1:]
		q.evicted++
	}
	q.entries = append(q.entries, message)
}

// Peek returns the oldest message without removing it. The second
// return is false if the queue is empty.
func (q *Queue) Peek() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Message{}, false
	}
	return q.entries[0], true
}

// Pop removes the oldest message. No-op if the queue is empty.
func (q *Queue) Pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return
	}
	q.entries[0] = Message{} // release data for GC
	q.entries = q.entries[1:]
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Evicted returns the number of messages dropped to overflow since
// creation.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Snapshot copies the queue contents oldest-first, for spooling at
// shutdown.
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.entries...)
}

// Restore pushes previously spooled messages, oldest-first, ahead of
// anything already queued. Overflow evicts as usual.
func (q *Queue) Restore(messages []Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	combined := make([]Message, 0, len(messages)+len(q.entries))
	combined = append(combined, messages...)
	combined = append(combined, q.entries...)
	for len(combined) > q.capacity {
		combined[0] = Message{}
		combined = combined[1:]
		q.evicted++
	}
	q.entries = combined
}
