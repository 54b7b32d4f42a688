// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package channel

// Priority orders outbound messages. Higher priorities drain first and
// survive queue overflow longer. Control is reserved for protocol
// traffic (heartbeats, session updates) and is never dropped.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityControl
)

// String returns the priority name for logs.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityControl:
		return "control"
	default:
		return "unknown"
	}
}

// sendQueue is the bounded outbound buffer of a channel: one FIFO per
// priority, drained highest priority first. Capacity counts messages
// across all priorities. On overflow the oldest message of the lowest
// occupied non-control priority is evicted to make room; if the
// incoming message ranks below everything queued, the incoming message
// itself is rejected. Control messages are never evicted.
//
// Not safe for concurrent use; the owning channel serializes access.
type sendQueue struct {
	capacity int
	length   int
	retry    [][]byte // undelivered pops, drained before the buckets
	buckets  [PriorityControl + 1][][]byte
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{capacity: capacity}
}

// push enqueues data at the given priority. Returns false if the
// message was rejected because the queue is full of equal-or-higher
// priority traffic.
func (q *sendQueue) push(data []byte, priority Priority) bool {
	if q.length >= q.capacity && !q.evictFor(priority) {
		return false
	}
	q.buckets[priority] = append(q.buckets[priority], data)
	q.length++
	return true
}

// evictFor drops the oldest message of the lowest occupied priority at
// or below the incoming priority. Control is exempt: a full queue of
// control messages still accepts more control (the queue grows past
// capacity rather than losing in-order control delivery).
func (q *sendQueue) evictFor(incoming Priority) bool {
	if incoming == PriorityControl {
		return true
	}
	for priority := PriorityLow; priority <= incoming; priority++ {
		bucket := q.buckets[priority]
		if len(bucket) == 0 {
			continue
		}
		q.buckets[priority] = bucket[1:]
		q.length--
		return true
	}
	return false
}

// pushFront re-queues a message that was popped but never delivered
// (write failure mid-flush). The retry slot is drained before any
// bucket, preserving send order across a transport swap.
func (q *sendQueue) pushFront(data []byte) {
	q.retry = append(q.retry, data)
	q.length++
}

// pop removes and returns the next message to send: highest priority
// first, FIFO within a priority. Returns ok=false when empty.
func (q *sendQueue) pop() (data []byte, ok bool) {
	if len(q.retry) > 0 {
		data = q.retry[0]
		q.retry = q.retry[1:]
		q.length--
		return data, true
	}
	for priority := PriorityControl; priority >= PriorityLow; priority-- {
		bucket := q.buckets[priority]
		if len(bucket) == 0 {
			continue
		}
		data = bucket[0]
		q.buckets[priority] = bucket[1:]
		q.length--
		return data, true
	}
	return nil, false
}

// len returns the number of queued messages.
func (q *sendQueue) len() int { return q.length }
