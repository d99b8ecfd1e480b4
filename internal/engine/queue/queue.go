// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/juju/collections/set"
)

// QueueAttributes are the configurable properties of a queue.
type QueueAttributes struct {
	// VisibilityTimeout is the default window a received message
	// stays hidden. Zero means the engine default.
	VisibilityTimeout time.Duration

	// Delay is applied to sends that carry no explicit delay.
	Delay time.Duration

	// Fifo marks the queue as first-in-first-out with group
	// isolation and deduplication semantics.
	Fifo bool

	// ContentBasedDedup derives the dedup id from the body digest
	// when the sender supplies none. FIFO queues only.
	ContentBasedDedup bool

	// DeadLetterTarget names the queue receiving messages that
	// exceed MaxReceiveCount. Empty disables redrive.
	DeadLetterTarget string
	MaxReceiveCount  int
}

// dedupWindow is how long a dedup id suppresses duplicate sends,
// measured on the engine clock.
const dedupWindow = 5 * time.Minute

type dedupEntry struct {
	messageID string
	expires   time.Time
}

// queue owns its messages exclusively. Every state-mutating step holds
// mu; wake is the long-poll broadcast primitive, closed and replaced
// under mu whenever a message may have become visible.
type queue struct {
	name  string
	attrs QueueAttributes

	mu       sync.Mutex
	messages []*message
	dedup    map[string]dedupEntry
	wake     chan struct{}

	createdAt time.Time
}

func newQueue(name string, attrs QueueAttributes, now time.Time) *queue {
	return &queue{
		name:      name,
		attrs:     attrs,
		dedup:     make(map[string]dedupEntry),
		wake:      make(chan struct{}),
		createdAt: now,
	}
}

// signal wakes all long-poll waiters. Callers must hold mu.
func (q *queue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// dedupID computes the effective dedup id for a send: the explicit id
// if supplied, else the body digest when content dedup is on, else
// none.
func (q *queue) dedupID(req SendRequest) string {
	if !q.attrs.Fifo {
		return ""
	}
	if req.DedupID != "" {
		return req.DedupID
	}
	if q.attrs.ContentBasedDedup {
		sum := sha256.Sum256([]byte(req.Body))
		return hex.EncodeToString(sum[:])
	}
	return ""
}

// purgeDedup drops expired dedup cache entries. Callers must hold mu.
func (q *queue) purgeDedup(now time.Time) {
	for id, entry := range q.dedup {
		if !entry.expires.After(now) {
			delete(q.dedup, id)
		}
	}
}

// collect walks the message vector in insertion order and selects up
// to max visible messages, applying FIFO head-of-line isolation and
// the dead-letter policy. Messages due for redrive are removed from
// the vector and returned separately; the caller moves them to the
// dead-letter queue after releasing mu. Callers must hold mu.
func (q *queue) collect(now time.Time, max int, visibility time.Duration, newReceipt func() string) (received []Received, redrive []*message) {
	// Groups with an in-flight message at the start of the walk.
	// Messages selected during this walk do not join the set, so a
	// single receive may return several messages of one group, in
	// order.
	blocked := set.NewStrings()
	if q.attrs.Fifo {
		for _, m := range q.messages {
			if m.inFlight(now) {
				blocked.Add(m.groupID)
			}
		}
	}

	kept := q.messages[:0]
	for _, m := range q.messages {
		if len(received) >= max {
			kept = append(kept, m)
			continue
		}
		if !m.visible(now) {
			kept = append(kept, m)
			continue
		}
		if q.attrs.Fifo && blocked.Contains(m.groupID) {
			kept = append(kept, m)
			continue
		}
		if q.attrs.DeadLetterTarget != "" && q.attrs.MaxReceiveCount > 0 &&
			m.receiveCount >= q.attrs.MaxReceiveCount {
			m.receiptHandle = ""
			m.notVisibleUntil = time.Time{}
			redrive = append(redrive, m)
			continue
		}
		m.receiveCount++
		m.receiptHandle = newReceipt()
		m.notVisibleUntil = now.Add(visibility)
		received = append(received, Received{
			MessageID:     m.id,
			ReceiptHandle: m.receiptHandle,
			Body:          m.body,
			Attributes:    m.attributes,
			GroupID:       m.groupID,
			ReceiveCount:  m.receiveCount,
			SentAt:        m.sentAt,
		})
		kept = append(kept, m)
	}
	q.messages = kept
	return received, redrive
}

// deleteByReceipt removes the message matching the receipt handle.
// A stale or unknown receipt is a silent no-op. Callers must hold mu.
func (q *queue) deleteByReceipt(receipt string) {
	for i, m := range q.messages {
		if m.receiptHandle == receipt {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return
		}
	}
}

// counts returns the number of visible, in-flight and delayed
// messages. A delayed message is not yet visible and has never been
// received. Callers must hold mu.
func (q *queue) counts(now time.Time) (visible, inFlight, delayed int) {
	for _, m := range q.messages {
		switch {
		case m.inFlight(now):
			inFlight++
		case m.visible(now):
			visible++
		default:
			delayed++
		}
	}
	return visible, inFlight, delayed
}
