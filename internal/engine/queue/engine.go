// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package queue implements the in-memory queue engine: the per-message
// visibility state machine, FIFO ordering with per-group head-of-line
// isolation, content deduplication, dead-letter redrive, and long-poll
// wait/wake.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("ldk.engine.queue")

// DefaultVisibilityTimeout applies to queues created without one.
const DefaultVisibilityTimeout = 30 * time.Second

// Info is the read-only attribute surface of a queue.
type Info struct {
	Name              string
	Attributes        QueueAttributes
	CreatedAt         time.Time
	VisibleMessages   int
	InFlightMessages  int
	DelayedUnreadable int
}

// Engine owns all queues. Queue lookup holds the engine lock; message
// operations hold only the individual queue's lock.
type Engine struct {
	clock clock.Clock

	mu     sync.RWMutex
	queues map[string]*queue
}

// NewEngine returns a queue engine using the supplied clock for all
// visibility and deduplication timing.
func NewEngine(clk clock.Clock) (*Engine, error) {
	if clk == nil {
		return nil, errors.NotValidf("missing Clock")
	}
	return &Engine{
		clock:  clk,
		queues: make(map[string]*queue),
	}, nil
}

// Create adds a queue. Dead-letter targets must already exist and must
// not route back, transitively, to the new queue.
func (e *Engine) Create(name string, attrs QueueAttributes) error {
	if name == "" {
		return errors.NotValidf("empty queue name")
	}
	if attrs.VisibilityTimeout == 0 {
		attrs.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if attrs.ContentBasedDedup && !attrs.Fifo {
		return errors.NotValidf("content deduplication on non-FIFO queue %q", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.queues[name]; ok {
		return errors.AlreadyExistsf("queue %q", name)
	}
	if attrs.DeadLetterTarget != "" {
		if err := e.checkRedriveChain(name, attrs.DeadLetterTarget); err != nil {
			return errors.Trace(err)
		}
	}
	e.queues[name] = newQueue(name, attrs, e.clock.Now())
	return nil
}

// checkRedriveChain rejects dead-letter targets that are missing or
// that would complete a redrive cycle. Callers must hold e.mu.
func (e *Engine) checkRedriveChain(source, target string) error {
	seen := map[string]bool{source: true}
	for target != "" {
		if seen[target] {
			return errors.NotValidf("dead-letter chain through %q: cycle", target)
		}
		seen[target] = true
		q, ok := e.queues[target]
		if !ok {
			return errors.NotFoundf("dead-letter target %q", target)
		}
		target = q.attrs.DeadLetterTarget
	}
	return nil
}

// Destroy removes a queue. In-flight messages are dropped; receipts
// held by callers dangle and later deletes are no-ops.
func (e *Engine) Destroy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.queues[name]; !ok {
		return errors.NotFoundf("queue %q", name)
	}
	delete(e.queues, name)
	return nil
}

// Purge discards all messages on the queue, visible or not.
func (e *Engine) Purge(name string) error {
	q, err := e.lookup(name)
	if err != nil {
		return errors.Trace(err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = nil
	return nil
}

// List returns all queue names in lexical order.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Attributes returns the queue's configuration and approximate
// message counts.
func (e *Engine) Attributes(name string) (Info, error) {
	q, err := e.lookup(name)
	if err != nil {
		return Info{}, errors.Trace(err)
	}
	now := e.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	visible, inFlight, delayed := q.counts(now)
	return Info{
		Name:              q.name,
		Attributes:        q.attrs,
		CreatedAt:         q.createdAt,
		VisibleMessages:   visible,
		InFlightMessages:  inFlight,
		DelayedUnreadable: delayed,
	}, nil
}

func (e *Engine) lookup(name string) (*queue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.queues[name]
	if !ok {
		return nil, errors.NotFoundf("queue %q", name)
	}
	return q, nil
}

// Send appends a message and wakes long-poll waiters. For FIFO queues
// a send whose dedup id is still inside the dedup window returns the
// message id recorded for that id without appending anything.
func (e *Engine) Send(name string, req SendRequest) (string, error) {
	q, err := e.lookup(name)
	if err != nil {
		return "", errors.Trace(err)
	}
	if q.attrs.Fifo && req.GroupID == "" {
		return "", errors.NotValidf("FIFO send without message group id")
	}
	now := e.clock.Now()
	delay := req.Delay
	if delay == 0 {
		delay = q.attrs.Delay
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeDedup(now)
	dedupID := q.dedupID(req)
	if dedupID != "" {
		if entry, ok := q.dedup[dedupID]; ok {
			return entry.messageID, nil
		}
	}
	m := &message{
		id:              uuid.New().String(),
		body:            req.Body,
		attributes:      req.Attributes,
		groupID:         req.GroupID,
		dedupID:         dedupID,
		sentAt:          now,
		notVisibleUntil: now.Add(delay),
	}
	q.messages = append(q.messages, m)
	if dedupID != "" {
		q.dedup[dedupID] = dedupEntry{messageID: m.id, expires: now.Add(dedupWindow)}
	}
	q.signal()
	return m.id, nil
}

// Receive returns up to max visible messages. With wait zero it
// performs exactly one walk and returns, possibly empty. With a
// positive wait it blocks on the queue's wake primitive until the
// walk yields something or the deadline passes.
func (e *Engine) Receive(ctx context.Context, name string, max int, wait time.Duration) ([]Received, error) {
	if max <= 0 {
		max = 1
	}
	q, err := e.lookup(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	deadline := e.clock.Now().Add(wait)
	for {
		now := e.clock.Now()
		q.mu.Lock()
		q.purgeDedup(now)
		received, redrive := q.collect(now, max, q.attrs.VisibilityTimeout, func() string {
			return uuid.New().String()
		})
		wake := q.wake
		q.mu.Unlock()

		if len(redrive) > 0 {
			e.redrive(q, redrive)
		}
		if len(received) > 0 || wait == 0 {
			return received, nil
		}
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-wake:
		case <-e.clock.After(remaining):
			// Final walk after the deadline picks up anything that
			// became visible while the timer fired.
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		}
	}
}

// redrive moves messages that exceeded the receive threshold to the
// source queue's dead-letter target, under the target's own lock. The
// configuration-time cycle check keeps this acquisition safe.
func (e *Engine) redrive(source *queue, msgs []*message) {
	target, err := e.lookup(source.attrs.DeadLetterTarget)
	if err != nil {
		logger.Warningf("dropping %d messages from %q: %v", len(msgs), source.name, err)
		return
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	for _, m := range msgs {
		m.receiptHandle = ""
		m.notVisibleUntil = time.Time{}
		target.messages = append(target.messages, m)
	}
	target.signal()
	logger.Debugf("moved %d messages from %q to dead-letter queue %q",
		len(msgs), source.name, target.name)
}

// Delete removes the message matching the receipt handle. A receipt
// that matches nothing is a silent no-op.
func (e *Engine) Delete(name, receipt string) error {
	q, err := e.lookup(name)
	if err != nil {
		return errors.Trace(err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleteByReceipt(receipt)
	return nil
}

// ChangeVisibility resets the visibility deadline of the message
// matching the receipt handle to now plus the supplied duration. Zero
// makes the message immediately visible again.
func (e *Engine) ChangeVisibility(name, receipt string, timeout time.Duration) error {
	q, err := e.lookup(name)
	if err != nil {
		return errors.Trace(err)
	}
	now := e.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.receiptHandle == receipt {
			m.notVisibleUntil = now.Add(timeout)
			if timeout == 0 {
				q.signal()
			}
			return nil
		}
	}
	return nil
}
