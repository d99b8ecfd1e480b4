// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package topic implements the pub/sub topic engine. Topics own
// subscriptions; a publish evaluates each subscription's filter policy
// against the message attributes and dispatches matching deliveries
// through the configured Dispatcher. Subscribers deliver concurrently
// with respect to each other, but each subscriber drains its own
// envelope queue in publish order.
package topic

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/localdevkit/ldk/core/matcher"
)

var logger = loggo.GetLogger("ldk.engine.topic")

// Protocol names how a subscription delivers.
type Protocol string

const (
	ProtocolQueue   Protocol = "queue"
	ProtocolCompute Protocol = "compute"
)

// MessageAttribute carries a typed publish attribute.
type MessageAttribute struct {
	DataType    string `json:"Type"`
	StringValue string `json:"Value"`
}

// Envelope is the notification wrapper delivered to subscribers.
type Envelope struct {
	Type              string                      `json:"Type"`
	MessageID         string                      `json:"MessageId"`
	TopicARN          string                      `json:"TopicArn"`
	Subject           string                      `json:"Subject,omitempty"`
	Message           string                      `json:"Message"`
	Timestamp         string                      `json:"Timestamp"`
	MessageAttributes map[string]MessageAttribute `json:"MessageAttributes,omitempty"`
}

// Dispatcher delivers envelopes to subscription targets. The fabric
// provides the production implementation; engines never import each
// other directly.
type Dispatcher interface {
	DeliverQueue(queueName string, env Envelope) error
	DeliverCompute(functionName, subscriptionARN string, env Envelope) error
}

// Subscription binds a topic to a delivery target. A nil Filter
// matches every message.
type Subscription struct {
	ARN      string
	Protocol Protocol
	Endpoint string
	Filter   matcher.Policy
}

// subscription is the engine's per-subscriber state: the public
// Subscription plus an envelope queue drained by at most one goroutine
// at a time, which keeps one subscriber's deliveries in publish order.
type subscription struct {
	Subscription

	mu       sync.Mutex
	pending  *deque.Deque
	draining bool
}

type topic struct {
	name string
	arn  string

	mu   sync.Mutex
	subs []*subscription
}

// Engine owns all topics.
type Engine struct {
	clock      clock.Clock
	dispatcher Dispatcher

	mu     sync.RWMutex
	topics map[string]*topic
}

// NewEngine returns a topic engine delivering through the dispatcher.
func NewEngine(clk clock.Clock, dispatcher Dispatcher) (*Engine, error) {
	if clk == nil {
		return nil, errors.NotValidf("missing Clock")
	}
	if dispatcher == nil {
		return nil, errors.NotValidf("missing Dispatcher")
	}
	return &Engine{
		clock:      clk,
		dispatcher: dispatcher,
		topics:     make(map[string]*topic),
	}, nil
}

// TopicARN returns the emulator ARN for a topic name.
func TopicARN(name string) string {
	return "arn:ldk:topic:local:000000000000:" + name
}

// Create adds a topic. Creating an existing topic is idempotent and
// returns the same ARN, matching cloud behaviour.
func (e *Engine) Create(name string) (string, error) {
	if name == "" {
		return "", errors.NotValidf("empty topic name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.topics[name]; ok {
		return t.arn, nil
	}
	t := &topic{name: name, arn: TopicARN(name)}
	e.topics[name] = t
	return t.arn, nil
}

// Delete removes a topic and its subscriptions.
func (e *Engine) Delete(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.topics[name]; !ok {
		return errors.NotFoundf("topic %q", name)
	}
	delete(e.topics, name)
	return nil
}

// List returns topic ARNs sorted by name.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.topics))
	for name := range e.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	arns := make([]string, len(names))
	for i, name := range names {
		arns[i] = e.topics[name].arn
	}
	return arns
}

func (e *Engine) lookup(name string) (*topic, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.topics[name]
	if !ok {
		return nil, errors.NotFoundf("topic %q", name)
	}
	return t, nil
}

// Subscribe attaches a delivery target to the topic and returns the
// subscription ARN.
func (e *Engine) Subscribe(topicName string, protocol Protocol, endpoint string, filter matcher.Policy) (string, error) {
	switch protocol {
	case ProtocolQueue, ProtocolCompute:
	default:
		return "", errors.NotValidf("protocol %q", protocol)
	}
	if endpoint == "" {
		return "", errors.NotValidf("empty endpoint")
	}
	t, err := e.lookup(topicName)
	if err != nil {
		return "", errors.Trace(err)
	}
	sub := &subscription{
		Subscription: Subscription{
			ARN:      t.arn + ":" + uuid.New().String(),
			Protocol: protocol,
			Endpoint: endpoint,
			Filter:   filter,
		},
		pending: deque.New(),
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub.ARN, nil
}

// Unsubscribe removes a subscription by ARN from whichever topic owns
// it.
func (e *Engine) Unsubscribe(subscriptionARN string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, t := range e.topics {
		t.mu.Lock()
		for i, sub := range t.subs {
			if sub.ARN == subscriptionARN {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				t.mu.Unlock()
				return nil
			}
		}
		t.mu.Unlock()
	}
	return errors.NotFoundf("subscription %q", subscriptionARN)
}

// Subscriptions returns the topic's subscriptions.
func (e *Engine) Subscriptions(topicName string) ([]Subscription, error) {
	t, err := e.lookup(topicName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Subscription, len(t.subs))
	for i, sub := range t.subs {
		out[i] = sub.Subscription
	}
	return out, nil
}

// SetFilter replaces a subscription's filter policy.
func (e *Engine) SetFilter(subscriptionARN string, filter matcher.Policy) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, t := range e.topics {
		t.mu.Lock()
		for i := range t.subs {
			if t.subs[i].ARN == subscriptionARN {
				t.subs[i].Filter = filter
				t.mu.Unlock()
				return nil
			}
		}
		t.mu.Unlock()
	}
	return errors.NotFoundf("subscription %q", subscriptionARN)
}

// Publish fans a message out to every subscription whose filter policy
// matches the message attributes. Envelopes are enqueued under the
// topic lock so each subscriber sees them in publish order; delivery
// itself runs asynchronously per subscriber, and a failed delivery is
// logged and never fails the publish or blocks other subscribers.
func (e *Engine) Publish(topicName, subject, message string, attrs map[string]MessageAttribute) (string, error) {
	t, err := e.lookup(topicName)
	if err != nil {
		return "", errors.Trace(err)
	}
	env := Envelope{
		Type:              "Notification",
		MessageID:         uuid.New().String(),
		TopicARN:          t.arn,
		Subject:           subject,
		Message:           message,
		Timestamp:         e.clock.Now().UTC().Format(time.RFC3339),
		MessageAttributes: attrs,
	}

	values := attributeValues(attrs)
	t.mu.Lock()
	for _, sub := range t.subs {
		if !sub.Filter.Match(values) {
			continue
		}
		e.enqueue(sub, env)
	}
	t.mu.Unlock()
	return env.MessageID, nil
}

// enqueue appends the envelope to the subscriber's queue and starts a
// drain goroutine if none is running.
func (e *Engine) enqueue(sub *subscription, env Envelope) {
	sub.mu.Lock()
	sub.pending.PushBack(env)
	if sub.draining {
		sub.mu.Unlock()
		return
	}
	sub.draining = true
	sub.mu.Unlock()
	go e.drain(sub)
}

// drain delivers the subscriber's pending envelopes one at a time, in
// order, and exits when the queue empties.
func (e *Engine) drain(sub *subscription) {
	for {
		sub.mu.Lock()
		head, ok := sub.pending.PopFront()
		if !ok {
			sub.draining = false
			sub.mu.Unlock()
			return
		}
		sub.mu.Unlock()
		e.deliver(sub, head.(Envelope))
	}
}

func (e *Engine) deliver(sub *subscription, env Envelope) {
	var err error
	switch sub.Protocol {
	case ProtocolQueue:
		err = e.dispatcher.DeliverQueue(sub.Endpoint, env)
	case ProtocolCompute:
		err = e.dispatcher.DeliverCompute(sub.Endpoint, sub.ARN, env)
	}
	if err != nil {
		logger.Errorf("delivering %s to %s %q: %v",
			env.MessageID, sub.Protocol, sub.Endpoint, err)
	}
}

func attributeValues(attrs map[string]MessageAttribute) map[string]interface{} {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for name, attr := range attrs {
		if attr.DataType == "Number" {
			if n, err := strconv.ParseFloat(attr.StringValue, 64); err == nil {
				out[name] = n
				continue
			}
		}
		out[name] = attr.StringValue
	}
	return out
}
