// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package topic_test

import (
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/localdevkit/ldk/core/matcher"
	"github.com/localdevkit/ldk/internal/engine/topic"
)

const longWait = 10 * time.Second

type delivery struct {
	protocol string
	endpoint string
	subARN   string
	env      topic.Envelope
}

// recordingDispatcher captures deliveries and can fail selected
// endpoints. Setting holdNext stalls the next delivery until the
// channel is closed.
type recordingDispatcher struct {
	mu         sync.Mutex
	deliveries []delivery
	failing    map[string]bool
	holdNext   chan struct{}
	ch         chan struct{}
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		failing: make(map[string]bool),
		ch:      make(chan struct{}, 100),
	}
}

func (d *recordingDispatcher) DeliverQueue(queueName string, env topic.Envelope) error {
	return d.record(delivery{protocol: "queue", endpoint: queueName, env: env})
}

func (d *recordingDispatcher) DeliverCompute(functionName, subscriptionARN string, env topic.Envelope) error {
	return d.record(delivery{
		protocol: "compute", endpoint: functionName, subARN: subscriptionARN, env: env,
	})
}

func (d *recordingDispatcher) record(del delivery) error {
	d.mu.Lock()
	hold := d.holdNext
	d.holdNext = nil
	d.mu.Unlock()
	if hold != nil {
		<-hold
	}
	d.mu.Lock()
	fail := d.failing[del.endpoint]
	if !fail {
		d.deliveries = append(d.deliveries, del)
	}
	d.mu.Unlock()
	d.ch <- struct{}{}
	if fail {
		return errors.Errorf("endpoint %q down", del.endpoint)
	}
	return nil
}

func (d *recordingDispatcher) wait(c *gc.C, n int) []delivery {
	for {
		d.mu.Lock()
		got := append([]delivery(nil), d.deliveries...)
		d.mu.Unlock()
		if len(got) >= n {
			return got
		}
		select {
		case <-d.ch:
		case <-time.After(longWait):
			c.Fatalf("timed out waiting for %d deliveries, have %d", n, len(got))
		}
	}
}

type engineSuite struct {
	jujutesting.IsolationSuite

	clock      *testclock.Clock
	dispatcher *recordingDispatcher
	engine     *topic.Engine
}

var _ = gc.Suite(&engineSuite{})

func (s *engineSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	s.dispatcher = newRecordingDispatcher()
	var err error
	s.engine, err = topic.NewEngine(s.clock, s.dispatcher)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *engineSuite) TestCreateIsIdempotent(c *gc.C) {
	arn1, err := s.engine.Create("orders")
	c.Assert(err, jc.ErrorIsNil)
	arn2, err := s.engine.Create("orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(arn1, gc.Equals, arn2)
	c.Check(arn1, gc.Equals, topic.TopicARN("orders"))
}

func (s *engineSuite) TestPublishUnknownTopic(c *gc.C) {
	_, err := s.engine.Publish("nope", "", "hi", nil)
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *engineSuite) TestPublishToQueueSubscription(c *gc.C) {
	_, err := s.engine.Create("orders")
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.engine.Subscribe("orders", topic.ProtocolQueue, "orders-q", nil)
	c.Assert(err, jc.ErrorIsNil)

	id, err := s.engine.Publish("orders", "subj", "hello", nil)
	c.Assert(err, jc.ErrorIsNil)

	got := s.dispatcher.wait(c, 1)
	c.Assert(got, gc.HasLen, 1)
	c.Check(got[0].protocol, gc.Equals, "queue")
	c.Check(got[0].endpoint, gc.Equals, "orders-q")
	c.Check(got[0].env.Type, gc.Equals, "Notification")
	c.Check(got[0].env.Message, gc.Equals, "hello")
	c.Check(got[0].env.Subject, gc.Equals, "subj")
	c.Check(got[0].env.MessageID, gc.Equals, id)
	c.Check(got[0].env.TopicARN, gc.Equals, topic.TopicARN("orders"))
}

func (s *engineSuite) TestPublishToComputeSubscription(c *gc.C) {
	_, err := s.engine.Create("orders")
	c.Assert(err, jc.ErrorIsNil)
	subARN, err := s.engine.Subscribe("orders", topic.ProtocolCompute, "handler", nil)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.engine.Publish("orders", "", "hello", nil)
	c.Assert(err, jc.ErrorIsNil)

	got := s.dispatcher.wait(c, 1)
	c.Check(got[0].protocol, gc.Equals, "compute")
	c.Check(got[0].endpoint, gc.Equals, "handler")
	c.Check(got[0].subARN, gc.Equals, subARN)
}

func (s *engineSuite) TestFanOutToAllSubscribers(c *gc.C) {
	_, err := s.engine.Create("orders")
	c.Assert(err, jc.ErrorIsNil)
	for _, q := range []string{"q1", "q2", "q3"} {
		_, err = s.engine.Subscribe("orders", topic.ProtocolQueue, q, nil)
		c.Assert(err, jc.ErrorIsNil)
	}

	_, err = s.engine.Publish("orders", "", "hi", nil)
	c.Assert(err, jc.ErrorIsNil)

	got := s.dispatcher.wait(c, 3)
	endpoints := map[string]bool{}
	for _, d := range got {
		endpoints[d.endpoint] = true
	}
	c.Check(endpoints, jc.DeepEquals, map[string]bool{"q1": true, "q2": true, "q3": true})
}

func (s *engineSuite) TestFilterPolicySelectsSubscribers(c *gc.C) {
	_, err := s.engine.Create("orders")
	c.Assert(err, jc.ErrorIsNil)

	redOnly, err := matcher.ParsePolicy([]byte(`{"color": ["red"]}`))
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.engine.Subscribe("orders", topic.ProtocolQueue, "red-q", redOnly)
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.engine.Subscribe("orders", topic.ProtocolQueue, "all-q", nil)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.engine.Publish("orders", "", "m1", map[string]topic.MessageAttribute{
		"color": {DataType: "String", StringValue: "blue"},
	})
	c.Assert(err, jc.ErrorIsNil)

	got := s.dispatcher.wait(c, 1)
	c.Assert(got, gc.HasLen, 1)
	c.Check(got[0].endpoint, gc.Equals, "all-q")

	_, err = s.engine.Publish("orders", "", "m2", map[string]topic.MessageAttribute{
		"color": {DataType: "String", StringValue: "red"},
	})
	c.Assert(err, jc.ErrorIsNil)
	got = s.dispatcher.wait(c, 3)
	c.Check(got, gc.HasLen, 3)
}

func (s *engineSuite) TestNumericFilter(c *gc.C) {
	_, err := s.engine.Create("orders")
	c.Assert(err, jc.ErrorIsNil)
	policy, err := matcher.ParsePolicy([]byte(`{"total": [{"numeric": [">=", 100]}]}`))
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.engine.Subscribe("orders", topic.ProtocolQueue, "big-q", policy)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.engine.Publish("orders", "", "small", map[string]topic.MessageAttribute{
		"total": {DataType: "Number", StringValue: "10"},
	})
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.engine.Publish("orders", "", "big", map[string]topic.MessageAttribute{
		"total": {DataType: "Number", StringValue: "150"},
	})
	c.Assert(err, jc.ErrorIsNil)

	got := s.dispatcher.wait(c, 1)
	c.Assert(got, gc.HasLen, 1)
	c.Check(got[0].env.Message, gc.Equals, "big")
}

func (s *engineSuite) TestDeliveryOrderPerSubscriber(c *gc.C) {
	_, err := s.engine.Create("orders")
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.engine.Subscribe("orders", topic.ProtocolQueue, "q", nil)
	c.Assert(err, jc.ErrorIsNil)

	// Stall the first delivery until both messages are published; the
	// second must still arrive after it.
	release := make(chan struct{})
	s.dispatcher.mu.Lock()
	s.dispatcher.holdNext = release
	s.dispatcher.mu.Unlock()

	_, err = s.engine.Publish("orders", "", "first", nil)
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.engine.Publish("orders", "", "second", nil)
	c.Assert(err, jc.ErrorIsNil)
	close(release)

	got := s.dispatcher.wait(c, 2)
	c.Assert(got, gc.HasLen, 2)
	c.Check(got[0].env.Message, gc.Equals, "first")
	c.Check(got[1].env.Message, gc.Equals, "second")
}

func (s *engineSuite) TestDeliveryErrorDoesNotBlockOthers(c *gc.C) {
	_, err := s.engine.Create("orders")
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.engine.Subscribe("orders", topic.ProtocolQueue, "down-q", nil)
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.engine.Subscribe("orders", topic.ProtocolQueue, "up-q", nil)
	c.Assert(err, jc.ErrorIsNil)
	s.dispatcher.failing["down-q"] = true

	_, err = s.engine.Publish("orders", "", "hi", nil)
	c.Assert(err, jc.ErrorIsNil)

	// Only successful deliveries are recorded; the healthy queue
	// still gets its copy.
	got := s.dispatcher.wait(c, 1)
	c.Check(got[0].endpoint, gc.Equals, "up-q")
}

func (s *engineSuite) TestUnsubscribe(c *gc.C) {
	_, err := s.engine.Create("orders")
	c.Assert(err, jc.ErrorIsNil)
	subARN, err := s.engine.Subscribe("orders", topic.ProtocolQueue, "q", nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.engine.Unsubscribe(subARN), jc.ErrorIsNil)
	c.Check(s.engine.Unsubscribe(subARN), jc.ErrorIs, errors.NotFound)

	subs, err := s.engine.Subscriptions("orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(subs, gc.HasLen, 0)
}

func (s *engineSuite) TestSetFilter(c *gc.C) {
	_, err := s.engine.Create("orders")
	c.Assert(err, jc.ErrorIsNil)
	subARN, err := s.engine.Subscribe("orders", topic.ProtocolQueue, "q", nil)
	c.Assert(err, jc.ErrorIsNil)

	policy, err := matcher.ParsePolicy([]byte(`{"color": ["red"]}`))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.engine.SetFilter(subARN, policy), jc.ErrorIsNil)

	subs, err := s.engine.Subscriptions("orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(subs, gc.HasLen, 1)
	c.Check(subs[0].Filter, gc.NotNil)
}

func (s *engineSuite) TestDeleteTopic(c *gc.C) {
	_, err := s.engine.Create("orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.engine.Delete("orders"), jc.ErrorIsNil)
	c.Check(s.engine.Delete("orders"), jc.ErrorIs, errors.NotFound)
	c.Check(s.engine.List(), gc.HasLen, 0)
}

func (s *engineSuite) TestListSorted(c *gc.C) {
	for _, name := range []string{"zeta", "alpha"} {
		_, err := s.engine.Create(name)
		c.Assert(err, jc.ErrorIsNil)
	}
	c.Check(s.engine.List(), jc.DeepEquals, []string{
		topic.TopicARN("alpha"), topic.TopicARN("zeta"),
	})
}
