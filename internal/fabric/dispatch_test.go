// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package fabric_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/localdevkit/ldk/core/changestream"
	"github.com/localdevkit/ldk/core/value"
	"github.com/localdevkit/ldk/internal/engine/eventbus"
	"github.com/localdevkit/ldk/internal/engine/objectstore"
	"github.com/localdevkit/ldk/internal/engine/topic"
	"github.com/localdevkit/ldk/internal/fabric"
)

type dispatchSuite struct {
	jujutesting.IsolationSuite

	targets    *fakeTargets
	registry   *fabric.Registry
	dispatcher *fabric.Dispatcher
}

var _ = gc.Suite(&dispatchSuite{})

func (s *dispatchSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.targets = &fakeTargets{}
	s.registry = fabric.NewRegistry()
	c.Assert(s.registry.RegisterQueue("orders", s.targets.queue), jc.ErrorIsNil)
	c.Assert(s.registry.RegisterCompute("handler", s.targets.compute), jc.ErrorIsNil)
	s.registry.Freeze()
	s.dispatcher = fabric.NewDispatcher(s.registry)
}

func (s *dispatchSuite) TestTopicToQueue(c *gc.C) {
	env := topic.Envelope{
		Type:      "Notification",
		MessageID: "m-1",
		TopicARN:  "arn:ldk:topic:local:000000000000:orders",
		Message:   "hello",
	}
	c.Assert(s.dispatcher.DeliverQueue("orders", env), jc.ErrorIsNil)

	bodies := s.targets.queueBodies()
	c.Assert(bodies, gc.HasLen, 1)
	var got topic.Envelope
	c.Assert(json.Unmarshal([]byte(bodies[0]), &got), jc.ErrorIsNil)
	c.Check(got.MessageID, gc.Equals, "m-1")
	c.Check(got.Message, gc.Equals, "hello")
}

func (s *dispatchSuite) TestTopicToQueueUnknownQueue(c *gc.C) {
	err := s.dispatcher.DeliverQueue("ghost", topic.Envelope{})
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *dispatchSuite) TestTopicToCompute(c *gc.C) {
	env := topic.Envelope{Type: "Notification", MessageID: "m-1", Message: "hi"}
	err := s.dispatcher.DeliverCompute("handler", "sub-arn", env)
	c.Assert(err, jc.ErrorIsNil)

	payloads := s.targets.computePayloads()
	c.Assert(payloads, gc.HasLen, 1)
	var got struct {
		Records []struct {
			EventSource     string         `json:"EventSource"`
			SubscriptionARN string         `json:"EventSubscriptionArn"`
			Notification    topic.Envelope `json:"Notification"`
		} `json:"Records"`
	}
	c.Assert(json.Unmarshal(payloads[0], &got), jc.ErrorIsNil)
	c.Assert(got.Records, gc.HasLen, 1)
	c.Check(got.Records[0].EventSource, gc.Equals, "ldk:topic")
	c.Check(got.Records[0].SubscriptionARN, gc.Equals, "sub-arn")
	c.Check(got.Records[0].Notification.Message, gc.Equals, "hi")
}

func (s *dispatchSuite) TestBusToQueue(c *gc.C) {
	bus := fabric.NewBusDispatcher(s.registry)
	event := eventbus.Event{
		ID:         "e-1",
		Source:     "orders.api",
		DetailType: "OrderPlaced",
		Detail:     map[string]interface{}{"id": 42.0},
	}
	c.Assert(bus.DeliverQueue("orders", event), jc.ErrorIsNil)

	bodies := s.targets.queueBodies()
	c.Assert(bodies, gc.HasLen, 1)
	var got eventbus.Event
	c.Assert(json.Unmarshal([]byte(bodies[0]), &got), jc.ErrorIsNil)
	c.Check(got.Source, gc.Equals, "orders.api")
	c.Check(got.DetailType, gc.Equals, "OrderPlaced")
}

func (s *dispatchSuite) TestBusToCompute(c *gc.C) {
	bus := fabric.NewBusDispatcher(s.registry)
	event := eventbus.Event{ID: "e-1", Source: "orders.api"}
	c.Assert(bus.DeliverCompute("handler", event), jc.ErrorIsNil)
	c.Check(s.targets.computePayloads(), gc.HasLen, 1)

	c.Check(bus.DeliverCompute("ghost", event), jc.ErrorIs, errors.NotFound)
}

func (s *dispatchSuite) TestInvokeTask(c *gc.C) {
	s.targets.result = json.RawMessage(`{"doubled":4}`)
	out, err := s.dispatcher.InvokeTask(
		context.Background(), "handler", map[string]interface{}{"n": 2.0})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(out, gc.DeepEquals, map[string]interface{}{"doubled": 4.0})

	payloads := s.targets.computePayloads()
	c.Assert(payloads, gc.HasLen, 1)
	c.Check(string(payloads[0]), gc.Equals, `{"n":2}`)
}

func (s *dispatchSuite) TestInvokeTaskEmptyResult(c *gc.C) {
	out, err := s.dispatcher.InvokeTask(context.Background(), "handler", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(out, gc.IsNil)
}

func (s *dispatchSuite) TestInvokeTaskFailurePropagates(c *gc.C) {
	s.targets.err = errors.Errorf("handler blew up")
	_, err := s.dispatcher.InvokeTask(context.Background(), "handler", nil)
	c.Check(err, gc.ErrorMatches, ".*handler blew up.*")
}

func (s *dispatchSuite) TestObjectNotification(c *gc.C) {
	handler := s.dispatcher.ObjectNotificationHandler("handler")
	err := handler(objectstore.Event{
		EventName: "ObjectCreated:Put",
		Bucket:    "uploads",
		Key:       "a/b.txt",
		Size:      12,
		ETag:      "abc",
		At:        time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	c.Assert(err, jc.ErrorIsNil)

	payloads := s.targets.computePayloads()
	c.Assert(payloads, gc.HasLen, 1)
	var got struct {
		Records []struct {
			EventSource string `json:"eventSource"`
			EventName   string `json:"eventName"`
			EventTime   string `json:"eventTime"`
			Bucket      string `json:"bucket"`
			Key         string `json:"key"`
		} `json:"Records"`
	}
	c.Assert(json.Unmarshal(payloads[0], &got), jc.ErrorIsNil)
	c.Assert(got.Records, gc.HasLen, 1)
	c.Check(got.Records[0].EventSource, gc.Equals, "ldk:objectstore")
	c.Check(got.Records[0].EventName, gc.Equals, "ObjectCreated:Put")
	c.Check(got.Records[0].EventTime, gc.Equals, "2024-06-01T12:00:00Z")
	c.Check(got.Records[0].Bucket, gc.Equals, "uploads")
	c.Check(got.Records[0].Key, gc.Equals, "a/b.txt")
}

func (s *dispatchSuite) TestStreamSubscriber(c *gc.C) {
	sub := s.dispatcher.StreamSubscriber("handler")
	err := sub([]changestream.Record{{
		Kind:     changestream.Insert,
		Table:    "orders",
		Keys:     value.Item{"pk": value.String("o-1")},
		NewImage: value.Item{"pk": value.String("o-1"), "total": value.Number("12")},
		Sequence: 7,
	}})
	c.Assert(err, jc.ErrorIsNil)

	payloads := s.targets.computePayloads()
	c.Assert(payloads, gc.HasLen, 1)
	var got struct {
		Records []struct {
			EventID   string `json:"eventID"`
			EventName string `json:"eventName"`
			Source    string `json:"eventSource"`
			Change    struct {
				SequenceNumber uint64 `json:"SequenceNumber"`
			} `json:"change"`
		} `json:"Records"`
	}
	c.Assert(json.Unmarshal(payloads[0], &got), jc.ErrorIsNil)
	c.Assert(got.Records, gc.HasLen, 1)
	c.Check(got.Records[0].EventName, gc.Equals, "INSERT")
	c.Check(got.Records[0].Source, gc.Equals, "ldk:table")
	c.Check(got.Records[0].EventID, gc.Equals, "orders-7")
	c.Check(got.Records[0].Change.SequenceNumber, gc.Equals, uint64(7))
}
