// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package fabric_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/localdevkit/ldk/internal/engine/queue"
	"github.com/localdevkit/ldk/internal/fabric"
)

const longWait = 10 * time.Second

// invokeCollector is a compute target that records payloads and
// signals each invocation.
type invokeCollector struct {
	mu       sync.Mutex
	payloads []json.RawMessage
	fail     bool
	invoked  chan struct{}
}

func newInvokeCollector() *invokeCollector {
	return &invokeCollector{invoked: make(chan struct{}, 10)}
}

func (i *invokeCollector) target(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	i.mu.Lock()
	fail := i.fail
	if !fail {
		i.payloads = append(i.payloads, payload)
	}
	i.mu.Unlock()
	i.invoked <- struct{}{}
	if fail {
		return nil, errors.Errorf("handler failed")
	}
	return nil, nil
}

func (i *invokeCollector) setFail(fail bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.fail = fail
}

func (i *invokeCollector) waitInvoked(c *gc.C) {
	select {
	case <-i.invoked:
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for an invocation")
	}
}

type pollerSuite struct {
	jujutesting.IsolationSuite

	clock     *testclock.Clock
	queues    *queue.Engine
	collector *invokeCollector
}

var _ = gc.Suite(&pollerSuite{})

func (s *pollerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	var err error
	s.queues, err = queue.NewEngine(s.clock)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.queues.Create("orders", queue.QueueAttributes{}), jc.ErrorIsNil)
	s.collector = newInvokeCollector()
}

func (s *pollerSuite) newPoller(c *gc.C) *fabric.Poller {
	p, err := fabric.NewPoller(fabric.PollerConfig{
		Clock:     s.clock,
		Queues:    s.queues,
		Target:    s.collector.target,
		QueueName: "orders",
		Function:  "handler",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, p) })
	return p
}

func (s *pollerSuite) send(c *gc.C, body string) {
	_, err := s.queues.Send("orders", queue.SendRequest{Body: body})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *pollerSuite) waitDrained(c *gc.C) {
	deadline := time.Now().Add(longWait)
	for time.Now().Before(deadline) {
		info, err := s.queues.Attributes("orders")
		c.Assert(err, jc.ErrorIsNil)
		if info.VisibleMessages == 0 && info.InFlightMessages == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	c.Fatalf("timed out waiting for the queue to drain")
}

func (s *pollerSuite) TestDeliversAndDeletes(c *gc.C) {
	s.send(c, `{"order":42}`)
	s.newPoller(c)

	s.collector.waitInvoked(c)
	s.waitDrained(c)

	s.collector.mu.Lock()
	defer s.collector.mu.Unlock()
	c.Assert(s.collector.payloads, gc.HasLen, 1)
	var got struct {
		Records []struct {
			MessageID   string `json:"messageId"`
			Body        string `json:"body"`
			EventSource string `json:"eventSource"`
			QueueName   string `json:"queueName"`
		} `json:"Records"`
	}
	c.Assert(json.Unmarshal(s.collector.payloads[0], &got), jc.ErrorIsNil)
	c.Assert(got.Records, gc.HasLen, 1)
	c.Check(got.Records[0].Body, gc.Equals, `{"order":42}`)
	c.Check(got.Records[0].EventSource, gc.Equals, "ldk:queue")
	c.Check(got.Records[0].QueueName, gc.Equals, "orders")
	c.Check(got.Records[0].MessageID, gc.Not(gc.Equals), "")
}

func (s *pollerSuite) TestMessageSentAfterStart(c *gc.C) {
	s.newPoller(c)
	s.send(c, "late")

	s.collector.waitInvoked(c)
	s.waitDrained(c)
}

func (s *pollerSuite) TestFailedInvokeLeavesMessageInFlight(c *gc.C) {
	s.collector.setFail(true)
	s.send(c, "doomed")
	s.newPoller(c)

	s.collector.waitInvoked(c)

	info, err := s.queues.Attributes("orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.InFlightMessages, gc.Equals, 1)
	c.Check(info.VisibleMessages, gc.Equals, 0)
}

func (s *pollerSuite) TestFailedInvokeRunsHandlerOncePerReceive(c *gc.C) {
	s.collector.setFail(true)
	s.send(c, "doomed")
	s.newPoller(c)

	s.collector.waitInvoked(c)

	// The loop is resting on the error backoff. Advancing past it must
	// not run the handler again while the message is still in flight.
	c.Assert(s.clock.WaitAdvance(time.Second, longWait, 1), jc.ErrorIsNil)
	select {
	case <-s.collector.invoked:
		c.Fatalf("handler ran again before the message became visible")
	case <-time.After(50 * time.Millisecond):
	}

	info, err := s.queues.Attributes("orders")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.InFlightMessages, gc.Equals, 1)
}

func (s *pollerSuite) TestReport(c *gc.C) {
	s.send(c, "x")
	p := s.newPoller(c)

	s.collector.waitInvoked(c)
	s.waitDrained(c)

	report := p.Report()
	c.Check(report["queue"], gc.Equals, "orders")
	c.Check(report["function"], gc.Equals, "handler")
	c.Check(report["batches"], gc.Equals, uint64(1))
	c.Check(report["failed-batches"], gc.Equals, uint64(0))
}

func (s *pollerSuite) TestConfigValidation(c *gc.C) {
	cfg := fabric.PollerConfig{
		Clock:     s.clock,
		Queues:    s.queues,
		Target:    s.collector.target,
		QueueName: "orders",
		Function:  "handler",
	}

	broken := cfg
	broken.Clock = nil
	_, err := fabric.NewPoller(broken)
	c.Check(err, jc.ErrorIs, errors.NotValid)

	broken = cfg
	broken.QueueName = ""
	_, err = fabric.NewPoller(broken)
	c.Check(err, jc.ErrorIs, errors.NotValid)

	broken = cfg
	broken.Function = ""
	_, err = fabric.NewPoller(broken)
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *pollerSuite) TestMappingValidation(c *gc.C) {
	m := fabric.EventSourceMapping{
		Kind: fabric.SourceQueue, Source: "orders", Function: "handler",
	}
	c.Check(m.Validate(), jc.ErrorIsNil)

	m.Kind = fabric.SourceBucket
	m.Source = "incoming"
	c.Check(m.Validate(), jc.ErrorIsNil)

	m.Kind = "webhook"
	c.Check(m.Validate(), jc.ErrorIs, errors.NotValid)
	m = fabric.EventSourceMapping{Kind: fabric.SourceTableStream, Function: "handler"}
	c.Check(m.Validate(), jc.ErrorIs, errors.NotValid)
}
