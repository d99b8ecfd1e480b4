// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package streamer_test

import (
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/localdevkit/ldk/core/changestream"
	"github.com/localdevkit/ldk/core/value"
	"github.com/localdevkit/ldk/internal/engine/table/streamer"
)

const longWait = 10 * time.Second

type dispatcherSuite struct {
	jujutesting.IsolationSuite

	clock *testclock.Clock
}

var _ = gc.Suite(&dispatcherSuite{})

func (s *dispatcherSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
}

// batchCollector accumulates delivered batches behind a mutex and
// signals arrival on a channel.
type batchCollector struct {
	mu      sync.Mutex
	batches [][]changestream.Record
	arrived chan struct{}
}

func newBatchCollector() *batchCollector {
	return &batchCollector{arrived: make(chan struct{}, 100)}
}

func (b *batchCollector) subscriber(records []changestream.Record) error {
	b.mu.Lock()
	b.batches = append(b.batches, records)
	b.mu.Unlock()
	b.arrived <- struct{}{}
	return nil
}

func (b *batchCollector) wait(c *gc.C, batches int) [][]changestream.Record {
	for {
		b.mu.Lock()
		n := len(b.batches)
		got := append([][]changestream.Record(nil), b.batches...)
		b.mu.Unlock()
		if n >= batches {
			return got
		}
		select {
		case <-b.arrived:
		case <-time.After(longWait):
			c.Fatalf("timed out waiting for %d batches, have %d", batches, n)
		}
	}
}

func record(table string, seq uint64) changestream.Record {
	return changestream.Record{
		Kind:     changestream.Insert,
		Table:    table,
		Keys:     value.Item{"id": value.String("k")},
		Sequence: seq,
	}
}

func (s *dispatcherSuite) newDispatcher(c *gc.C, maxBatch int) *streamer.Dispatcher {
	d, err := streamer.New(streamer.Config{
		Clock:    s.clock,
		MaxBatch: maxBatch,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, d) })
	return d
}

func (s *dispatcherSuite) TestWindowFlush(c *gc.C) {
	d := s.newDispatcher(c, 0)
	collector := newBatchCollector()
	d.Subscribe("users", "t", collector.subscriber)

	d.Enqueue(record("users", 1))
	d.Enqueue(record("users", 2))
	d.Enqueue(record("users", 3))

	// The loop opens a window on the first record; fire it.
	err := s.clock.WaitAdvance(streamer.DefaultWindow, longWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	batches := collector.wait(c, 1)
	c.Assert(batches, gc.HasLen, 1)
	c.Assert(batches[0], gc.HasLen, 3)
	c.Check(batches[0][0].Sequence, gc.Equals, uint64(1))
	c.Check(batches[0][1].Sequence, gc.Equals, uint64(2))
	c.Check(batches[0][2].Sequence, gc.Equals, uint64(3))
}

func (s *dispatcherSuite) TestMaxBatchClosesWindowEarly(c *gc.C) {
	d := s.newDispatcher(c, 2)
	collector := newBatchCollector()
	d.Subscribe("users", "t", collector.subscriber)

	for seq := uint64(1); seq <= 5; seq++ {
		d.Enqueue(record("users", seq))
	}

	// No clock advance: the accumulator reaches MaxBatch and the
	// window closes on its own. The final drain picks up the rest,
	// so the flush splits into batches of at most two.
	batches := collector.wait(c, 1)
	var total int
	last := uint64(0)
	for _, batch := range batches {
		c.Check(len(batch) <= 2, jc.IsTrue)
		for _, rec := range batch {
			c.Check(rec.Sequence > last, jc.IsTrue)
			last = rec.Sequence
			total++
		}
	}
	// Later flushes may still be in flight; wait until everything
	// arrived.
	for total < 5 {
		batches = collector.wait(c, len(batches)+1)
		total = 0
		last = 0
		for _, batch := range batches {
			for _, rec := range batch {
				c.Check(rec.Sequence > last, jc.IsTrue)
				last = rec.Sequence
				total++
			}
		}
	}
	c.Check(total, gc.Equals, 5)
}

func (s *dispatcherSuite) TestPerTableGrouping(c *gc.C) {
	d := s.newDispatcher(c, 0)
	users := newBatchCollector()
	orders := newBatchCollector()
	d.Subscribe("users", "u", users.subscriber)
	d.Subscribe("orders", "o", orders.subscriber)

	d.Enqueue(record("users", 1))
	d.Enqueue(record("orders", 1))
	d.Enqueue(record("users", 2))

	err := s.clock.WaitAdvance(streamer.DefaultWindow, longWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	ub := users.wait(c, 1)
	c.Assert(ub[0], gc.HasLen, 2)
	c.Check(ub[0][0].Table, gc.Equals, "users")

	ob := orders.wait(c, 1)
	c.Assert(ob[0], gc.HasLen, 1)
	c.Check(ob[0][0].Table, gc.Equals, "orders")
}

func (s *dispatcherSuite) TestSubscriberErrorIsolation(c *gc.C) {
	d := s.newDispatcher(c, 0)
	healthy := newBatchCollector()
	d.Subscribe("users", "broken", func([]changestream.Record) error {
		return errors.New("boom")
	})
	d.Subscribe("users", "healthy", healthy.subscriber)

	d.Enqueue(record("users", 1))
	err := s.clock.WaitAdvance(streamer.DefaultWindow, longWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	batches := healthy.wait(c, 1)
	c.Assert(batches[0], gc.HasLen, 1)

	// A failing subscriber does not wedge later windows either.
	d.Enqueue(record("users", 2))
	err = s.clock.WaitAdvance(streamer.DefaultWindow, longWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	batches = healthy.wait(c, 2)
	c.Check(batches[1][0].Sequence, gc.Equals, uint64(2))
}

func (s *dispatcherSuite) TestCleanKill(c *gc.C) {
	d, err := streamer.New(streamer.Config{Clock: s.clock})
	c.Assert(err, jc.ErrorIsNil)
	workertest.CleanKill(c, d)
}

func (s *dispatcherSuite) TestReport(c *gc.C) {
	d := s.newDispatcher(c, 0)
	report := d.Report()
	c.Check(report["tables"], gc.Equals, 0)
}
