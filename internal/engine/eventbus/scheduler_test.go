// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package eventbus_test

import (
	"time"

	"github.com/juju/clock/testclock"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/localdevkit/ldk/internal/engine/eventbus"
)

type schedulerSuite struct {
	jujutesting.IsolationSuite

	clock      *testclock.Clock
	dispatcher *recordingDispatcher
	engine     *eventbus.Engine
}

var _ = gc.Suite(&schedulerSuite{})

func (s *schedulerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	s.dispatcher = newRecordingDispatcher()
	var err error
	s.engine, err = eventbus.NewEngine(s.clock, s.dispatcher)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *schedulerSuite) newScheduler(c *gc.C) *eventbus.Scheduler {
	sched, err := eventbus.NewScheduler(eventbus.SchedulerConfig{
		Clock:  s.clock,
		Engine: s.engine,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, sched) })
	return sched
}

func (s *schedulerSuite) TestFiresRateRule(c *gc.C) {
	err := s.engine.PutRule("", eventbus.Rule{
		Name:     "every-minute",
		Schedule: "rate(1 minute)",
		Enabled:  true,
		Targets: []eventbus.Target{
			{ID: "t1", Kind: eventbus.TargetQueue, Name: "tick-q"},
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.newScheduler(c)

	err = s.clock.WaitAdvance(time.Minute, longWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	got := s.dispatcher.wait(c, 1)
	c.Check(got[0].name, gc.Equals, "tick-q")
	c.Check(got[0].event.DetailType, gc.Equals, "Scheduled Event")
	c.Check(got[0].event.Resources, jc.DeepEquals, []string{"rule/every-minute"})
}

func (s *schedulerSuite) TestFiresRepeatedly(c *gc.C) {
	err := s.engine.PutRule("", eventbus.Rule{
		Name:     "every-minute",
		Schedule: "rate(1 minute)",
		Enabled:  true,
		Targets: []eventbus.Target{
			{ID: "t1", Kind: eventbus.TargetQueue, Name: "tick-q"},
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.newScheduler(c)

	for i := 0; i < 3; i++ {
		err = s.clock.WaitAdvance(time.Minute, longWait, 1)
		c.Assert(err, jc.ErrorIsNil)
		s.dispatcher.wait(c, i+1)
	}
	c.Check(s.dispatcher.count(), gc.Equals, 3)
}

func (s *schedulerSuite) TestRuleAddedAfterStart(c *gc.C) {
	s.newScheduler(c)

	// The scheduler is idle; adding a rule kicks it awake.
	err := s.engine.PutRule("", eventbus.Rule{
		Name:     "late",
		Schedule: "rate(1 minute)",
		Enabled:  true,
		Targets: []eventbus.Target{
			{ID: "t1", Kind: eventbus.TargetQueue, Name: "q"},
		},
	})
	c.Assert(err, jc.ErrorIsNil)

	err = s.clock.WaitAdvance(time.Minute, longWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	s.dispatcher.wait(c, 1)
}

func (s *schedulerSuite) TestCleanKill(c *gc.C) {
	sched, err := eventbus.NewScheduler(eventbus.SchedulerConfig{
		Clock:  s.clock,
		Engine: s.engine,
	})
	c.Assert(err, jc.ErrorIsNil)
	workertest.CleanKill(c, sched)
}

func (s *schedulerSuite) TestConfigValidation(c *gc.C) {
	_, err := eventbus.NewScheduler(eventbus.SchedulerConfig{Clock: s.clock})
	c.Check(err, gc.NotNil)
	_, err = eventbus.NewScheduler(eventbus.SchedulerConfig{Engine: s.engine})
	c.Check(err, gc.NotNil)
}
