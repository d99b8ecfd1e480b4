// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package eventbus_test

import (
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/localdevkit/ldk/internal/engine/eventbus"
)

type scheduleSuite struct{}

var _ = gc.Suite(&scheduleSuite{})

func (s *scheduleSuite) TestRate(c *gc.C) {
	sched, err := eventbus.ParseSchedule("rate(5 minutes)")
	c.Assert(err, jc.ErrorIsNil)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Check(sched.Next(now), gc.Equals, now.Add(5*time.Minute))
}

func (s *scheduleSuite) TestRateSingular(c *gc.C) {
	sched, err := eventbus.ParseSchedule("rate(1 hour)")
	c.Assert(err, jc.ErrorIsNil)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Check(sched.Next(now), gc.Equals, now.Add(time.Hour))
}

func (s *scheduleSuite) TestRateSingularWithPluralValue(c *gc.C) {
	_, err := eventbus.ParseSchedule("rate(5 minute)")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *scheduleSuite) TestRateDays(c *gc.C) {
	sched, err := eventbus.ParseSchedule("rate(2 days)")
	c.Assert(err, jc.ErrorIsNil)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Check(sched.Next(now), gc.Equals, now.Add(48*time.Hour))
}

func (s *scheduleSuite) TestCron(c *gc.C) {
	// Every day at 06:15.
	sched, err := eventbus.ParseSchedule("cron(15 6 * * ? *)")
	c.Assert(err, jc.ErrorIsNil)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Check(sched.Next(now), gc.Equals, time.Date(2024, 6, 2, 6, 15, 0, 0, time.UTC))
}

func (s *scheduleSuite) TestCronRejectsYearValue(c *gc.C) {
	_, err := eventbus.ParseSchedule("cron(15 6 * * ? 2024)")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *scheduleSuite) TestRejectsUnknownShape(c *gc.C) {
	for _, expr := range []string{
		"whenever", "rate(x minutes)", "rate(0 minutes)", "rate(5)",
		"cron(15 6 * *)",
	} {
		_, err := eventbus.ParseSchedule(expr)
		c.Check(err, gc.NotNil, gc.Commentf("%s", expr))
	}
}
