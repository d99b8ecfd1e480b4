// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package eventbus

import (
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/robfig/cron/v3"
)

// Schedule computes fire times for a scheduled rule.
type Schedule interface {
	// Next returns the first fire time strictly after t.
	Next(t time.Time) time.Time
}

// ParseSchedule accepts the two cloud schedule shapes: `rate(N unit)`
// and `cron(minute hour day-of-month month day-of-week year)`. The
// cron year field must be `*`; `?` is treated as `*`.
func ParseSchedule(expr string) (Schedule, error) {
	switch {
	case strings.HasPrefix(expr, "rate(") && strings.HasSuffix(expr, ")"):
		return parseRate(expr[len("rate(") : len(expr)-1])
	case strings.HasPrefix(expr, "cron(") && strings.HasSuffix(expr, ")"):
		return parseCron(expr[len("cron(") : len(expr)-1])
	}
	return nil, errors.NotValidf("schedule expression %q", expr)
}

type rateSchedule struct {
	interval time.Duration
}

func (r rateSchedule) Next(t time.Time) time.Time {
	return t.Add(r.interval)
}

func parseRate(body string) (Schedule, error) {
	fields := strings.Fields(body)
	if len(fields) != 2 {
		return nil, errors.NotValidf("rate expression %q", body)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return nil, errors.NotValidf("rate value %q", fields[0])
	}
	var unit time.Duration
	switch fields[1] {
	case "minute", "minutes":
		unit = time.Minute
	case "hour", "hours":
		unit = time.Hour
	case "day", "days":
		unit = 24 * time.Hour
	default:
		return nil, errors.NotValidf("rate unit %q", fields[1])
	}
	// The singular form only pairs with 1, as on the cloud.
	if n != 1 && !strings.HasSuffix(fields[1], "s") {
		return nil, errors.NotValidf("rate %q: singular unit with value %d", body, n)
	}
	return rateSchedule{interval: time.Duration(n) * unit}, nil
}

func parseCron(body string) (Schedule, error) {
	fields := strings.Fields(body)
	if len(fields) != 6 {
		return nil, errors.NotValidf("cron expression %q: want 6 fields", body)
	}
	if fields[5] != "*" {
		return nil, errors.NotValidf("cron expression %q: year field must be *", body)
	}
	for i, f := range fields {
		if f == "?" {
			fields[i] = "*"
		}
	}
	sched, err := cron.ParseStandard(strings.Join(fields[:5], " "))
	if err != nil {
		return nil, errors.Annotatef(err, "cron expression %q", body)
	}
	return sched, nil
}
