// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package eventbus

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// SchedulerConfig holds the scheduler's dependencies.
type SchedulerConfig struct {
	Clock  clock.Clock
	Engine *Engine
}

// Validate ensures the config values are valid.
func (c *SchedulerConfig) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Engine == nil {
		return errors.NotValidf("missing Engine")
	}
	return nil
}

// Scheduler is a catacomb-supervised worker that fires scheduled rules.
// It sleeps until the earliest next fire time across all enabled
// scheduled rules and recomputes whenever the rule set changes.
type Scheduler struct {
	catacomb catacomb.Catacomb
	cfg      SchedulerConfig

	// next fire time per bus/rule, keyed bus+"/"+rule. Owned by the
	// loop goroutine.
	next map[string]time.Time

	scheduled atomic.Int64
	fired     atomic.Uint64
}

// NewScheduler starts a scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Scheduler{
		cfg:  cfg,
		next: make(map[string]time.Time),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "eventbus-scheduler",
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Scheduler) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Scheduler) Wait() error {
	return s.catacomb.Wait()
}

// Report returns introspection details for the scheduler.
func (s *Scheduler) Report() map[string]interface{} {
	return map[string]interface{}{
		"scheduled": s.scheduled.Load(),
		"fired":     s.fired.Load(),
	}
}

func (s *Scheduler) loop() error {
	for {
		now := s.cfg.Clock.Now()
		due, wake := s.plan(now)

		for _, sr := range due {
			s.fire(sr)
		}

		if wake.IsZero() {
			// Nothing scheduled; sleep until the rule set changes.
			select {
			case <-s.catacomb.Dying():
				return s.catacomb.ErrDying()
			case <-s.cfg.Engine.schedChanged:
			}
			continue
		}
		timer := s.cfg.Clock.NewTimer(wake.Sub(now))
		select {
		case <-s.catacomb.Dying():
			timer.Stop()
			return s.catacomb.ErrDying()
		case <-timer.Chan():
		case <-s.cfg.Engine.schedChanged:
			timer.Stop()
		}
	}
}

// plan reconciles the fire-time map with the current rule set, returns
// the rules due at or before now, and the earliest future fire time.
// Due rules have their next fire recomputed from now.
func (s *Scheduler) plan(now time.Time) ([]scheduledRule, time.Time) {
	rules := s.cfg.Engine.scheduled()

	seen := make(map[string]bool, len(rules))
	var due []scheduledRule
	var wake time.Time
	for _, sr := range rules {
		key := sr.bus + "/" + sr.rule.Name
		seen[key] = true
		sched, err := ParseSchedule(sr.rule.Schedule)
		if err != nil {
			// PutRule validated the expression; a failure here means
			// the rule was stored by an older build. Skip it.
			logger.Errorf("rule %q on bus %q: %v", sr.rule.Name, sr.bus, err)
			continue
		}
		at, ok := s.next[key]
		if !ok {
			at = sched.Next(now)
			s.next[key] = at
		}
		if !at.After(now) {
			due = append(due, sr)
			at = sched.Next(now)
			s.next[key] = at
		}
		if wake.IsZero() || at.Before(wake) {
			wake = at
		}
	}
	for key := range s.next {
		if !seen[key] {
			delete(s.next, key)
		}
	}
	s.scheduled.Store(int64(len(s.next)))
	return due, wake
}

// fire builds the synthetic scheduled envelope and dispatches the
// rule's targets.
func (s *Scheduler) fire(sr scheduledRule) {
	e := s.cfg.Engine
	event := Event{
		ID:         uuid.New().String(),
		Source:     "ldk.events",
		DetailType: "Scheduled Event",
		Detail:     map[string]interface{}{},
		Time:       s.cfg.Clock.Now().UTC().Format(time.RFC3339),
		Region:     e.region,
		Account:    e.account,
		Resources:  []string{"rule/" + sr.rule.Name},
	}
	logger.Debugf("firing scheduled rule %q on bus %q", sr.rule.Name, sr.bus)
	s.fired.Add(1)
	e.dispatch(sr.rule, event)
}
