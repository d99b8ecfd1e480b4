// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package logstream

import (
	"sync"

	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// DefaultTapCapacity bounds a tap's backlog when the config omits one.
const DefaultTapCapacity = 1000

// TapConfig holds a tap's dependencies.
type TapConfig struct {
	Hub      *Hub
	Sink     func(Entry) error
	Capacity int
}

// Validate ensures the config values are valid.
func (c *TapConfig) Validate() error {
	if c.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if c.Sink == nil {
		return errors.NotValidf("missing Sink")
	}
	return nil
}

// Tap is one subscriber's bounded view of the hub. Entries queue up
// while the sink is busy; once the backlog hits capacity the oldest
// entries are dropped. A sink error stops the tap.
type Tap struct {
	catacomb catacomb.Catacomb
	cfg      TapConfig

	mu      sync.Mutex
	pending *deque.Deque
	wake    chan struct{}
}

// NewTap subscribes a sink to the hub and starts pumping entries.
func NewTap(cfg TapConfig) (*Tap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultTapCapacity
	}
	t := &Tap{
		cfg:     cfg,
		pending: deque.NewWithMaxLen(cfg.Capacity),
		wake:    make(chan struct{}, 1),
	}
	unsub := cfg.Hub.Subscribe(t.enqueue)
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "log-tap",
		Site: &t.catacomb,
		Work: func() error {
			defer unsub()
			return t.loop()
		},
	}); err != nil {
		unsub()
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Kill is part of the worker.Worker interface.
func (t *Tap) Kill() {
	t.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (t *Tap) Wait() error {
	return t.catacomb.Wait()
}

func (t *Tap) enqueue(entry Entry) {
	t.mu.Lock()
	t.pending.PushBack(entry)
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tap) drain() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, t.pending.Len())
	for {
		v, ok := t.pending.PopFront()
		if !ok {
			break
		}
		out = append(out, v.(Entry))
	}
	return out
}

func (t *Tap) loop() error {
	for {
		select {
		case <-t.catacomb.Dying():
			return t.catacomb.ErrDying()
		case <-t.wake:
		}
		for _, entry := range t.drain() {
			if err := t.cfg.Sink(entry); err != nil {
				return errors.Annotate(err, "log tap sink")
			}
		}
	}
}
