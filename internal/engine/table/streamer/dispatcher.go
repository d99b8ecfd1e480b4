// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package streamer implements the table change-stream dispatcher: an
// unbounded FIFO of change records flushed on a time/size-bounded
// batching window and fanned out, in sequence order, to per-table
// subscribers.
package streamer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/localdevkit/ldk/core/changestream"
)

var logger = loggo.GetLogger("ldk.engine.table.streamer")

const (
	// DefaultWindow is the batching window duration W.
	DefaultWindow = 100 * time.Millisecond

	// DefaultMaxBatch closes the window early and caps batch size.
	DefaultMaxBatch = 100
)

// Subscriber consumes one batch of records for a table. Within a batch
// records are in sequence-number order. A subscriber error is logged
// and never blocks peers or later batches.
type Subscriber func(records []changestream.Record) error

// Config holds the dispatcher's dependencies and tuning.
type Config struct {
	Clock    clock.Clock
	Window   time.Duration
	MaxBatch int
}

// Validate ensures the config values are valid.
func (c *Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

type subscription struct {
	name string
	fn   Subscriber
}

// Dispatcher is a catacomb-supervised worker owning the record queue
// and the flush loop.
type Dispatcher struct {
	catacomb catacomb.Catacomb
	cfg      Config

	mu      sync.Mutex
	pending *deque.Deque
	subs    map[string][]subscription

	signal chan struct{}

	enqueued  atomic.Uint64
	delivered atomic.Uint64
}

// New starts a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	d := &Dispatcher{
		cfg:     cfg,
		pending: deque.New(),
		subs:    make(map[string][]subscription),
		signal:  make(chan struct{}, 1),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "stream-dispatcher",
		Site: &d.catacomb,
		Work: d.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// Kill is part of the worker.Worker interface.
func (d *Dispatcher) Kill() {
	d.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *Dispatcher) Wait() error {
	return d.catacomb.Wait()
}

// Report returns introspection details for the dispatcher.
func (d *Dispatcher) Report() map[string]interface{} {
	d.mu.Lock()
	depth := d.pending.Len()
	tables := len(d.subs)
	d.mu.Unlock()
	return map[string]interface{}{
		"pending":   depth,
		"tables":    tables,
		"enqueued":  d.enqueued.Load(),
		"delivered": d.delivered.Load(),
	}
}

// Subscribe registers fn for the table's records. Registration happens
// at system start, before traffic, but is safe at any time.
func (d *Dispatcher) Subscribe(table, name string, fn Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[table] = append(d.subs[table], subscription{name: name, fn: fn})
}

// Enqueue appends a record to the pending queue and nudges the flush
// loop. Never blocks.
func (d *Dispatcher) Enqueue(rec changestream.Record) {
	d.mu.Lock()
	d.pending.PushBack(rec)
	d.mu.Unlock()
	d.enqueued.Add(1)
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// drain empties the pending queue without blocking.
func (d *Dispatcher) drain() []changestream.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []changestream.Record
	for {
		v, ok := d.pending.PopFront()
		if !ok {
			return out
		}
		out = append(out, v.(changestream.Record))
	}
}

func (d *Dispatcher) loop() error {
	for {
		// Wait for the first record of the next window.
		select {
		case <-d.catacomb.Dying():
			return d.catacomb.ErrDying()
		case <-d.signal:
		}

		acc := d.drain()
		timer := d.cfg.Clock.NewTimer(d.cfg.Window)
	window:
		for len(acc) < d.cfg.MaxBatch {
			select {
			case <-d.catacomb.Dying():
				timer.Stop()
				return d.catacomb.ErrDying()
			case <-timer.Chan():
				break window
			case <-d.signal:
				acc = append(acc, d.drain()...)
			}
		}
		timer.Stop()
		// The window is closed; pick up anything that raced in.
		acc = append(acc, d.drain()...)
		if len(acc) > 0 {
			d.flush(acc)
		}
	}
}

// flush groups the accumulator by table, splits into batches of at
// most MaxBatch, and delivers. Subscribers of one table receive their
// batches in sequence order; distinct subscribers run concurrently.
func (d *Dispatcher) flush(acc []changestream.Record) {
	byTable := make(map[string][]changestream.Record)
	var order []string
	for _, rec := range acc {
		if _, ok := byTable[rec.Table]; !ok {
			order = append(order, rec.Table)
		}
		byTable[rec.Table] = append(byTable[rec.Table], rec)
	}

	d.mu.Lock()
	targets := make(map[string][]subscription, len(order))
	for _, table := range order {
		targets[table] = append([]subscription(nil), d.subs[table]...)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, table := range order {
		records := byTable[table]
		var batches [][]changestream.Record
		for len(records) > 0 {
			n := d.cfg.MaxBatch
			if len(records) < n {
				n = len(records)
			}
			batches = append(batches, records[:n])
			records = records[n:]
		}
		for _, sub := range targets[table] {
			wg.Add(1)
			go func(table string, sub subscription, batches [][]changestream.Record) {
				defer wg.Done()
				for _, batch := range batches {
					if err := sub.fn(batch); err != nil {
						logger.Errorf("stream subscriber %q for table %q: %v",
							sub.name, table, err)
						continue
					}
					d.delivered.Add(uint64(len(batch)))
				}
			}(table, sub, batches)
		}
	}
	wg.Wait()
}
