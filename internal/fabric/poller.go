// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package fabric

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/localdevkit/ldk/internal/engine/queue"
)

const (
	// pollWait is the long-poll window for one receive call.
	pollWait = 2 * time.Second

	// errorBackoff spaces walks after a failed receive or invoke so
	// a broken mapping cannot spin the loop.
	errorBackoff = time.Second

	// DefaultBatchSize applies when a mapping omits one.
	DefaultBatchSize = 10
)

// queueRecord is one element of a queue-sourced records event.
type queueRecord struct {
	MessageID     string            `json:"messageId"`
	ReceiptHandle string            `json:"receiptHandle"`
	Body          string            `json:"body"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	EventSource   string            `json:"eventSource"`
	QueueName     string            `json:"queueName"`
}

// PollerConfig holds a queue poller's dependencies.
type PollerConfig struct {
	Clock     clock.Clock
	Queues    *queue.Engine
	Target    ComputeTarget
	QueueName string
	Function  string
	BatchSize int
}

// Validate ensures the config values are valid.
func (c *PollerConfig) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Queues == nil {
		return errors.NotValidf("missing Queues")
	}
	if c.Target == nil {
		return errors.NotValidf("missing Target")
	}
	if c.QueueName == "" {
		return errors.NotValidf("missing QueueName")
	}
	if c.Function == "" {
		return errors.NotValidf("missing Function")
	}
	return nil
}

// Poller drains one event-source-mapped queue into function
// invocations. Messages are deleted only after a successful invoke;
// a failed batch goes back to the queue via visibility expiry, so the
// queue's own redrive policy governs retries.
type Poller struct {
	catacomb catacomb.Catacomb
	cfg      PollerConfig

	batches atomic.Uint64
	failed  atomic.Uint64
}

// NewPoller starts a poller worker.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	p := &Poller{cfg: cfg}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "queue-poller",
		Site: &p.catacomb,
		Work: p.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

// Kill is part of the worker.Worker interface.
func (p *Poller) Kill() {
	p.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Poller) Wait() error {
	return p.catacomb.Wait()
}

// Report shows poller progress in the engine report.
func (p *Poller) Report() map[string]interface{} {
	return map[string]interface{}{
		"queue":          p.cfg.QueueName,
		"function":       p.cfg.Function,
		"batches":        p.batches.Load(),
		"failed-batches": p.failed.Load(),
	}
}

func (p *Poller) loop() error {
	ctx, cancel := p.scopedContext()
	defer cancel()

	for {
		select {
		case <-p.catacomb.Dying():
			return p.catacomb.ErrDying()
		default:
		}

		msgs, err := p.cfg.Queues.Receive(ctx, p.cfg.QueueName, p.cfg.BatchSize, pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return p.catacomb.ErrDying()
			}
			logger.Warningf("receiving from %q: %v", p.cfg.QueueName, err)
			if err := p.rest(errorBackoff); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		p.batches.Add(1)
		if err := p.deliver(ctx, msgs); err != nil {
			if ctx.Err() != nil {
				return p.catacomb.ErrDying()
			}
			p.failed.Add(1)
			logger.Warningf("delivering %d messages from %q to %q: %v",
				len(msgs), p.cfg.QueueName, p.cfg.Function, err)
			if err := p.rest(errorBackoff); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		for _, msg := range msgs {
			if err := p.cfg.Queues.Delete(p.cfg.QueueName, msg.ReceiptHandle); err != nil {
				logger.Warningf("deleting message %s from %q: %v",
					msg.MessageID, p.cfg.QueueName, err)
			}
		}
	}
}

// deliver invokes the function with one records event for the batch.
// The handler runs at most once per receive: on failure the batch
// stays in flight and returns via visibility expiry, so the queue's
// redrive policy alone governs retries.
func (p *Poller) deliver(ctx context.Context, msgs []queue.Received) error {
	records := make([]queueRecord, len(msgs))
	for i, msg := range msgs {
		attrs := make(map[string]string, len(msg.Attributes))
		for name, attr := range msg.Attributes {
			attrs[name] = attr.StringValue
		}
		records[i] = queueRecord{
			MessageID:     msg.MessageID,
			ReceiptHandle: msg.ReceiptHandle,
			Body:          msg.Body,
			Attributes:    attrs,
			EventSource:   "ldk:queue",
			QueueName:     p.cfg.QueueName,
		}
	}
	payload, err := json.Marshal(map[string]interface{}{"Records": records})
	if err != nil {
		return errors.Trace(err)
	}
	_, err = p.cfg.Target(ctx, payload)
	return errors.Trace(err)
}

func (p *Poller) rest(d time.Duration) error {
	timer := p.cfg.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.catacomb.Dying():
		return p.catacomb.ErrDying()
	case <-timer.Chan():
		return nil
	}
}

func (p *Poller) scopedContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-p.catacomb.Dying()
		cancel()
	}()
	return ctx, cancel
}
