// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package fabric

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/changestream"
	"github.com/localdevkit/ldk/core/value"
	"github.com/localdevkit/ldk/internal/engine/eventbus"
	"github.com/localdevkit/ldk/internal/engine/objectstore"
	"github.com/localdevkit/ldk/internal/engine/topic"
)

// dispatchTimeout bounds one cross-engine delivery.
const dispatchTimeout = 30 * time.Second

// Dispatcher adapts the registry to the per-engine dispatch
// interfaces. Topic publishes, event-bus rule targets and state
// machine tasks all route through here by name.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher returns a dispatcher over the registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// DeliverQueue sends a topic notification envelope to a queue as its
// JSON text.
func (d *Dispatcher) DeliverQueue(queueName string, env topic.Envelope) error {
	target, err := d.registry.Queue(queueName)
	if err != nil {
		return errors.Trace(err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(target(string(body)))
}

// topicRecord is one element of a topic-to-compute records event.
type topicRecord struct {
	EventSource     string         `json:"EventSource"`
	SubscriptionARN string         `json:"EventSubscriptionArn"`
	Notification    topic.Envelope `json:"Notification"`
}

// DeliverCompute invokes a function with a single-record topic event.
func (d *Dispatcher) DeliverCompute(functionName, subscriptionARN string, env topic.Envelope) error {
	target, err := d.registry.Compute(functionName)
	if err != nil {
		return errors.Trace(err)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"Records": []topicRecord{{
			EventSource:     "ldk:topic",
			SubscriptionARN: subscriptionARN,
			Notification:    env,
		}},
	})
	if err != nil {
		return errors.Trace(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	_, err = target(ctx, payload)
	return errors.Trace(err)
}

// BusDispatcher routes event-bus rule targets through the registry.
// Separate from Dispatcher because the two engines hand over different
// envelope types under the same method names.
type BusDispatcher struct {
	registry *Registry
}

// NewBusDispatcher returns an event-bus dispatcher over the registry.
func NewBusDispatcher(registry *Registry) *BusDispatcher {
	return &BusDispatcher{registry: registry}
}

// DeliverQueue sends the event envelope to a queue as JSON.
func (d *BusDispatcher) DeliverQueue(queueName string, event eventbus.Event) error {
	target, err := d.registry.Queue(queueName)
	if err != nil {
		return errors.Trace(err)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(target(string(body)))
}

// DeliverCompute invokes a function with the event envelope.
func (d *BusDispatcher) DeliverCompute(functionName string, event eventbus.Event) error {
	target, err := d.registry.Compute(functionName)
	if err != nil {
		return errors.Trace(err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Trace(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	_, err = target(ctx, payload)
	return errors.Trace(err)
}

// InvokeTask satisfies the state-machine task contract: the resource
// is a compute endpoint name.
func (d *Dispatcher) InvokeTask(ctx context.Context, resource string, input interface{}) (interface{}, error) {
	target, err := d.registry.Compute(resource)
	if err != nil {
		return nil, errors.Trace(err)
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := target(ctx, payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Annotate(err, "decoding task result")
	}
	return out, nil
}

// objectRecord is one element of an object-store notification event.
type objectRecord struct {
	EventSource string `json:"eventSource"`
	EventName   string `json:"eventName"`
	EventTime   string `json:"eventTime"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ETag        string `json:"eTag"`
}

// ObjectNotificationHandler builds an object-store notification
// handler that invokes the named function with a single-record event.
func (d *Dispatcher) ObjectNotificationHandler(functionName string) objectstore.Handler {
	return func(event objectstore.Event) error {
		target, err := d.registry.Compute(functionName)
		if err != nil {
			return errors.Trace(err)
		}
		payload, err := json.Marshal(map[string]interface{}{
			"Records": []objectRecord{{
				EventSource: "ldk:objectstore",
				EventName:   event.EventName,
				EventTime:   event.At.UTC().Format(time.RFC3339),
				Bucket:      event.Bucket,
				Key:         event.Key,
				Size:        event.Size,
				ETag:        event.ETag,
			}},
		})
		if err != nil {
			return errors.Trace(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		_, err = target(ctx, payload)
		return errors.Trace(err)
	}
}

// streamRecord is one element of a change-stream records event.
type streamRecord struct {
	EventID   string `json:"eventID"`
	EventName string `json:"eventName"`
	Source    string `json:"eventSource"`
	Change    change `json:"change"`
}

type change struct {
	Keys           value.Item `json:"Keys"`
	NewImage       value.Item `json:"NewImage,omitempty"`
	OldImage       value.Item `json:"OldImage,omitempty"`
	SequenceNumber uint64     `json:"SequenceNumber"`
}

// StreamSubscriber builds a change-stream subscriber that invokes the
// named function with a records-array event per batch.
func (d *Dispatcher) StreamSubscriber(functionName string) func([]changestream.Record) error {
	return func(records []changestream.Record) error {
		target, err := d.registry.Compute(functionName)
		if err != nil {
			return errors.Trace(err)
		}
		out := make([]streamRecord, len(records))
		for i, rec := range records {
			out[i] = streamRecord{
				EventID:   rec.Table + "-" + itoa(rec.Sequence),
				EventName: rec.Kind.String(),
				Source:    "ldk:table",
				Change: change{
					Keys:           rec.Keys,
					NewImage:       rec.NewImage,
					OldImage:       rec.OldImage,
					SequenceNumber: rec.Sequence,
				},
			}
		}
		payload, err := json.Marshal(map[string]interface{}{"Records": out})
		if err != nil {
			return errors.Trace(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		_, err = target(ctx, payload)
		return errors.Trace(err)
	}
}

func itoa(n uint64) string {
	return strconv.FormatUint(n, 10)
}
