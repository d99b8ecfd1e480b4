// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package fabric

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/internal/engine/compute"
	"github.com/localdevkit/ldk/internal/engine/queue"
)

// EventSourceKind names where a mapping's events come from.
type EventSourceKind string

const (
	// SourceQueue drains a queue through a poller.
	SourceQueue EventSourceKind = "queue"
	// SourceTableStream subscribes to a table's change stream.
	SourceTableStream EventSourceKind = "table-stream"
	// SourceBucket invokes on object-store notifications.
	SourceBucket EventSourceKind = "bucket"
)

// EventSourceMapping binds one event source to a function.
type EventSourceMapping struct {
	Kind      EventSourceKind
	Source    string
	Function  string
	BatchSize int
	Enabled   bool
}

// Validate ensures the mapping values are valid.
func (m *EventSourceMapping) Validate() error {
	switch m.Kind {
	case SourceQueue, SourceTableStream, SourceBucket:
	default:
		return errors.NotValidf("event source kind %q", m.Kind)
	}
	if m.Source == "" {
		return errors.NotValidf("missing event source")
	}
	if m.Function == "" {
		return errors.NotValidf("missing function")
	}
	return nil
}

// QueueSender adapts a queue engine into a registry queue target.
func QueueSender(e *queue.Engine, name string) QueueTarget {
	return func(body string) error {
		_, err := e.Send(name, queue.SendRequest{Body: body})
		return errors.Trace(err)
	}
}

// ComputeInvoker adapts a compute engine into a registry compute
// target. A handler failure surfaces as an error so deliveries are not
// acknowledged on failed invocations.
func ComputeInvoker(e *compute.Engine, name string) ComputeTarget {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		result, funcErr, err := e.Invoke(ctx, name, payload)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if funcErr != nil {
			return nil, funcErr
		}
		return result, nil
	}
}
