// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logstream fans structured log entries out to live
// subscribers. A loggo writer feeds the hub, and each subscriber gets
// a bounded tap that drops its oldest entries under backpressure so a
// slow websocket reader can never stall logging.
package logstream

import (
	"time"

	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
)

const logTopic = "ldk.log"

// Entry is one structured log record as sent to subscribers.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Module  string    `json:"module"`
	Message string    `json:"message"`
}

// Hub multicasts log entries to any number of subscribers.
type Hub struct {
	hub *pubsub.SimpleHub
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{}),
	}
}

// Publish sends an entry to all current subscribers. The returned
// channel closes once every subscriber has been handed the entry.
func (h *Hub) Publish(entry Entry) <-chan struct{} {
	return pubsub.Wait(h.hub.Publish(logTopic, entry))
}

// Subscribe registers fn for every subsequent entry. The returned
// function unsubscribes. fn runs on the hub's dispatch goroutine, so
// it must not block; use a Tap for slow consumers.
func (h *Hub) Subscribe(fn func(Entry)) func() {
	return h.hub.Subscribe(logTopic, func(_ string, data interface{}) {
		entry, ok := data.(Entry)
		if !ok {
			return
		}
		fn(entry)
	})
}

// Writer returns a loggo writer that feeds the hub. Register it
// alongside the default writer so entries reach both the console and
// live subscribers.
func (h *Hub) Writer() loggo.Writer {
	return hubWriter{hub: h}
}

type hubWriter struct {
	hub *Hub
}

// Write is part of the loggo.Writer interface.
func (w hubWriter) Write(entry loggo.Entry) {
	w.hub.Publish(Entry{
		Time:    entry.Timestamp,
		Level:   entry.Level.String(),
		Module:  entry.Module,
		Message: entry.Message,
	})
}
