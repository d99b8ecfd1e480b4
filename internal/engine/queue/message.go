// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package queue

import (
	"time"
)

// MessageAttribute is a typed attribute attached to a message.
type MessageAttribute struct {
	DataType    string
	StringValue string
	BinaryValue []byte
}

// SendRequest carries the caller-supplied parts of a send operation.
type SendRequest struct {
	Body       string
	Attributes map[string]MessageAttribute
	Delay      time.Duration
	GroupID    string
	DedupID    string
}

// Received is a message as handed to a receive caller.
type Received struct {
	MessageID     string
	ReceiptHandle string
	Body          string
	Attributes    map[string]MessageAttribute
	GroupID       string
	ReceiveCount  int
	SentAt        time.Time
}

// message is the engine's internal message state. A message with a
// receipt handle and notVisibleUntil in the future is in flight;
// anything else is visible.
type message struct {
	id         string
	body       string
	attributes map[string]MessageAttribute
	groupID    string
	dedupID    string
	sentAt     time.Time

	receiveCount    int
	receiptHandle   string
	notVisibleUntil time.Time
}

func (m *message) visible(now time.Time) bool {
	return !m.notVisibleUntil.After(now)
}

func (m *message) inFlight(now time.Time) bool {
	return m.receiptHandle != "" && m.notVisibleUntil.After(now)
}
