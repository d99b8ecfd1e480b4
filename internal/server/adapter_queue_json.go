// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/internal/engine/queue"
	"github.com/localdevkit/ldk/internal/wire"
)

// sqsPrefix is the target prefix stock SDK clients send. The queue
// service accepts both dialects on the same port: header-targeted JSON
// from current SDKs and form-encoded query from everything older.
const sqsPrefix = "AmazonSQS"

// queueAdapter dispatches on the target header: present means the JSON
// dialect, absent the query dialect.
type queueAdapter struct {
	actions *actionMux
	targets *targetMux
}

func newQueueAdapter(engine *queue.Engine) *queueAdapter {
	return &queueAdapter{
		actions: newQueueActionMux(engine),
		targets: newQueueTargetMux(engine),
	}
}

func (a *queueAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(wire.TargetHeader) != "" {
		a.targets.ServeHTTP(w, r)
		return
	}
	a.actions.ServeHTTP(w, r)
}

// extractQueueOp is the middleware operation extractor for the queue
// service's split dialect.
func extractQueueOp(r *http.Request) string {
	if r.Header.Get(wire.TargetHeader) != "" {
		return extractTargetOp(r)
	}
	return extractActionOp(r)
}

// jsonMessageAttribute is the JSON-dialect message attribute shape.
type jsonMessageAttribute struct {
	DataType    string `json:"DataType"`
	StringValue string `json:"StringValue,omitempty"`
	BinaryValue []byte `json:"BinaryValue,omitempty"`
}

type jsonReceivedMessage struct {
	MessageID         string                          `json:"MessageId"`
	ReceiptHandle     string                          `json:"ReceiptHandle"`
	MD5OfBody         string                          `json:"MD5OfBody"`
	Body              string                          `json:"Body"`
	Attributes        map[string]string               `json:"Attributes,omitempty"`
	MessageAttributes map[string]jsonMessageAttribute `json:"MessageAttributes,omitempty"`
}

func newQueueTargetMux(engine *queue.Engine) *targetMux {
	m := newTargetMux(sqsPrefix)

	m.handle("CreateQueue", func(r *http.Request) (interface{}, error) {
		var req struct {
			QueueName  string            `json:"QueueName"`
			Attributes map[string]string `json:"Attributes"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		if req.QueueName == "" {
			return nil, errors.NotValidf("missing QueueName")
		}
		var attrs queue.QueueAttributes
		for name, value := range req.Attributes {
			if err := applyQueueAttribute(&attrs, name, value); err != nil {
				return nil, errors.Trace(err)
			}
		}
		if err := engine.Create(req.QueueName, attrs); err != nil {
			return nil, queueError(err)
		}
		return map[string]string{"QueueUrl": queueURL(r, req.QueueName)}, nil
	})

	m.handle("DeleteQueue", func(r *http.Request) (interface{}, error) {
		name, err := jsonQueueName(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.Destroy(name); err != nil {
			return nil, queueError(err)
		}
		return map[string]interface{}{}, nil
	})

	m.handle("ListQueues", func(r *http.Request) (interface{}, error) {
		var req struct {
			QueueNamePrefix string `json:"QueueNamePrefix"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		var urls []string
		for _, name := range engine.List() {
			if req.QueueNamePrefix != "" && !strings.HasPrefix(name, req.QueueNamePrefix) {
				continue
			}
			urls = append(urls, queueURL(r, name))
		}
		return map[string]interface{}{"QueueUrls": urls}, nil
	})

	m.handle("GetQueueUrl", func(r *http.Request) (interface{}, error) {
		var req struct {
			QueueName string `json:"QueueName"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		if _, err := engine.Attributes(req.QueueName); err != nil {
			return nil, queueError(err)
		}
		return map[string]string{"QueueUrl": queueURL(r, req.QueueName)}, nil
	})

	m.handle("GetQueueAttributes", func(r *http.Request) (interface{}, error) {
		name, err := jsonQueueName(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		info, err := engine.Attributes(name)
		if err != nil {
			return nil, queueError(err)
		}
		entries, err := queueAttributeValues(info)
		if err != nil {
			return nil, errors.Trace(err)
		}
		attrs := make(map[string]string, len(entries))
		for _, e := range entries {
			attrs[e.Name] = e.Value
		}
		return map[string]interface{}{"Attributes": attrs}, nil
	})

	m.handle("SendMessage", func(r *http.Request) (interface{}, error) {
		var req struct {
			QueueURL               string                          `json:"QueueUrl"`
			MessageBody            string                          `json:"MessageBody"`
			DelaySeconds           int                             `json:"DelaySeconds"`
			MessageGroupID         string                          `json:"MessageGroupId"`
			MessageDeduplicationID string                          `json:"MessageDeduplicationId"`
			MessageAttributes      map[string]jsonMessageAttribute `json:"MessageAttributes"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		name, err := queueNameFromURL(req.QueueURL)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if req.MessageBody == "" {
			return nil, errors.NotValidf("missing MessageBody")
		}
		send := queue.SendRequest{
			Body:    req.MessageBody,
			Delay:   time.Duration(req.DelaySeconds) * time.Second,
			GroupID: req.MessageGroupID,
			DedupID: req.MessageDeduplicationID,
		}
		if len(req.MessageAttributes) > 0 {
			send.Attributes = make(map[string]queue.MessageAttribute, len(req.MessageAttributes))
			for attrName, attr := range req.MessageAttributes {
				send.Attributes[attrName] = queue.MessageAttribute{
					DataType:    attr.DataType,
					StringValue: attr.StringValue,
					BinaryValue: attr.BinaryValue,
				}
			}
		}
		id, err := engine.Send(name, send)
		if err != nil {
			return nil, queueError(err)
		}
		return map[string]string{
			"MessageId":        id,
			"MD5OfMessageBody": bodyMD5(req.MessageBody),
		}, nil
	})

	m.handle("ReceiveMessage", func(r *http.Request) (interface{}, error) {
		var req struct {
			QueueURL            string `json:"QueueUrl"`
			MaxNumberOfMessages int    `json:"MaxNumberOfMessages"`
			WaitTimeSeconds     int    `json:"WaitTimeSeconds"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		name, err := queueNameFromURL(req.QueueURL)
		if err != nil {
			return nil, errors.Trace(err)
		}
		max := req.MaxNumberOfMessages
		if max == 0 {
			max = 1
		}
		if max < 1 || max > 10 {
			return nil, errors.NotValidf("MaxNumberOfMessages %d", max)
		}
		if req.WaitTimeSeconds < 0 || req.WaitTimeSeconds > 20 {
			return nil, errors.NotValidf("WaitTimeSeconds %d", req.WaitTimeSeconds)
		}
		received, err := engine.Receive(
			r.Context(), name, max, time.Duration(req.WaitTimeSeconds)*time.Second)
		if err != nil {
			return nil, queueError(err)
		}
		messages := make([]jsonReceivedMessage, len(received))
		for i, msg := range received {
			messages[i] = renderJSONMessage(msg)
		}
		return map[string]interface{}{"Messages": messages}, nil
	})

	m.handle("DeleteMessage", func(r *http.Request) (interface{}, error) {
		var req struct {
			QueueURL      string `json:"QueueUrl"`
			ReceiptHandle string `json:"ReceiptHandle"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		name, err := queueNameFromURL(req.QueueURL)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if req.ReceiptHandle == "" {
			return nil, errors.NotValidf("missing ReceiptHandle")
		}
		if err := engine.Delete(name, req.ReceiptHandle); err != nil {
			return nil, queueError(err)
		}
		return map[string]interface{}{}, nil
	})

	m.handle("PurgeQueue", func(r *http.Request) (interface{}, error) {
		name, err := jsonQueueName(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.Purge(name); err != nil {
			return nil, queueError(err)
		}
		return map[string]interface{}{}, nil
	})

	m.handle("ChangeMessageVisibility", func(r *http.Request) (interface{}, error) {
		var req struct {
			QueueURL          string `json:"QueueUrl"`
			ReceiptHandle     string `json:"ReceiptHandle"`
			VisibilityTimeout int    `json:"VisibilityTimeout"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		name, err := queueNameFromURL(req.QueueURL)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if req.ReceiptHandle == "" || req.VisibilityTimeout < 0 {
			return nil, errors.NotValidf("visibility change receipt %q timeout %d",
				req.ReceiptHandle, req.VisibilityTimeout)
		}
		err = engine.ChangeVisibility(
			name, req.ReceiptHandle, time.Duration(req.VisibilityTimeout)*time.Second)
		if err != nil {
			return nil, queueError(err)
		}
		return map[string]interface{}{}, nil
	})

	return m
}

func jsonQueueName(r *http.Request) (string, error) {
	var req struct {
		QueueURL string `json:"QueueUrl"`
	}
	if err := wire.DecodeJSON(r, &req); err != nil {
		return "", errors.Trace(err)
	}
	return queueNameFromURL(req.QueueURL)
}

func renderJSONMessage(msg queue.Received) jsonReceivedMessage {
	out := jsonReceivedMessage{
		MessageID:     msg.MessageID,
		ReceiptHandle: msg.ReceiptHandle,
		MD5OfBody:     bodyMD5(msg.Body),
		Body:          msg.Body,
		Attributes: map[string]string{
			"SentTimestamp":           strconv.FormatInt(msg.SentAt.UnixMilli(), 10),
			"ApproximateReceiveCount": strconv.Itoa(msg.ReceiveCount),
		},
	}
	if msg.GroupID != "" {
		out.Attributes["MessageGroupId"] = msg.GroupID
	}
	for name, attr := range msg.Attributes {
		if out.MessageAttributes == nil {
			out.MessageAttributes = make(map[string]jsonMessageAttribute, len(msg.Attributes))
		}
		out.MessageAttributes[name] = jsonMessageAttribute{
			DataType:    attr.DataType,
			StringValue: attr.StringValue,
			BinaryValue: attr.BinaryValue,
		}
	}
	return out
}
