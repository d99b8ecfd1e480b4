// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/ldkerrors"
	"github.com/localdevkit/ldk/internal/engine/queue"
	"github.com/localdevkit/ldk/internal/wire"
)

type responseMetadata struct {
	RequestID string `xml:"RequestId"`
}

func newResponseMetadata() responseMetadata {
	return responseMetadata{RequestID: uuid.New().String()}
}

type createQueueResponse struct {
	XMLName  xml.Name         `xml:"CreateQueueResponse"`
	QueueURL string           `xml:"CreateQueueResult>QueueUrl"`
	Metadata responseMetadata `xml:"ResponseMetadata"`
}

type deleteQueueResponse struct {
	XMLName  xml.Name         `xml:"DeleteQueueResponse"`
	Metadata responseMetadata `xml:"ResponseMetadata"`
}

type listQueuesResponse struct {
	XMLName   xml.Name         `xml:"ListQueuesResponse"`
	QueueURLs []string         `xml:"ListQueuesResult>QueueUrl"`
	Metadata  responseMetadata `xml:"ResponseMetadata"`
}

type getQueueURLResponse struct {
	XMLName  xml.Name         `xml:"GetQueueUrlResponse"`
	QueueURL string           `xml:"GetQueueUrlResult>QueueUrl"`
	Metadata responseMetadata `xml:"ResponseMetadata"`
}

type queueAttributeEntry struct {
	Name  string `xml:"Name"`
	Value string `xml:"Value"`
}

type getQueueAttributesResponse struct {
	XMLName    xml.Name              `xml:"GetQueueAttributesResponse"`
	Attributes []queueAttributeEntry `xml:"GetQueueAttributesResult>Attribute"`
	Metadata   responseMetadata      `xml:"ResponseMetadata"`
}

type sendMessageResponse struct {
	XMLName   xml.Name         `xml:"SendMessageResponse"`
	MessageID string           `xml:"SendMessageResult>MessageId"`
	MD5OfBody string           `xml:"SendMessageResult>MD5OfMessageBody"`
	Metadata  responseMetadata `xml:"ResponseMetadata"`
}

type messageAttributeEntry struct {
	Name        string `xml:"Name"`
	DataType    string `xml:"Value>DataType"`
	StringValue string `xml:"Value>StringValue,omitempty"`
}

type receivedMessage struct {
	MessageID         string                  `xml:"MessageId"`
	ReceiptHandle     string                  `xml:"ReceiptHandle"`
	MD5OfBody         string                  `xml:"MD5OfBody"`
	Body              string                  `xml:"Body"`
	Attributes        []queueAttributeEntry   `xml:"Attribute"`
	MessageAttributes []messageAttributeEntry `xml:"MessageAttribute"`
}

type receiveMessageResponse struct {
	XMLName  xml.Name          `xml:"ReceiveMessageResponse"`
	Messages []receivedMessage `xml:"ReceiveMessageResult>Message"`
	Metadata responseMetadata  `xml:"ResponseMetadata"`
}

type deleteMessageResponse struct {
	XMLName  xml.Name         `xml:"DeleteMessageResponse"`
	Metadata responseMetadata `xml:"ResponseMetadata"`
}

type purgeQueueResponse struct {
	XMLName  xml.Name         `xml:"PurgeQueueResponse"`
	Metadata responseMetadata `xml:"ResponseMetadata"`
}

type changeVisibilityResponse struct {
	XMLName  xml.Name         `xml:"ChangeMessageVisibilityResponse"`
	Metadata responseMetadata `xml:"ResponseMetadata"`
}

// newQueueActionMux wires the queue engine into the form-encoded XML
// dialect.
func newQueueActionMux(engine *queue.Engine) *actionMux {
	m := newActionMux()

	m.handle("CreateQueue", func(r *http.Request) (interface{}, error) {
		name := r.Form.Get("QueueName")
		if name == "" {
			return nil, errors.NotValidf("missing QueueName")
		}
		attrs, err := queueAttributesOf(wire.NumberedEntries(r.Form, "Attribute"))
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.Create(name, attrs); err != nil {
			return nil, queueError(err)
		}
		return createQueueResponse{
			QueueURL: queueURL(r, name),
			Metadata: newResponseMetadata(),
		}, nil
	})

	m.handle("DeleteQueue", func(r *http.Request) (interface{}, error) {
		name, err := queueNameOf(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.Destroy(name); err != nil {
			return nil, queueError(err)
		}
		return deleteQueueResponse{Metadata: newResponseMetadata()}, nil
	})

	m.handle("ListQueues", func(r *http.Request) (interface{}, error) {
		prefix := r.Form.Get("QueueNamePrefix")
		var urls []string
		for _, name := range engine.List() {
			if prefix != "" && !strings.HasPrefix(name, prefix) {
				continue
			}
			urls = append(urls, queueURL(r, name))
		}
		return listQueuesResponse{
			QueueURLs: urls,
			Metadata:  newResponseMetadata(),
		}, nil
	})

	m.handle("GetQueueUrl", func(r *http.Request) (interface{}, error) {
		name := r.Form.Get("QueueName")
		if _, err := engine.Attributes(name); err != nil {
			return nil, queueError(err)
		}
		return getQueueURLResponse{
			QueueURL: queueURL(r, name),
			Metadata: newResponseMetadata(),
		}, nil
	})

	m.handle("GetQueueAttributes", func(r *http.Request) (interface{}, error) {
		name, err := queueNameOf(r)
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
		return getQueueAttributesResponse{
			Attributes: entries,
			Metadata:   newResponseMetadata(),
		}, nil
	})

	m.handle("SendMessage", func(r *http.Request) (interface{}, error) {
		name, err := queueNameOf(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		body := r.Form.Get("MessageBody")
		if body == "" {
			return nil, errors.NotValidf("missing MessageBody")
		}
		req := queue.SendRequest{
			Body:    body,
			GroupID: r.Form.Get("MessageGroupId"),
			DedupID: r.Form.Get("MessageDeduplicationId"),
		}
		if delay := r.Form.Get("DelaySeconds"); delay != "" {
			seconds, err := strconv.Atoi(delay)
			if err != nil {
				return nil, errors.NotValidf("DelaySeconds %q", delay)
			}
			req.Delay = time.Duration(seconds) * time.Second
		}
		req.Attributes = messageAttributesOf(
			wire.NumberedEntries(r.Form, "MessageAttribute"))
		id, err := engine.Send(name, req)
		if err != nil {
			return nil, queueError(err)
		}
		return sendMessageResponse{
			MessageID: id,
			MD5OfBody: bodyMD5(body),
			Metadata:  newResponseMetadata(),
		}, nil
	})

	m.handle("ReceiveMessage", func(r *http.Request) (interface{}, error) {
		name, err := queueNameOf(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		max := 1
		if v := r.Form.Get("MaxNumberOfMessages"); v != "" {
			if max, err = strconv.Atoi(v); err != nil || max < 1 || max > 10 {
				return nil, errors.NotValidf("MaxNumberOfMessages %q", v)
			}
		}
		var wait time.Duration
		if v := r.Form.Get("WaitTimeSeconds"); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil || seconds < 0 || seconds > 20 {
				return nil, errors.NotValidf("WaitTimeSeconds %q", v)
			}
			wait = time.Duration(seconds) * time.Second
		}
		received, err := engine.Receive(r.Context(), name, max, wait)
		if err != nil {
			return nil, queueError(err)
		}
		messages := make([]receivedMessage, len(received))
		for i, msg := range received {
			messages[i] = renderMessage(msg)
		}
		return receiveMessageResponse{
			Messages: messages,
			Metadata: newResponseMetadata(),
		}, nil
	})

	m.handle("DeleteMessage", func(r *http.Request) (interface{}, error) {
		name, err := queueNameOf(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		receipt := r.Form.Get("ReceiptHandle")
		if receipt == "" {
			return nil, errors.NotValidf("missing ReceiptHandle")
		}
		if err := engine.Delete(name, receipt); err != nil {
			return nil, queueError(err)
		}
		return deleteMessageResponse{Metadata: newResponseMetadata()}, nil
	})

	m.handle("PurgeQueue", func(r *http.Request) (interface{}, error) {
		name, err := queueNameOf(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.Purge(name); err != nil {
			return nil, queueError(err)
		}
		return purgeQueueResponse{Metadata: newResponseMetadata()}, nil
	})

	m.handle("ChangeMessageVisibility", func(r *http.Request) (interface{}, error) {
		name, err := queueNameOf(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		receipt := r.Form.Get("ReceiptHandle")
		timeout := r.Form.Get("VisibilityTimeout")
		seconds, convErr := strconv.Atoi(timeout)
		if receipt == "" || convErr != nil || seconds < 0 {
			return nil, errors.NotValidf("visibility change receipt %q timeout %q", receipt, timeout)
		}
		if err := engine.ChangeVisibility(name, receipt, time.Duration(seconds)*time.Second); err != nil {
			return nil, queueError(err)
		}
		return changeVisibilityResponse{Metadata: newResponseMetadata()}, nil
	})

	return m
}

// queueError attaches the dialect's specific code for absent queues.
func queueError(err error) error {
	if errors.Is(err, errors.NotFound) {
		return ldkerrors.WithCode(errors.Trace(err), "QueueDoesNotExist")
	}
	return errors.Trace(err)
}

// queueNameOf resolves the queue a request addresses, from QueueUrl or
// a bare QueueName.
func queueNameOf(r *http.Request) (string, error) {
	if name := r.Form.Get("QueueName"); name != "" {
		return name, nil
	}
	return queueNameFromURL(r.Form.Get("QueueUrl"))
}

// queueNameFromURL extracts the queue name from its URL's last path
// segment.
func queueNameFromURL(rawURL string) (string, error) {
	if rawURL == "" {
		return "", errors.NotValidf("missing QueueUrl")
	}
	slash := strings.LastIndex(rawURL, "/")
	if slash < 0 || slash == len(rawURL)-1 {
		return "", errors.NotValidf("queue url %q", rawURL)
	}
	return rawURL[slash+1:], nil
}

// queueAttributeValues renders the attribute set shared by both queue
// dialects.
func queueAttributeValues(info queue.Info) ([]queueAttributeEntry, error) {
	entries := []queueAttributeEntry{
		{Name: "ApproximateNumberOfMessages", Value: strconv.Itoa(info.VisibleMessages)},
		{Name: "ApproximateNumberOfMessagesNotVisible", Value: strconv.Itoa(info.InFlightMessages)},
		{Name: "ApproximateNumberOfMessagesDelayed", Value: strconv.Itoa(info.DelayedUnreadable)},
		{Name: "VisibilityTimeout", Value: strconv.Itoa(int(info.Attributes.VisibilityTimeout / time.Second))},
		{Name: "DelaySeconds", Value: strconv.Itoa(int(info.Attributes.Delay / time.Second))},
		{Name: "CreatedTimestamp", Value: strconv.FormatInt(info.CreatedAt.Unix(), 10)},
	}
	if info.Attributes.Fifo {
		entries = append(entries,
			queueAttributeEntry{Name: "FifoQueue", Value: "true"},
			queueAttributeEntry{Name: "ContentBasedDeduplication", Value: strconv.FormatBool(info.Attributes.ContentBasedDedup)},
		)
	}
	if info.Attributes.DeadLetterTarget != "" {
		policy, err := json.Marshal(map[string]string{
			"deadLetterTargetArn": queueARN(info.Attributes.DeadLetterTarget),
			"maxReceiveCount":     strconv.Itoa(info.Attributes.MaxReceiveCount),
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		entries = append(entries, queueAttributeEntry{
			Name: "RedrivePolicy", Value: string(policy),
		})
	}
	return entries, nil
}

func queueURL(r *http.Request, name string) string {
	return "http://" + r.Host + "/queues/" + name
}

func queueARN(name string) string {
	return "arn:ldk:queue:local:000000000000:" + name
}

func bodyMD5(body string) string {
	sum := md5.Sum([]byte(body))
	return hex.EncodeToString(sum[:])
}

func queueAttributesOf(entries []map[string]string) (queue.QueueAttributes, error) {
	var attrs queue.QueueAttributes
	for _, entry := range entries {
		if err := applyQueueAttribute(&attrs, entry["Name"], entry["Value"]); err != nil {
			return attrs, errors.Trace(err)
		}
	}
	return attrs, nil
}

func applyQueueAttribute(attrs *queue.QueueAttributes, name, value string) error {
	switch name {
	case "VisibilityTimeout":
		seconds, err := strconv.Atoi(value)
		if err != nil {
			return errors.NotValidf("VisibilityTimeout %q", value)
		}
		attrs.VisibilityTimeout = time.Duration(seconds) * time.Second
	case "DelaySeconds":
		seconds, err := strconv.Atoi(value)
		if err != nil {
			return errors.NotValidf("DelaySeconds %q", value)
		}
		attrs.Delay = time.Duration(seconds) * time.Second
	case "FifoQueue":
		attrs.Fifo = value == "true"
	case "ContentBasedDeduplication":
		attrs.ContentBasedDedup = value == "true"
	case "RedrivePolicy":
		var policy struct {
			DeadLetterTargetArn string `json:"deadLetterTargetArn"`
			MaxReceiveCount     string `json:"maxReceiveCount"`
		}
		if err := json.Unmarshal([]byte(value), &policy); err != nil {
			return errors.NotValidf("RedrivePolicy %q", value)
		}
		colon := strings.LastIndex(policy.DeadLetterTargetArn, ":")
		attrs.DeadLetterTarget = policy.DeadLetterTargetArn[colon+1:]
		count, err := strconv.Atoi(policy.MaxReceiveCount)
		if err != nil {
			return errors.NotValidf("maxReceiveCount %q", policy.MaxReceiveCount)
		}
		attrs.MaxReceiveCount = count
	default:
		return errors.NotValidf("attribute %q", name)
	}
	return nil
}

func messageAttributesOf(entries []map[string]string) map[string]queue.MessageAttribute {
	if len(entries) == 0 {
		return nil
	}
	attrs := make(map[string]queue.MessageAttribute, len(entries))
	for _, entry := range entries {
		name := entry["Name"]
		if name == "" {
			continue
		}
		attrs[name] = queue.MessageAttribute{
			DataType:    entry["Value.DataType"],
			StringValue: entry["Value.StringValue"],
		}
	}
	return attrs
}

func renderMessage(msg queue.Received) receivedMessage {
	out := receivedMessage{
		MessageID:     msg.MessageID,
		ReceiptHandle: msg.ReceiptHandle,
		MD5OfBody:     bodyMD5(msg.Body),
		Body:          msg.Body,
		Attributes: []queueAttributeEntry{
			{Name: "SentTimestamp", Value: strconv.FormatInt(msg.SentAt.UnixMilli(), 10)},
			{Name: "ApproximateReceiveCount", Value: strconv.Itoa(msg.ReceiveCount)},
		},
	}
	if msg.GroupID != "" {
		out.Attributes = append(out.Attributes, queueAttributeEntry{
			Name: "MessageGroupId", Value: msg.GroupID,
		})
	}
	for name, attr := range msg.Attributes {
		out.MessageAttributes = append(out.MessageAttributes, messageAttributeEntry{
			Name:        name,
			DataType:    attr.DataType,
			StringValue: attr.StringValue,
		})
	}
	return out
}
