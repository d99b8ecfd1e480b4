// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/matcher"
	"github.com/localdevkit/ldk/internal/engine/topic"
	"github.com/localdevkit/ldk/internal/wire"
)

type createTopicResponse struct {
	XMLName  xml.Name         `xml:"CreateTopicResponse"`
	TopicARN string           `xml:"CreateTopicResult>TopicArn"`
	Metadata responseMetadata `xml:"ResponseMetadata"`
}

type deleteTopicResponse struct {
	XMLName  xml.Name         `xml:"DeleteTopicResponse"`
	Metadata responseMetadata `xml:"ResponseMetadata"`
}

type topicMember struct {
	TopicARN string `xml:"TopicArn"`
}

type listTopicsResponse struct {
	XMLName  xml.Name         `xml:"ListTopicsResponse"`
	Topics   []topicMember    `xml:"ListTopicsResult>Topics>member"`
	Metadata responseMetadata `xml:"ResponseMetadata"`
}

type subscribeResponse struct {
	XMLName         xml.Name         `xml:"SubscribeResponse"`
	SubscriptionARN string           `xml:"SubscribeResult>SubscriptionArn"`
	Metadata        responseMetadata `xml:"ResponseMetadata"`
}

type unsubscribeResponse struct {
	XMLName  xml.Name         `xml:"UnsubscribeResponse"`
	Metadata responseMetadata `xml:"ResponseMetadata"`
}

type setSubscriptionAttributesResponse struct {
	XMLName  xml.Name         `xml:"SetSubscriptionAttributesResponse"`
	Metadata responseMetadata `xml:"ResponseMetadata"`
}

type subscriptionMember struct {
	SubscriptionARN string `xml:"SubscriptionArn"`
	TopicARN        string `xml:"TopicArn"`
	Protocol        string `xml:"Protocol"`
	Endpoint        string `xml:"Endpoint"`
}

type listSubscriptionsResponse struct {
	XMLName       xml.Name             `xml:"ListSubscriptionsByTopicResponse"`
	Subscriptions []subscriptionMember `xml:"ListSubscriptionsByTopicResult>Subscriptions>member"`
	Metadata      responseMetadata     `xml:"ResponseMetadata"`
}

type publishResponse struct {
	XMLName   xml.Name         `xml:"PublishResponse"`
	MessageID string           `xml:"PublishResult>MessageId"`
	Metadata  responseMetadata `xml:"ResponseMetadata"`
}

// newTopicAdapter wires the topic engine into the form-encoded XML
// dialect.
func newTopicAdapter(engine *topic.Engine) *actionMux {
	m := newActionMux()

	m.handle("CreateTopic", func(r *http.Request) (interface{}, error) {
		name := r.Form.Get("Name")
		if name == "" {
			return nil, errors.NotValidf("missing Name")
		}
		arn, err := engine.Create(name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return createTopicResponse{
			TopicARN: arn,
			Metadata: newResponseMetadata(),
		}, nil
	})

	m.handle("DeleteTopic", func(r *http.Request) (interface{}, error) {
		name, err := topicNameOf(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.Delete(name); err != nil {
			return nil, errors.Trace(err)
		}
		return deleteTopicResponse{Metadata: newResponseMetadata()}, nil
	})

	m.handle("ListTopics", func(r *http.Request) (interface{}, error) {
		var members []topicMember
		for _, arn := range engine.List() {
			members = append(members, topicMember{TopicARN: arn})
		}
		return listTopicsResponse{
			Topics:   members,
			Metadata: newResponseMetadata(),
		}, nil
	})

	m.handle("Subscribe", func(r *http.Request) (interface{}, error) {
		name, err := topicNameOf(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		protocol := topic.Protocol(r.Form.Get("Protocol"))
		endpoint := r.Form.Get("Endpoint")
		filter, err := subscriptionFilterOf(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		arn, err := engine.Subscribe(name, protocol, endpoint, filter)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return subscribeResponse{
			SubscriptionARN: arn,
			Metadata:        newResponseMetadata(),
		}, nil
	})

	m.handle("Unsubscribe", func(r *http.Request) (interface{}, error) {
		arn := r.Form.Get("SubscriptionArn")
		if arn == "" {
			return nil, errors.NotValidf("missing SubscriptionArn")
		}
		if err := engine.Unsubscribe(arn); err != nil {
			return nil, errors.Trace(err)
		}
		return unsubscribeResponse{Metadata: newResponseMetadata()}, nil
	})

	m.handle("SetSubscriptionAttributes", func(r *http.Request) (interface{}, error) {
		arn := r.Form.Get("SubscriptionArn")
		attrName := r.Form.Get("AttributeName")
		if arn == "" || attrName != "FilterPolicy" {
			return nil, errors.NotValidf("subscription attribute %q", attrName)
		}
		filter, err := matcher.ParsePolicy([]byte(r.Form.Get("AttributeValue")))
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.SetFilter(arn, filter); err != nil {
			return nil, errors.Trace(err)
		}
		return setSubscriptionAttributesResponse{Metadata: newResponseMetadata()}, nil
	})

	m.handle("ListSubscriptionsByTopic", func(r *http.Request) (interface{}, error) {
		name, err := topicNameOf(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		subs, err := engine.Subscriptions(name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		members := make([]subscriptionMember, len(subs))
		for i, sub := range subs {
			members[i] = subscriptionMember{
				SubscriptionARN: sub.ARN,
				TopicARN:        topic.TopicARN(name),
				Protocol:        string(sub.Protocol),
				Endpoint:        sub.Endpoint,
			}
		}
		return listSubscriptionsResponse{
			Subscriptions: members,
			Metadata:      newResponseMetadata(),
		}, nil
	})

	m.handle("Publish", func(r *http.Request) (interface{}, error) {
		name, err := topicNameOf(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		message := r.Form.Get("Message")
		if message == "" {
			return nil, errors.NotValidf("missing Message")
		}
		attrs := publishAttributesOf(
			wire.NumberedEntries(r.Form, "MessageAttributes.entry"))
		id, err := engine.Publish(name, r.Form.Get("Subject"), message, attrs)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return publishResponse{
			MessageID: id,
			Metadata:  newResponseMetadata(),
		}, nil
	})

	return m
}

// topicNameOf resolves the topic a request addresses, from TopicArn or
// a bare Name.
func topicNameOf(r *http.Request) (string, error) {
	if name := r.Form.Get("Name"); name != "" {
		return name, nil
	}
	arn := r.Form.Get("TopicArn")
	if arn == "" {
		return "", errors.NotValidf("missing TopicArn")
	}
	colon := strings.LastIndex(arn, ":")
	if colon < 0 || colon == len(arn)-1 {
		return "", errors.NotValidf("topic arn %q", arn)
	}
	return arn[colon+1:], nil
}

// subscriptionFilterOf reads the optional FilterPolicy attribute from
// a Subscribe request.
func subscriptionFilterOf(r *http.Request) (matcher.Policy, error) {
	for _, entry := range wire.NumberedEntries(r.Form, "Attributes.entry") {
		if entry["key"] != "FilterPolicy" {
			continue
		}
		policy, err := matcher.ParsePolicy([]byte(entry["value"]))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return policy, nil
	}
	return nil, nil
}

func publishAttributesOf(entries []map[string]string) map[string]topic.MessageAttribute {
	if len(entries) == 0 {
		return nil
	}
	attrs := make(map[string]topic.MessageAttribute, len(entries))
	for _, entry := range entries {
		name := entry["Name"]
		if name == "" {
			continue
		}
		attrs[name] = topic.MessageAttribute{
			DataType:    entry["Value.DataType"],
			StringValue: entry["Value.StringValue"],
		}
	}
	return attrs
}
