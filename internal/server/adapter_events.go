// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"encoding/json"
	"net/http"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/matcher"
	"github.com/localdevkit/ldk/internal/engine/eventbus"
	"github.com/localdevkit/ldk/internal/wire"
)

// eventsPrefix is the target-header prefix of the event-bus service.
const eventsPrefix = "AWSEvents"

func busARN(name string) string {
	return "arn:ldk:events:local:000000000000:event-bus/" + name
}

func ruleARN(bus, rule string) string {
	return "arn:ldk:events:local:000000000000:rule/" + bus + "/" + rule
}

// busNameOr maps an absent bus name to the default bus.
func busNameOr(name string) string {
	if name == "" {
		return eventbus.DefaultBus
	}
	return name
}

type ruleTarget struct {
	ID    string `json:"Id"`
	Kind  string `json:"Kind"`
	Name  string `json:"Name"`
	Input string `json:"Input,omitempty"`
}

// newEventsAdapter wires the event-bus engine into the JSON target
// dialect.
func newEventsAdapter(engine *eventbus.Engine) *targetMux {
	m := newTargetMux(eventsPrefix)

	m.handle("CreateEventBus", func(r *http.Request) (interface{}, error) {
		var req struct {
			Name string `json:"Name"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.CreateBus(req.Name); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]string{"EventBusArn": busARN(req.Name)}, nil
	})

	m.handle("DeleteEventBus", func(r *http.Request) (interface{}, error) {
		var req struct {
			Name string `json:"Name"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.DeleteBus(req.Name); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{}, nil
	})

	m.handle("ListEventBuses", func(r *http.Request) (interface{}, error) {
		buses := engine.ListBuses()
		members := make([]map[string]string, len(buses))
		for i, name := range buses {
			members[i] = map[string]string{
				"Name": name,
				"Arn":  busARN(name),
			}
		}
		return map[string]interface{}{"EventBuses": members}, nil
	})

	m.handle("PutRule", func(r *http.Request) (interface{}, error) {
		var req struct {
			Name               string       `json:"Name"`
			EventBusName       string       `json:"EventBusName"`
			EventPattern       string       `json:"EventPattern"`
			ScheduleExpression string       `json:"ScheduleExpression"`
			State              string       `json:"State"`
			Targets            []ruleTarget `json:"Targets"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		rule := eventbus.Rule{
			Name:     req.Name,
			Schedule: req.ScheduleExpression,
			Enabled:  req.State != "DISABLED",
		}
		if req.EventPattern != "" {
			pattern, err := matcher.ParsePattern([]byte(req.EventPattern))
			if err != nil {
				return nil, errors.Trace(err)
			}
			rule.Pattern = pattern
		}
		for _, t := range req.Targets {
			rule.Targets = append(rule.Targets, eventbus.Target{
				ID:    t.ID,
				Kind:  eventbus.TargetKind(t.Kind),
				Name:  t.Name,
				Input: t.Input,
			})
		}
		bus := busNameOr(req.EventBusName)
		if err := engine.PutRule(bus, rule); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]string{"RuleArn": ruleARN(bus, req.Name)}, nil
	})

	m.handle("DeleteRule", func(r *http.Request) (interface{}, error) {
		var req struct {
			Name         string `json:"Name"`
			EventBusName string `json:"EventBusName"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.DeleteRule(busNameOr(req.EventBusName), req.Name); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{}, nil
	})

	setEnabled := func(enabled bool) targetOp {
		return func(r *http.Request) (interface{}, error) {
			var req struct {
				Name         string `json:"Name"`
				EventBusName string `json:"EventBusName"`
			}
			if err := wire.DecodeJSON(r, &req); err != nil {
				return nil, errors.Trace(err)
			}
			err := engine.SetRuleEnabled(busNameOr(req.EventBusName), req.Name, enabled)
			if err != nil {
				return nil, errors.Trace(err)
			}
			return map[string]interface{}{}, nil
		}
	}
	m.handle("EnableRule", setEnabled(true))
	m.handle("DisableRule", setEnabled(false))

	m.handle("ListRules", func(r *http.Request) (interface{}, error) {
		var req struct {
			EventBusName string `json:"EventBusName"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		bus := busNameOr(req.EventBusName)
		rules, err := engine.ListRules(bus)
		if err != nil {
			return nil, errors.Trace(err)
		}
		members := make([]map[string]interface{}, len(rules))
		for i, rule := range rules {
			state := "ENABLED"
			if !rule.Enabled {
				state = "DISABLED"
			}
			member := map[string]interface{}{
				"Name":  rule.Name,
				"Arn":   ruleARN(bus, rule.Name),
				"State": state,
			}
			if rule.Schedule != "" {
				member["ScheduleExpression"] = rule.Schedule
			}
			if rule.Pattern != nil {
				pattern, err := json.Marshal(rule.Pattern)
				if err != nil {
					return nil, errors.Trace(err)
				}
				member["EventPattern"] = string(pattern)
			}
			members[i] = member
		}
		return map[string]interface{}{"Rules": members}, nil
	})

	m.handle("PutEvents", func(r *http.Request) (interface{}, error) {
		var req struct {
			Entries []struct {
				EventBusName string          `json:"EventBusName"`
				Source       string          `json:"Source"`
				DetailType   string          `json:"DetailType"`
				Detail       json.RawMessage `json:"Detail"`
				Resources    []string        `json:"Resources"`
			} `json:"Entries"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		entries := make([]eventbus.Entry, len(req.Entries))
		for i, e := range req.Entries {
			entries[i] = eventbus.Entry{
				BusName:    busNameOr(e.EventBusName),
				Source:     e.Source,
				DetailType: e.DetailType,
				Detail:     e.Detail,
				Resources:  e.Resources,
			}
		}
		results := engine.PutEvents(entries)
		failed := 0
		members := make([]map[string]string, len(results))
		for i, res := range results {
			member := map[string]string{}
			if res.EventID != "" {
				member["EventId"] = res.EventID
			}
			if res.ErrorCode != "" {
				member["ErrorCode"] = res.ErrorCode
				failed++
			}
			members[i] = member
		}
		return map[string]interface{}{
			"FailedEntryCount": failed,
			"Entries":          members,
		}, nil
	})

	return m
}
