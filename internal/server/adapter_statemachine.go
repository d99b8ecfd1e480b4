// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/internal/engine/statemachine"
	"github.com/localdevkit/ldk/internal/wire"
)

// statePrefix is the target-header prefix of the state-machine
// service.
const statePrefix = "AWSStepFunctions"

func renderExecution(exec statemachine.Execution) map[string]interface{} {
	out := map[string]interface{}{
		"executionArn":    exec.ARN,
		"stateMachineArn": exec.MachineARN,
		"name":            exec.Name,
		"status":          string(exec.Status),
		"startDate":       epochSeconds(exec.StartTime),
	}
	if exec.Input != nil {
		out["input"] = string(exec.Input)
	}
	if exec.Output != nil {
		out["output"] = string(exec.Output)
	}
	if exec.Error != "" {
		out["error"] = exec.Error
		out["cause"] = exec.Cause
	}
	if !exec.StopTime.IsZero() {
		out["stopDate"] = epochSeconds(exec.StopTime)
	}
	return out
}

// newStateMachineAdapter wires the state-machine engine into the JSON
// target dialect.
func newStateMachineAdapter(engine *statemachine.Engine) *targetMux {
	m := newTargetMux(statePrefix)

	m.handle("CreateStateMachine", func(r *http.Request) (interface{}, error) {
		var req struct {
			Name       string `json:"name"`
			Definition string `json:"definition"`
			Type       string `json:"type"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		kind := statemachine.Standard
		if req.Type != "" {
			kind = statemachine.Kind(req.Type)
		}
		arn, err := engine.Create(req.Name, []byte(req.Definition), kind)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"stateMachineArn": arn,
			"creationDate":    epochSeconds(time.Now()),
		}, nil
	})

	m.handle("DeleteStateMachine", func(r *http.Request) (interface{}, error) {
		var req struct {
			StateMachineARN string `json:"stateMachineArn"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.Delete(machineNameOf(req.StateMachineARN)); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{}, nil
	})

	m.handle("ListStateMachines", func(r *http.Request) (interface{}, error) {
		machines := engine.List()
		members := make([]map[string]interface{}, len(machines))
		for i, info := range machines {
			members[i] = map[string]interface{}{
				"name":            info.Name,
				"stateMachineArn": info.ARN,
				"type":            string(info.Kind),
				"creationDate":    epochSeconds(info.CreatedAt),
			}
		}
		return map[string]interface{}{"stateMachines": members}, nil
	})

	m.handle("DescribeStateMachine", func(r *http.Request) (interface{}, error) {
		var req struct {
			StateMachineARN string `json:"stateMachineArn"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		info, err := engine.Describe(machineNameOf(req.StateMachineARN))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"name":            info.Name,
			"stateMachineArn": info.ARN,
			"type":            string(info.Kind),
			"definition":      info.Definition,
			"creationDate":    epochSeconds(info.CreatedAt),
		}, nil
	})

	m.handle("StartExecution", func(r *http.Request) (interface{}, error) {
		var machineARN, name string
		var input json.RawMessage
		if err := decodeExecutionStart(r, &machineARN, &name, &input); err != nil {
			return nil, errors.Trace(err)
		}
		arn, err := engine.StartExecution(machineNameOf(machineARN), name, input)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"executionArn": arn,
			"startDate":    epochSeconds(time.Now()),
		}, nil
	})

	m.handle("StartSyncExecution", func(r *http.Request) (interface{}, error) {
		var machineARN, name string
		var input json.RawMessage
		if err := decodeExecutionStart(r, &machineARN, &name, &input); err != nil {
			return nil, errors.Trace(err)
		}
		exec, err := engine.StartSyncExecution(machineNameOf(machineARN), name, input)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return renderExecution(exec), nil
	})

	m.handle("StopExecution", func(r *http.Request) (interface{}, error) {
		var req struct {
			ExecutionARN string `json:"executionArn"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		if err := engine.StopExecution(req.ExecutionARN); err != nil {
			return nil, errors.Trace(err)
		}
		return map[string]interface{}{
			"stopDate": epochSeconds(time.Now()),
		}, nil
	})

	m.handle("DescribeExecution", func(r *http.Request) (interface{}, error) {
		var req struct {
			ExecutionARN string `json:"executionArn"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		exec, err := engine.DescribeExecution(req.ExecutionARN)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return renderExecution(exec), nil
	})

	m.handle("ListExecutions", func(r *http.Request) (interface{}, error) {
		var req struct {
			StateMachineARN string `json:"stateMachineArn"`
			StatusFilter    string `json:"statusFilter"`
		}
		if err := wire.DecodeJSON(r, &req); err != nil {
			return nil, errors.Trace(err)
		}
		execs, err := engine.ListExecutions(
			machineNameOf(req.StateMachineARN), statemachine.Status(req.StatusFilter))
		if err != nil {
			return nil, errors.Trace(err)
		}
		members := make([]map[string]interface{}, len(execs))
		for i, exec := range execs {
			members[i] = map[string]interface{}{
				"executionArn":    exec.ARN,
				"stateMachineArn": exec.MachineARN,
				"name":            exec.Name,
				"status":          string(exec.Status),
				"startDate":       epochSeconds(exec.StartTime),
			}
		}
		return map[string]interface{}{"executions": members}, nil
	})

	return m
}

// decodeExecutionStart reads the shared fields of StartExecution and
// StartSyncExecution, where input arrives as a JSON-encoded string.
func decodeExecutionStart(r *http.Request, machineARN, name *string, input *json.RawMessage) error {
	var req struct {
		StateMachineARN string `json:"stateMachineArn"`
		Name            string `json:"name"`
		Input           string `json:"input"`
	}
	if err := wire.DecodeJSON(r, &req); err != nil {
		return errors.Trace(err)
	}
	*machineARN = req.StateMachineARN
	*name = req.Name
	if req.Input != "" {
		*input = json.RawMessage(req.Input)
	}
	return nil
}

// machineNameOf accepts either a bare machine name or its ARN.
func machineNameOf(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
