// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package statemachine_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/localdevkit/ldk/internal/engine/statemachine"
)

const longWait = 10 * time.Second

// stubInvoker routes task invocations to registered Go functions.
type stubInvoker struct {
	handlers map[string]func(ctx context.Context, input interface{}) (interface{}, error)
	calls    atomic.Int64
}

func newStubInvoker() *stubInvoker {
	return &stubInvoker{
		handlers: make(map[string]func(ctx context.Context, input interface{}) (interface{}, error)),
	}
}

func (s *stubInvoker) InvokeTask(ctx context.Context, resource string, input interface{}) (interface{}, error) {
	s.calls.Add(1)
	handler, ok := s.handlers[resource]
	if !ok {
		return nil, errors.NotFoundf("resource %q", resource)
	}
	return handler(ctx, input)
}

type engineSuite struct {
	jujutesting.IsolationSuite

	invoker *stubInvoker
}

var _ = gc.Suite(&engineSuite{})

func (s *engineSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.invoker = newStubInvoker()
}

func (s *engineSuite) newEngine(c *gc.C, clk clock.Clock) *statemachine.Engine {
	engine, err := statemachine.NewEngine(statemachine.Config{
		Clock:   clk,
		Invoker: s.invoker,
		MaxWait: time.Minute,
	})
	c.Assert(err, jc.ErrorIsNil)
	return engine
}

// syncRun creates an express machine and runs it to completion.
func (s *engineSuite) syncRun(c *gc.C, engine *statemachine.Engine, definition, input string) statemachine.Execution {
	_, err := engine.Create("wf", []byte(definition), statemachine.Express)
	c.Assert(err, jc.ErrorIsNil)
	exec, err := engine.StartSyncExecution("wf", "run-1", json.RawMessage(input))
	c.Assert(err, jc.ErrorIsNil)
	return exec
}

func (s *engineSuite) waitStatus(c *gc.C, engine *statemachine.Engine, arn string, want statemachine.Status) statemachine.Execution {
	deadline := time.Now().Add(longWait)
	for {
		exec, err := engine.DescribeExecution(arn)
		c.Assert(err, jc.ErrorIsNil)
		if exec.Status == want {
			return exec
		}
		if exec.Status != statemachine.StatusRunning {
			c.Fatalf("execution reached %s, want %s", exec.Status, want)
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for status %s, still %s", want, exec.Status)
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *engineSuite) TestCreateRejectsBadDefinition(c *gc.C) {
	engine := s.newEngine(c, clock.WallClock)
	_, err := engine.Create("wf", []byte(`{"StartAt": "X", "States": {}}`), statemachine.Standard)
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *engineSuite) TestPassChain(c *gc.C) {
	engine := s.newEngine(c, clock.WallClock)
	exec := s.syncRun(c, engine, `{
		"StartAt": "A",
		"States": {
			"A": {"Type": "Pass", "Result": {"fixed": 1}, "ResultPath": "$.a", "Next": "B"},
			"B": {"Type": "Pass", "OutputPath": "$.a", "End": true}
		}
	}`, `{"in": true}`)
	c.Check(exec.Status, gc.Equals, statemachine.StatusSucceeded)
	c.Check(string(exec.Output), gc.Equals, `{"fixed":1}`)
}

func (s *engineSuite) TestInputPathAndParameters(c *gc.C) {
	engine := s.newEngine(c, clock.WallClock)
	exec := s.syncRun(c, engine, `{
		"StartAt": "A",
		"States": {
			"A": {
				"Type": "Pass",
				"InputPath": "$.order",
				"Parameters": {"ref.$": "$.id", "tag": "fixed"},
				"End": true
			}
		}
	}`, `{"order": {"id": "o-1"}}`)
	c.Check(exec.Status, gc.Equals, statemachine.StatusSucceeded)

	var out map[string]interface{}
	c.Assert(json.Unmarshal(exec.Output, &out), jc.ErrorIsNil)
	c.Check(out, jc.DeepEquals, map[string]interface{}{"ref": "o-1", "tag": "fixed"})
}

func (s *engineSuite) TestNullPathsDiscard(c *gc.C) {
	engine := s.newEngine(c, clock.WallClock)
	exec := s.syncRun(c, engine, `{
		"StartAt": "A",
		"States": {
			"A": {"Type": "Pass", "Result": "dropped", "ResultPath": null, "End": true}
		}
	}`, `{"kept": true}`)
	c.Check(exec.Status, gc.Equals, statemachine.StatusSucceeded)
	c.Check(string(exec.Output), gc.Equals, `{"kept":true}`)
}

func (s *engineSuite) TestTaskInvocation(c *gc.C) {
	s.invoker.handlers["double"] = func(_ context.Context, input interface{}) (interface{}, error) {
		n := input.(map[string]interface{})["n"].(float64)
		return map[string]interface{}{"n": n * 2}, nil
	}
	engine := s.newEngine(c, clock.WallClock)
	exec := s.syncRun(c, engine, `{
		"StartAt": "Double",
		"States": {
			"Double": {"Type": "Task", "Resource": "double", "End": true}
		}
	}`, `{"n": 21}`)
	c.Check(exec.Status, gc.Equals, statemachine.StatusSucceeded)
	c.Check(string(exec.Output), gc.Equals, `{"n":42}`)
}

func (s *engineSuite) TestChoiceRouting(c *gc.C) {
	engine := s.newEngine(c, clock.WallClock)
	exec := s.syncRun(c, engine, `{
		"StartAt": "Route",
		"States": {
			"Route": {
				"Type": "Choice",
				"Choices": [
					{"Variable": "$.n", "NumericGreaterThan": 10, "Next": "Big"},
					{"Variable": "$.n", "NumericGreaterThan": 0, "Next": "Small"}
				],
				"Default": "Zero"
			},
			"Big": {"Type": "Pass", "Result": "big", "End": true},
			"Small": {"Type": "Pass", "Result": "small", "End": true},
			"Zero": {"Type": "Pass", "Result": "zero", "End": true}
		}
	}`, `{"n": 5}`)
	c.Check(exec.Status, gc.Equals, statemachine.StatusSucceeded)
	c.Check(string(exec.Output), gc.Equals, `"small"`)
}

func (s *engineSuite) TestChoiceNoMatchNoDefaultFails(c *gc.C) {
	engine := s.newEngine(c, clock.WallClock)
	exec := s.syncRun(c, engine, `{
		"StartAt": "Route",
		"States": {
			"Route": {
				"Type": "Choice",
				"Choices": [{"Variable": "$.n", "NumericEquals": 1, "Next": "Done"}]
			},
			"Done": {"Type": "Succeed"}
		}
	}`, `{"n": 2}`)
	c.Check(exec.Status, gc.Equals, statemachine.StatusFailed)
	c.Check(exec.Error, gc.Equals, statemachine.ErrNoChoiceMatched)
}

func (s *engineSuite) TestFailState(c *gc.C) {
	engine := s.newEngine(c, clock.WallClock)
	exec := s.syncRun(c, engine, `{
		"StartAt": "Boom",
		"States": {
			"Boom": {"Type": "Fail", "Error": "Custom.Error", "Cause": "went wrong"}
		}
	}`, `{}`)
	c.Check(exec.Status, gc.Equals, statemachine.StatusFailed)
	c.Check(exec.Error, gc.Equals, "Custom.Error")
	c.Check(exec.Cause, gc.Equals, "went wrong")
}

func (s *engineSuite) TestRetryThenSucceed(c *gc.C) {
	var failures atomic.Int64
	failures.Store(2)
	s.invoker.handlers["flaky"] = func(context.Context, interface{}) (interface{}, error) {
		if failures.Add(-1) >= 0 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}
	clk := testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	engine := s.newEngine(c, clk)
	_, err := engine.Create("wf", []byte(`{
		"StartAt": "Flaky",
		"States": {
			"Flaky": {
				"Type": "Task",
				"Resource": "flaky",
				"Retry": [{"ErrorEquals": ["States.ALL"], "IntervalSeconds": 1, "BackoffRate": 2, "MaxAttempts": 3}],
				"End": true
			}
		}
	}`), statemachine.Standard)
	c.Assert(err, jc.ErrorIsNil)
	arn, err := engine.StartExecution("wf", "run-1", nil)
	c.Assert(err, jc.ErrorIsNil)

	// First retry sleeps 1s, the second 2s.
	c.Assert(clk.WaitAdvance(time.Second, longWait, 1), jc.ErrorIsNil)
	c.Assert(clk.WaitAdvance(2*time.Second, longWait, 1), jc.ErrorIsNil)

	exec := s.waitStatus(c, engine, arn, statemachine.StatusSucceeded)
	c.Check(string(exec.Output), gc.Equals, `"ok"`)
	c.Check(s.invoker.calls.Load(), gc.Equals, int64(3))
}

func (s *engineSuite) TestRetryExhaustedThenCatch(c *gc.C) {
	s.invoker.handlers["broken"] = func(context.Context, interface{}) (interface{}, error) {
		return nil, errors.New("permanent")
	}
	engine := s.newEngine(c, clock.WallClock)
	_, err := engine.Create("wf", []byte(`{
		"StartAt": "Broken",
		"States": {
			"Broken": {
				"Type": "Task",
				"Resource": "broken",
				"Retry": [{"ErrorEquals": ["States.ALL"], "IntervalSeconds": 0.001, "MaxAttempts": 2}],
				"Catch": [{"ErrorEquals": ["States.ALL"], "ResultPath": "$.err", "Next": "Recover"}],
				"End": true
			},
			"Recover": {"Type": "Pass", "End": true}
		}
	}`), statemachine.Express)
	c.Assert(err, jc.ErrorIsNil)
	exec, err := engine.StartSyncExecution("wf", "run-1", json.RawMessage(`{"in": 1}`))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(exec.Status, gc.Equals, statemachine.StatusSucceeded)
	c.Check(s.invoker.calls.Load(), gc.Equals, int64(3))

	var out map[string]interface{}
	c.Assert(json.Unmarshal(exec.Output, &out), jc.ErrorIsNil)
	envelope := out["err"].(map[string]interface{})
	c.Check(envelope["Error"], gc.Equals, statemachine.ErrTaskFailed)
	c.Check(envelope["Cause"], gc.Equals, "permanent")
}

func (s *engineSuite) TestWaitState(c *gc.C) {
	clk := testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	engine := s.newEngine(c, clk)
	_, err := engine.Create("wf", []byte(`{
		"StartAt": "Hold",
		"States": {
			"Hold": {"Type": "Wait", "Seconds": 5, "Next": "Done"},
			"Done": {"Type": "Succeed"}
		}
	}`), statemachine.Standard)
	c.Assert(err, jc.ErrorIsNil)
	arn, err := engine.StartExecution("wf", "run-1", json.RawMessage(`{"x": 1}`))
	c.Assert(err, jc.ErrorIsNil)

	exec, err := engine.DescribeExecution(arn)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(exec.Status, gc.Equals, statemachine.StatusRunning)

	c.Assert(clk.WaitAdvance(5*time.Second, longWait, 1), jc.ErrorIsNil)
	s.waitStatus(c, engine, arn, statemachine.StatusSucceeded)
}

func (s *engineSuite) TestWaitCappedByMaxWait(c *gc.C) {
	clk := testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	engine := s.newEngine(c, clk)
	_, err := engine.Create("wf", []byte(`{
		"StartAt": "Hold",
		"States": {
			"Hold": {"Type": "Wait", "Seconds": 3600, "Next": "Done"},
			"Done": {"Type": "Succeed"}
		}
	}`), statemachine.Standard)
	c.Assert(err, jc.ErrorIsNil)
	arn, err := engine.StartExecution("wf", "run-1", nil)
	c.Assert(err, jc.ErrorIsNil)

	// MaxWait is one minute; the hour-long wait is clamped.
	c.Assert(clk.WaitAdvance(time.Minute, longWait, 1), jc.ErrorIsNil)
	s.waitStatus(c, engine, arn, statemachine.StatusSucceeded)
}

func (s *engineSuite) TestParallelBranchOrder(c *gc.C) {
	engine := s.newEngine(c, clock.WallClock)
	exec := s.syncRun(c, engine, `{
		"StartAt": "Both",
		"States": {
			"Both": {
				"Type": "Parallel",
				"Branches": [
					{"StartAt": "L", "States": {"L": {"Type": "Pass", "Result": "left", "End": true}}},
					{"StartAt": "R", "States": {"R": {"Type": "Pass", "Result": "right", "End": true}}}
				],
				"End": true
			}
		}
	}`, `{}`)
	c.Check(exec.Status, gc.Equals, statemachine.StatusSucceeded)
	c.Check(string(exec.Output), gc.Equals, `["left","right"]`)
}

func (s *engineSuite) TestParallelBranchFailure(c *gc.C) {
	engine := s.newEngine(c, clock.WallClock)
	exec := s.syncRun(c, engine, `{
		"StartAt": "Both",
		"States": {
			"Both": {
				"Type": "Parallel",
				"Branches": [
					{"StartAt": "L", "States": {"L": {"Type": "Pass", "End": true}}},
					{"StartAt": "R", "States": {"R": {"Type": "Fail", "Error": "R.Err", "Cause": "no"}}}
				],
				"End": true
			}
		}
	}`, `{}`)
	c.Check(exec.Status, gc.Equals, statemachine.StatusFailed)
	c.Check(exec.Error, gc.Equals, statemachine.ErrBranchFailed)
}

func (s *engineSuite) TestMapIteratesInOrder(c *gc.C) {
	s.invoker.handlers["upper"] = func(_ context.Context, input interface{}) (interface{}, error) {
		m := input.(map[string]interface{})
		return map[string]interface{}{
			"item":  m["item"],
			"index": m["index"],
		}, nil
	}
	engine := s.newEngine(c, clock.WallClock)
	exec := s.syncRun(c, engine, `{
		"StartAt": "Each",
		"States": {
			"Each": {
				"Type": "Map",
				"ItemsPath": "$.items",
				"MaxConcurrency": 1,
				"Parameters": {"item.$": "$$.Map.Item.Value", "index.$": "$$.Map.Item.Index"},
				"Iterator": {
					"StartAt": "Do",
					"States": {"Do": {"Type": "Task", "Resource": "upper", "End": true}}
				},
				"End": true
			}
		}
	}`, `{"items": ["a", "b", "c"]}`)
	c.Check(exec.Status, gc.Equals, statemachine.StatusSucceeded)

	var out []map[string]interface{}
	c.Assert(json.Unmarshal(exec.Output, &out), jc.ErrorIsNil)
	c.Assert(out, gc.HasLen, 3)
	for i, item := range []string{"a", "b", "c"} {
		c.Check(out[i]["item"], gc.Equals, item)
		c.Check(out[i]["index"], gc.Equals, float64(i))
	}
}

func (s *engineSuite) TestMachineTimeout(c *gc.C) {
	s.invoker.handlers["stall"] = func(ctx context.Context, _ interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	clk := testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	engine := s.newEngine(c, clk)
	_, err := engine.Create("wf", []byte(`{
		"StartAt": "Stall",
		"TimeoutSeconds": 1,
		"States": {
			"Stall": {"Type": "Task", "Resource": "stall", "End": true}
		}
	}`), statemachine.Standard)
	c.Assert(err, jc.ErrorIsNil)
	arn, err := engine.StartExecution("wf", "run-1", nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(clk.WaitAdvance(time.Second, longWait, 1), jc.ErrorIsNil)
	exec := s.waitStatus(c, engine, arn, statemachine.StatusTimedOut)
	c.Check(exec.Error, gc.Equals, statemachine.ErrTimeout)
}

func (s *engineSuite) TestStopExecution(c *gc.C) {
	s.invoker.handlers["stall"] = func(ctx context.Context, _ interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	engine := s.newEngine(c, clock.WallClock)
	_, err := engine.Create("wf", []byte(`{
		"StartAt": "Stall",
		"States": {"Stall": {"Type": "Task", "Resource": "stall", "End": true}}
	}`), statemachine.Standard)
	c.Assert(err, jc.ErrorIsNil)
	arn, err := engine.StartExecution("wf", "run-1", nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(engine.StopExecution(arn), jc.ErrorIsNil)
	exec, err := engine.DescribeExecution(arn)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(exec.Status, gc.Equals, statemachine.StatusAborted)
}

func (s *engineSuite) TestSyncStartRejectsStandard(c *gc.C) {
	engine := s.newEngine(c, clock.WallClock)
	_, err := engine.Create("wf", []byte(`{
		"StartAt": "Done",
		"States": {"Done": {"Type": "Succeed"}}
	}`), statemachine.Standard)
	c.Assert(err, jc.ErrorIsNil)
	_, err = engine.StartSyncExecution("wf", "run-1", nil)
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *engineSuite) TestListExecutionsNewestFirst(c *gc.C) {
	engine := s.newEngine(c, clock.WallClock)
	_, err := engine.Create("wf", []byte(`{
		"StartAt": "Done",
		"States": {"Done": {"Type": "Succeed"}}
	}`), statemachine.Express)
	c.Assert(err, jc.ErrorIsNil)
	for _, name := range []string{"one", "two"} {
		_, err = engine.StartSyncExecution("wf", name, nil)
		c.Assert(err, jc.ErrorIsNil)
	}
	execs, err := engine.ListExecutions("wf", "")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(execs, gc.HasLen, 2)
	c.Check(execs[0].Name, gc.Equals, "two")
	c.Check(execs[1].Name, gc.Equals, "one")

	succeeded, err := engine.ListExecutions("wf", statemachine.StatusSucceeded)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(succeeded, gc.HasLen, 2)
}

func (s *engineSuite) TestDuplicateExecutionName(c *gc.C) {
	engine := s.newEngine(c, clock.WallClock)
	_, err := engine.Create("wf", []byte(`{
		"StartAt": "Done",
		"States": {"Done": {"Type": "Succeed"}}
	}`), statemachine.Express)
	c.Assert(err, jc.ErrorIsNil)
	_, err = engine.StartSyncExecution("wf", "same", nil)
	c.Assert(err, jc.ErrorIsNil)
	_, err = engine.StartSyncExecution("wf", "same", nil)
	c.Check(err, jc.ErrorIs, errors.AlreadyExists)
}
