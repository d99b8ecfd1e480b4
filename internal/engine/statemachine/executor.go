// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package statemachine

import (
	"context"
	"math"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// Built-in error names used by Retry and Catch matching.
const (
	ErrAll             = "States.ALL"
	ErrTaskFailed      = "States.TaskFailed"
	ErrTimeout         = "States.Timeout"
	ErrNoChoiceMatched = "States.NoChoiceMatched"
	ErrParameterPath   = "States.ParameterPathFailure"
	ErrBranchFailed    = "States.BranchFailed"
)

// stateError carries the error name and cause consulted by Retry and
// Catch.
type stateError struct {
	name  string
	cause string
}

func (e *stateError) Error() string {
	if e.cause == "" {
		return e.name
	}
	return e.name + ": " + e.cause
}

func newStateError(name, cause string) *stateError {
	return &stateError{name: name, cause: cause}
}

// asStateError normalises any failure into a named error.
func asStateError(err error) *stateError {
	var se *stateError
	if errors.As(err, &se) {
		return se
	}
	return &stateError{name: ErrTaskFailed, cause: err.Error()}
}

func (e *stateError) matches(names []string) bool {
	for _, n := range names {
		if n == ErrAll || n == e.name {
			return true
		}
	}
	return false
}

// TaskInvoker executes Task resources, typically by calling the
// compute engine through the fabric.
type TaskInvoker interface {
	InvokeTask(ctx context.Context, resource string, input interface{}) (interface{}, error)
}

// executor walks one definition for one execution.
type executor struct {
	clock   clock.Clock
	invoker TaskInvoker

	// maxWait caps Wait suspensions and retry backoff sleeps so tests
	// and impatient callers stay bounded. Zero means no cap.
	maxWait time.Duration
}

// run walks the definition from StartAt and returns the final output.
func (x *executor) run(ctx context.Context, def *Definition, input interface{}) (interface{}, error) {
	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		timer := x.clock.NewTimer(time.Duration(def.TimeoutSeconds) * time.Second)
		defer timer.Stop()
		go func() {
			select {
			case <-timer.Chan():
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return x.runFrom(ctx, def, def.StartAt, input)
}

func (x *executor) runFrom(ctx context.Context, def *Definition, start string, input interface{}) (interface{}, error) {
	current := start
	value := input
	for {
		if err := ctx.Err(); err != nil {
			return nil, newStateError(ErrTimeout, "execution deadline exceeded")
		}
		st, ok := def.States[current]
		if !ok {
			return nil, errors.NotFoundf("state %q", current)
		}
		output, next, err := x.step(ctx, def, current, st, value)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if next == "" {
			return output, nil
		}
		current = next
		value = output
	}
}

// step executes one state and returns its output and the next state
// name, empty on termination.
func (x *executor) step(ctx context.Context, def *Definition, name string, st *State, input interface{}) (interface{}, string, error) {
	logger.Tracef("state %q (%s)", name, st.Type)
	switch st.Type {
	case "Succeed":
		value, err := applyInputPath(st, input)
		if err != nil {
			return nil, "", errors.Trace(err)
		}
		return value, "", nil
	case "Fail":
		return nil, "", newStateError(st.Error, st.Cause)
	case "Choice":
		value, err := applyInputPath(st, input)
		if err != nil {
			return nil, "", errors.Trace(err)
		}
		for _, rule := range st.Choices {
			ok, err := rule.match(value)
			if err != nil {
				return nil, "", errors.Trace(err)
			}
			if ok {
				return value, rule.Next, nil
			}
		}
		if st.Default == "" {
			return nil, "", newStateError(ErrNoChoiceMatched, "no choice rule matched and no default set")
		}
		return value, st.Default, nil
	}

	// The remaining types share the full filter pipeline and, for
	// Task, Parallel and Map, the Retry/Catch machinery.
	output, err := x.attempt(ctx, def, st, input)
	if err != nil {
		se := asStateError(err)
		for _, catcher := range st.Catch {
			if !se.matches(catcher.ErrorEquals) {
				continue
			}
			envelope := map[string]interface{}{
				"Error": se.name,
				"Cause": se.cause,
			}
			merged, err := applyResultPath(catcher.ResultPath, input, envelope)
			if err != nil {
				return nil, "", errors.Trace(err)
			}
			return merged, catcher.Next, nil
		}
		return nil, "", se
	}
	if st.End {
		return output, "", nil
	}
	return output, st.Next, nil
}

// attempt runs the state body under its retry catalog.
func (x *executor) attempt(ctx context.Context, def *Definition, st *State, input interface{}) (interface{}, error) {
	attempts := make([]int, len(st.Retry))
	for {
		output, err := x.once(ctx, def, st, input)
		if err == nil {
			return output, nil
		}
		se := asStateError(err)
		retried := false
		for i, retrier := range st.Retry {
			if !se.matches(retrier.ErrorEquals) {
				continue
			}
			maxAttempts := 3
			if retrier.MaxAttempts != nil {
				maxAttempts = *retrier.MaxAttempts
			}
			if attempts[i] >= maxAttempts {
				break
			}
			backoff := retrier.BackoffRate
			if backoff == 0 {
				backoff = 2.0
			}
			interval := retrier.IntervalSeconds
			if interval == 0 {
				interval = 1.0
			}
			sleep := secondsToDuration(interval * math.Pow(backoff, float64(attempts[i])))
			if x.maxWait > 0 && sleep > x.maxWait {
				sleep = x.maxWait
			}
			attempts[i]++
			logger.Debugf("retrying after %s (attempt %d): %v", sleep, attempts[i], se)
			if err := x.sleep(ctx, sleep); err != nil {
				return nil, errors.Trace(err)
			}
			retried = true
			break
		}
		if !retried {
			return nil, se
		}
	}
}

// once runs the state body a single time, with the input-path,
// parameters, result-path and output-path filters around the work.
func (x *executor) once(ctx context.Context, def *Definition, st *State, input interface{}) (interface{}, error) {
	value, err := applyInputPath(st, input)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// Map applies its Parameters per item with the $$.Map context.
	if st.Parameters != nil && st.Type != "Map" {
		value, err = applyParameters(st.Parameters, value, nil)
		if err != nil {
			return nil, newStateError(ErrParameterPath, err.Error())
		}
	}

	var result interface{}
	haveResult := true
	switch st.Type {
	case "Pass":
		if st.Result != nil {
			result = st.Result
		} else {
			haveResult = false
		}
	case "Wait":
		if err := x.wait(ctx, st, value); err != nil {
			return nil, errors.Trace(err)
		}
		haveResult = false
	case "Task":
		result, err = x.task(ctx, st, value)
		if err != nil {
			return nil, errors.Trace(err)
		}
	case "Parallel":
		result, err = x.parallel(ctx, st, value)
		if err != nil {
			return nil, errors.Trace(err)
		}
	case "Map":
		result, err = x.mapState(ctx, st, value)
		if err != nil {
			return nil, errors.Trace(err)
		}
	default:
		return nil, errors.NotValidf("state type %q", st.Type)
	}

	output := value
	if haveResult {
		output, err = applyResultPath(st.ResultPath, value, result)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	if st.OutputPath.set {
		if st.OutputPath.null {
			return map[string]interface{}{}, nil
		}
		output, err = getPath(output, st.OutputPath.path)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	return output, nil
}

func (x *executor) task(ctx context.Context, st *State, input interface{}) (interface{}, error) {
	if st.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		timer := x.clock.NewTimer(time.Duration(st.TimeoutSeconds) * time.Second)
		defer timer.Stop()
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-timer.Chan():
				cancel()
			case <-done:
			}
		}()
	}
	result, err := x.invoker.InvokeTask(ctx, st.Resource, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newStateError(ErrTimeout, "task deadline exceeded")
		}
		return nil, asStateError(err)
	}
	return result, nil
}

func (x *executor) wait(ctx context.Context, st *State, input interface{}) error {
	var dur time.Duration
	switch {
	case st.Seconds != nil:
		dur = secondsToDuration(*st.Seconds)
	case st.SecondsPath != "":
		v, err := getPath(input, st.SecondsPath)
		if err != nil {
			return errors.Trace(err)
		}
		n, ok := v.(float64)
		if !ok {
			return newStateError(ErrParameterPath, "SecondsPath resolves to a non-number")
		}
		dur = secondsToDuration(n)
	case st.Timestamp != "":
		at, err := time.Parse(time.RFC3339, st.Timestamp)
		if err != nil {
			return newStateError(ErrParameterPath, "bad Timestamp: "+err.Error())
		}
		dur = at.Sub(x.clock.Now())
	case st.TimestampPath != "":
		v, err := getPath(input, st.TimestampPath)
		if err != nil {
			return errors.Trace(err)
		}
		s, ok := v.(string)
		if !ok {
			return newStateError(ErrParameterPath, "TimestampPath resolves to a non-string")
		}
		at, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return newStateError(ErrParameterPath, "bad timestamp: "+err.Error())
		}
		dur = at.Sub(x.clock.Now())
	}
	if dur <= 0 {
		return nil
	}
	if x.maxWait > 0 && dur > x.maxWait {
		dur = x.maxWait
	}
	return x.sleep(ctx, dur)
}

func (x *executor) parallel(ctx context.Context, st *State, input interface{}) (interface{}, error) {
	type branchResult struct {
		index  int
		output interface{}
		err    error
	}
	results := make(chan branchResult, len(st.Branches))
	for i, branch := range st.Branches {
		go func(i int, branch *Definition) {
			output, err := x.runFrom(ctx, branch, branch.StartAt, input)
			results <- branchResult{index: i, output: output, err: err}
		}(i, branch)
	}
	outputs := make([]interface{}, len(st.Branches))
	var firstErr *stateError
	for range st.Branches {
		r := <-results
		if r.err != nil && firstErr == nil {
			se := asStateError(r.err)
			firstErr = newStateError(ErrBranchFailed, se.Error())
		}
		outputs[r.index] = r.output
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return outputs, nil
}

func (x *executor) mapState(ctx context.Context, st *State, input interface{}) (interface{}, error) {
	itemsPath := st.ItemsPath
	if itemsPath == "" {
		itemsPath = "$"
	}
	raw, err := getPath(input, itemsPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, newStateError(ErrParameterPath, "ItemsPath resolves to a non-array")
	}

	concurrency := st.MaxConcurrency
	if concurrency <= 0 || concurrency > len(items) {
		concurrency = len(items)
	}
	if concurrency == 0 {
		return []interface{}{}, nil
	}

	type itemResult struct {
		index  int
		output interface{}
		err    error
	}
	work := make(chan int)
	results := make(chan itemResult, len(items))
	for w := 0; w < concurrency; w++ {
		go func() {
			for i := range work {
				itemInput := items[i]
				if st.Parameters != nil {
					itemContext := map[string]interface{}{
						"Map": map[string]interface{}{
							"Item": map[string]interface{}{
								"Value": items[i],
								"Index": float64(i),
							},
						},
					}
					projected, err := applyParameters(st.Parameters, input, itemContext)
					if err != nil {
						results <- itemResult{index: i, err: newStateError(ErrParameterPath, err.Error())}
						continue
					}
					itemInput = projected
				}
				output, err := x.runFrom(ctx, st.Iterator, st.Iterator.StartAt, itemInput)
				results <- itemResult{index: i, output: output, err: err}
			}
		}()
	}
	go func() {
		for i := range items {
			work <- i
		}
		close(work)
	}()

	outputs := make([]interface{}, len(items))
	var firstErr error
	for range items {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		outputs[r.index] = r.output
	}
	if firstErr != nil {
		return nil, asStateError(firstErr)
	}
	return outputs, nil
}

func (x *executor) sleep(ctx context.Context, d time.Duration) error {
	timer := x.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return newStateError(ErrTimeout, "execution deadline exceeded")
	case <-timer.Chan():
		return nil
	}
}

// applyInputPath projects the state input. Explicit null discards it.
func applyInputPath(st *State, input interface{}) (interface{}, error) {
	if !st.InputPath.set {
		return input, nil
	}
	if st.InputPath.null {
		return map[string]interface{}{}, nil
	}
	out, err := getPath(input, st.InputPath.path)
	return out, errors.Trace(err)
}

// applyResultPath merges result into input. Explicit null discards the
// result; absent replaces the input wholesale.
func applyResultPath(p pathField, input, result interface{}) (interface{}, error) {
	if p.set && p.null {
		return input, nil
	}
	path := "$"
	if p.set {
		path = p.path
	}
	out, err := setPath(cloneValue(input), path, result)
	return out, errors.Trace(err)
}

// cloneValue deep-copies decoded JSON so result-path merges never
// alias state inputs.
func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
