// Copyright 2025 The keel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package replay re-executes workflow functions against recorded history.
// Workflow code never runs against live state: every invocation replays the
// run from the first event, consuming recorded decisions in order and
// emitting commands only once execution moves past what history already
// covers. A divergence between a command and the event recorded at the same
// position is fatal for the run.
package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
)

// Outcome is the result of replaying one workflow task.
type Outcome struct {
	// Commands to be converted to events and appended, in emission order.
	Commands []api.Command

	// Suspended is set when the workflow blocked on an unresolved future,
	// timer, or signal. The run stays open and waits for the next resolution.
	Suspended bool

	// PendingSignals are recorded signals the run never consumed, in arrival
	// order. Carried over when the run continues as new.
	PendingSignals []*api.SignalReceived
}

// Runner replays workflow functions from history.
type Runner struct {
	registry  *Registry
	converter *serde.TypeConverter
	logger    *slog.Logger
}

func NewRunner(registry *Registry, s serde.BinarySerde, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry:  registry,
		converter: serde.NewTypeConverter(s),
		logger:    logger,
	}
}

// ExecuteWorkflowTask replays the run against its full history and returns
// the commands the workflow decided on. A returned *api.NonDeterminismError
// is fatal for the run and must not be retried.
func (r *Runner) ExecuteWorkflowTask(runID string, events []api.Event) (*Outcome, error) {
	state, err := newRunState(runID, events)
	if err != nil {
		return nil, err
	}
	fn, ok := r.registry.Workflow(state.info.WorkflowType)
	if !ok {
		return nil, fmt.Errorf("workflow type %q not registered", state.info.WorkflowType)
	}
	return r.invoke(state, fn)
}

// ExecuteQuery replays the run into an ephemeral projection and invokes the
// named query handler against it. Nothing is persisted; a handler that tries
// to schedule work fails with ErrQueryRejected.
func (r *Runner) ExecuteQuery(runID string, events []api.Event, queryName string, args []any) (any, error) {
	state, err := newRunState(runID, events)
	if err != nil {
		return nil, err
	}
	fn, ok := r.registry.Workflow(state.info.WorkflowType)
	if !ok {
		return nil, fmt.Errorf("workflow type %q not registered", state.info.WorkflowType)
	}
	if _, err := r.invoke(state, fn); err != nil {
		return nil, err
	}

	handler, ok := state.queryHandlers[queryName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrQueryNotFound, queryName)
	}

	state.readOnly = true
	defer func() { state.readOnly = false }()
	return r.callQueryHandler(handler, args)
}

// invoke runs the workflow function, translating the panic-based control flow
// into an Outcome.
func (r *Runner) invoke(state *runState, fn any) (out *Outcome, err error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		switch v := p.(type) {
		case errorBlockingFuture:
			out = &Outcome{
				Commands:       state.commands,
				Suspended:      true,
				PendingSignals: state.pendingSignals(),
			}
		case *api.NonDeterminismError:
			out, err = nil, v
		default:
			// A panic in workflow code is deterministic under replay, so
			// retrying cannot help. Record it as an application failure.
			r.logger.Error("workflow panicked",
				"run_id", state.runID,
				"workflow_type", state.info.WorkflowType,
				"panic", v,
			)
			state.commands = append(state.commands, &api.FailWorkflowCommand{
				Failure: api.FailureFromError(&workflowPanicError{value: v}),
			})
			out = &Outcome{
				Commands:       state.commands,
				PendingSignals: state.pendingSignals(),
			}
		}
	}()

	wfCtx := newWorkflowContext(state, r.converter, r.logger)
	results, retErr, invokeErr := r.callWorkflowFn(fn, wfCtx, state.started().Input)
	if invokeErr != nil {
		return nil, invokeErr
	}

	// Returning with recorded scheduling events still unmatched is a
	// divergence: the original execution issued decisions this code never did.
	if state.schedCursor < len(state.schedIdx) {
		e := state.events[state.schedIdx[state.schedCursor]]
		state.nonDeterminism(e, e.Attrs.EventName(), "workflow returned")
	}

	switch {
	case retErr == nil:
		state.commands = append(state.commands, &api.CompleteWorkflowCommand{Result: results})
	default:
		var continueAsNew *ContinueAsNewError
		if errors.As(retErr, &continueAsNew) {
			state.commands = append(state.commands, &api.ContinueAsNewCommand{Input: continueAsNew.Input})
		} else {
			state.commands = append(state.commands, &api.FailWorkflowCommand{
				Failure: api.FailureFromError(retErr),
			})
		}
	}

	return &Outcome{
		Commands:       state.commands,
		PendingSignals: state.pendingSignals(),
	}, nil
}

// callWorkflowFn invokes fn(ctx, input...) by reflection. The second return
// is the error the workflow returned; the third reports an invocation
// problem (bad arity, unconvertible input).
func (r *Runner) callWorkflowFn(fn any, ctx Context, input []any) ([]any, error, error) {
	t := reflect.TypeOf(fn)
	if t.IsVariadic() {
		return nil, nil, fmt.Errorf("variadic workflow functions are not supported")
	}
	if len(input) != t.NumIn()-1 {
		return nil, nil, fmt.Errorf("workflow expects %d arguments, history has %d", t.NumIn()-1, len(input))
	}

	in := make([]reflect.Value, 0, t.NumIn())
	in = append(in, reflect.ValueOf(ctx))
	for i, arg := range input {
		v, err := r.converter.ConvertToType(arg, t.In(i+1))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to convert workflow argument %d: %w", i, err)
		}
		in = append(in, v)
	}

	outs := reflect.ValueOf(fn).Call(in)

	var retErr error
	if last := outs[len(outs)-1]; !last.IsNil() {
		retErr = last.Interface().(error)
	}
	results := make([]any, 0, len(outs)-1)
	for _, v := range outs[:len(outs)-1] {
		results = append(results, v.Interface())
	}
	return results, retErr, nil
}

func (r *Runner) callQueryHandler(handler any, args []any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			if _, rejected := p.(errorQueryRejected); rejected {
				result, err = nil, ErrQueryRejected
				return
			}
			if _, blocked := p.(errorBlockingFuture); blocked {
				result, err = nil, ErrQueryRejected
				return
			}
			result, err = nil, fmt.Errorf("query handler panicked: %v", p)
		}
	}()

	t := reflect.TypeOf(handler)
	if t.IsVariadic() {
		return nil, fmt.Errorf("variadic query handlers are not supported")
	}
	if len(args) != t.NumIn() {
		return nil, fmt.Errorf("query expects %d arguments, got %d", t.NumIn(), len(args))
	}

	in := make([]reflect.Value, 0, t.NumIn())
	for i, arg := range args {
		v, cerr := r.converter.ConvertToType(arg, t.In(i))
		if cerr != nil {
			return nil, fmt.Errorf("failed to convert query argument %d: %w", i, cerr)
		}
		in = append(in, v)
	}

	outs := reflect.ValueOf(handler).Call(in)
	if len(outs) == 2 && !outs[1].IsNil() {
		return nil, outs[1].Interface().(error)
	}
	return outs[0].Interface(), nil
}
