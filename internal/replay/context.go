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

package replay

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"time"

	uuid "github.com/gofrs/uuid/v5"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
)

// Context is the only capability surface available to workflow code. Every
// method is deterministic: given the same history it observes the same
// values, emits the same commands, and blocks at the same points.
type Context interface {
	context.Context

	// ExecuteActivity schedules one invocation of the named registered
	// activity and returns a future for its result.
	ExecuteActivity(activityType string, args ...any) Future

	// Sleep blocks the workflow on a durable timer.
	Sleep(d time.Duration) error

	// Now returns workflow time: the timestamp of the latest applied history
	// event, never the wall clock.
	Now() time.Time

	// NewID returns a deterministic unique ID derived from the run and an
	// invocation counter. Stable across replays.
	NewID() string

	// GetSignalChannel returns the receive side of the named signal.
	GetSignalChannel(name string) SignalChannel

	// SetQueryHandler registers a read-only handler answering the named query
	// from workflow state.
	SetQueryHandler(name string, handler any) error

	// Info identifies the current workflow execution.
	Info() WorkflowInfo

	// WithValue derives a context carrying a value, like context.WithValue.
	WithValue(key, value any) Context

	// Logger returns a logger scoped to the run. Suppressed during queries.
	Logger() *slog.Logger
}

var _ Context = (*workflowContext)(nil)

type workflowContext struct {
	context.Context

	state     *runState
	converter *serde.TypeConverter
	logger    *slog.Logger
}

func newWorkflowContext(state *runState, converter *serde.TypeConverter, logger *slog.Logger) *workflowContext {
	return &workflowContext{
		Context:   context.Background(),
		state:     state,
		converter: converter,
		logger: logger.With(
			"run_id", state.info.RunID,
			"workflow_type", state.info.WorkflowType,
		),
	}
}

type activityOptionsKey struct{}

// ActivityOptions tune how scheduled activities run and retry.
type ActivityOptions struct {
	// StartToCloseTimeout bounds a single attempt. Zero means unlimited.
	StartToCloseTimeout time.Duration

	// ScheduleToCloseTimeout bounds the activity across all attempts.
	ScheduleToCloseTimeout time.Duration

	// HeartbeatTimeout cancels an attempt whose last heartbeat is older than
	// this. Zero disables heartbeat monitoring.
	HeartbeatTimeout time.Duration

	RetryPolicy *RetryPolicy
}

// RetryPolicy is the author-facing duration-based form of api.RetryPolicy.
type RetryPolicy struct {
	InitialInterval        time.Duration
	BackoffCoefficient     float64
	MaximumInterval        time.Duration
	MaximumAttempts        int32
	NonRetryableErrorKinds []string
}

func (p *RetryPolicy) toAPI() *api.RetryPolicy {
	if p == nil {
		return nil
	}
	return &api.RetryPolicy{
		InitialIntervalMs:      p.InitialInterval.Milliseconds(),
		BackoffCoefficient:     p.BackoffCoefficient,
		MaximumIntervalMs:      p.MaximumInterval.Milliseconds(),
		MaximumAttempts:        p.MaximumAttempts,
		NonRetryableErrorKinds: p.NonRetryableErrorKinds,
	}
}

// WithActivityOptions derives a context applying opts to every activity
// scheduled through it.
func WithActivityOptions(ctx Context, opts ActivityOptions) Context {
	return ctx.WithValue(activityOptionsKey{}, opts)
}

func activityOptionsFrom(ctx Context) *ActivityOptions {
	if v := ctx.Value(activityOptionsKey{}); v != nil {
		opts := v.(ActivityOptions)
		return &opts
	}
	return nil
}

func (c *workflowContext) ExecuteActivity(activityType string, args ...any) Future {
	if c.state.readOnly {
		panic(errorQueryRejected{})
	}

	c.state.nextActivitySeq++
	activityID := fmt.Sprintf("activity:%d", c.state.nextActivitySeq)

	if e, ok := c.state.nextScheduled(); ok {
		sched, isActivity := e.Attrs.(*api.ActivityScheduled)
		if !isActivity {
			c.state.nonDeterminism(e, e.Attrs.EventName(),
				fmt.Sprintf("schedule activity %s (%s)", activityType, activityID))
		}
		if sched.ActivityID != activityID || sched.ActivityType != activityType {
			c.state.nonDeterminism(e,
				fmt.Sprintf("schedule activity %s (%s)", sched.ActivityType, sched.ActivityID),
				fmt.Sprintf("schedule activity %s (%s)", activityType, activityID))
		}
		if res, resolved := c.state.activityResults[activityID]; resolved {
			c.state.advanceTime(res)
			switch attrs := res.Attrs.(type) {
			case *api.ActivityCompleted:
				return &blockingFuture{resolved: true, value: attrs.Result, converter: c.converter}
			case *api.ActivityFailed:
				failure := attrs.Failure
				return &blockingFuture{resolved: true, err: &failure, converter: c.converter}
			}
		}
		return &blockingFuture{state: c.state, converter: c.converter}
	}

	// Past recorded history: this is a fresh decision. A visible cancel stops
	// new work from being scheduled.
	if c.state.cancelVisible() {
		return &blockingFuture{resolved: true, err: cancelledFailure(), converter: c.converter}
	}

	cmd := &api.ScheduleActivityCommand{
		ActivityID:   activityID,
		ActivityType: activityType,
		Input:        args,
	}
	if opts := activityOptionsFrom(c); opts != nil {
		cmd.StartToCloseTimeoutMs = opts.StartToCloseTimeout.Milliseconds()
		cmd.ScheduleToCloseTimeoutMs = opts.ScheduleToCloseTimeout.Milliseconds()
		cmd.HeartbeatTimeoutMs = opts.HeartbeatTimeout.Milliseconds()
		cmd.RetryPolicy = opts.RetryPolicy.toAPI()
	}
	c.state.emit(cmd)

	return &blockingFuture{state: c.state, converter: c.converter}
}

func (c *workflowContext) Sleep(d time.Duration) error {
	if c.state.readOnly {
		panic(errorQueryRejected{})
	}

	c.state.nextTimerSeq++
	timerID := fmt.Sprintf("timer:%d", c.state.nextTimerSeq)

	if e, ok := c.state.nextScheduled(); ok {
		started, isTimer := e.Attrs.(*api.TimerStarted)
		if !isTimer {
			c.state.nonDeterminism(e, e.Attrs.EventName(),
				fmt.Sprintf("start timer %s (%s)", timerID, d))
		}
		if started.TimerID != timerID || started.DurationMs != d.Milliseconds() {
			c.state.nonDeterminism(e,
				fmt.Sprintf("start timer %s (%dms)", started.TimerID, started.DurationMs),
				fmt.Sprintf("start timer %s (%dms)", timerID, d.Milliseconds()))
		}
		if fired, ok := c.state.timersFired[timerID]; ok {
			c.state.advanceTime(fired)
			return nil
		}
		if c.state.cancelVisible() {
			return cancelledFailure()
		}
		panic(errorBlockingFuture{})
	}

	if c.state.cancelVisible() {
		return cancelledFailure()
	}
	c.state.emit(&api.StartTimerCommand{TimerID: timerID, DurationMs: d.Milliseconds()})
	panic(errorBlockingFuture{})
}

func (c *workflowContext) Now() time.Time {
	return c.state.now
}

func (c *workflowContext) NewID() string {
	c.state.nextIDSeq++
	ns := uuid.NewV5(uuid.NamespaceURL, "keel:run:"+c.state.runID)
	return uuid.NewV5(ns, strconv.FormatUint(c.state.nextIDSeq, 10)).String()
}

func (c *workflowContext) GetSignalChannel(name string) SignalChannel {
	return &signalChannel{name: name, state: c.state, converter: c.converter}
}

func (c *workflowContext) SetQueryHandler(name string, handler any) error {
	if handler == nil {
		return fmt.Errorf("nil query handler for %q", name)
	}
	t := reflect.TypeOf(handler)
	if t.Kind() != reflect.Func {
		return fmt.Errorf("query handler for %q must be a function, got %s", name, t.Kind())
	}
	if t.NumOut() == 0 || t.NumOut() > 2 {
		return fmt.Errorf("query handler for %q must return (result) or (result, error)", name)
	}
	if t.NumOut() == 2 && !t.Out(1).Implements(errorType) {
		return fmt.Errorf("query handler for %q second return value must be error", name)
	}
	c.state.queryHandlers[name] = handler
	return nil
}

func (c *workflowContext) Info() WorkflowInfo {
	return c.state.info
}

func (c *workflowContext) WithValue(key, value any) Context {
	return &workflowContext{
		Context:   context.WithValue(c.Context, key, value),
		state:     c.state,
		converter: c.converter,
		logger:    c.logger,
	}
}

func (c *workflowContext) Logger() *slog.Logger {
	if c.state.readOnly {
		return slog.New(discardHandler{})
	}
	return c.logger
}

// Done closes once the cancel request becomes visible at the current replay
// position.
func (c *workflowContext) Done() <-chan struct{} {
	if c.state.cancelVisible() {
		return closedChan
	}
	return nil
}

func (c *workflowContext) Err() error {
	if c.state.cancelVisible() {
		return context.Canceled
	}
	return nil
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func cancelledFailure() *api.Failure {
	return &api.Failure{
		Kind:         api.FailureKindCancelled,
		Message:      "workflow cancel requested",
		NonRetryable: true,
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
