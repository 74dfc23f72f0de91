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

// Package dispatch executes single activity attempts: function invocation
// with converted inputs, start-to-close timeout, heartbeat watchdog, and
// failure classification. Retrying is the caller's decision; ShouldRetry
// evaluates the policy.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"time"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
	"github.com/keelflow/keel/internal/replay"
)

const defaultWatchdogPrecision = time.Second

// Outcome is the classified result of one activity attempt.
type Outcome struct {
	// Result holds the function's return values when the attempt succeeded.
	Result []any

	// Failure is set when the attempt failed, with Kind distinguishing
	// application errors from timeouts and cancellation.
	Failure *api.Failure

	// HeartbeatDetails is the last progress payload the attempt recorded,
	// delivered to the next attempt on retry.
	HeartbeatDetails []any
}

// Dispatcher runs activity attempts against the registry.
type Dispatcher struct {
	registry  *replay.Registry
	converter *serde.TypeConverter
	logger    *slog.Logger

	// watchdogPrecision bounds how late a heartbeat timeout is detected.
	watchdogPrecision time.Duration
}

type DispatcherOption func(*Dispatcher)

// WithWatchdogPrecision tightens heartbeat checks; tests use small values.
func WithWatchdogPrecision(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.watchdogPrecision = d }
}

func NewDispatcher(registry *replay.Registry, s serde.BinarySerde, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		registry:          registry,
		converter:         serde.NewTypeConverter(s),
		logger:            logger,
		watchdogPrecision: defaultWatchdogPrecision,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs one attempt of the task's activity. It never returns a raw
// error: every failure is classified into the Outcome so the caller can
// evaluate the retry policy.
func (d *Dispatcher) Execute(ctx context.Context, task *api.ActivityTask) *Outcome {
	fn, ok := d.registry.Activity(task.ActivityType)
	if !ok {
		return &Outcome{Failure: &api.Failure{
			Kind:         api.FailureKindApplication,
			ErrType:      "NotRegistered",
			Message:      fmt.Sprintf("activity type %q not registered", task.ActivityType),
			NonRetryable: true,
		}}
	}

	// A schedule-to-close budget spent across earlier attempts fails the
	// activity before this attempt starts.
	if task.ScheduleToCloseTimeoutMs > 0 && task.ScheduledAtMs > 0 {
		deadline := time.UnixMilli(task.ScheduledAtMs).Add(time.Duration(task.ScheduleToCloseTimeoutMs) * time.Millisecond)
		if !time.Now().Before(deadline) {
			return &Outcome{Failure: &api.Failure{
				Kind:         api.FailureKindTimeout,
				Message:      "activity schedule-to-close timeout exceeded",
				NonRetryable: true,
			}}
		}
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if task.StartToCloseTimeoutMs > 0 {
		var cancelTimeout context.CancelFunc
		attemptCtx, cancelTimeout = context.WithTimeout(attemptCtx, time.Duration(task.StartToCloseTimeoutMs)*time.Millisecond)
		defer cancelTimeout()
	}

	recorder := newHeartbeatRecorder(time.Now())
	attemptCtx = context.WithValue(attemptCtx, infoKey{}, ActivityInfo{
		ActivityID:       task.ActivityID,
		ActivityType:     task.ActivityType,
		WorkflowID:       task.WorkflowID,
		RunID:            task.RunID,
		Attempt:          task.Attempt,
		HeartbeatDetails: task.HeartbeatDetails,
	})
	attemptCtx = context.WithValue(attemptCtx, heartbeatKey{}, recorder)

	if task.HeartbeatTimeoutMs > 0 {
		stopWatchdog := d.startWatchdog(attemptCtx, cancel, recorder,
			time.Duration(task.HeartbeatTimeoutMs)*time.Millisecond)
		defer stopWatchdog()
	}

	results, err := d.call(attemptCtx, fn, task.Input)
	out := &Outcome{HeartbeatDetails: recorder.lastDetails()}
	if err == nil {
		out.Result = results
		return out
	}

	failure := api.FailureFromError(err)
	if attemptCtx.Err() != nil {
		failure = d.classifyContextFailure(attemptCtx, failure)
	}
	out.Failure = &failure

	d.logger.Debug("activity attempt failed",
		"run_id", task.RunID,
		"activity_id", task.ActivityID,
		"attempt", task.Attempt,
		"kind", failure.Kind,
		"error", failure.Message,
	)
	return out
}

// startWatchdog cancels the attempt when heartbeats stop for longer than the
// heartbeat timeout. Cancellation is cooperative: the activity function must
// observe its context.
func (d *Dispatcher) startWatchdog(ctx context.Context, cancel context.CancelCauseFunc, recorder *heartbeatRecorder, timeout time.Duration) func() {
	interval := min(timeout/2, d.watchdogPrecision)
	if interval <= 0 {
		interval = d.watchdogPrecision
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if time.Since(recorder.lastBeat()) > timeout {
					cancel(errHeartbeatTimeout)
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

var errHeartbeatTimeout = fmt.Errorf("activity heartbeat timeout")

// classifyContextFailure maps a context-driven abort onto the failure
// taxonomy: deadline and heartbeat expiry are retryable timeouts, an external
// cancel is not a failure to retry.
func (d *Dispatcher) classifyContextFailure(ctx context.Context, fallback api.Failure) api.Failure {
	if cause := context.Cause(ctx); cause == errHeartbeatTimeout {
		return api.Failure{
			Kind:    api.FailureKindTimeout,
			Message: "activity heartbeat timeout",
			Cause:   &fallback,
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return api.Failure{
			Kind:    api.FailureKindTimeout,
			Message: "activity start-to-close timeout",
			Cause:   &fallback,
		}
	}
	return api.Failure{
		Kind:         api.FailureKindCancelled,
		Message:      "activity cancelled",
		NonRetryable: true,
		Cause:        &fallback,
	}
}

func (d *Dispatcher) call(ctx context.Context, fn any, input []any) (results []any, err error) {
	defer func() {
		if p := recover(); p != nil {
			results, err = nil, fmt.Errorf("activity panic: %v", p)
		}
	}()

	t := reflect.TypeOf(fn)
	if t.IsVariadic() {
		return nil, fmt.Errorf("variadic activity functions are not supported")
	}
	if len(input) != t.NumIn()-1 {
		return nil, fmt.Errorf("activity expects %d arguments, got %d", t.NumIn()-1, len(input))
	}

	in := make([]reflect.Value, 0, t.NumIn())
	in = append(in, reflect.ValueOf(ctx))
	for i, arg := range input {
		v, cerr := d.converter.ConvertToType(arg, t.In(i+1))
		if cerr != nil {
			return nil, fmt.Errorf("failed to convert activity argument %d: %w", i, cerr)
		}
		in = append(in, v)
	}

	outs := reflect.ValueOf(fn).Call(in)
	if last := outs[len(outs)-1]; !last.IsNil() {
		return nil, last.Interface().(error)
	}
	results = make([]any, 0, len(outs)-1)
	for _, v := range outs[:len(outs)-1] {
		results = append(results, v.Interface())
	}
	return results, nil
}

// ShouldRetry decides whether the attempt's failure warrants another attempt
// under the policy. Attempt is 1-based and counts the attempt that just
// failed. A nil policy means a single attempt.
func ShouldRetry(policy *api.RetryPolicy, attempt int32, failure *api.Failure) bool {
	if failure == nil || failure.NonRetryable {
		return false
	}
	if failure.Kind == api.FailureKindCancelled {
		return false
	}
	if policy == nil {
		return false
	}
	maxAttempts := policy.MaximumAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if attempt >= maxAttempts {
		return false
	}
	if failure.ErrType != "" && slices.Contains(policy.NonRetryableErrorKinds, failure.ErrType) {
		return false
	}
	return true
}
