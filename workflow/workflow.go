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

// Package workflow is the surface workflow authors write against.
//
// Workflow functions must be deterministic: all side effects go through the
// Context, which replays recorded decisions from history. Direct use of the
// clock, random numbers, goroutines, or I/O inside a workflow function breaks
// replay and eventually fails the run with a non-determinism error.
package workflow

import (
	"log/slog"
	"time"

	"github.com/keelflow/keel/internal/replay"
)

type (
	// Context carries all capabilities available to workflow code.
	Context = replay.Context

	// Future is the pending result of a scheduled activity.
	Future = replay.Future

	// SignalChannel receives named external signals in arrival order.
	SignalChannel = replay.SignalChannel

	// Info identifies the current workflow execution.
	Info = replay.WorkflowInfo

	// ActivityOptions tune scheduling, timeouts, and retries per activity.
	ActivityOptions = replay.ActivityOptions

	// RetryPolicy is the duration-based retry configuration.
	RetryPolicy = replay.RetryPolicy

	// ContinueAsNewError closes the run and starts a successor with new input.
	ContinueAsNewError = replay.ContinueAsNewError
)

// ExecuteActivity schedules the named activity and returns a future for its
// result.
func ExecuteActivity(ctx Context, activityType string, args ...any) Future {
	return ctx.ExecuteActivity(activityType, args...)
}

// Sleep blocks the workflow on a durable timer. The workflow suspends and is
// resumed when the timer fires, surviving worker restarts in between.
func Sleep(ctx Context, d time.Duration) error {
	return ctx.Sleep(d)
}

// Now returns workflow time, stable under replay. Never use time.Now in
// workflow code.
func Now(ctx Context) time.Time {
	return ctx.Now()
}

// NewID returns a unique ID that is stable under replay. Never use random
// IDs in workflow code.
func NewID(ctx Context) string {
	return ctx.NewID()
}

// GetSignalChannel returns the receive side of the named signal.
func GetSignalChannel(ctx Context, name string) SignalChannel {
	return ctx.GetSignalChannel(name)
}

// SetQueryHandler registers a handler answering the named query from
// workflow state. Handlers must be read-only; scheduling work from a handler
// rejects the query.
func SetQueryHandler(ctx Context, name string, handler any) error {
	return ctx.SetQueryHandler(name, handler)
}

// GetInfo identifies the current execution.
func GetInfo(ctx Context) Info {
	return ctx.Info()
}

// GetLogger returns a replay-safe logger scoped to the run.
func GetLogger(ctx Context) *slog.Logger {
	return ctx.Logger()
}

// WithActivityOptions derives a context applying opts to every activity
// scheduled through it.
func WithActivityOptions(ctx Context, opts ActivityOptions) Context {
	return replay.WithActivityOptions(ctx, opts)
}

// NewContinueAsNewError returns the error a workflow function returns to
// close the current run and start a successor with the given input.
// Undelivered signals carry over to the successor; pending timers do not.
func NewContinueAsNewError(args ...any) error {
	return replay.NewContinueAsNewError(args...)
}
