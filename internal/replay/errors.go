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
	"errors"
	"fmt"
)

// ErrQueryNotFound is returned when a run has no handler registered for the
// requested query name.
var ErrQueryNotFound = errors.New("query handler not found")

// ErrQueryRejected is returned when a query handler tries to emit commands.
// Queries answer from a projection and must leave the run untouched.
var ErrQueryRejected = errors.New("query rejected: query handlers must not schedule work")

// errorBlockingFuture is the panic sentinel that unwinds workflow code out of
// a blocking point whose result is not yet in history. The runner recovers it
// and reports the invocation as suspended.
type errorBlockingFuture struct{}

// errorQueryRejected unwinds a query handler that tried to emit commands.
type errorQueryRejected struct{}

// ContinueAsNewError, returned from a workflow function, closes the run and
// atomically starts a successor run with the given input.
type ContinueAsNewError struct {
	Input []any
}

func (e *ContinueAsNewError) Error() string {
	return "workflow continuing as new execution"
}

func NewContinueAsNewError(args ...any) *ContinueAsNewError {
	return &ContinueAsNewError{Input: args}
}

// workflowPanicError wraps a panic raised by workflow code so the runner can
// record it as an application failure instead of crashing the worker.
type workflowPanicError struct {
	value any
}

func (e *workflowPanicError) Error() string {
	return fmt.Sprintf("workflow panic: %v", e.value)
}
