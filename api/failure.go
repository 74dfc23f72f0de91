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

package api

import (
	"errors"
	"fmt"
)

// FailureKind classifies terminal failures so callers can branch on them.
type FailureKind string

const (
	// FailureKindApplication is an error returned by workflow or activity code.
	FailureKindApplication FailureKind = "application"

	// FailureKindTimeout covers start-to-close, heartbeat, and workflow
	// execution timeouts. Distinguishable from explicit failures so
	// compensation logic can treat them differently.
	FailureKindTimeout FailureKind = "timeout"

	// FailureKindCancelled marks a run or attempt stopped by a cancel request.
	FailureKindCancelled FailureKind = "cancelled"

	// FailureKindNonDeterminism marks a fatal replay divergence. Runs in this
	// state are never retried: retrying would reproduce the divergence.
	FailureKindNonDeterminism FailureKind = "non_determinism"
)

// Failure is the serializable error value carried in events. ErrType is the
// application-level error type matched against RetryPolicy's non-retryable
// kinds.
type Failure struct {
	Kind         FailureKind `json:"kind"`
	ErrType      string      `json:"err_type,omitempty"`
	Message      string      `json:"message"`
	NonRetryable bool        `json:"non_retryable,omitempty"`
	Cause        *Failure    `json:"cause,omitempty"`
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s", f.Message, f.Cause.Error())
	}
	return f.Message
}

func (f *Failure) Unwrap() error {
	if f.Cause == nil {
		return nil
	}
	return f.Cause
}

// FailureFromError converts an arbitrary error into a Failure, preserving an
// existing Failure and its chain.
func FailureFromError(err error) Failure {
	var f *Failure
	if errors.As(err, &f) {
		return *f
	}
	return Failure{Kind: FailureKindApplication, Message: err.Error()}
}

// NonDeterminismError reports that replaying a workflow against its history
// produced a command that does not match the recorded event at the same
// position.
type NonDeterminismError struct {
	RunID    string
	EventID  int64
	Expected string
	Got      string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic workflow: run %s event %d expected %s, got %s",
		e.RunID, e.EventID, e.Expected, e.Got)
}
