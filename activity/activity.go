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

// Package activity is the surface activity authors write against. Activities
// run outside replay: they may use the clock, network, and anything else,
// but should be idempotent since delivery is at-least-once.
package activity

import (
	"context"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/internal/dispatch"
)

// Info identifies the attempt an activity runs under, including the last
// heartbeat payload recorded by the previous attempt.
type Info = dispatch.ActivityInfo

// GetInfo returns the Info for the current attempt.
func GetInfo(ctx context.Context) Info {
	return dispatch.InfoFrom(ctx)
}

// RecordHeartbeat marks the attempt alive and optionally stores progress
// details for the next attempt. Long-running activities with a heartbeat
// timeout must call this periodically or the attempt is cancelled.
func RecordHeartbeat(ctx context.Context, details ...any) {
	dispatch.RecordHeartbeat(ctx, details...)
}

// NewRetryableError returns an error retried per the activity's retry
// policy, unless errType is listed in the policy's non-retryable kinds.
func NewRetryableError(errType, message string) error {
	return &api.Failure{
		Kind:    api.FailureKindApplication,
		ErrType: errType,
		Message: message,
	}
}

// NewNonRetryableError returns an error that stops retrying immediately,
// regardless of the retry policy. Use for validation failures where retrying
// cannot change the outcome.
func NewNonRetryableError(errType, message string) error {
	return &api.Failure{
		Kind:         api.FailureKindApplication,
		ErrType:      errType,
		Message:      message,
		NonRetryable: true,
	}
}
