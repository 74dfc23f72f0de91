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
	"math"
	"time"
)

// RetryPolicy governs the backoff schedule for failed activity attempts.
// Durations are carried as milliseconds so the policy serializes identically
// under every configured serde.
type RetryPolicy struct {
	// InitialIntervalMs is the backoff before the first retry. Defaults to 1s.
	InitialIntervalMs int64 `json:"initial_interval_ms,omitempty"`

	// BackoffCoefficient multiplies the interval per attempt. Must be >= 1;
	// defaults to 2.0.
	BackoffCoefficient float64 `json:"backoff_coefficient,omitempty"`

	// MaximumIntervalMs caps the backoff. Defaults to 100x the initial
	// interval.
	MaximumIntervalMs int64 `json:"maximum_interval_ms,omitempty"`

	// MaximumAttempts counts the first attempt. Zero means a single attempt
	// and no retries.
	MaximumAttempts int32 `json:"maximum_attempts,omitempty"`

	// NonRetryableErrorKinds stops retrying when the failure's ErrType matches.
	NonRetryableErrorKinds []string `json:"non_retryable_error_kinds,omitempty"`
}

// NextBackoff returns the delay before retrying after the given attempt
// (1-based): min(initial * coefficient^(attempt-1), maximum).
func (r *RetryPolicy) NextBackoff(attempt int32) time.Duration {
	initial := time.Duration(r.InitialIntervalMs) * time.Millisecond
	if initial <= 0 {
		initial = time.Second
	}
	coefficient := r.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 2.0
	}
	maximum := time.Duration(r.MaximumIntervalMs) * time.Millisecond
	if maximum <= 0 {
		maximum = 100 * initial
	}

	backoff := time.Duration(float64(initial) * math.Pow(coefficient, float64(attempt-1)))
	// High attempt counts overflow the float product and the duration
	// conversion can wrap negative; anything outside (0, maximum] is capped.
	if backoff <= 0 || backoff > maximum {
		backoff = maximum
	}
	return backoff
}
