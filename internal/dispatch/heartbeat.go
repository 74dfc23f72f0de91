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

package dispatch

import (
	"context"
	"sync"
	"time"
)

// ActivityInfo identifies the attempt an activity function runs under. It is
// surfaced to authors through the activity package.
type ActivityInfo struct {
	ActivityID   string
	ActivityType string
	WorkflowID   string
	RunID        string
	Attempt      int32

	// HeartbeatDetails is the last progress payload recorded by the previous
	// attempt, if any.
	HeartbeatDetails []any
}

type (
	infoKey      struct{}
	heartbeatKey struct{}
)

// InfoFrom returns the ActivityInfo carried in an activity's context. Zero
// value outside a dispatched activity.
func InfoFrom(ctx context.Context) ActivityInfo {
	if info, ok := ctx.Value(infoKey{}).(ActivityInfo); ok {
		return info
	}
	return ActivityInfo{}
}

// RecordHeartbeat marks the attempt alive and stores a progress payload for
// delivery to the next attempt on retry.
func RecordHeartbeat(ctx context.Context, details ...any) {
	if rec, ok := ctx.Value(heartbeatKey{}).(*heartbeatRecorder); ok {
		rec.beat(details)
	}
}

// heartbeatRecorder tracks the last heartbeat of one attempt.
type heartbeatRecorder struct {
	mu      sync.Mutex
	last    time.Time
	details []any
}

func newHeartbeatRecorder(start time.Time) *heartbeatRecorder {
	return &heartbeatRecorder{last: start}
}

func (r *heartbeatRecorder) beat(details []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = time.Now()
	if len(details) > 0 {
		r.details = details
	}
}

func (r *heartbeatRecorder) lastBeat() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *heartbeatRecorder) lastDetails() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.details
}
