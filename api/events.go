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
	"fmt"
	"time"
)

// Event is one durable fact in a run's append-only history. IDs start at 1
// and increase by exactly one per event; the ID of the last event is the
// history version used for optimistic appends.
type Event struct {
	ID    int64           `json:"id"`
	Time  time.Time       `json:"time"`
	Attrs EventAttributes `json:"attrs"`
}

// EventAttributes is the tagged payload of an Event.
type EventAttributes interface {
	EventName() string

	isWorkflowEvent()
}

var _ EventAttributes = (*WorkflowStarted)(nil)
var _ EventAttributes = (*ActivityScheduled)(nil)
var _ EventAttributes = (*ActivityStarted)(nil)
var _ EventAttributes = (*ActivityCompleted)(nil)
var _ EventAttributes = (*ActivityFailed)(nil)
var _ EventAttributes = (*ActivityRetryScheduled)(nil)
var _ EventAttributes = (*TimerStarted)(nil)
var _ EventAttributes = (*TimerFired)(nil)
var _ EventAttributes = (*SignalReceived)(nil)
var _ EventAttributes = (*WorkflowCancelRequested)(nil)
var _ EventAttributes = (*WorkflowCompleted)(nil)
var _ EventAttributes = (*WorkflowFailed)(nil)
var _ EventAttributes = (*WorkflowContinuedAsNew)(nil)

// -- Workflow Started Event --
type WorkflowStarted struct {
	WorkflowID   string `json:"workflow_id"`
	WorkflowType string `json:"workflow_type"`
	Input        []any  `json:"input"`
	TaskQueue    string `json:"task_queue"`

	// ExecutionTimeoutMs bounds the whole run; zero means unlimited.
	ExecutionTimeoutMs int64 `json:"execution_timeout_ms,omitempty"`

	// ContinuedFromRunID is set when this run is the successor of a
	// ContinueAsNew.
	ContinuedFromRunID string `json:"continued_from_run_id,omitempty"`
}

func (*WorkflowStarted) EventName() string { return "workflow/started" }
func (*WorkflowStarted) isWorkflowEvent()  {}

// -- Activity Scheduled Event --
type ActivityScheduled struct {
	ActivityID   string `json:"activity_id"`
	ActivityType string `json:"activity_type"`
	Input        []any  `json:"input"`

	RetryPolicy              *RetryPolicy `json:"retry_policy,omitempty"`
	StartToCloseTimeoutMs    int64        `json:"start_to_close_timeout_ms,omitempty"`
	ScheduleToCloseTimeoutMs int64        `json:"schedule_to_close_timeout_ms,omitempty"`
	HeartbeatTimeoutMs       int64        `json:"heartbeat_timeout_ms,omitempty"`
}

func (*ActivityScheduled) EventName() string { return "activity/scheduled" }
func (*ActivityScheduled) isWorkflowEvent()  {}

// -- Activity Started Event --
type ActivityStarted struct {
	ActivityID string `json:"activity_id"`
	Attempt    int32  `json:"attempt"`
}

func (*ActivityStarted) EventName() string { return "activity/started" }
func (*ActivityStarted) isWorkflowEvent()  {}

// -- Activity Completed Event --
type ActivityCompleted struct {
	ActivityID string `json:"activity_id"`
	Result     []any  `json:"result"`
}

func (*ActivityCompleted) EventName() string { return "activity/completed" }
func (*ActivityCompleted) isWorkflowEvent()  {}

// -- Activity Failed Event --
//
// Recorded only once retries are exhausted or the failure is non-retryable;
// it resolves the activity from the workflow's point of view.
type ActivityFailed struct {
	ActivityID string  `json:"activity_id"`
	Failure    Failure `json:"failure"`
	Attempts   int32   `json:"attempts"`
}

func (*ActivityFailed) EventName() string { return "activity/failed" }
func (*ActivityFailed) isWorkflowEvent()  {}

// -- Activity Retry Scheduled Event --
//
// Informational: replay skips these and waits for the final resolution event.
type ActivityRetryScheduled struct {
	ActivityID string  `json:"activity_id"`
	Attempt    int32   `json:"attempt"`
	Failure    Failure `json:"failure"`
	BackoffMs  int64   `json:"backoff_ms"`
}

func (*ActivityRetryScheduled) EventName() string { return "activity/retry-scheduled" }
func (*ActivityRetryScheduled) isWorkflowEvent()  {}

// -- Timer Started Event --
type TimerStarted struct {
	TimerID    string `json:"timer_id"`
	DurationMs int64  `json:"duration_ms"`
}

func (*TimerStarted) EventName() string { return "timer/started" }
func (*TimerStarted) isWorkflowEvent()  {}

// -- Timer Fired Event --
type TimerFired struct {
	TimerID string `json:"timer_id"`
}

func (*TimerFired) EventName() string { return "timer/fired" }
func (*TimerFired) isWorkflowEvent()  {}

// -- Signal Received Event --
type SignalReceived struct {
	Name    string `json:"name"`
	Payload []any  `json:"payload"`
}

func (*SignalReceived) EventName() string { return "signal/received" }
func (*SignalReceived) isWorkflowEvent()  {}

// -- Workflow Cancel Requested Event --
type WorkflowCancelRequested struct {
	Reason string `json:"reason,omitempty"`
}

func (*WorkflowCancelRequested) EventName() string { return "workflow/cancel-requested" }
func (*WorkflowCancelRequested) isWorkflowEvent()  {}

// -- Workflow Completed Event --
type WorkflowCompleted struct {
	Result []any `json:"result"`
}

func (*WorkflowCompleted) EventName() string { return "workflow/completed" }
func (*WorkflowCompleted) isWorkflowEvent()  {}

// -- Workflow Failed Event --
type WorkflowFailed struct {
	Failure Failure `json:"failure"`
}

func (*WorkflowFailed) EventName() string { return "workflow/failed" }
func (*WorkflowFailed) isWorkflowEvent()  {}

// -- Workflow Continued As New Event --
type WorkflowContinuedAsNew struct {
	NewRunID string `json:"new_run_id"`
	Input    []any  `json:"input"`
}

func (*WorkflowContinuedAsNew) EventName() string { return "workflow/continued-as-new" }
func (*WorkflowContinuedAsNew) isWorkflowEvent()  {}

// NewEventAttributes returns a zero value of the attribute type registered
// under name, for decoding stored events.
func NewEventAttributes(name string) (EventAttributes, error) {
	switch name {
	case "workflow/started":
		return new(WorkflowStarted), nil
	case "activity/scheduled":
		return new(ActivityScheduled), nil
	case "activity/started":
		return new(ActivityStarted), nil
	case "activity/completed":
		return new(ActivityCompleted), nil
	case "activity/failed":
		return new(ActivityFailed), nil
	case "activity/retry-scheduled":
		return new(ActivityRetryScheduled), nil
	case "timer/started":
		return new(TimerStarted), nil
	case "timer/fired":
		return new(TimerFired), nil
	case "signal/received":
		return new(SignalReceived), nil
	case "workflow/cancel-requested":
		return new(WorkflowCancelRequested), nil
	case "workflow/completed":
		return new(WorkflowCompleted), nil
	case "workflow/failed":
		return new(WorkflowFailed), nil
	case "workflow/continued-as-new":
		return new(WorkflowContinuedAsNew), nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", name)
	}
}

// IsTerminalEvent reports whether attrs closes the run.
func IsTerminalEvent(attrs EventAttributes) bool {
	switch attrs.(type) {
	case *WorkflowCompleted, *WorkflowFailed, *WorkflowContinuedAsNew:
		return true
	}
	return false
}
