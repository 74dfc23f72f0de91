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

// WorkflowStatus is the lifecycle state of a run, derived from its history.
type WorkflowStatus string

const (
	StatusNotStarted     WorkflowStatus = "NOT_STARTED"
	StatusRunning        WorkflowStatus = "RUNNING"
	StatusCompleted      WorkflowStatus = "COMPLETED"
	StatusFailed         WorkflowStatus = "FAILED"
	StatusCancelled      WorkflowStatus = "CANCELLED"
	StatusContinuedAsNew WorkflowStatus = "CONTINUED_AS_NEW"
)

// StatusFromHistory derives the run status from its full event history.
func StatusFromHistory(events []Event) WorkflowStatus {
	if len(events) == 0 {
		return StatusNotStarted
	}
	last := events[len(events)-1]
	switch attrs := last.Attrs.(type) {
	case *WorkflowCompleted:
		return StatusCompleted
	case *WorkflowFailed:
		if attrs.Failure.Kind == FailureKindCancelled {
			return StatusCancelled
		}
		return StatusFailed
	case *WorkflowContinuedAsNew:
		return StatusContinuedAsNew
	}
	return StatusRunning
}

type (
	// Task is a unit of poller work: replay a workflow or run one activity
	// attempt.
	Task interface {
		isTask()
	}

	// WorkflowTask asks a worker to replay a run's history and produce the
	// next commands. Ephemeral; never persisted beyond queue delivery.
	WorkflowTask struct {
		RunID        string `json:"run_id"`
		WorkflowType string `json:"workflow_type"`
	}

	// ActivityTask asks a worker to execute one activity attempt.
	ActivityTask struct {
		RunID        string `json:"run_id"`
		WorkflowID   string `json:"workflow_id"`
		WorkflowType string `json:"workflow_type"`
		ActivityID   string `json:"activity_id"`
		ActivityType string `json:"activity_type"`
		Input        []any  `json:"input"`
		Attempt      int32  `json:"attempt"`

		RetryPolicy              *RetryPolicy `json:"retry_policy,omitempty"`
		StartToCloseTimeoutMs    int64        `json:"start_to_close_timeout_ms,omitempty"`
		ScheduleToCloseTimeoutMs int64        `json:"schedule_to_close_timeout_ms,omitempty"`
		HeartbeatTimeoutMs       int64        `json:"heartbeat_timeout_ms,omitempty"`
		ScheduledAtMs            int64        `json:"scheduled_at_ms,omitempty"`

		// HeartbeatDetails carries the last recorded heartbeat payload from
		// the previous attempt, if any.
		HeartbeatDetails []any `json:"heartbeat_details,omitempty"`
	}

	// TimerTask fires a durable timer. Enqueued with delayed delivery at
	// timer start, so pending timers survive worker restarts the same way
	// unacked tasks do.
	TimerTask struct {
		RunID        string `json:"run_id"`
		WorkflowType string `json:"workflow_type"`
		TimerID      string `json:"timer_id"`
	}
)

func (*WorkflowTask) isTask() {}
func (*ActivityTask) isTask() {}
func (*TimerTask) isTask()    {}
