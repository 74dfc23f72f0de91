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

// Command is the intent a workflow emits in response to its current history
// state. Commands become events once accepted and durably appended; within
// one invocation they are applied in emission order, and event IDs follow
// that same order on every replay.
type Command interface {
	isCommand()
}

var _ Command = (*ScheduleActivityCommand)(nil)
var _ Command = (*StartTimerCommand)(nil)
var _ Command = (*CompleteWorkflowCommand)(nil)
var _ Command = (*FailWorkflowCommand)(nil)
var _ Command = (*ContinueAsNewCommand)(nil)

type ScheduleActivityCommand struct {
	ActivityID   string
	ActivityType string
	Input        []any

	RetryPolicy              *RetryPolicy
	StartToCloseTimeoutMs    int64
	ScheduleToCloseTimeoutMs int64
	HeartbeatTimeoutMs       int64
}

type StartTimerCommand struct {
	TimerID    string
	DurationMs int64
}

type CompleteWorkflowCommand struct {
	Result []any
}

type FailWorkflowCommand struct {
	Failure Failure
}

type ContinueAsNewCommand struct {
	Input []any
}

func (*ScheduleActivityCommand) isCommand() {}
func (*StartTimerCommand) isCommand()       {}
func (*CompleteWorkflowCommand) isCommand() {}
func (*FailWorkflowCommand) isCommand()     {}
func (*ContinueAsNewCommand) isCommand()    {}
