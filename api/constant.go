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

// Queue names. Workflow and activity tasks travel on separate queues so a
// worker can subscribe to either kind independently.
const (
	DefaultTaskQueue = "default"

	WorkflowTaskQueueSuffix = "_workflow"
	ActivityTaskQueueSuffix = "_activity"
)

// WorkflowTaskQueue returns the queue name carrying workflow tasks for the
// given logical task queue.
func WorkflowTaskQueue(taskQueue string) string {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return taskQueue + WorkflowTaskQueueSuffix
}

// ActivityTaskQueue returns the queue name carrying activity tasks for the
// given logical task queue.
func ActivityTaskQueue(taskQueue string) string {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return taskQueue + ActivityTaskQueueSuffix
}

// NATS stream and subject names used by the JetStream-backed collaborators.
const (
	HistoryStream        = "KEEL_HISTORY"
	HistorySubjectPrefix = "keel.history"

	TaskStream        = "KEEL_TASKS"
	TaskSubjectPrefix = "keel.tasks"
)
