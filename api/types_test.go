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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFromHistory(t *testing.T) {
	started := Event{ID: 1, Time: time.Now(), Attrs: &WorkflowStarted{WorkflowType: "T"}}

	tests := []struct {
		name   string
		events []Event
		want   WorkflowStatus
	}{
		{"empty", nil, StatusNotStarted},
		{"running", []Event{started}, StatusRunning},
		{
			"completed",
			[]Event{started, {ID: 2, Attrs: &WorkflowCompleted{}}},
			StatusCompleted,
		},
		{
			"failed",
			[]Event{started, {ID: 2, Attrs: &WorkflowFailed{Failure: Failure{Kind: FailureKindApplication}}}},
			StatusFailed,
		},
		{
			"cancelled",
			[]Event{started, {ID: 2, Attrs: &WorkflowFailed{Failure: Failure{Kind: FailureKindCancelled}}}},
			StatusCancelled,
		},
		{
			"continued as new",
			[]Event{started, {ID: 2, Attrs: &WorkflowContinuedAsNew{NewRunID: "next"}}},
			StatusContinuedAsNew,
		},
		{
			"cancel request alone does not close the run",
			[]Event{started, {ID: 2, Attrs: &WorkflowCancelRequested{}}},
			StatusRunning,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFromHistory(tt.events))
		})
	}
}

func TestIsTerminalEvent(t *testing.T) {
	assert.True(t, IsTerminalEvent(&WorkflowCompleted{}))
	assert.True(t, IsTerminalEvent(&WorkflowFailed{}))
	assert.True(t, IsTerminalEvent(&WorkflowContinuedAsNew{}))

	assert.False(t, IsTerminalEvent(&WorkflowStarted{}))
	assert.False(t, IsTerminalEvent(&ActivityCompleted{}))
	assert.False(t, IsTerminalEvent(&WorkflowCancelRequested{}))
}

func TestNewEventAttributesRoundTrip(t *testing.T) {
	known := []EventAttributes{
		&WorkflowStarted{}, &ActivityScheduled{}, &ActivityStarted{},
		&ActivityCompleted{}, &ActivityFailed{}, &ActivityRetryScheduled{},
		&TimerStarted{}, &TimerFired{}, &SignalReceived{},
		&WorkflowCancelRequested{}, &WorkflowCompleted{}, &WorkflowFailed{},
		&WorkflowContinuedAsNew{},
	}
	for _, attrs := range known {
		fresh, err := NewEventAttributes(attrs.EventName())
		require.NoError(t, err, attrs.EventName())
		assert.IsType(t, attrs, fresh)
	}

	_, err := NewEventAttributes("workflow/unknown")
	assert.Error(t, err)
}

func TestFailureFromError(t *testing.T) {
	plain := FailureFromError(errors.New("boom"))
	assert.Equal(t, FailureKindApplication, plain.Kind)
	assert.Equal(t, "boom", plain.Message)

	cause := &Failure{Kind: FailureKindTimeout, Message: "deadline"}
	wrapped := &Failure{Kind: FailureKindApplication, Message: "charge failed", Cause: cause}
	got := FailureFromError(fmt.Errorf("attempt: %w", wrapped))
	assert.Equal(t, *wrapped, got)
	assert.Equal(t, "charge failed: deadline", got.Error())
	assert.True(t, errors.Is(&got, cause))
}

func TestTaskQueueNames(t *testing.T) {
	assert.Equal(t, "orders_workflow", WorkflowTaskQueue("orders"))
	assert.Equal(t, "orders_activity", ActivityTaskQueue("orders"))
	assert.Equal(t, "default_workflow", WorkflowTaskQueue(""))
	assert.Equal(t, "default_activity", ActivityTaskQueue(""))
}
