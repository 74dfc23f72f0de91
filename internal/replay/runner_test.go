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
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
)

func newTestRunner(t *testing.T, workflowFn any) *Runner {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("Test", workflowFn))
	return NewRunner(reg, &serde.MsgpackSerde{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// historyOf builds a run history starting with a WorkflowStarted carrying
// input, followed by the given attributes. Event times step one second apart.
func historyOf(input []any, attrs ...api.EventAttributes) []api.Event {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []api.Event{{
		ID:   1,
		Time: base,
		Attrs: &api.WorkflowStarted{
			WorkflowID:   "wf-1",
			WorkflowType: "Test",
			TaskQueue:    "default",
			Input:        input,
		},
	}}
	for i, a := range attrs {
		events = append(events, api.Event{
			ID:    int64(i) + 2,
			Time:  base.Add(time.Duration(i+1) * time.Second),
			Attrs: a,
		})
	}
	return events
}

func TestFreshRunSchedulesActivity(t *testing.T) {
	wf := func(ctx Context, name string) (string, error) {
		var greeting string
		if err := ctx.ExecuteActivity("FormatGreeting", name).Get(&greeting); err != nil {
			return "", err
		}
		return greeting, nil
	}
	r := newTestRunner(t, wf)

	outcome, err := r.ExecuteWorkflowTask("run-1", historyOf([]any{"keel"}))
	require.NoError(t, err)
	assert.True(t, outcome.Suspended)
	require.Len(t, outcome.Commands, 1)

	cmd := outcome.Commands[0].(*api.ScheduleActivityCommand)
	assert.Equal(t, "activity:1", cmd.ActivityID)
	assert.Equal(t, "FormatGreeting", cmd.ActivityType)
	assert.Equal(t, []any{"keel"}, cmd.Input)
}

func TestReplayCompletesFromRecordedResult(t *testing.T) {
	wf := func(ctx Context, name string) (string, error) {
		var greeting string
		if err := ctx.ExecuteActivity("FormatGreeting", name).Get(&greeting); err != nil {
			return "", err
		}
		return greeting, nil
	}
	r := newTestRunner(t, wf)

	events := historyOf([]any{"keel"},
		&api.ActivityScheduled{ActivityID: "activity:1", ActivityType: "FormatGreeting", Input: []any{"keel"}},
		&api.ActivityCompleted{ActivityID: "activity:1", Result: []any{"Hello, keel!"}},
	)

	outcome, err := r.ExecuteWorkflowTask("run-1", events)
	require.NoError(t, err)
	assert.False(t, outcome.Suspended)
	require.Len(t, outcome.Commands, 1)
	assert.Equal(t, &api.CompleteWorkflowCommand{Result: []any{"Hello, keel!"}}, outcome.Commands[0])
}

func TestReplayIsDeterministic(t *testing.T) {
	wf := func(ctx Context, name string) (string, error) {
		var greeting string
		if err := ctx.ExecuteActivity("FormatGreeting", name).Get(&greeting); err != nil {
			return "", err
		}
		id := ctx.NewID()
		return greeting + "/" + id, nil
	}
	r := newTestRunner(t, wf)

	events := historyOf([]any{"keel"},
		&api.ActivityScheduled{ActivityID: "activity:1", ActivityType: "FormatGreeting", Input: []any{"keel"}},
		&api.ActivityCompleted{ActivityID: "activity:1", Result: []any{"hi"}},
	)

	first, err := r.ExecuteWorkflowTask("run-1", events)
	require.NoError(t, err)
	second, err := r.ExecuteWorkflowTask("run-1", events)
	require.NoError(t, err)
	assert.Equal(t, first.Commands, second.Commands)
}

func TestActivityFailurePropagates(t *testing.T) {
	wf := func(ctx Context) error {
		return ctx.ExecuteActivity("Charge").Get(nil)
	}
	r := newTestRunner(t, wf)

	recorded := api.Failure{
		Kind:    api.FailureKindApplication,
		ErrType: "PaymentDeclined",
		Message: "card declined",
	}
	events := historyOf(nil,
		&api.ActivityScheduled{ActivityID: "activity:1", ActivityType: "Charge"},
		&api.ActivityFailed{ActivityID: "activity:1", Failure: recorded, Attempts: 3},
	)

	outcome, err := r.ExecuteWorkflowTask("run-1", events)
	require.NoError(t, err)
	require.Len(t, outcome.Commands, 1)
	failed := outcome.Commands[0].(*api.FailWorkflowCommand)
	assert.Equal(t, recorded, failed.Failure)
}

func TestNonDeterminismWrongActivityType(t *testing.T) {
	wf := func(ctx Context) error {
		return ctx.ExecuteActivity("B").Get(nil)
	}
	r := newTestRunner(t, wf)

	events := historyOf(nil,
		&api.ActivityScheduled{ActivityID: "activity:1", ActivityType: "A"},
	)

	_, err := r.ExecuteWorkflowTask("run-1", events)
	var nd *api.NonDeterminismError
	require.ErrorAs(t, err, &nd)
	assert.Equal(t, "run-1", nd.RunID)
	assert.Equal(t, int64(2), nd.EventID)
}

func TestNonDeterminismTimerWhereActivityRecorded(t *testing.T) {
	wf := func(ctx Context) error {
		return ctx.Sleep(time.Second)
	}
	r := newTestRunner(t, wf)

	events := historyOf(nil,
		&api.ActivityScheduled{ActivityID: "activity:1", ActivityType: "A"},
	)

	_, err := r.ExecuteWorkflowTask("run-1", events)
	var nd *api.NonDeterminismError
	require.ErrorAs(t, err, &nd)
}

func TestNonDeterminismEarlyReturn(t *testing.T) {
	// History recorded a second activity, but the current code completes
	// right after the first one.
	wf := func(ctx Context) error {
		return ctx.ExecuteActivity("A").Get(nil)
	}
	r := newTestRunner(t, wf)

	events := historyOf(nil,
		&api.ActivityScheduled{ActivityID: "activity:1", ActivityType: "A"},
		&api.ActivityCompleted{ActivityID: "activity:1"},
		&api.ActivityScheduled{ActivityID: "activity:2", ActivityType: "B"},
	)

	_, err := r.ExecuteWorkflowTask("run-1", events)
	var nd *api.NonDeterminismError
	require.ErrorAs(t, err, &nd)
	assert.Equal(t, "run-1", nd.RunID)
	assert.Equal(t, int64(4), nd.EventID)
}

func TestSleepFreshAndReplayed(t *testing.T) {
	wf := func(ctx Context) (string, error) {
		if err := ctx.Sleep(time.Second); err != nil {
			return "", err
		}
		return "woke", nil
	}
	r := newTestRunner(t, wf)

	outcome, err := r.ExecuteWorkflowTask("run-1", historyOf(nil))
	require.NoError(t, err)
	assert.True(t, outcome.Suspended)
	require.Len(t, outcome.Commands, 1)
	assert.Equal(t, &api.StartTimerCommand{TimerID: "timer:1", DurationMs: 1000}, outcome.Commands[0])

	events := historyOf(nil,
		&api.TimerStarted{TimerID: "timer:1", DurationMs: 1000},
		&api.TimerFired{TimerID: "timer:1"},
	)
	outcome, err = r.ExecuteWorkflowTask("run-1", events)
	require.NoError(t, err)
	assert.False(t, outcome.Suspended)
	assert.Equal(t, &api.CompleteWorkflowCommand{Result: []any{"woke"}}, outcome.Commands[0])
}

func TestWorkflowTimeFollowsHistory(t *testing.T) {
	var before, after time.Time
	wf := func(ctx Context) error {
		before = ctx.Now()
		if err := ctx.Sleep(time.Second); err != nil {
			return err
		}
		after = ctx.Now()
		return nil
	}
	r := newTestRunner(t, wf)

	events := historyOf(nil,
		&api.TimerStarted{TimerID: "timer:1", DurationMs: 1000},
		&api.TimerFired{TimerID: "timer:1"},
	)
	_, err := r.ExecuteWorkflowTask("run-1", events)
	require.NoError(t, err)

	assert.True(t, before.Equal(events[0].Time), "workflow time starts at the start event")
	assert.True(t, after.Equal(events[2].Time), "workflow time advances to the timer firing")
}

func TestSignalsConsumedInArrivalOrder(t *testing.T) {
	wf := func(ctx Context) ([]string, error) {
		ch := ctx.GetSignalChannel("event")
		var got []string
		for i := 0; i < 3; i++ {
			var v string
			if err := ch.Receive(&v); err != nil {
				return nil, err
			}
			got = append(got, v)
		}
		return got, nil
	}
	r := newTestRunner(t, wf)

	events := historyOf(nil,
		&api.SignalReceived{Name: "event", Payload: []any{"a"}},
		&api.SignalReceived{Name: "event", Payload: []any{"b"}},
		&api.SignalReceived{Name: "event", Payload: []any{"c"}},
	)
	outcome, err := r.ExecuteWorkflowTask("run-1", events)
	require.NoError(t, err)
	require.Len(t, outcome.Commands, 1)
	assert.Equal(t, []any{[]string{"a", "b", "c"}}, outcome.Commands[0].(*api.CompleteWorkflowCommand).Result)
}

func TestSignalSuspendsUntilDelivered(t *testing.T) {
	wf := func(ctx Context) error {
		return ctx.GetSignalChannel("go").Receive(nil)
	}
	r := newTestRunner(t, wf)

	outcome, err := r.ExecuteWorkflowTask("run-1", historyOf(nil))
	require.NoError(t, err)
	assert.True(t, outcome.Suspended)
	assert.Empty(t, outcome.Commands)
}

func TestSignalVisibilityIsPositional(t *testing.T) {
	var beforeSched, afterSched bool
	wf := func(ctx Context) error {
		ch := ctx.GetSignalChannel("event")
		beforeSched, _ = ch.ReceiveAsync(nil)
		ctx.ExecuteActivity("Step")
		afterSched, _ = ch.ReceiveAsync(nil)
		return nil
	}
	r := newTestRunner(t, wf)

	// The signal arrived after the activity was scheduled; re-execution must
	// not see it until it has passed that scheduling point.
	events := historyOf(nil,
		&api.ActivityScheduled{ActivityID: "activity:1", ActivityType: "Step"},
		&api.SignalReceived{Name: "event", Payload: []any{"late"}},
	)
	_, err := r.ExecuteWorkflowTask("run-1", events)
	require.NoError(t, err)

	assert.False(t, beforeSched)
	assert.True(t, afterSched)
}

func TestCancelResolvesBlockingPoints(t *testing.T) {
	var ctxErr error
	wf := func(ctx Context) error {
		ctxErr = ctx.Err()
		return ctx.Sleep(time.Hour)
	}
	r := newTestRunner(t, wf)

	events := historyOf(nil, &api.WorkflowCancelRequested{Reason: "operator"})
	outcome, err := r.ExecuteWorkflowTask("run-1", events)
	require.NoError(t, err)

	assert.Equal(t, context.Canceled, ctxErr)
	require.Len(t, outcome.Commands, 1)
	failed := outcome.Commands[0].(*api.FailWorkflowCommand)
	assert.Equal(t, api.FailureKindCancelled, failed.Failure.Kind)
}

func TestCancelInvisibleBeforeItsPosition(t *testing.T) {
	var beforeErr, afterErr error
	wf := func(ctx Context) error {
		beforeErr = ctx.Err()
		f := ctx.ExecuteActivity("Step")
		afterErr = ctx.Err()
		return f.Get(nil)
	}
	r := newTestRunner(t, wf)

	events := historyOf(nil,
		&api.ActivityScheduled{ActivityID: "activity:1", ActivityType: "Step"},
		&api.WorkflowCancelRequested{},
	)
	outcome, err := r.ExecuteWorkflowTask("run-1", events)
	require.NoError(t, err)

	assert.NoError(t, beforeErr, "cancel arrived after the schedule point")
	assert.Equal(t, context.Canceled, afterErr)
	failed := outcome.Commands[0].(*api.FailWorkflowCommand)
	assert.Equal(t, api.FailureKindCancelled, failed.Failure.Kind)
}

func TestContinueAsNew(t *testing.T) {
	wf := func(ctx Context, n int) (int, error) {
		if n < 3 {
			return 0, NewContinueAsNewError(n + 1)
		}
		return n, nil
	}
	r := newTestRunner(t, wf)

	outcome, err := r.ExecuteWorkflowTask("run-1", historyOf([]any{1}))
	require.NoError(t, err)
	require.Len(t, outcome.Commands, 1)
	assert.Equal(t, &api.ContinueAsNewCommand{Input: []any{2}}, outcome.Commands[0])

	outcome, err = r.ExecuteWorkflowTask("run-1", historyOf([]any{3}))
	require.NoError(t, err)
	assert.Equal(t, &api.CompleteWorkflowCommand{Result: []any{3}}, outcome.Commands[0])
}

func TestContinueAsNewCarriesPendingSignals(t *testing.T) {
	wf := func(ctx Context) error {
		if err := ctx.GetSignalChannel("consumed").Receive(nil); err != nil {
			return err
		}
		return NewContinueAsNewError()
	}
	r := newTestRunner(t, wf)

	events := historyOf(nil,
		&api.SignalReceived{Name: "consumed", Payload: []any{"x"}},
		&api.SignalReceived{Name: "pending", Payload: []any{"y"}},
	)
	outcome, err := r.ExecuteWorkflowTask("run-1", events)
	require.NoError(t, err)

	require.Len(t, outcome.PendingSignals, 1)
	assert.Equal(t, "pending", outcome.PendingSignals[0].Name)
}

func TestWorkflowPanicRecordedAsFailure(t *testing.T) {
	wf := func(ctx Context) error {
		panic("unexpected state")
	}
	r := newTestRunner(t, wf)

	outcome, err := r.ExecuteWorkflowTask("run-1", historyOf(nil))
	require.NoError(t, err)
	require.Len(t, outcome.Commands, 1)
	failed := outcome.Commands[0].(*api.FailWorkflowCommand)
	assert.Equal(t, api.FailureKindApplication, failed.Failure.Kind)
	assert.Contains(t, failed.Failure.Message, "unexpected state")
}

func TestNewIDIsStableAcrossReplays(t *testing.T) {
	var ids []string
	wf := func(ctx Context) error {
		ids = append(ids, ctx.NewID(), ctx.NewID())
		return nil
	}
	r := newTestRunner(t, wf)

	_, err := r.ExecuteWorkflowTask("run-1", historyOf(nil))
	require.NoError(t, err)
	_, err = r.ExecuteWorkflowTask("run-1", historyOf(nil))
	require.NoError(t, err)

	require.Len(t, ids, 4)
	assert.Equal(t, ids[0], ids[2])
	assert.Equal(t, ids[1], ids[3])
	assert.NotEqual(t, ids[0], ids[1])
}

func TestUnregisteredWorkflowType(t *testing.T) {
	r := NewRunner(NewRegistry(), &serde.MsgpackSerde{}, nil)
	_, err := r.ExecuteWorkflowTask("run-1", historyOf(nil))
	assert.ErrorContains(t, err, "not registered")
}

func TestQueryAnswersFromProjection(t *testing.T) {
	wf := func(ctx Context) (string, error) {
		status := "waiting"
		if err := ctx.SetQueryHandler("status", func() string { return status }); err != nil {
			return "", err
		}
		var v string
		if err := ctx.GetSignalChannel("done").Receive(&v); err != nil {
			return "", err
		}
		status = "done"
		return v, nil
	}
	r := newTestRunner(t, wf)

	result, err := r.ExecuteQuery("run-1", historyOf(nil), "status", nil)
	require.NoError(t, err)
	assert.Equal(t, "waiting", result)

	events := historyOf(nil, &api.SignalReceived{Name: "done", Payload: []any{"ok"}})
	result, err = r.ExecuteQuery("run-1", events, "status", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestQueryWithArguments(t *testing.T) {
	wf := func(ctx Context) error {
		if err := ctx.SetQueryHandler("echo", func(prefix string) (string, error) {
			return prefix + "!", nil
		}); err != nil {
			return err
		}
		return ctx.GetSignalChannel("done").Receive(nil)
	}
	r := newTestRunner(t, wf)

	result, err := r.ExecuteQuery("run-1", historyOf(nil), "echo", []any{"hey"})
	require.NoError(t, err)
	assert.Equal(t, "hey!", result)
}

func TestQueryNotFound(t *testing.T) {
	wf := func(ctx Context) error {
		return ctx.GetSignalChannel("done").Receive(nil)
	}
	r := newTestRunner(t, wf)

	_, err := r.ExecuteQuery("run-1", historyOf(nil), "missing", nil)
	assert.ErrorIs(t, err, ErrQueryNotFound)
}

func TestQuerySchedulingWorkIsRejected(t *testing.T) {
	wf := func(ctx Context) error {
		if err := ctx.SetQueryHandler("bad", func() string {
			ctx.ExecuteActivity("SideEffect")
			return ""
		}); err != nil {
			return err
		}
		return ctx.GetSignalChannel("done").Receive(nil)
	}
	r := newTestRunner(t, wf)

	_, err := r.ExecuteQuery("run-1", historyOf(nil), "bad", nil)
	assert.ErrorIs(t, err, ErrQueryRejected)
}

func TestQueryBlockingIsRejected(t *testing.T) {
	wf := func(ctx Context) error {
		if err := ctx.SetQueryHandler("bad", func() string {
			_ = ctx.GetSignalChannel("never").Receive(nil)
			return ""
		}); err != nil {
			return err
		}
		return ctx.GetSignalChannel("done").Receive(nil)
	}
	r := newTestRunner(t, wf)

	_, err := r.ExecuteQuery("run-1", historyOf(nil), "bad", nil)
	assert.ErrorIs(t, err, ErrQueryRejected)
}

func TestActivityOptionsCarriedOnCommand(t *testing.T) {
	wf := func(ctx Context) error {
		ctx = WithActivityOptions(ctx, ActivityOptions{
			StartToCloseTimeout: 10 * time.Second,
			HeartbeatTimeout:    2 * time.Second,
			RetryPolicy: &RetryPolicy{
				InitialInterval: 500 * time.Millisecond,
				MaximumAttempts: 4,
			},
		})
		return ctx.ExecuteActivity("Charge").Get(nil)
	}
	r := newTestRunner(t, wf)

	outcome, err := r.ExecuteWorkflowTask("run-1", historyOf(nil))
	require.NoError(t, err)
	require.Len(t, outcome.Commands, 1)

	cmd := outcome.Commands[0].(*api.ScheduleActivityCommand)
	assert.Equal(t, int64(10000), cmd.StartToCloseTimeoutMs)
	assert.Equal(t, int64(2000), cmd.HeartbeatTimeoutMs)
	require.NotNil(t, cmd.RetryPolicy)
	assert.Equal(t, int64(500), cmd.RetryPolicy.InitialIntervalMs)
	assert.Equal(t, int32(4), cmd.RetryPolicy.MaximumAttempts)
}
