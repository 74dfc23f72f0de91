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
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
	"github.com/keelflow/keel/internal/replay"
)

func newTestDispatcher(t *testing.T, activities map[string]any) *Dispatcher {
	t.Helper()
	reg := replay.NewRegistry()
	for name, fn := range activities {
		require.NoError(t, reg.RegisterActivity(name, fn))
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(reg, &serde.MsgpackSerde{}, logger, WithWatchdogPrecision(5*time.Millisecond))
}

func TestExecuteSuccess(t *testing.T) {
	d := newTestDispatcher(t, map[string]any{
		"Format": func(ctx context.Context, name string) (string, error) {
			return "Hello, " + name + "!", nil
		},
	})

	out := d.Execute(context.Background(), &api.ActivityTask{
		RunID:        "run-1",
		ActivityID:   "activity:1",
		ActivityType: "Format",
		Input:        []any{"keel"},
		Attempt:      1,
	})

	require.Nil(t, out.Failure)
	assert.Equal(t, []any{"Hello, keel!"}, out.Result)
}

func TestExecuteNotRegistered(t *testing.T) {
	d := newTestDispatcher(t, nil)

	out := d.Execute(context.Background(), &api.ActivityTask{ActivityType: "Ghost", Attempt: 1})

	require.NotNil(t, out.Failure)
	assert.Equal(t, api.FailureKindApplication, out.Failure.Kind)
	assert.Equal(t, "NotRegistered", out.Failure.ErrType)
	assert.True(t, out.Failure.NonRetryable)
}

func TestExecuteApplicationFailurePreserved(t *testing.T) {
	declined := &api.Failure{
		Kind:    api.FailureKindApplication,
		ErrType: "PaymentDeclined",
		Message: "card declined",
	}
	d := newTestDispatcher(t, map[string]any{
		"Charge": func(ctx context.Context) error { return declined },
	})

	out := d.Execute(context.Background(), &api.ActivityTask{ActivityType: "Charge", Attempt: 1})

	require.NotNil(t, out.Failure)
	assert.Equal(t, *declined, *out.Failure)
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	d := newTestDispatcher(t, map[string]any{
		"Boom": func(ctx context.Context) error { panic("nil map write") },
	})

	out := d.Execute(context.Background(), &api.ActivityTask{ActivityType: "Boom", Attempt: 1})

	require.NotNil(t, out.Failure)
	assert.Equal(t, api.FailureKindApplication, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message, "activity panic")
	assert.Contains(t, out.Failure.Message, "nil map write")
}

func TestExecuteStartToCloseTimeout(t *testing.T) {
	d := newTestDispatcher(t, map[string]any{
		"Slow": func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	out := d.Execute(context.Background(), &api.ActivityTask{
		ActivityType:          "Slow",
		Attempt:               1,
		StartToCloseTimeoutMs: 30,
	})

	require.NotNil(t, out.Failure)
	assert.Equal(t, api.FailureKindTimeout, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message, "start-to-close")
	assert.False(t, out.Failure.NonRetryable)
}

func TestExecuteHeartbeatTimeout(t *testing.T) {
	d := newTestDispatcher(t, map[string]any{
		"Silent": func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	out := d.Execute(context.Background(), &api.ActivityTask{
		ActivityType:       "Silent",
		Attempt:            1,
		HeartbeatTimeoutMs: 30,
	})

	require.NotNil(t, out.Failure)
	assert.Equal(t, api.FailureKindTimeout, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message, "heartbeat")
}

func TestExecuteHeartbeatsKeepAttemptAlive(t *testing.T) {
	d := newTestDispatcher(t, map[string]any{
		"Steady": func(ctx context.Context) (int, error) {
			for i := 0; i < 10; i++ {
				select {
				case <-ctx.Done():
					return 0, ctx.Err()
				case <-time.After(10 * time.Millisecond):
					RecordHeartbeat(ctx, i)
				}
			}
			return 10, nil
		},
	})

	out := d.Execute(context.Background(), &api.ActivityTask{
		ActivityType:       "Steady",
		Attempt:            1,
		HeartbeatTimeoutMs: 60,
	})

	require.Nil(t, out.Failure)
	assert.Equal(t, []any{10}, out.Result)
	assert.Equal(t, []any{9}, out.HeartbeatDetails, "last recorded progress is surfaced")
}

func TestExecuteExternalCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := newTestDispatcher(t, map[string]any{
		"Wait": func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		},
	})

	out := d.Execute(ctx, &api.ActivityTask{ActivityType: "Wait", Attempt: 1})

	require.NotNil(t, out.Failure)
	assert.Equal(t, api.FailureKindCancelled, out.Failure.Kind)
	assert.True(t, out.Failure.NonRetryable)
}

func TestExecuteScheduleToCloseExhausted(t *testing.T) {
	called := false
	d := newTestDispatcher(t, map[string]any{
		"Late": func(ctx context.Context) error {
			called = true
			return nil
		},
	})

	out := d.Execute(context.Background(), &api.ActivityTask{
		ActivityType:             "Late",
		Attempt:                  3,
		ScheduleToCloseTimeoutMs: 50,
		ScheduledAtMs:            time.Now().Add(-time.Second).UnixMilli(),
	})

	require.NotNil(t, out.Failure)
	assert.Equal(t, api.FailureKindTimeout, out.Failure.Kind)
	assert.True(t, out.Failure.NonRetryable)
	assert.False(t, called, "the attempt must not start once the budget is spent")
}

func TestExecuteActivityInfo(t *testing.T) {
	var got ActivityInfo
	d := newTestDispatcher(t, map[string]any{
		"Introspect": func(ctx context.Context) error {
			got = InfoFrom(ctx)
			return nil
		},
	})

	out := d.Execute(context.Background(), &api.ActivityTask{
		RunID:            "run-1",
		WorkflowID:       "wf-1",
		ActivityID:       "activity:2",
		ActivityType:     "Introspect",
		Attempt:          2,
		HeartbeatDetails: []any{"resume-token"},
	})

	require.Nil(t, out.Failure)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "activity:2", got.ActivityID)
	assert.Equal(t, int32(2), got.Attempt)
	assert.Equal(t, []any{"resume-token"}, got.HeartbeatDetails)
}

func TestShouldRetry(t *testing.T) {
	policy := &api.RetryPolicy{
		MaximumAttempts:        3,
		NonRetryableErrorKinds: []string{"PaymentDeclined"},
	}
	retryable := &api.Failure{Kind: api.FailureKindApplication, Message: "transient"}

	tests := []struct {
		name    string
		policy  *api.RetryPolicy
		attempt int32
		failure *api.Failure
		want    bool
	}{
		{"retryable under budget", policy, 1, retryable, true},
		{"last allowed attempt", policy, 3, retryable, false},
		{"beyond budget", policy, 4, retryable, false},
		{"nil policy", nil, 1, retryable, false},
		{"zero max attempts means one attempt", &api.RetryPolicy{}, 1, retryable, false},
		{"nil failure", policy, 1, nil, false},
		{"non-retryable failure", policy, 1, &api.Failure{NonRetryable: true}, false},
		{"cancelled", policy, 1, &api.Failure{Kind: api.FailureKindCancelled}, false},
		{"listed error kind", policy, 1, &api.Failure{Kind: api.FailureKindApplication, ErrType: "PaymentDeclined"}, false},
		{"timeout is retryable", policy, 2, &api.Failure{Kind: api.FailureKindTimeout}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.policy, tt.attempt, tt.failure))
		})
	}
}

func TestExecuteWrongArity(t *testing.T) {
	d := newTestDispatcher(t, map[string]any{
		"TwoArgs": func(ctx context.Context, a, b string) error { return nil },
	})

	out := d.Execute(context.Background(), &api.ActivityTask{
		ActivityType: "TwoArgs",
		Input:        []any{"only-one"},
		Attempt:      1,
	})

	require.NotNil(t, out.Failure)
	assert.Equal(t, api.FailureKindApplication, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message, "expects 2 arguments")
}
