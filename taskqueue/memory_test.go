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

package taskqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelflow/keel/api"
)

func TestMemoryQueueEnqueuePoll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := NewMemoryQueue()

	task := &api.WorkflowTask{RunID: "run-1", WorkflowType: "Order"}
	require.NoError(t, q.Enqueue(ctx, "default_workflow", task))

	lease, err := q.Poll(ctx, "default_workflow")
	require.NoError(t, err)
	assert.Equal(t, task, lease.Task())
	require.NoError(t, lease.Ack(ctx))
}

func TestMemoryQueuePollBlocksUntilCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	q := NewMemoryQueue()

	_, err := q.Poll(ctx, "empty")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueueLeaseExpiryRedelivers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := NewMemoryQueue(WithLeaseTimeout(20 * time.Millisecond))

	task := &api.TimerTask{RunID: "run-1", TimerID: "timer:1"}
	require.NoError(t, q.Enqueue(ctx, "default_workflow", task))

	// Claim the task and never settle the lease.
	_, err := q.Poll(ctx, "default_workflow")
	require.NoError(t, err)

	lease, err := q.Poll(ctx, "default_workflow")
	require.NoError(t, err)
	assert.Equal(t, task, lease.Task())
	require.NoError(t, lease.Ack(ctx))
}

func TestMemoryQueueAckStopsRedelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := NewMemoryQueue(WithLeaseTimeout(20 * time.Millisecond))

	require.NoError(t, q.Enqueue(ctx, "default_activity", &api.ActivityTask{RunID: "run-1"}))

	lease, err := q.Poll(ctx, "default_activity")
	require.NoError(t, err)
	require.NoError(t, lease.Ack(ctx))

	pollCtx, pollCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer pollCancel()
	_, err = q.Poll(pollCtx, "default_activity")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "acked task must not come back")
}

func TestMemoryQueueNackRedeliversAfterDelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := NewMemoryQueue()

	task := &api.WorkflowTask{RunID: "run-1"}
	require.NoError(t, q.Enqueue(ctx, "default_workflow", task))

	lease, err := q.Poll(ctx, "default_workflow")
	require.NoError(t, err)

	before := time.Now()
	require.NoError(t, lease.Nack(ctx, 50*time.Millisecond))

	lease, err = q.Poll(ctx, "default_workflow")
	require.NoError(t, err)
	assert.Equal(t, task, lease.Task())
	assert.GreaterOrEqual(t, time.Since(before), 50*time.Millisecond)
	require.NoError(t, lease.Ack(ctx))
}

func TestMemoryQueueNotBeforeDelaysDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := NewMemoryQueue()

	before := time.Now()
	require.NoError(t, q.Enqueue(ctx, "default_workflow", &api.TimerTask{TimerID: "timer:1"},
		WithNotBefore(before.Add(60*time.Millisecond))))

	lease, err := q.Poll(ctx, "default_workflow")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(before), 60*time.Millisecond)
	require.NoError(t, lease.Ack(ctx))
}

func TestMemoryQueueEnqueueNeverBlocks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	q := NewMemoryQueue()

	// Far more tasks than the handoff channel holds; producers must not
	// block, and nothing may be lost or reordered.
	const n = 3000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			_ = q.Enqueue(ctx, "bulk", &api.WorkflowTask{RunID: fmt.Sprintf("run-%d", i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	for i := 0; i < n; i++ {
		lease, err := q.Poll(ctx, "bulk")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("run-%d", i), lease.Task().(*api.WorkflowTask).RunID)
		require.NoError(t, lease.Ack(ctx))
	}
}

func TestMemoryQueueTermDropsTask(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := NewMemoryQueue(WithLeaseTimeout(20 * time.Millisecond))

	require.NoError(t, q.Enqueue(ctx, "default_workflow", &api.WorkflowTask{RunID: "run-1"}))

	lease, err := q.Poll(ctx, "default_workflow")
	require.NoError(t, err)
	require.NoError(t, lease.Term(ctx))

	pollCtx, pollCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer pollCancel()
	_, err = q.Poll(pollCtx, "default_workflow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
