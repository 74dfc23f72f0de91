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

package worker

import (
	"context"
	"errors"
	"time"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/history"
	"github.com/keelflow/keel/internal/dispatch"
	"github.com/keelflow/keel/taskqueue"
)

// handleActivityTask runs one attempt of an activity. Attempts execute
// without the run lock so activities of the same run parallelize; only the
// history writes serialize.
func (w *Worker) handleActivityTask(ctx context.Context, lease taskqueue.Lease, task *api.ActivityTask) {
	events, err := w.store.Read(ctx, task.RunID, 0)
	if err != nil {
		if errors.Is(err, history.ErrRunNotFound) {
			w.settle(ctx, lease.Term)
			return
		}
		w.logger.Error("failed to read history", "run_id", task.RunID, "error", err)
		w.nack(ctx, lease)
		return
	}
	started, ok := startedAttrs(events)
	if !ok {
		w.settle(ctx, lease.Term)
		return
	}
	// Duplicate delivery of an already resolved attempt, or a task for a run
	// that closed in the meantime: nothing to do.
	if activityResolved(events, task.ActivityID) || api.StatusFromHistory(events) != api.StatusRunning {
		w.settle(ctx, lease.Ack)
		return
	}

	appended, err := w.appendGuarded(ctx, task.RunID, func(events []api.Event) api.EventAttributes {
		if activityResolved(events, task.ActivityID) || api.StatusFromHistory(events) != api.StatusRunning {
			return nil
		}
		return &api.ActivityStarted{ActivityID: task.ActivityID, Attempt: task.Attempt}
	})
	if err != nil {
		w.logger.Error("failed to record activity start", "run_id", task.RunID, "activity_id", task.ActivityID, "error", err)
		w.nack(ctx, lease)
		return
	}
	if !appended {
		w.settle(ctx, lease.Ack)
		return
	}

	w.logger.Debug("executing activity",
		"run_id", task.RunID,
		"activity_id", task.ActivityID,
		"activity_type", task.ActivityType,
		"attempt", task.Attempt,
	)

	// The attempt context is cancelled when the run itself is cancelled or
	// closed, so long-running activities stop working for a dead run.
	attemptCtx, cancelAttempt := context.WithCancelCause(ctx)
	stopWatch := w.watchRunCancellation(attemptCtx, cancelAttempt, task.RunID)
	outcome := w.dispatcher.Execute(attemptCtx, task)
	stopWatch()
	cancelAttempt(nil)

	// A worker shutdown mid-attempt is not an activity failure: leave the
	// lease unacked so the attempt redelivers.
	if ctx.Err() != nil {
		w.nack(ctx, lease)
		return
	}

	if outcome.Failure == nil {
		if err := w.resolveActivity(ctx, task, &api.ActivityCompleted{
			ActivityID: task.ActivityID,
			Result:     outcome.Result,
		}, started); err != nil {
			w.nack(ctx, lease)
			return
		}
		w.settle(ctx, lease.Ack)
		return
	}

	if dispatch.ShouldRetry(task.RetryPolicy, task.Attempt, outcome.Failure) {
		backoff := task.RetryPolicy.NextBackoff(task.Attempt)
		_, err := w.appendGuarded(ctx, task.RunID, func(events []api.Event) api.EventAttributes {
			if activityResolved(events, task.ActivityID) || api.StatusFromHistory(events) != api.StatusRunning {
				return nil
			}
			return &api.ActivityRetryScheduled{
				ActivityID: task.ActivityID,
				Attempt:    task.Attempt,
				Failure:    *outcome.Failure,
				BackoffMs:  backoff.Milliseconds(),
			}
		})
		if err != nil {
			w.logger.Error("failed to record activity retry", "run_id", task.RunID, "activity_id", task.ActivityID, "error", err)
			w.nack(ctx, lease)
			return
		}

		next := *task
		next.Attempt++
		next.HeartbeatDetails = outcome.HeartbeatDetails
		var opts []taskqueue.EnqueueOption
		if backoff > 0 {
			opts = append(opts, taskqueue.WithNotBefore(time.Now().Add(backoff)))
		}
		if err := w.queue.Enqueue(ctx, api.ActivityTaskQueue(started.TaskQueue), &next, opts...); err != nil {
			w.logger.Error("failed to enqueue activity retry", "run_id", task.RunID, "activity_id", task.ActivityID, "error", err)
			w.nack(ctx, lease)
			return
		}
		w.settle(ctx, lease.Ack)
		return
	}

	if err := w.resolveActivity(ctx, task, &api.ActivityFailed{
		ActivityID: task.ActivityID,
		Failure:    *outcome.Failure,
		Attempts:   task.Attempt,
	}, started); err != nil {
		w.nack(ctx, lease)
		return
	}
	w.settle(ctx, lease.Ack)
}

var errRunCancelled = errors.New("workflow run cancelled")

const cancelPollInterval = time.Second

// watchRunCancellation cancels the attempt context once the run's history
// records a cancel request or a terminal event, using the store's watch
// support when available and polling otherwise. The returned stop function
// must be called when the attempt finishes.
func (w *Worker) watchRunCancellation(ctx context.Context, cancel context.CancelCauseFunc, runID string) func() {
	done := make(chan struct{})
	go func() {
		if watcher, ok := w.store.(history.Watcher); ok {
			ch, err := watcher.Watch(ctx, runID, 0)
			if err == nil {
				for {
					select {
					case e, open := <-ch:
						if !open {
							return
						}
						if runClosing(e.Attrs) {
							cancel(errRunCancelled)
							return
						}
					case <-ctx.Done():
						return
					case <-done:
						return
					}
				}
			}
			w.logger.Warn("history watch unavailable, polling for cancellation", "run_id", runID, "error", err)
		}

		var seen int64
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				events, err := w.store.Read(ctx, runID, seen)
				if err != nil {
					continue
				}
				for _, e := range events {
					if runClosing(e.Attrs) {
						cancel(errRunCancelled)
						return
					}
					seen = e.ID
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// runClosing reports whether the event ends the run's interest in pending
// activity attempts.
func runClosing(attrs api.EventAttributes) bool {
	if _, ok := attrs.(*api.WorkflowCancelRequested); ok {
		return true
	}
	return api.IsTerminalEvent(attrs)
}

// resolveActivity appends the resolution event and wakes the workflow.
func (w *Worker) resolveActivity(ctx context.Context, task *api.ActivityTask, attrs api.EventAttributes, started *api.WorkflowStarted) error {
	_, err := w.appendGuarded(ctx, task.RunID, func(events []api.Event) api.EventAttributes {
		if activityResolved(events, task.ActivityID) || api.StatusFromHistory(events) != api.StatusRunning {
			return nil
		}
		return attrs
	})
	if err != nil {
		w.logger.Error("failed to resolve activity",
			"run_id", task.RunID,
			"activity_id", task.ActivityID,
			"error", err,
		)
		return err
	}
	w.enqueueWorkflowTask(ctx, started.TaskQueue, task.RunID, task.WorkflowType)
	return nil
}

// appendGuarded appends a single event under the run lock with optimistic
// retry. decide re-evaluates against fresh history on every round; returning
// nil skips the append.
func (w *Worker) appendGuarded(ctx context.Context, runID string, decide func([]api.Event) api.EventAttributes) (bool, error) {
	unlock := w.locks.lock(runID)
	defer unlock()

	for {
		events, err := w.store.Read(ctx, runID, 0)
		if err != nil {
			return false, err
		}
		attrs := decide(events)
		if attrs == nil {
			return false, nil
		}
		var version int64
		if len(events) > 0 {
			version = events[len(events)-1].ID
		}
		e := api.Event{ID: version + 1, Time: time.Now().UTC(), Attrs: attrs}
		if _, err := w.store.Append(ctx, runID, version, []api.Event{e}); err != nil {
			if errors.Is(err, history.ErrConcurrentAppend) {
				continue
			}
			return false, err
		}
		return true, nil
	}
}

// activityResolved reports whether the activity already has a terminal
// resolution event in history.
func activityResolved(events []api.Event, activityID string) bool {
	for _, e := range events {
		switch attrs := e.Attrs.(type) {
		case *api.ActivityCompleted:
			if attrs.ActivityID == activityID {
				return true
			}
		case *api.ActivityFailed:
			if attrs.ActivityID == activityID {
				return true
			}
		}
	}
	return false
}
