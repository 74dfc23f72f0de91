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
	"fmt"
	"time"

	uuid "github.com/gofrs/uuid/v5"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/history"
	"github.com/keelflow/keel/internal/replay"
	"github.com/keelflow/keel/taskqueue"
)

// handleWorkflowTask replays the run and appends whatever the workflow
// decided. The loop restarts on append conflicts: a concurrent signal moved
// the history version, so the replay must see the fresh events.
func (w *Worker) handleWorkflowTask(ctx context.Context, lease taskqueue.Lease, runID string) {
	unlock := w.locks.lock(runID)
	defer unlock()

	for {
		events, err := w.store.Read(ctx, runID, 0)
		if err != nil {
			if errors.Is(err, history.ErrRunNotFound) {
				w.settle(ctx, lease.Term)
				return
			}
			w.logger.Error("failed to read history", "run_id", runID, "error", err)
			w.nack(ctx, lease)
			return
		}
		started, ok := startedAttrs(events)
		if !ok {
			w.logger.Error("malformed history, dropping task", "run_id", runID)
			w.settle(ctx, lease.Term)
			return
		}

		if status := api.StatusFromHistory(events); status != api.StatusRunning {
			if status == api.StatusContinuedAsNew {
				w.ensureSuccessor(ctx, runID, events, started)
			}
			w.settle(ctx, lease.Ack)
			return
		}

		if expired, err := w.failIfExecutionExpired(ctx, runID, events, started); err != nil {
			if errors.Is(err, history.ErrConcurrentAppend) {
				continue
			}
			w.logger.Error("failed to record execution timeout", "run_id", runID, "error", err)
			w.nack(ctx, lease)
			return
		} else if expired {
			w.settle(ctx, lease.Ack)
			return
		}

		outcome, err := w.runner.ExecuteWorkflowTask(runID, events)
		if err != nil {
			var nd *api.NonDeterminismError
			if errors.As(err, &nd) {
				// Fatal and deterministic: retrying would reproduce the
				// divergence, so the run fails once and for all.
				w.logger.Error("non-deterministic workflow",
					"run_id", runID,
					"workflow_type", started.WorkflowType,
					"error", err,
				)
				failure := api.Failure{
					Kind:         api.FailureKindNonDeterminism,
					Message:      err.Error(),
					NonRetryable: true,
				}
				if err := w.appendTerminal(ctx, runID, events, failure); err != nil {
					if errors.Is(err, history.ErrConcurrentAppend) {
						continue
					}
					w.nack(ctx, lease)
					return
				}
				w.settle(ctx, lease.Ack)
				return
			}
			w.logger.Error("workflow task failed",
				"run_id", runID,
				"workflow_type", started.WorkflowType,
				"error", err,
			)
			w.nack(ctx, lease)
			return
		}

		version := events[len(events)-1].ID
		appended, err := eventsFromCommands(version, outcome.Commands)
		if err != nil {
			w.logger.Error("failed to convert commands", "run_id", runID, "error", err)
			w.nack(ctx, lease)
			return
		}

		if len(appended) > 0 {
			if _, err := w.store.Append(ctx, runID, version, appended); err != nil {
				if errors.Is(err, history.ErrConcurrentAppend) {
					continue
				}
				w.logger.Error("failed to append workflow events", "run_id", runID, "error", err)
				w.nack(ctx, lease)
				return
			}
		}

		w.dispatchSideEffects(ctx, runID, started, appended, outcome)
		w.recoverStalled(ctx, runID, started, append(events, appended...))
		w.settle(ctx, lease.Ack)
		return
	}
}

// handleTimerTask records the timer firing and wakes the workflow. Duplicate
// deliveries are absorbed by the TimerFired dedup check.
func (w *Worker) handleTimerTask(ctx context.Context, lease taskqueue.Lease, task *api.TimerTask) {
	unlock := w.locks.lock(task.RunID)
	defer unlock()

	for {
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
		if api.StatusFromHistory(events) != api.StatusRunning {
			w.settle(ctx, lease.Ack)
			return
		}

		timerStarted, timerFired := false, false
		for _, e := range events {
			switch attrs := e.Attrs.(type) {
			case *api.TimerStarted:
				if attrs.TimerID == task.TimerID {
					timerStarted = true
				}
			case *api.TimerFired:
				if attrs.TimerID == task.TimerID {
					timerFired = true
				}
			}
		}
		if !timerStarted {
			w.logger.Error("timer task for unknown timer", "run_id", task.RunID, "timer_id", task.TimerID)
			w.settle(ctx, lease.Term)
			return
		}
		if timerFired {
			w.settle(ctx, lease.Ack)
			return
		}

		version := events[len(events)-1].ID
		fired := api.Event{
			ID:    version + 1,
			Time:  time.Now().UTC(),
			Attrs: &api.TimerFired{TimerID: task.TimerID},
		}
		if _, err := w.store.Append(ctx, task.RunID, version, []api.Event{fired}); err != nil {
			if errors.Is(err, history.ErrConcurrentAppend) {
				continue
			}
			w.logger.Error("failed to append timer fired", "run_id", task.RunID, "error", err)
			w.nack(ctx, lease)
			return
		}

		w.enqueueWorkflowTask(ctx, started.TaskQueue, task.RunID, started.WorkflowType)
		w.settle(ctx, lease.Ack)
		return
	}
}

// QueryWorkflow answers a query from an ephemeral replayed projection of the
// run. The run's history is never modified.
func (w *Worker) QueryWorkflow(ctx context.Context, runID, queryName string, args ...any) (any, error) {
	events, err := w.store.Read(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, history.ErrRunNotFound
	}
	return w.runner.ExecuteQuery(runID, events, queryName, args)
}

func (w *Worker) failIfExecutionExpired(ctx context.Context, runID string, events []api.Event, started *api.WorkflowStarted) (bool, error) {
	if started.ExecutionTimeoutMs <= 0 {
		return false, nil
	}
	timeout := time.Duration(started.ExecutionTimeoutMs) * time.Millisecond
	if time.Since(events[0].Time) < timeout {
		return false, nil
	}
	failure := api.Failure{
		Kind:         api.FailureKindTimeout,
		Message:      "workflow execution timeout exceeded",
		NonRetryable: true,
	}
	if err := w.appendTerminal(ctx, runID, events, failure); err != nil {
		return false, err
	}
	return true, nil
}

func (w *Worker) appendTerminal(ctx context.Context, runID string, events []api.Event, failure api.Failure) error {
	version := events[len(events)-1].ID
	terminal := api.Event{
		ID:    version + 1,
		Time:  time.Now().UTC(),
		Attrs: &api.WorkflowFailed{Failure: failure},
	}
	_, err := w.store.Append(ctx, runID, version, []api.Event{terminal})
	return err
}

// eventsFromCommands converts commands to events in emission order, IDs
// contiguous after version. ContinueAsNew mints the successor run ID here so
// it is recorded durably before the successor exists.
func eventsFromCommands(version int64, commands []api.Command) ([]api.Event, error) {
	now := time.Now().UTC()
	events := make([]api.Event, 0, len(commands))
	for i, cmd := range commands {
		var attrs api.EventAttributes
		switch c := cmd.(type) {
		case *api.ScheduleActivityCommand:
			attrs = &api.ActivityScheduled{
				ActivityID:               c.ActivityID,
				ActivityType:             c.ActivityType,
				Input:                    c.Input,
				RetryPolicy:              c.RetryPolicy,
				StartToCloseTimeoutMs:    c.StartToCloseTimeoutMs,
				ScheduleToCloseTimeoutMs: c.ScheduleToCloseTimeoutMs,
				HeartbeatTimeoutMs:       c.HeartbeatTimeoutMs,
			}
		case *api.StartTimerCommand:
			attrs = &api.TimerStarted{TimerID: c.TimerID, DurationMs: c.DurationMs}
		case *api.CompleteWorkflowCommand:
			attrs = &api.WorkflowCompleted{Result: c.Result}
		case *api.FailWorkflowCommand:
			attrs = &api.WorkflowFailed{Failure: c.Failure}
		case *api.ContinueAsNewCommand:
			newRunID, err := uuid.NewV4()
			if err != nil {
				return nil, fmt.Errorf("failed to generate successor run id: %w", err)
			}
			attrs = &api.WorkflowContinuedAsNew{NewRunID: newRunID.String(), Input: c.Input}
		default:
			return nil, fmt.Errorf("unknown command type: %T", cmd)
		}
		events = append(events, api.Event{ID: version + int64(i) + 1, Time: now, Attrs: attrs})
	}
	return events, nil
}

// dispatchSideEffects enqueues the follow-up work for freshly appended
// events: activity tasks, delayed timer tasks, successor runs.
func (w *Worker) dispatchSideEffects(ctx context.Context, runID string, started *api.WorkflowStarted, appended []api.Event, outcome *replay.Outcome) {
	for _, e := range appended {
		switch attrs := e.Attrs.(type) {
		case *api.ActivityScheduled:
			w.enqueueActivityTask(ctx, runID, started, e, attrs, 1, nil, time.Time{})
		case *api.TimerStarted:
			fireAt := e.Time.Add(time.Duration(attrs.DurationMs) * time.Millisecond)
			task := &api.TimerTask{RunID: runID, WorkflowType: started.WorkflowType, TimerID: attrs.TimerID}
			if err := w.queue.Enqueue(ctx, api.WorkflowTaskQueue(started.TaskQueue), task,
				taskqueue.WithNotBefore(fireAt)); err != nil {
				w.logger.Error("failed to enqueue timer task", "run_id", runID, "timer_id", attrs.TimerID, "error", err)
			}
		case *api.WorkflowContinuedAsNew:
			w.startSuccessor(ctx, runID, started, attrs, outcome.PendingSignals)
		}
	}
}

// ensureSuccessor makes a redelivered terminal task crash-safe: if the run
// continued as new but the successor was never created, create it now.
func (w *Worker) ensureSuccessor(ctx context.Context, runID string, events []api.Event, started *api.WorkflowStarted) {
	cont, ok := events[len(events)-1].Attrs.(*api.WorkflowContinuedAsNew)
	if !ok {
		return
	}
	if _, err := w.store.Read(ctx, cont.NewRunID, 0); err == nil {
		return
	} else if !errors.Is(err, history.ErrRunNotFound) {
		w.logger.Error("failed to check successor run", "run_id", cont.NewRunID, "error", err)
		return
	}

	// Pending signals are re-derived by replaying the closed run.
	var pending []*api.SignalReceived
	if outcome, err := w.runner.ExecuteWorkflowTask(runID, events); err == nil {
		pending = outcome.PendingSignals
	}
	w.startSuccessor(ctx, runID, started, cont, pending)
}

// startSuccessor creates the successor run of a ContinueAsNew and enqueues
// its first workflow task. Undelivered signals of the closed run are seeded
// into the successor's history; pending timers are not carried over.
func (w *Worker) startSuccessor(ctx context.Context, oldRunID string, started *api.WorkflowStarted, cont *api.WorkflowContinuedAsNew, pending []*api.SignalReceived) {
	now := time.Now().UTC()
	events := []api.Event{{
		ID:   1,
		Time: now,
		Attrs: &api.WorkflowStarted{
			WorkflowID:         started.WorkflowID,
			WorkflowType:       started.WorkflowType,
			Input:              cont.Input,
			TaskQueue:          started.TaskQueue,
			ExecutionTimeoutMs: started.ExecutionTimeoutMs,
			ContinuedFromRunID: oldRunID,
		},
	}}
	for i, signal := range pending {
		events = append(events, api.Event{
			ID:    int64(i) + 2,
			Time:  now,
			Attrs: &api.SignalReceived{Name: signal.Name, Payload: signal.Payload},
		})
	}

	if _, err := w.store.Append(ctx, cont.NewRunID, 0, events); err != nil {
		// A concurrent creator won the race; the successor exists either way.
		if !errors.Is(err, history.ErrConcurrentAppend) {
			w.logger.Error("failed to start successor run",
				"run_id", cont.NewRunID,
				"continued_from", oldRunID,
				"error", err,
			)
			return
		}
	}
	w.enqueueWorkflowTask(ctx, started.TaskQueue, cont.NewRunID, started.WorkflowType)
}

// recoverStalled re-enqueues scheduled work whose follow-up task was lost,
// e.g. a worker that appended events but crashed before enqueuing. The
// staleness guard keeps the sweep from double-dispatching work that is
// simply still in flight.
func (w *Worker) recoverStalled(ctx context.Context, runID string, started *api.WorkflowStarted, events []api.Event) {
	type activityState struct {
		scheduled     api.Event
		attrs         *api.ActivityScheduled
		started       bool
		lastRetry     *api.ActivityRetryScheduled
		lastRetryTime time.Time
		resolved      bool
	}
	activities := make(map[string]*activityState)
	timers := make(map[string]api.Event)

	for _, e := range events {
		switch attrs := e.Attrs.(type) {
		case *api.ActivityScheduled:
			activities[attrs.ActivityID] = &activityState{scheduled: e, attrs: attrs}
		case *api.ActivityStarted:
			if st := activities[attrs.ActivityID]; st != nil {
				st.started = true
				st.lastRetry = nil
			}
		case *api.ActivityRetryScheduled:
			if st := activities[attrs.ActivityID]; st != nil {
				st.lastRetry = attrs
				st.lastRetryTime = e.Time
			}
		case *api.ActivityCompleted:
			if st := activities[attrs.ActivityID]; st != nil {
				st.resolved = true
			}
		case *api.ActivityFailed:
			if st := activities[attrs.ActivityID]; st != nil {
				st.resolved = true
			}
		case *api.TimerStarted:
			timers[attrs.TimerID] = e
		case *api.TimerFired:
			delete(timers, attrs.TimerID)
		}
	}

	now := time.Now()
	for id, st := range activities {
		if st.resolved {
			continue
		}
		switch {
		case st.lastRetry != nil:
			due := st.lastRetryTime.Add(time.Duration(st.lastRetry.BackoffMs) * time.Millisecond)
			if now.Sub(due) > w.staleAfter {
				w.logger.Warn("re-enqueueing stalled activity retry", "run_id", runID, "activity_id", id)
				w.enqueueActivityTask(ctx, runID, started, st.scheduled, st.attrs, st.lastRetry.Attempt+1, nil, time.Time{})
			}
		case !st.started:
			if now.Sub(st.scheduled.Time) > w.staleAfter {
				w.logger.Warn("re-enqueueing stalled activity", "run_id", runID, "activity_id", id)
				w.enqueueActivityTask(ctx, runID, started, st.scheduled, st.attrs, 1, nil, time.Time{})
			}
		}
	}
	for id, e := range timers {
		attrs := e.Attrs.(*api.TimerStarted)
		fireAt := e.Time.Add(time.Duration(attrs.DurationMs) * time.Millisecond)
		if now.Sub(fireAt) > w.staleAfter {
			w.logger.Warn("re-enqueueing stalled timer", "run_id", runID, "timer_id", id)
			task := &api.TimerTask{RunID: runID, WorkflowType: started.WorkflowType, TimerID: id}
			if err := w.queue.Enqueue(ctx, api.WorkflowTaskQueue(started.TaskQueue), task); err != nil {
				w.logger.Error("failed to enqueue timer task", "run_id", runID, "timer_id", id, "error", err)
			}
		}
	}
}

func (w *Worker) enqueueActivityTask(ctx context.Context, runID string, started *api.WorkflowStarted, scheduled api.Event, attrs *api.ActivityScheduled, attempt int32, heartbeatDetails []any, notBefore time.Time) {
	task := &api.ActivityTask{
		RunID:                    runID,
		WorkflowID:               started.WorkflowID,
		WorkflowType:             started.WorkflowType,
		ActivityID:               attrs.ActivityID,
		ActivityType:             attrs.ActivityType,
		Input:                    attrs.Input,
		Attempt:                  attempt,
		RetryPolicy:              attrs.RetryPolicy,
		StartToCloseTimeoutMs:    attrs.StartToCloseTimeoutMs,
		ScheduleToCloseTimeoutMs: attrs.ScheduleToCloseTimeoutMs,
		HeartbeatTimeoutMs:       attrs.HeartbeatTimeoutMs,
		ScheduledAtMs:            scheduled.Time.UnixMilli(),
		HeartbeatDetails:         heartbeatDetails,
	}
	var opts []taskqueue.EnqueueOption
	if !notBefore.IsZero() {
		opts = append(opts, taskqueue.WithNotBefore(notBefore))
	}
	if err := w.queue.Enqueue(ctx, api.ActivityTaskQueue(started.TaskQueue), task, opts...); err != nil {
		w.logger.Error("failed to enqueue activity task",
			"run_id", runID,
			"activity_id", attrs.ActivityID,
			"attempt", attempt,
			"error", err,
		)
	}
}

func (w *Worker) enqueueWorkflowTask(ctx context.Context, taskQueue, runID, workflowType string) {
	task := &api.WorkflowTask{RunID: runID, WorkflowType: workflowType}
	if err := w.queue.Enqueue(ctx, api.WorkflowTaskQueue(taskQueue), task); err != nil {
		w.logger.Error("failed to enqueue workflow task", "run_id", runID, "error", err)
	}
}

func startedAttrs(events []api.Event) (*api.WorkflowStarted, bool) {
	if len(events) == 0 {
		return nil, false
	}
	started, ok := events[0].Attrs.(*api.WorkflowStarted)
	return started, ok
}
