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

// Package worker hosts the poll loops that drive workflow replay and
// activity execution. A worker claims tasks under a lease, appends the
// resulting events durably, and only then acknowledges the lease; a crash in
// between redelivers the task.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
	"github.com/keelflow/keel/history"
	"github.com/keelflow/keel/internal/dispatch"
	"github.com/keelflow/keel/internal/replay"
	"github.com/keelflow/keel/taskqueue"
)

const (
	defaultConcurrency = 16

	// pollRetryDelay backs off a poll loop that hit an infrastructure error.
	pollRetryDelay = time.Second

	// nackDelay is the redelivery delay for tasks that hit transient errors.
	nackDelay = 2 * time.Second

	// recoveryStaleAfter is how long scheduled work may sit unclaimed before
	// the recovery sweep re-enqueues it. Covers a worker that appended events
	// but crashed before enqueuing the follow-up tasks.
	recoveryStaleAfter = time.Minute
)

// Worker polls a task queue and executes workflow and activity tasks against
// the given history store.
type Worker struct {
	store      history.Store
	queue      taskqueue.Queue
	registry   *replay.Registry
	runner     *replay.Runner
	dispatcher *dispatch.Dispatcher
	serde      serde.BinarySerde
	logger     *slog.Logger

	taskQueue   string
	concurrency int
	staleAfter  time.Duration

	locks *runLocks
}

// Options configure a Worker. Zero values pick defaults.
type Options struct {
	// TaskQueue is the logical queue this worker serves.
	TaskQueue string

	// Concurrency bounds in-flight task handlers per poll loop.
	Concurrency int

	// Serde encodes payloads; defaults to msgpack.
	Serde serde.BinarySerde

	Logger *slog.Logger

	// DispatcherOptions tune activity execution.
	DispatcherOptions []dispatch.DispatcherOption
}

func New(store history.Store, queue taskqueue.Queue, opts Options) *Worker {
	if opts.TaskQueue == "" {
		opts.TaskQueue = api.DefaultTaskQueue
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Serde == nil {
		opts.Serde = &serde.MsgpackSerde{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	registry := replay.NewRegistry()
	return &Worker{
		store:       store,
		queue:       queue,
		registry:    registry,
		runner:      replay.NewRunner(registry, opts.Serde, opts.Logger),
		dispatcher:  dispatch.NewDispatcher(registry, opts.Serde, opts.Logger, opts.DispatcherOptions...),
		serde:       opts.Serde,
		logger:      opts.Logger,
		taskQueue:   opts.TaskQueue,
		concurrency: opts.Concurrency,
		staleAfter:  recoveryStaleAfter,
		locks:       newRunLocks(),
	}
}

// RegisterWorkflow registers a workflow function under its type name. The
// function shape is func(workflow.Context, args...) (results..., error).
func (w *Worker) RegisterWorkflow(name string, fn any) error {
	return w.registry.RegisterWorkflow(name, fn)
}

// RegisterActivity registers an activity function under its type name. The
// function shape is func(context.Context, args...) (results..., error).
func (w *Worker) RegisterActivity(name string, fn any) error {
	return w.registry.RegisterActivity(name, fn)
}

// Run polls for tasks until ctx is cancelled. Blocking; run it in a
// goroutine or errgroup.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting",
		"task_queue", w.taskQueue,
		"concurrency", w.concurrency,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.pollLoop(ctx, api.WorkflowTaskQueue(w.taskQueue))
	})
	g.Go(func() error {
		return w.pollLoop(ctx, api.ActivityTaskQueue(w.taskQueue))
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) pollLoop(ctx context.Context, queue string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for ctx.Err() == nil {
		lease, err := w.queue.Poll(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("task poll failed", "queue", queue, "error", err)
			select {
			case <-time.After(pollRetryDelay):
			case <-ctx.Done():
			}
			continue
		}
		g.Go(func() error {
			w.handleLease(ctx, lease)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (w *Worker) handleLease(ctx context.Context, lease taskqueue.Lease) {
	switch task := lease.Task().(type) {
	case *api.WorkflowTask:
		w.handleWorkflowTask(ctx, lease, task.RunID)
	case *api.TimerTask:
		w.handleTimerTask(ctx, lease, task)
	case *api.ActivityTask:
		w.handleActivityTask(ctx, lease, task)
	default:
		w.logger.Error("unknown task type on queue", "task", lease.Task())
		w.settle(ctx, lease.Term)
	}
}

// settle runs a lease settlement, logging failures. A failed settlement only
// costs an extra redelivery.
func (w *Worker) settle(ctx context.Context, f func(context.Context) error) {
	if err := f(ctx); err != nil {
		w.logger.Warn("failed to settle task lease", "error", err)
	}
}

func (w *Worker) nack(ctx context.Context, lease taskqueue.Lease) {
	if err := lease.Nack(ctx, nackDelay); err != nil {
		w.logger.Warn("failed to nack task lease", "error", err)
	}
}
