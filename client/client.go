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

// Package client starts, signals, queries, and observes workflow executions.
// It talks to the same history store and task queue as the workers; there is
// no wire protocol between them.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	uuid "github.com/gofrs/uuid/v5"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
	"github.com/keelflow/keel/history"
	"github.com/keelflow/keel/internal/replay"
	"github.com/keelflow/keel/taskqueue"
)

var (
	// ErrRunNotFound is returned for operations on an unknown run ID.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrWorkflowNotRunning is returned when signalling or cancelling a run
	// that already reached a terminal state.
	ErrWorkflowNotRunning = errors.New("workflow is not running")

	// ErrQueryNotFound mirrors the replay-side sentinel for unknown queries.
	ErrQueryNotFound = replay.ErrQueryNotFound

	// ErrQueryRejected mirrors the replay-side sentinel for query handlers
	// that tried to schedule work.
	ErrQueryRejected = replay.ErrQueryRejected
)

const resultPollInterval = 100 * time.Millisecond

// Querier answers queries against a run. The worker implements it; queries
// need a process with the workflow function registered.
type Querier interface {
	QueryWorkflow(ctx context.Context, runID, queryName string, args ...any) (any, error)
}

// Client is the application-facing handle on the engine.
type Client struct {
	store     history.Store
	queue     taskqueue.Queue
	serde     serde.BinarySerde
	converter *serde.TypeConverter
	logger    *slog.Logger
	taskQueue string
	querier   Querier
}

// Options configure a Client. Zero values pick defaults.
type Options struct {
	// TaskQueue is the default logical queue new runs are started on.
	TaskQueue string

	// Serde encodes payloads; must match the workers'. Defaults to msgpack.
	Serde serde.BinarySerde

	Logger *slog.Logger

	// Querier answers QueryWorkflow calls; typically the local worker.
	Querier Querier
}

func New(store history.Store, queue taskqueue.Queue, opts Options) *Client {
	if opts.TaskQueue == "" {
		opts.TaskQueue = api.DefaultTaskQueue
	}
	if opts.Serde == nil {
		opts.Serde = &serde.MsgpackSerde{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		store:     store,
		queue:     queue,
		serde:     opts.Serde,
		converter: serde.NewTypeConverter(opts.Serde),
		logger:    opts.Logger,
		taskQueue: opts.TaskQueue,
		querier:   opts.Querier,
	}
}

// StartOptions configure one workflow start.
type StartOptions struct {
	// WorkflowID is the business identifier; defaults to a fresh UUID.
	WorkflowID string

	// TaskQueue overrides the client default for this run.
	TaskQueue string

	// ExecutionTimeout bounds the whole run. Zero means unlimited.
	ExecutionTimeout time.Duration
}

// WorkflowRun identifies a started execution.
type WorkflowRun struct {
	WorkflowID string
	RunID      string
}

// StartWorkflow durably records the start event and enqueues the first
// workflow task. The run exists once this returns.
func (c *Client) StartWorkflow(ctx context.Context, opts StartOptions, workflowType string, args ...any) (*WorkflowRun, error) {
	runUUID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}
	runID := runUUID.String()

	if opts.WorkflowID == "" {
		wfUUID, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("failed to generate workflow id: %w", err)
		}
		opts.WorkflowID = wfUUID.String()
	}
	if opts.TaskQueue == "" {
		opts.TaskQueue = c.taskQueue
	}

	started := api.Event{
		ID:   1,
		Time: time.Now().UTC(),
		Attrs: &api.WorkflowStarted{
			WorkflowID:         opts.WorkflowID,
			WorkflowType:       workflowType,
			Input:              args,
			TaskQueue:          opts.TaskQueue,
			ExecutionTimeoutMs: opts.ExecutionTimeout.Milliseconds(),
		},
	}
	if _, err := c.store.Append(ctx, runID, 0, []api.Event{started}); err != nil {
		return nil, fmt.Errorf("failed to record workflow start: %w", err)
	}

	task := &api.WorkflowTask{RunID: runID, WorkflowType: workflowType}
	if err := c.queue.Enqueue(ctx, api.WorkflowTaskQueue(opts.TaskQueue), task); err != nil {
		return nil, fmt.Errorf("failed to enqueue first workflow task: %w", err)
	}

	c.logger.Debug("workflow started",
		"workflow_id", opts.WorkflowID,
		"run_id", runID,
		"workflow_type", workflowType,
	)
	return &WorkflowRun{WorkflowID: opts.WorkflowID, RunID: runID}, nil
}

// SignalWorkflow appends a signal to the run's history and wakes it. Signals
// to terminal runs fail with ErrWorkflowNotRunning.
func (c *Client) SignalWorkflow(ctx context.Context, runID, name string, payload ...any) error {
	started, err := c.appendExternal(ctx, runID, &api.SignalReceived{Name: name, Payload: payload})
	if err != nil {
		return err
	}
	return c.wake(ctx, runID, started)
}

// CancelWorkflow requests cooperative cancellation of the run. The workflow
// observes it at its next blocking point; cancelling an already cancelled
// run is a no-op.
func (c *Client) CancelWorkflow(ctx context.Context, runID, reason string) error {
	events, err := c.readRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, e := range events {
		if _, ok := e.Attrs.(*api.WorkflowCancelRequested); ok {
			return nil
		}
	}
	started, err := c.appendExternal(ctx, runID, &api.WorkflowCancelRequested{Reason: reason})
	if err != nil {
		return err
	}
	return c.wake(ctx, runID, started)
}

// QueryWorkflow answers a read-only query against the run's current state,
// decoding the result into valuePtr.
func (c *Client) QueryWorkflow(ctx context.Context, runID, queryName string, valuePtr any, args ...any) error {
	if c.querier == nil {
		return fmt.Errorf("client has no querier configured")
	}
	result, err := c.querier.QueryWorkflow(ctx, runID, queryName, args...)
	if err != nil {
		if errors.Is(err, history.ErrRunNotFound) {
			return ErrRunNotFound
		}
		return err
	}
	if valuePtr == nil || result == nil {
		return nil
	}
	return c.converter.ConvertInto(result, valuePtr)
}

// GetResult blocks until the run reaches a terminal state and decodes its
// output into valuePtr. Runs that continued as new are followed to the final
// successor. Failures come back as *api.Failure with the full cause chain.
func (c *Client) GetResult(ctx context.Context, runID string, valuePtr any) error {
	for {
		terminal, err := c.waitTerminal(ctx, runID)
		if err != nil {
			return err
		}
		switch attrs := terminal.Attrs.(type) {
		case *api.WorkflowCompleted:
			if valuePtr == nil || len(attrs.Result) == 0 || attrs.Result[0] == nil {
				return nil
			}
			return c.converter.ConvertInto(attrs.Result[0], valuePtr)
		case *api.WorkflowFailed:
			failure := attrs.Failure
			return &failure
		case *api.WorkflowContinuedAsNew:
			runID = attrs.NewRunID
		default:
			return fmt.Errorf("unexpected terminal event %q", terminal.Attrs.EventName())
		}
	}
}

// WorkflowDescription is a point-in-time view of a run.
type WorkflowDescription struct {
	WorkflowID         string
	RunID              string
	WorkflowType       string
	Status             api.WorkflowStatus
	HistoryLength      int64
	ContinuedFromRunID string
}

// DescribeWorkflow reports the run's status without blocking.
func (c *Client) DescribeWorkflow(ctx context.Context, runID string) (*WorkflowDescription, error) {
	events, err := c.readRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	started, ok := events[0].Attrs.(*api.WorkflowStarted)
	if !ok {
		return nil, fmt.Errorf("run %s history does not begin with a start event", runID)
	}
	return &WorkflowDescription{
		WorkflowID:         started.WorkflowID,
		RunID:              runID,
		WorkflowType:       started.WorkflowType,
		Status:             api.StatusFromHistory(events),
		HistoryLength:      events[len(events)-1].ID,
		ContinuedFromRunID: started.ContinuedFromRunID,
	}, nil
}

// appendExternal appends one externally injected event with optimistic
// retry, failing if the run is no longer running. Returns the run's start
// attributes.
func (c *Client) appendExternal(ctx context.Context, runID string, attrs api.EventAttributes) (*api.WorkflowStarted, error) {
	for {
		events, err := c.readRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		started, ok := events[0].Attrs.(*api.WorkflowStarted)
		if !ok {
			return nil, fmt.Errorf("run %s history does not begin with a start event", runID)
		}
		if api.StatusFromHistory(events) != api.StatusRunning {
			return nil, ErrWorkflowNotRunning
		}

		version := events[len(events)-1].ID
		e := api.Event{ID: version + 1, Time: time.Now().UTC(), Attrs: attrs}
		if _, err := c.store.Append(ctx, runID, version, []api.Event{e}); err != nil {
			if errors.Is(err, history.ErrConcurrentAppend) {
				continue
			}
			return nil, fmt.Errorf("failed to append %s: %w", attrs.EventName(), err)
		}
		return started, nil
	}
}

func (c *Client) wake(ctx context.Context, runID string, started *api.WorkflowStarted) error {
	task := &api.WorkflowTask{RunID: runID, WorkflowType: started.WorkflowType}
	if err := c.queue.Enqueue(ctx, api.WorkflowTaskQueue(started.TaskQueue), task); err != nil {
		return fmt.Errorf("failed to enqueue workflow task: %w", err)
	}
	return nil
}

func (c *Client) readRun(ctx context.Context, runID string) ([]api.Event, error) {
	events, err := c.store.Read(ctx, runID, 0)
	if err != nil {
		if errors.Is(err, history.ErrRunNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrRunNotFound
	}
	return events, nil
}

// waitTerminal blocks until the run's history ends in a terminal event,
// using the store's watch support when available and polling otherwise.
func (c *Client) waitTerminal(ctx context.Context, runID string) (api.Event, error) {
	events, err := c.readRun(ctx, runID)
	if err != nil {
		return api.Event{}, err
	}
	if last := events[len(events)-1]; api.IsTerminalEvent(last.Attrs) {
		return last, nil
	}

	if watcher, ok := c.store.(history.Watcher); ok {
		ch, err := watcher.Watch(ctx, runID, events[len(events)-1].ID)
		if err == nil {
			for {
				select {
				case e, open := <-ch:
					if !open {
						return api.Event{}, fmt.Errorf("history watch closed for run %s", runID)
					}
					if api.IsTerminalEvent(e.Attrs) {
						return e, nil
					}
				case <-ctx.Done():
					return api.Event{}, ctx.Err()
				}
			}
		}
		c.logger.Warn("history watch unavailable, falling back to polling", "run_id", runID, "error", err)
	}

	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			events, err := c.readRun(ctx, runID)
			if err != nil {
				return api.Event{}, err
			}
			if last := events[len(events)-1]; api.IsTerminalEvent(last.Attrs) {
				return last, nil
			}
		case <-ctx.Done():
			return api.Event{}, ctx.Err()
		}
	}
}
