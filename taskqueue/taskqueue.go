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

// Package taskqueue defines the task-queue collaborator: leased,
// at-least-once delivery of workflow and activity tasks. A task claimed but
// never acknowledged becomes visible again after its lease expires.
package taskqueue

import (
	"context"
	"time"

	"github.com/keelflow/keel/api"
)

// Lease is one claimed task. Exactly one of Ack, Nack, or Term settles it;
// an unsettled lease is redelivered after the lease timeout.
type Lease interface {
	Task() api.Task

	// Ack marks the task done.
	Ack(ctx context.Context) error

	// Nack returns the task for redelivery after delay.
	Nack(ctx context.Context, delay time.Duration) error

	// Term drops the task permanently (poison pill).
	Term(ctx context.Context) error
}

// Queue is the task-queue contract.
type Queue interface {
	// Enqueue adds a task to the named queue.
	Enqueue(ctx context.Context, queue string, task api.Task, opts ...EnqueueOption) error

	// Poll blocks until a task is available on the named queue or ctx is
	// done.
	Poll(ctx context.Context, queue string) (Lease, error)
}

type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	notBefore time.Time
}

// WithNotBefore delays delivery until the given time. Used for retry
// backoff.
func WithNotBefore(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.notBefore = t }
}

func applyEnqueueOptions(opts []EnqueueOption) enqueueOptions {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
