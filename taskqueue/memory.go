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
	"sync"
	"time"

	"github.com/keelflow/keel/api"
)

const defaultLeaseTimeout = 30 * time.Second

// MemoryQueue is an in-process Queue for tests and single-process embedding.
// Leases are enforced with timers: an unsettled task is pushed back when its
// lease expires.
type MemoryQueue struct {
	leaseTimeout time.Duration

	mu     sync.Mutex
	queues map[string]*memoryPartition
}

// memoryPartition is one named queue: a channel for handoff to pollers plus
// an overflow list so producers never block. Delayed-delivery and
// lease-expiry callbacks run on timer goroutines that must not stall.
type memoryPartition struct {
	ch chan api.Task

	mu       sync.Mutex
	overflow []api.Task
}

// push makes the task visible without ever blocking. Order is preserved: once
// anything sits in overflow, new tasks queue behind it.
func (p *memoryPartition) push(task api.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.overflow) == 0 {
		select {
		case p.ch <- task:
			return
		default:
		}
	}
	p.overflow = append(p.overflow, task)
}

// refill moves overflowed tasks into freed channel slots, oldest first.
func (p *memoryPartition) refill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.overflow) > 0 {
		select {
		case p.ch <- p.overflow[0]:
			p.overflow = p.overflow[1:]
		default:
			return
		}
	}
}

var _ Queue = (*MemoryQueue)(nil)

type MemoryQueueOption func(*MemoryQueue)

// WithLeaseTimeout overrides the redelivery timeout; tests use short values.
func WithLeaseTimeout(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) { q.leaseTimeout = d }
}

func NewMemoryQueue(opts ...MemoryQueueOption) *MemoryQueue {
	q := &MemoryQueue{
		leaseTimeout: defaultLeaseTimeout,
		queues:       make(map[string]*memoryPartition),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) partition(queue string) *memoryPartition {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.queues[queue]
	if !ok {
		p = &memoryPartition{ch: make(chan api.Task, 1024)}
		q.queues[queue] = p
	}
	return p
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queue string, task api.Task, opts ...EnqueueOption) error {
	o := applyEnqueueOptions(opts)
	p := q.partition(queue)

	if delay := time.Until(o.notBefore); delay > 0 {
		time.AfterFunc(delay, func() {
			p.push(task)
		})
		return nil
	}

	p.push(task)
	return nil
}

func (q *MemoryQueue) Poll(ctx context.Context, queue string) (Lease, error) {
	p := q.partition(queue)
	select {
	case task := <-p.ch:
		p.refill()
		l := &memoryLease{task: task, queue: q, queueName: queue}
		l.timer = time.AfterFunc(q.leaseTimeout, func() {
			// Lease expired without ack: make the task visible again.
			if l.settle() {
				p.push(task)
			}
		})
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryLease struct {
	task      api.Task
	queue     *MemoryQueue
	queueName string

	mu      sync.Mutex
	settled bool
	timer   *time.Timer
}

var _ Lease = (*memoryLease)(nil)

func (l *memoryLease) Task() api.Task { return l.task }

// settle marks the lease settled and reports whether this call won.
func (l *memoryLease) settle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return false
	}
	l.settled = true
	if l.timer != nil {
		l.timer.Stop()
	}
	return true
}

func (l *memoryLease) Ack(ctx context.Context) error {
	l.settle()
	return nil
}

func (l *memoryLease) Nack(ctx context.Context, delay time.Duration) error {
	if !l.settle() {
		return nil
	}
	return l.queue.Enqueue(ctx, l.queueName, l.task, WithNotBefore(time.Now().Add(delay)))
}

func (l *memoryLease) Term(ctx context.Context) error {
	l.settle()
	return nil
}
