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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
)

// JetStreamQueue is a Queue backed by a JetStream work-queue stream, one
// subject per named queue. Leases map onto consumer acks: JetStream
// redelivers after AckWait, which plays the lease-timeout role.
type JetStreamQueue struct {
	js      jetstream.JetStream
	stream  jetstream.Stream
	codec   *Codec
	ackWait time.Duration
}

var _ Queue = (*JetStreamQueue)(nil)

type JetStreamQueueOption func(*JetStreamQueue)

// WithAckWait overrides the redelivery timeout.
func WithAckWait(d time.Duration) JetStreamQueueOption {
	return func(q *JetStreamQueue) { q.ackWait = d }
}

func NewJetStreamQueue(ctx context.Context, nc *nats.Conn, s serde.BinarySerde, opts ...JetStreamQueueOption) (*JetStreamQueue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.Stream(ctx, api.TaskStream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:      api.TaskStream,
			Subjects:  []string{api.TaskSubjectPrefix + ".>"},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to ensure task stream: %w", err)
	}

	q := &JetStreamQueue{
		js:      js,
		stream:  stream,
		codec:   NewCodec(s),
		ackWait: defaultLeaseTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *JetStreamQueue) subject(queue string) string {
	return api.TaskSubjectPrefix + "." + queue
}

// consumerName derives a durable consumer name from the queue name.
func consumerName(queue string) string {
	return "keel-tasks-" + strings.ReplaceAll(queue, ".", "-")
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, queue string, task api.Task, opts ...EnqueueOption) error {
	o := applyEnqueueOptions(opts)

	data, err := q.codec.Encode(task)
	if err != nil {
		return err
	}

	msg := &nats.Msg{Subject: q.subject(queue), Data: data, Header: nats.Header{}}
	if !o.notBefore.IsZero() {
		msg.Header.Set("Keel-Not-Before", o.notBefore.UTC().Format(time.RFC3339Nano))
	}

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish task to %s: %w", queue, err)
	}
	return nil
}

func (q *JetStreamQueue) Poll(ctx context.Context, queue string) (Lease, error) {
	cons, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		FilterSubject: q.subject(queue),
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure task consumer: %w", err)
	}

	for {
		msgs, err := cons.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch task: %w", err)
		}
		for msg := range msgs.Messages() {
			// Delayed tasks bounce back to the server until due.
			if raw := msg.Headers().Get("Keel-Not-Before"); raw != "" {
				if due, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					if wait := time.Until(due); wait > 0 {
						msg.NakWithDelay(wait)
						continue
					}
				}
			}

			task, err := q.codec.Decode(msg.Data())
			if err != nil {
				// Undecodable task: drop it rather than poison the queue.
				msg.Term()
				return nil, err
			}
			return &jetstreamLease{task: task, msg: msg}, nil
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("failed to drain task batch: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

type jetstreamLease struct {
	task api.Task
	msg  jetstream.Msg
}

var _ Lease = (*jetstreamLease)(nil)

func (l *jetstreamLease) Task() api.Task { return l.task }

func (l *jetstreamLease) Ack(ctx context.Context) error {
	return l.msg.Ack()
}

func (l *jetstreamLease) Nack(ctx context.Context, delay time.Duration) error {
	return l.msg.NakWithDelay(delay)
}

func (l *jetstreamLease) Term(ctx context.Context) error {
	return l.msg.Term()
}
