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

package history

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
)

// JetStreamStore is a Store backed by a NATS JetStream stream, one subject
// per run. Optimistic fencing uses expected-last-subject-sequence publishes:
// a racing append observes a stale sequence and is rejected by the server.
type JetStreamStore struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	codec  *Codec

	mu   sync.Mutex
	seqs map[string]runCursor
}

// runCursor caches where a run's subject ends so appends can fence without
// re-reading. Invalidated on any conflict.
type runCursor struct {
	version   int64
	streamSeq uint64
}

var _ Store = (*JetStreamStore)(nil)

func NewJetStreamStore(ctx context.Context, nc *nats.Conn, s serde.BinarySerde) (*JetStreamStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.Stream(ctx, api.HistoryStream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:     api.HistoryStream,
			Subjects: []string{api.HistorySubjectPrefix + ".>"},
			Storage:  jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to ensure history stream: %w", err)
	}

	return &JetStreamStore{
		js:     js,
		stream: stream,
		codec:  NewCodec(s),
		seqs:   make(map[string]runCursor),
	}, nil
}

func (s *JetStreamStore) subject(runID string) string {
	return api.HistorySubjectPrefix + "." + runID
}

func (s *JetStreamStore) Append(ctx context.Context, runID string, expectedVersion int64, events []api.Event) (int64, error) {
	if err := ValidateAppend(expectedVersion, events); err != nil {
		return 0, err
	}

	cursor, err := s.cursorFor(ctx, runID)
	if err != nil {
		return 0, err
	}
	if cursor.version != expectedVersion {
		return cursor.version, ErrConcurrentAppend
	}

	subj := s.subject(runID)
	for _, e := range events {
		payload, err := s.codec.Encode(e)
		if err != nil {
			return 0, err
		}
		ack, err := s.js.Publish(ctx, subj, payload,
			jetstream.WithExpectLastSequencePerSubject(cursor.streamSeq))
		if err != nil {
			s.invalidate(runID)
			if isWrongLastSequence(err) {
				return 0, ErrConcurrentAppend
			}
			return 0, fmt.Errorf("failed to publish history event %d: %w", e.ID, err)
		}
		cursor = runCursor{version: e.ID, streamSeq: ack.Sequence}
		s.remember(runID, cursor)
	}
	return cursor.version, nil
}

func (s *JetStreamStore) Read(ctx context.Context, runID string, fromEventID int64) ([]api.Event, error) {
	events, cursor, err := s.readAll(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.remember(runID, cursor)

	out := events[:0:0]
	for _, e := range events {
		if e.ID > fromEventID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *JetStreamStore) cursorFor(ctx context.Context, runID string) (runCursor, error) {
	s.mu.Lock()
	cursor, ok := s.seqs[runID]
	s.mu.Unlock()
	if ok {
		return cursor, nil
	}

	_, cursor, err := s.readAll(ctx, runID)
	if err != nil && !errors.Is(err, ErrRunNotFound) {
		return runCursor{}, err
	}
	s.remember(runID, cursor)
	return cursor, nil
}

// readAll fetches the run's whole subject and returns the decoded events
// plus the cursor at its end.
func (s *JetStreamStore) readAll(ctx context.Context, runID string) ([]api.Event, runCursor, error) {
	subj := s.subject(runID)

	last, err := s.stream.GetLastMsgForSubject(ctx, subj)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, runCursor{}, ErrRunNotFound
		}
		return nil, runCursor{}, fmt.Errorf("failed to locate history tail: %w", err)
	}

	cons, err := s.js.OrderedConsumer(ctx, api.HistoryStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subj},
	})
	if err != nil {
		return nil, runCursor{}, fmt.Errorf("failed to create history consumer: %w", err)
	}

	var events []api.Event
	var cursor runCursor
	for cursor.streamSeq < last.Sequence {
		batch, err := cons.FetchNoWait(256)
		if err != nil {
			return nil, runCursor{}, fmt.Errorf("failed to fetch history batch: %w", err)
		}
		got := false
		for msg := range batch.Messages() {
			got = true
			e, err := s.codec.Decode(msg.Data())
			if err != nil {
				return nil, runCursor{}, err
			}
			meta, err := msg.Metadata()
			if err != nil {
				return nil, runCursor{}, err
			}
			events = append(events, e)
			cursor = runCursor{version: e.ID, streamSeq: meta.Sequence.Stream}
		}
		if err := batch.Error(); err != nil {
			return nil, runCursor{}, err
		}
		if !got {
			break
		}
	}
	return events, cursor, nil
}

func (s *JetStreamStore) remember(runID string, c runCursor) {
	s.mu.Lock()
	s.seqs[runID] = c
	s.mu.Unlock()
}

func (s *JetStreamStore) invalidate(runID string) {
	s.mu.Lock()
	delete(s.seqs, runID)
	s.mu.Unlock()
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
