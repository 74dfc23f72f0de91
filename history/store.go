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

// Package history defines the Event History Store collaborator contract and
// the backends shipped with the module. The store is the single source of
// truth for run state: all mutation funnels through its atomic, optimistically
// fenced append.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/keelflow/keel/api"
)

var (
	// ErrConcurrentAppend is returned when two workers race to append to the
	// same run. Last-writer-wins is unacceptable; the loser must re-derive
	// from fresh history.
	ErrConcurrentAppend = errors.New("concurrent append conflict")

	// ErrRunNotFound is returned when reading a run that has no events.
	ErrRunNotFound = errors.New("run not found")
)

// Store is the append-only event log, one totally ordered history per run.
//
// Append is atomic per run: either every event lands or none does. The caller
// passes the history version it derived its events from (the ID of the last
// event it saw, zero for a new run); a mismatch fails with
// ErrConcurrentAppend. Event IDs must continue the sequence from
// expectedVersion+1.
type Store interface {
	Append(ctx context.Context, runID string, expectedVersion int64, events []api.Event) (newVersion int64, err error)

	// Read returns the run's events with ID > fromEventID, in order.
	// Reading an unknown run returns ErrRunNotFound.
	Read(ctx context.Context, runID string, fromEventID int64) ([]api.Event, error)
}

// Watcher is an optional store capability: a live feed of a run's events from
// fromEventID onward. Callers without it fall back to polling Read.
type Watcher interface {
	Watch(ctx context.Context, runID string, fromEventID int64) (<-chan api.Event, error)
}

// ValidateAppend checks the invariants shared by every backend before the
// backend commits: a non-empty batch whose IDs continue the expected version.
func ValidateAppend(expectedVersion int64, events []api.Event) error {
	if len(events) == 0 {
		return fmt.Errorf("append of empty event batch")
	}
	for i, e := range events {
		if want := expectedVersion + int64(i) + 1; e.ID != want {
			return fmt.Errorf("event id %d at batch index %d, want %d", e.ID, i, want)
		}
	}
	return nil
}
