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
	"sync"

	"github.com/keelflow/keel/api"
)

// MemoryStore keeps histories in process memory. Suitable for tests and
// single-process embedding; implements Watcher for cheap result waiting.
type MemoryStore struct {
	mu       sync.Mutex
	runs     map[string][]api.Event
	watchers map[string][]*memoryWatcher
}

type memoryWatcher struct {
	ch   chan api.Event
	next int64
	done <-chan struct{}
}

var _ Store = (*MemoryStore)(nil)
var _ Watcher = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string][]api.Event),
		watchers: make(map[string][]*memoryWatcher),
	}
}

func (s *MemoryStore) Append(ctx context.Context, runID string, expectedVersion int64, events []api.Event) (int64, error) {
	if err := ValidateAppend(expectedVersion, events); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.runs[runID]
	if int64(len(current)) != expectedVersion {
		return int64(len(current)), ErrConcurrentAppend
	}
	s.runs[runID] = append(current, events...)
	s.notifyLocked(runID, events)
	return int64(len(s.runs[runID])), nil
}

func (s *MemoryStore) Read(ctx context.Context, runID string, fromEventID int64) ([]api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	if fromEventID >= int64(len(events)) {
		return nil, nil
	}
	out := make([]api.Event, len(events)-int(fromEventID))
	copy(out, events[fromEventID:])
	return out, nil
}

// Watch streams events with ID > fromEventID until ctx is done. Already
// appended events are delivered first.
func (s *MemoryStore) Watch(ctx context.Context, runID string, fromEventID int64) (<-chan api.Event, error) {
	w := &memoryWatcher{
		ch:   make(chan api.Event, 64),
		next: fromEventID + 1,
		done: ctx.Done(),
	}

	s.mu.Lock()
	for _, e := range s.runs[runID] {
		if e.ID >= w.next {
			w.deliver(e)
		}
	}
	s.watchers[runID] = append(s.watchers[runID], w)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		ws := s.watchers[runID]
		for i, other := range ws {
			if other == w {
				s.watchers[runID] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(w.ch)
	}()

	return w.ch, nil
}

func (s *MemoryStore) notifyLocked(runID string, events []api.Event) {
	for _, w := range s.watchers[runID] {
		for _, e := range events {
			if e.ID >= w.next {
				w.deliver(e)
			}
		}
	}
}

func (w *memoryWatcher) deliver(e api.Event) {
	select {
	case w.ch <- e:
		w.next = e.ID + 1
	case <-w.done:
	}
}
