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

import "sync"

// runLocks serializes task handling per run within this process. Cross
// process races are caught by the store's optimistic append; the local lock
// just avoids burning append conflicts between our own goroutines.
type runLocks struct {
	mu      sync.Mutex
	entries map[string]*runLockEntry
}

type runLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{entries: make(map[string]*runLockEntry)}
}

// lock blocks until the run's lock is held and returns the release func.
func (l *runLocks) lock(runID string) func() {
	l.mu.Lock()
	entry, ok := l.entries[runID]
	if !ok {
		entry = &runLockEntry{}
		l.entries[runID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, runID)
		}
		l.mu.Unlock()
	}
}
