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
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/keelflow/keel/api"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "keel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db, nil)
	require.NoError(t, err)
	return store
}

func TestSQLiteStoreAppendRead(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	version, err := store.Append(ctx, "run-1", 0, []api.Event{startedEvent(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	version, err = store.Append(ctx, "run-1", 1, []api.Event{signalEvent(2, "a"), signalEvent(3, "b")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	events, err := store.Read(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.IsType(t, &api.WorkflowStarted{}, events[0].Attrs)
	assert.Equal(t, int64(3), events[2].ID)

	tail, err := store.Read(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(2), tail[0].ID)
}

func TestSQLiteStoreConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	_, err := store.Append(ctx, "run-1", 0, []api.Event{startedEvent(1)})
	require.NoError(t, err)

	_, err = store.Append(ctx, "run-1", 0, []api.Event{startedEvent(1)})
	assert.ErrorIs(t, err, ErrConcurrentAppend)

	events, err := store.Read(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "losing append must not land partially")
}

func TestSQLiteStoreUnknownRun(t *testing.T) {
	store := newSQLiteStore(t)
	_, err := store.Read(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSQLiteStoreRunsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	_, err := store.Append(ctx, "run-1", 0, []api.Event{startedEvent(1)})
	require.NoError(t, err)
	_, err = store.Append(ctx, "run-2", 0, []api.Event{startedEvent(1)})
	require.NoError(t, err)

	events, err := store.Read(ctx, "run-2", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
