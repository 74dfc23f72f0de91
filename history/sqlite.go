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
	"fmt"
	"strings"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB using a SQLite driver (for example
// "modernc.org/sqlite"); the caller imports the driver:
//
//	import _ "modernc.org/sqlite"
//
// The PRIMARY KEY (run_id, event_id) makes the optimistic version check
// durable: a racing append inserts a duplicate first event ID and fails.
type SQLiteStore struct {
	db    *sql.DB
	codec *Codec
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB, s serde.BinarySerde) (*SQLiteStore, error) {
	st := &SQLiteStore{db: db, codec: NewCodec(s)}
	if err := st.initSchema(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			run_id   TEXT    NOT NULL,
			event_id INTEGER NOT NULL,
			payload  BLOB    NOT NULL,
			PRIMARY KEY (run_id, event_id)
		);`,
	)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, runID string, expectedVersion int64, events []api.Event) (int64, error) {
	if err := ValidateAppend(expectedVersion, events); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var version sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(event_id) FROM history_events WHERE run_id = ?`, runID,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("read history version: %w", err)
	}
	if version.Int64 != expectedVersion {
		return version.Int64, ErrConcurrentAppend
	}

	for _, e := range events {
		payload, err := s.codec.Encode(e)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history_events (run_id, event_id, payload) VALUES (?, ?, ?)`,
			runID, e.ID, payload,
		); err != nil {
			if isUniqueViolation(err) {
				return 0, ErrConcurrentAppend
			}
			return 0, fmt.Errorf("insert event %d: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return events[len(events)-1].ID, nil
}

func (s *SQLiteStore) Read(ctx context.Context, runID string, fromEventID int64) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM history_events WHERE run_id = ? AND event_id > ? ORDER BY event_id`,
		runID, fromEventID,
	)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var events []api.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		e, err := s.codec.Decode(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(events) == 0 && fromEventID == 0 {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM history_events WHERE run_id = ?`, runID,
		).Scan(&n); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrRunNotFound
		}
	}
	return events, nil
}

// modernc.org/sqlite reports constraint violations as plain error strings.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
