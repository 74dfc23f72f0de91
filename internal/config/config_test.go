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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "keel", cfg.Service)
	assert.Equal(t, ModeDebug, cfg.Mode)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "default", cfg.Worker.TaskQueue)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Worker.LeaseTimeout)
	assert.Equal(t, "keel.db", cfg.SQLite.Path)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MODE", "release")
	t.Setenv("NATS_HOST", "nats.internal")
	t.Setenv("NATS_PORT", "14222")
	t.Setenv("WORKER_TASK_QUEUE", "orders")
	t.Setenv("WORKER_CONCURRENCY", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeRelease, cfg.Mode)
	assert.Equal(t, "nats://nats.internal:14222", cfg.NATS.URL)
	assert.Equal(t, "orders", cfg.Worker.TaskQueue)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
}

func TestLoadExplicitURLWins(t *testing.T) {
	t.Setenv("NATS_URL", "nats://cluster:4222")
	t.Setenv("NATS_HOST", "ignored")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "nats://cluster:4222", cfg.NATS.URL)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	t.Setenv("MODE", "staging")

	_, err := Load()
	assert.ErrorContains(t, err, "unknown mode")
}
