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

// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

// Mode selects debug or release behavior (log handlers mostly).
type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

// Config holds the complete engine configuration.
type Config struct {
	Service string       `json:"service_name" env:"APP_NAME" envDefault:"keel"`
	Version string       `json:"version"      env:"VERSION"  envDefault:"v0.1.0"`
	Mode    Mode         `json:"mode"         env:"MODE"     envDefault:"debug"`
	NATS    NATSConfig   `json:"nats"         envPrefix:"NATS_"`
	SQLite  SQLiteConfig `json:"sqlite"       envPrefix:"SQLITE_"`
	Worker  WorkerConfig `json:"worker"       envPrefix:"WORKER_"`
	Logger  LoggerConfig `json:"logger"       envPrefix:"LOG_"`
}

type NATSConfig struct {
	URL           string        `json:"url"            env:"URL"`
	Host          string        `json:"host"           env:"HOST"           envDefault:"localhost"`
	Port          string        `json:"port"           env:"PORT"           envDefault:"4222"`
	MaxReconnects int           `json:"max_reconnects" env:"MAX_RECONNECTS" envDefault:"5"`
	ReconnectWait time.Duration `json:"reconnect_wait" env:"RECONNECT_WAIT" envDefault:"2s"`
	DrainTimeout  time.Duration `json:"drain_timeout"  env:"DRAIN_TIMEOUT"  envDefault:"10s"`
	ClientName    string        `json:"client_name"    env:"CLIENT_NAME"    envDefault:"keel"`
}

type SQLiteConfig struct {
	Path string `json:"path" env:"PATH" envDefault:"keel.db"`
}

// WorkerConfig tunes the poller loops and dispatch limits.
type WorkerConfig struct {
	TaskQueue          string        `json:"task_queue"           env:"TASK_QUEUE"           envDefault:"default"`
	Concurrency        int           `json:"concurrency"          env:"CONCURRENCY"          envDefault:"16"`
	LeaseTimeout       time.Duration `json:"lease_timeout"        env:"LEASE_TIMEOUT"        envDefault:"30s"`
	HeartbeatPrecision time.Duration `json:"heartbeat_precision"  env:"HEARTBEAT_PRECISION"  envDefault:"1s"`
}

type LoggerConfig struct {
	Level        string `env:"LEVEL"         envDefault:"info"` // debug|info|warn|error
	OTELExporter string `env:"OTEL_EXPORTER" envDefault:"none"` // none|otlp-http
	OTELEndpoint string `env:"OTEL_ENDPOINT"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = fmt.Sprintf("nats://%s:%s", cfg.NATS.Host, cfg.NATS.Port)
	}
	if cfg.Mode != ModeDebug && cfg.Mode != ModeRelease {
		return nil, fmt.Errorf("unknown mode: %q", cfg.Mode)
	}

	return &cfg, nil
}
