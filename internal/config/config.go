// Copyright 2025 Tom Barlow
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

// Package config holds the engine's settings.yaml configuration: where the
// durable store lives, how the dispatcher claims and leases work, and how
// the engine logs. Settings load from settings.yaml (XDG config dir) with
// environment variable overrides, mirroring the precedence rules a deployed
// worker fleet expects: file < env.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete engine configuration.
type Config struct {
	// Version indicates the config format version (1 = initial release).
	Version int `yaml:"version,omitempty"`

	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: RHYTHMRUN_LOG_LEVEL
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format sets the output encoding (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format,omitempty"`

	// AddSource adds source file/line to every log entry.
	// Default: false
	AddSource bool `yaml:"add_source,omitempty"`
}

// StoreConfig configures the durable backend (§6.1).
type StoreConfig struct {
	// Driver selects the store implementation: "sqlite" or "memory".
	// memory is for tests and local experimentation only; it does not
	// survive a process restart.
	// Default: sqlite
	Driver string `yaml:"driver,omitempty"`

	// Path is the sqlite database file path. Ignored for the memory
	// driver. Environment: RHYTHMRUN_STORE_PATH
	// Default: <XDG data dir>/store.db
	Path string `yaml:"path,omitempty"`

	// WAL enables sqlite's write-ahead log, trading a small durability
	// window for write throughput under concurrent workers. A pointer so an
	// explicit "wal: false" in settings.yaml survives default-filling.
	// Default: true
	WAL *bool `yaml:"wal,omitempty"`
}

// WALEnabled reports whether WAL mode should be used, applying the default
// of true when unset.
func (s StoreConfig) WALEnabled() bool {
	return s.WAL == nil || *s.WAL
}

// DispatcherConfig configures one worker's claim/step/heartbeat loop (§4.7, §5).
type DispatcherConfig struct {
	// WorkerID identifies this worker in worker_heartbeats and work_queue
	// claims. Environment: RHYTHMRUN_WORKER_ID
	// Default: hostname-pid
	WorkerID string `yaml:"worker_id,omitempty"`

	// Queues lists the work queues this worker services, in priority
	// order. Environment: RHYTHMRUN_QUEUES (comma-separated)
	// Default: [default]
	Queues []string `yaml:"queues,omitempty"`

	// BatchSize caps how many work items one ClaimBatch call may claim.
	// Default: 10
	BatchSize int `yaml:"batch_size,omitempty"`

	// PollInterval is how often the dispatcher checks for new work when
	// idle. Environment: RHYTHMRUN_POLL_INTERVAL
	// Default: 1s
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// LeaseDuration is how long a claimed work item is leased to this
	// worker before another worker may reclaim it as abandoned.
	// Environment: RHYTHMRUN_LEASE_DURATION
	// Default: 30s
	LeaseDuration time.Duration `yaml:"lease_duration,omitempty"`

	// HeartbeatInterval is how often this worker records liveness.
	// Default: 10s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// DeadWorkerTimeout is how long since a worker's last heartbeat before
	// its claims are recovered for other workers to pick up.
	// Default: 3 * HeartbeatInterval
	DeadWorkerTimeout time.Duration `yaml:"dead_worker_timeout,omitempty"`

	// ClaimRPS caps how often this worker may poll the store for new work,
	// independent of PollInterval's idle backoff.
	// Default: 20
	ClaimRPS float64 `yaml:"claim_rps,omitempty"`
}

// Default returns a Config with sensible defaults applied.
func Default() *Config {
	cfg := &Config{Version: 1}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		if dir, err := DataDir(); err == nil {
			c.Store.Path = filepath.Join(dir, "store.db")
		}
	}
	if c.Dispatcher.WorkerID == "" {
		host, _ := os.Hostname()
		c.Dispatcher.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if len(c.Dispatcher.Queues) == 0 {
		c.Dispatcher.Queues = []string{"default"}
	}
	if c.Dispatcher.BatchSize <= 0 {
		c.Dispatcher.BatchSize = 10
	}
	if c.Dispatcher.PollInterval <= 0 {
		c.Dispatcher.PollInterval = time.Second
	}
	if c.Dispatcher.LeaseDuration <= 0 {
		c.Dispatcher.LeaseDuration = 30 * time.Second
	}
	if c.Dispatcher.HeartbeatInterval <= 0 {
		c.Dispatcher.HeartbeatInterval = 10 * time.Second
	}
	if c.Dispatcher.DeadWorkerTimeout <= 0 {
		c.Dispatcher.DeadWorkerTimeout = 3 * c.Dispatcher.HeartbeatInterval
	}
	if c.Dispatcher.ClaimRPS <= 0 {
		c.Dispatcher.ClaimRPS = 20
	}
}

// loadFromEnv overrides cfg in place from environment variables. Env always
// wins over settings.yaml, matching a container deployment's expectations.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("RHYTHMRUN_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("RHYTHMRUN_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("RHYTHMRUN_STORE_DRIVER"); val != "" {
		c.Store.Driver = val
	}
	if val := os.Getenv("RHYTHMRUN_WORKER_ID"); val != "" {
		c.Dispatcher.WorkerID = val
	}
	if val := os.Getenv("RHYTHMRUN_QUEUES"); val != "" {
		c.Dispatcher.Queues = splitCSV(val)
	}
	if val := os.Getenv("RHYTHMRUN_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Dispatcher.PollInterval = d
		}
	}
	if val := os.Getenv("RHYTHMRUN_LEASE_DURATION"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Dispatcher.LeaseDuration = d
		}
	}
	if val := os.Getenv("RHYTHMRUN_BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Dispatcher.BatchSize = n
		}
	}
	if val := os.Getenv("RHYTHMRUN_CLAIM_RPS"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Dispatcher.ClaimRPS = f
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads settings.yaml from path (or the XDG default if empty), applies
// defaults, then layers environment variable overrides on top.
func Load(path string) (*Config, error) {
	cfg, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	cfg.loadFromEnv()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for internally inconsistent settings.
func Validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("%w: store.driver must be \"sqlite\" or \"memory\", got %q", ErrInvalidConfig, cfg.Store.Driver)
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required for the sqlite driver", ErrInvalidConfig)
	}
	if len(cfg.Dispatcher.Queues) == 0 {
		return fmt.Errorf("%w: dispatcher.queues must not be empty", ErrInvalidConfig)
	}
	if cfg.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("%w: dispatcher.batch_size must be positive", ErrInvalidConfig)
	}
	if cfg.Dispatcher.LeaseDuration <= 0 {
		return fmt.Errorf("%w: dispatcher.lease_duration must be positive", ErrInvalidConfig)
	}
	return nil
}
