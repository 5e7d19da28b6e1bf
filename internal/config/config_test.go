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

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Log.AddSource)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.NotEmpty(t, cfg.Store.Path)
	assert.True(t, cfg.Store.WALEnabled())

	assert.Equal(t, []string{"default"}, cfg.Dispatcher.Queues)
	assert.Equal(t, 10, cfg.Dispatcher.BatchSize)
	assert.Equal(t, time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.LeaseDuration)
	assert.Equal(t, 10*time.Second, cfg.Dispatcher.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.DeadWorkerTimeout)
	assert.Equal(t, 20.0, cfg.Dispatcher.ClaimRPS)
	assert.NotEmpty(t, cfg.Dispatcher.WorkerID)
}

func TestWALEnabled_ExplicitFalseSurvivesDefaults(t *testing.T) {
	f := false
	cfg := &Config{Store: StoreConfig{Driver: "sqlite", Path: "x.db", WAL: &f}}
	cfg.applyDefaults()
	assert.False(t, cfg.Store.WALEnabled())
}

func TestWALEnabled_UnsetDefaultsTrue(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	assert.True(t, cfg.Store.WALEnabled())
}

func TestValidate_RejectsUnknownDriver(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_RejectsEmptyQueues(t *testing.T) {
	cfg := Default()
	cfg.Dispatcher.Queues = nil
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_RejectsSqliteWithoutPath(t *testing.T) {
	cfg := Default()
	cfg.Store.Path = ""
	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_AcceptsMemoryDriverWithoutPath(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "memory"
	cfg.Store.Path = ""
	assert.NoError(t, Validate(cfg))
}

func TestLoadFromEnv(t *testing.T) {
	for _, k := range []string{
		"RHYTHMRUN_LOG_LEVEL", "RHYTHMRUN_STORE_PATH", "RHYTHMRUN_WORKER_ID",
		"RHYTHMRUN_QUEUES", "RHYTHMRUN_POLL_INTERVAL", "RHYTHMRUN_LEASE_DURATION",
		"RHYTHMRUN_BATCH_SIZE", "RHYTHMRUN_CLAIM_RPS",
	} {
		os.Unsetenv(k)
	}
	t.Setenv("RHYTHMRUN_LOG_LEVEL", "debug")
	t.Setenv("RHYTHMRUN_STORE_PATH", "/tmp/custom.db")
	t.Setenv("RHYTHMRUN_WORKER_ID", "worker-7")
	t.Setenv("RHYTHMRUN_QUEUES", "billing, email ,default")
	t.Setenv("RHYTHMRUN_POLL_INTERVAL", "250ms")
	t.Setenv("RHYTHMRUN_LEASE_DURATION", "45s")
	t.Setenv("RHYTHMRUN_BATCH_SIZE", "25")
	t.Setenv("RHYTHMRUN_CLAIM_RPS", "5.5")

	cfg := Default()
	cfg.loadFromEnv()

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/custom.db", cfg.Store.Path)
	assert.Equal(t, "worker-7", cfg.Dispatcher.WorkerID)
	assert.Equal(t, []string{"billing", "email", "default"}, cfg.Dispatcher.Queues)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatcher.PollInterval)
	assert.Equal(t, 45*time.Second, cfg.Dispatcher.LeaseDuration)
	assert.Equal(t, 25, cfg.Dispatcher.BatchSize)
	assert.Equal(t, 5.5, cfg.Dispatcher.ClaimRPS)
}

func TestSettingsFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/settings.yaml"

	cfg := Default()
	cfg.Dispatcher.WorkerID = "worker-abc"
	wal := false
	cfg.Store.WAL = &wal

	require.NoError(t, SaveSettings(path, cfg))

	loaded, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "worker-abc", loaded.Dispatcher.WorkerID)
	assert.False(t, loaded.Store.WALEnabled())
}

func TestSettingsFile_LoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadSettings(dir + "/does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}
