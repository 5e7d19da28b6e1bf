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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrLockTimeout is returned when settings file lock acquisition times out.
var ErrLockTimeout = errors.New("config: settings file locked by another process")

const lockTimeout = 5 * time.Second

// SettingsFile manages settings.yaml with file locking so two processes
// (e.g. a CLI command and a running worker) never interleave writes.
type SettingsFile struct {
	path     string
	lockFile *os.File
}

// SettingsPath returns the full path to settings.yaml under the XDG config
// directory.
func SettingsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.yaml"), nil
}

// NewSettingsFile creates a SettingsFile for path, or the default path when
// path is empty.
func NewSettingsFile(path string) (*SettingsFile, error) {
	if path == "" {
		var err error
		path, err = SettingsPath()
		if err != nil {
			return nil, fmt.Errorf("resolving settings path: %w", err)
		}
	}
	return &SettingsFile{path: path}, nil
}

// Lock acquires an exclusive lock on the settings file, waiting up to
// lockTimeout before returning ErrLockTimeout.
func (s *SettingsFile) Lock() error {
	lockPath := s.path + ".lock"

	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}

	deadline := time.Now().Add(lockTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
			s.lockFile = lockFile
			return nil
		}
		if time.Now().After(deadline) {
			lockFile.Close()
			return ErrLockTimeout
		}
		<-ticker.C
	}
}

// Unlock releases the file lock acquired by Lock.
func (s *SettingsFile) Unlock() error {
	if s.lockFile == nil {
		return nil
	}
	if err := syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN); err != nil {
		s.lockFile.Close()
		s.lockFile = nil
		return fmt.Errorf("unlocking settings file: %w", err)
	}
	if err := s.lockFile.Close(); err != nil {
		s.lockFile = nil
		return fmt.Errorf("closing lock file: %w", err)
	}
	s.lockFile = nil
	return nil
}

// Load reads and parses the settings file, filling in defaults for any
// unset fields. A missing file is not an error: it yields Default().
func (s *SettingsFile) Load() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing settings YAML: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save marshals cfg to YAML and writes it atomically (write-temp, rename).
func (s *SettingsFile) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling settings to YAML: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing temporary settings file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temporary settings file: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the settings file lock, always releasing it
// afterward.
func (s *SettingsFile) WithLock(fn func() error) error {
	if err := s.Lock(); err != nil {
		return err
	}
	defer s.Unlock()
	return fn()
}

// LoadSettings loads settings.yaml from path (or the default path when
// empty) under an advisory lock, applying defaults but not environment
// overrides.
func LoadSettings(path string) (*Config, error) {
	sf, err := NewSettingsFile(path)
	if err != nil {
		return nil, err
	}

	var cfg *Config
	err = sf.WithLock(func() error {
		var loadErr error
		cfg, loadErr = sf.Load()
		return loadErr
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveSettings saves cfg to settings.yaml at path (or the default path when
// empty) under an advisory lock.
func SaveSettings(path string, cfg *Config) error {
	sf, err := NewSettingsFile(path)
	if err != nil {
		return err
	}
	return sf.WithLock(func() error {
		return sf.Save(cfg)
	})
}
