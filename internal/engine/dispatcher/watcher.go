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

package dispatcher

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the sqlite WAL file for writes and nudges a Dispatcher to
// drain immediately instead of waiting out its PollInterval. It is a latency
// optimization only: a worker with no Watcher still makes progress on its
// fixed poll tick, just with up to PollInterval of added delay.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger
}

// NewWatcher opens an fsnotify watch on walPath (typically
// "<store.path>-wal"). Callers should tolerate a nil, error return here by
// falling back to fixed-interval polling rather than treating it as fatal.
func NewWatcher(walPath string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(walPath); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{fsw: fsw, logger: logger}, nil
}

// Close releases the underlying fsnotify watch.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run watches for WAL writes and calls drain once for every Write or Create
// event until ctx is cancelled. Bursts are not coalesced: a single sqlite
// commit that produces several Write events triggers several drains.
func (w *Watcher) Run(ctx context.Context, drain func(context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			drain(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("wal watcher error", "error", err)
		}
	}
}
