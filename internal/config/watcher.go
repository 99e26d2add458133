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
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/vantage/internal/log"
)

// DefaultDebounceDelay coalesces the burst of events an editor save
// produces.
const DefaultDebounceDelay = 200 * time.Millisecond

// Watcher reloads the configuration file when it changes and hands every
// valid result to OnChange. Invalid files are logged and skipped so the
// running configuration stays in effect.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	onChange  func(*Config)
	logger    *slog.Logger
	delay     time.Duration

	mu      sync.Mutex
	pending *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Path is the config file to watch.
	Path string

	// OnChange receives each successfully reloaded configuration.
	OnChange func(*Config)

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// DebounceDelay defaults to DefaultDebounceDelay.
	DebounceDelay time.Duration
}

// NewWatcher starts watching the directory of cfg.Path. The directory is
// watched instead of the file so atomic renames are seen.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change handler is required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	delay := cfg.DebounceDelay
	if delay == 0 {
		delay = DefaultDebounceDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		fsWatcher: fsWatcher,
		path:      abs,
		onChange:  cfg.OnChange,
		logger:    log.WithComponent(log.OrDefault(cfg.Logger), "config"),
		delay:     delay,
		ctx:       ctx,
		cancel:    cancel,
	}

	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", log.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.delay, w.reload)
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected", slog.String("path", w.path), log.Error(err))
		return
	}
	w.logger.Info("config reloaded", slog.String("path", w.path))
	w.onChange(cfg)
}

// Close stops watching. A reload already running is not interrupted.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()

	w.wg.Wait()
	return w.fsWatcher.Close()
}
