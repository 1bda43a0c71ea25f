package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes and hands the new Config
// to the registered callbacks. Invalid files are reported through the
// error handler and leave the running configuration untouched.
type Watcher struct {
	mu        sync.RWMutex
	fs        *fsnotify.Watcher
	path      string
	overrides map[string]interface{}
	callbacks []func(*Config)
	onError   func(error)
	debounce  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	running   bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithOverrides re-applies command line overrides on every reload.
func WithOverrides(overrides map[string]interface{}) WatcherOption {
	return func(w *Watcher) {
		w.overrides = overrides
	}
}

// WithErrorHandler receives watch and reload errors.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher creates a watcher for configPath.
func NewWatcher(configPath string, opts ...WatcherOption) (*Watcher, error) {
	if configPath == "" {
		return nil, errors.New("config path is required for watching")
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:       fs,
		path:     abs,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
		onError:  func(error) {},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch blocks until ctx is done or Stop is called. The parent directory
// is watched so editors that save by renaming a temp file still trigger a
// reload.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher is already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-timer.C:
			w.reload()
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.onError(fmt.Errorf("config watcher: %w", err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path, w.overrides)
	if err != nil {
		w.onError(fmt.Errorf("reload config: %w", err))
		return
	}

	w.mu.RLock()
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		w.notify(cb, cfg)
	}
}

func (w *Watcher) notify(cb func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.onError(fmt.Errorf("config callback panic: %v", r))
		}
	}()
	cb(cfg)
}

// OnChange registers a callback. Callbacks run one after another on the
// watch goroutine.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Stop ends Watch and releases the fsnotify handle. It is idempotent.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
	})
	return err
}

// IsRunning reports whether Watch is active.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// ConfigPath returns the absolute path being watched.
func (w *Watcher) ConfigPath() string {
	return w.path
}

// HotReloadableConfig is the part of Config a running engine applies
// without a restart: the log level and the fusion parameters.
type HotReloadableConfig struct {
	LogLevel         string
	RelevanceWeight  float64
	ImportanceWeight float64
	RecencyWeight    float64
	DecayRate        float64
	DedupThreshold   float64
}

// ExtractHotReloadable extracts hot-reloadable values from Config.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:         cfg.Log.Level,
		RelevanceWeight:  cfg.Retrieval.RelevanceWeight,
		ImportanceWeight: cfg.Retrieval.ImportanceWeight,
		RecencyWeight:    cfg.Retrieval.RecencyWeight,
		DecayRate:        cfg.Retrieval.DecayRate,
		DedupThreshold:   cfg.Retrieval.DedupThreshold,
	}
}

// Changed reports whether any hot-reloadable value differs.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}
