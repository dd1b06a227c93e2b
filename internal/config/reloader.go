package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeCallback is invoked with the newly reloaded config after a debounced
// file-change event. Adapted from the teacher's pkg/config.Reloader.
type ChangeCallback func(newCfg *Config)

// Reloader watches a config file's directory and reloads it on write,
// create, or rename events, restricted to the subset of fields that are
// safe to change without restarting a running browser: pattern lists,
// selectors, timing knobs, and the target URL. The roster, data directory,
// and listen address only take effect on process restart.
type Reloader struct {
	path string
	log  *zap.Logger

	mu     sync.RWMutex
	config *Config

	cbMu      sync.Mutex
	callbacks []ChangeCallback

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	debounceDelay time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewReloader builds a Reloader for the config file at path. Call Load then
// Start.
func NewReloader(path string, log *zap.Logger) *Reloader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reloader{
		path:          path,
		log:           log,
		debounceDelay: time.Second,
	}
}

// Load performs the initial synchronous load.
func (r *Reloader) Load() error {
	cfg, err := LoadFromFile(r.path)
	if err != nil {
		return err
	}
	cfg.LoadFromEnv()
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	return nil
}

// Current returns the most recently loaded config.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// OnChange registers a callback fired after every successful reload.
func (r *Reloader) OnChange(cb ChangeCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Start begins watching the config file's directory for changes.
func (r *Reloader) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	r.watcher = watcher
	r.done = make(chan struct{})
	go r.watch()
	return nil
}

// Stop halts the watch goroutine and releases the underlying fsnotify watcher.
func (r *Reloader) Stop() {
	if r.watcher == nil {
		return
	}
	r.debounceMu.Lock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceMu.Unlock()
	r.watcher.Close()
	<-r.done
}

func (r *Reloader) watch() {
	defer close(r.done)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				r.scheduleReload()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) scheduleReload() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceTimer = time.AfterFunc(r.debounceDelay, r.reload)
}

func (r *Reloader) reload() {
	next, err := LoadFromFile(r.path)
	if err != nil {
		r.log.Warn("config reload failed, keeping prior config", zap.Error(err))
		return
	}
	next.LoadFromEnv()

	r.mu.Lock()
	prior := r.config
	merged := applySafeFields(prior, next)
	r.config = merged
	r.mu.Unlock()

	r.log.Info("config reloaded", zap.String("path", r.path))

	r.cbMu.Lock()
	callbacks := make([]ChangeCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.cbMu.Unlock()
	for _, cb := range callbacks {
		cb(merged)
	}
}

// applySafeFields takes prior (the live config, including fields only
// resolved at startup: roster, data dir, listen address) and overlays only
// the fields a live reload is allowed to change.
func applySafeFields(prior, next *Config) *Config {
	if prior == nil {
		return next
	}
	merged := *prior
	merged.TargetURL = next.TargetURL
	merged.RetryDelayTechnical = next.RetryDelayTechnical
	merged.RetryDelayCooldown = next.RetryDelayCooldown
	merged.SessionScanInterval = next.SessionScanInterval
	merged.BrowserInitTimeout = next.BrowserInitTimeout
	merged.RetryDelayTechnicalD = next.RetryDelayTechnicalD
	merged.RetryDelayCooldownD = next.RetryDelayCooldownD
	merged.SessionScanIntervalD = next.SessionScanIntervalD
	merged.BrowserInitTimeoutD = next.BrowserInitTimeoutD
	merged.GlobalHourlyLimitPatterns = next.GlobalHourlyLimitPatterns
	merged.InstanceCooldownPatterns = next.InstanceCooldownPatterns
	merged.FailurePatterns = next.FailurePatterns
	merged.SuccessMarkers = next.SuccessMarkers
	merged.CounterSelectors = next.CounterSelectors
	merged.VoteButtonSelectors = next.VoteButtonSelectors
	merged.CloseButtonSelectors = next.CloseButtonSelectors
	merged.GenericCloseSelectors = next.GenericCloseSelectors
	merged.LoginButtonSelectors = next.LoginButtonSelectors
	merged.Blocking = next.Blocking
	return &merged
}
