package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] re-reads its file.
const DefaultWatchInterval = 5 * time.Second

// Reload is one accepted edit of a watched config file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher re-reads a config file on an interval and hands every edit that
// changes the effective config to a callback. An edit that does not parse or
// validate is logged once and the running config stays. Edits that leave the
// effective config untouched, such as comments or reordering, are ignored.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)
	log      *slog.Logger

	check   sync.Mutex // serialises Check
	mu      sync.Mutex
	current *Config
	lastErr string

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload and rejection messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. onReload may be nil, in which
// case the watcher only keeps [Watcher.Current] up to date.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onReload: onReload,
		log:      slog.Default(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	w.current = cfg

	go w.run()
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) run() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.Check()
		}
	}
}

// Check re-reads the file now. When the file holds a valid config that
// differs from the current one it becomes current, the callback runs and
// Check returns the reload with ok set.
func (w *Watcher) Check() (r Reload, ok bool) {
	w.check.Lock()
	defer w.check.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.reject(err)
		return Reload{}, false
	}

	w.mu.Lock()
	w.lastErr = ""
	d := Diff(w.current, cfg)
	if !d.Changed() {
		w.mu.Unlock()
		return Reload{}, false
	}
	r = Reload{Old: w.current, New: cfg, Diff: d}
	w.current = cfg
	w.mu.Unlock()

	w.log.Info("config: reloaded",
		"path", w.path,
		"speed_changed", d.SpeedChanged,
		"log_level_changed", d.LogLevelChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(r)
	}
	return r, true
}

// reject logs err unless the previous check failed the same way.
func (w *Watcher) reject(err error) {
	w.mu.Lock()
	repeat := w.lastErr == err.Error()
	w.lastErr = err.Error()
	w.mu.Unlock()
	if !repeat {
		w.log.Warn("config: edit rejected, keeping running config", "path", w.path, "err", err)
	}
}
