package config

import (
	"sync"

	"bracket/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeListener fires after the config file changes and reloads cleanly.
type ChangeListener func(*Config)

// Watcher re-runs the full Load pipeline whenever the main config file
// changes. A reload that fails validation keeps the previous config, so a
// half-saved file never reaches the listeners.
type Watcher struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	current   *Config
	listeners []ChangeListener
}

func Watch(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, current: cfg}
	w.v = viper.New()
	w.v.SetConfigFile(path)
	if err := w.v.ReadInConfig(); err != nil {
		return nil, err
	}
	w.v.OnConfigChange(func(evt fsnotify.Event) {
		reloaded, err := Load(w.path)
		if err != nil {
			logger.Errorf("config: reload after %s failed, keeping previous: %v", evt.Op, err)
			return
		}
		w.mu.Lock()
		w.current = reloaded
		listeners := append([]ChangeListener(nil), w.listeners...)
		w.mu.Unlock()
		logger.Infof("config: reloaded from %s", w.path)
		for _, fn := range listeners {
			fn(reloaded)
		}
	})
	w.v.WatchConfig()
	return w, nil
}

func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}
