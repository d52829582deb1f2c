package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadCallback is called with the freshly loaded config after a file change.
type ReloadCallback func(cfg *Config)

// Watcher monitors a config file and reloads tunable limits on change.
// Writes are debounced because editors emit several events per save.
type Watcher struct {
	watcher   *fsnotify.Watcher
	path      string
	debounce  time.Duration
	onReload  ReloadCallback
	done      chan struct{}
	timerMu   sync.Mutex
	timer     *time.Timer
	stopOnce  sync.Once
	startOnce sync.Once
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, onReload ReloadCallback) (*Watcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:  fw,
		path:     path,
		debounce: 200 * time.Millisecond,
		onReload: onReload,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory.
func (w *Watcher) Start() error {
	var err error
	w.startOnce.Do(func() {
		// Watch the directory, not the file: atomic-rename saves replace the inode.
		if addErr := w.watcher.Add(filepath.Dir(w.path)); addErr != nil {
			err = fmt.Errorf("failed to watch config directory: %w", addErr)
			return
		}
		go w.eventLoop()
	})
	return err
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous configuration")
		return
	}

	log.Info().Str("path", w.path).Msg("Configuration reloaded")
	w.onReload(cfg)
}
