package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the config file for changes and reloads the full
// Settings when it is rewritten.
type Watcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	stopChan   chan struct{}
	lastmod    time.Time

	mu       sync.Mutex
	onChange func(*Settings)
}

// NewWatcher creates a watcher for the given config file. onChange
// receives the freshly loaded and validated settings after every change.
func NewWatcher(configPath string, onChange func(*Settings)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		configPath: configPath,
		watcher:    watcher,
		stopChan:   make(chan struct{}),
		onChange:   onChange,
	}
	if stat, err := os.Stat(configPath); err == nil {
		w.lastmod = stat.ModTime()
	}
	return w, nil
}

// Start begins watching. Watching the directory rather than the file keeps
// rename-based rewrites visible; when even the directory cannot be watched
// the watcher falls back to polling.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges()
		return nil
	}

	go w.watchForChanges()
	log.Info().Str("path", w.configPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	select {
	case <-w.stopChan:
		return
	default:
		close(w.stopChan)
	}
	w.watcher.Close()
}

// Reload triggers a reload outside of a file event, e.g. on SIGHUP.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) && event.Name != w.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce so the writer finishes before we read.
			time.Sleep(100 * time.Millisecond)
			log.Info().Str("event", event.Op.String()).Msg("Detected config file change")
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.configPath)
			if err != nil {
				continue
			}
			if stat.ModTime().After(w.lastmod) {
				w.lastmod = stat.ModTime()
				log.Info().Msg("Detected config file change via polling")
				w.reload()
			}

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	loader := NewLoader()
	loader.SetConfigPath(w.configPath)
	settings, err := loader.Load()
	if err != nil {
		log.Error().Err(err).Msg("Ignoring invalid config change")
		return
	}

	log.Info().Str("path", w.configPath).Msg("Reloaded configuration")
	if w.onChange != nil {
		w.onChange(settings)
	}
}
