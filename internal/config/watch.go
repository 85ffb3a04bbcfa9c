package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/pili2026/talos/internal/obs/log"
)

// Watcher reloads Config from dir whenever a file inside it changes.
// Composite-leaf hysteresis/debounce state is intentionally not carried
// across a reload: rule identity is reassigned, so callers should treat
// each Reload callback as a fresh rule set.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	onReload func(*Config)
	done     chan struct{}
}

// NewWatcher starts watching dir and invokes onReload with the freshly
// loaded Config whenever a file in it changes.
func NewWatcher(dir string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{dir: dir, watcher: fsw, onReload: onReload, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.dir)
			if err != nil {
				log.WithField("dir", w.dir).Warnf("config reload failed, keeping previous config: %v", err)
				continue
			}
			log.WithField("dir", w.dir).Info("config reloaded")
			w.onReload(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithField("dir", w.dir).Warnf("config watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
