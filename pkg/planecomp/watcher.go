package planecomp

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is the default debounce interval for file watch events.
const DefaultWatchDebounce = 500 * time.Millisecond

// configWatcher reloads the compositor when its configuration file changes.
// The parent directory is watched, not the file, so editors that save by
// renaming a temporary file are seen too.
type configWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onReload func() error
	onError  func(error)
	done     chan struct{}
}

func newConfigWatcher(path string, debounce time.Duration, onReload func() error, onError func(error)) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &configWatcher{
		watcher:  w,
		path:     abs,
		debounce: debounce,
		onReload: onReload,
		onError:  onError,
		done:     make(chan struct{}),
	}, nil
}

// run watches until ctx ends, then closes the watcher.
func (cw *configWatcher) run(ctx context.Context) {
	defer close(cw.done)
	defer cw.watcher.Close()

	timer := time.NewTimer(cw.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.relevant(ev) {
				continue
			}
			timer.Reset(cw.debounce)

		case <-timer.C:
			if err := cw.onReload(); err != nil && cw.onError != nil {
				cw.onError(err)
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			if cw.onError != nil {
				cw.onError(err)
			}
		}
	}
}

func (cw *configWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name, err := filepath.Abs(ev.Name)
	if err != nil {
		name = ev.Name
	}
	return name == cw.path
}

// wait blocks until run has returned.
func (cw *configWatcher) wait() { <-cw.done }

// startWatcher reloads the compositor whenever its configuration file
// changes, until ctx ends.
func (c *compositorImpl) startWatcher(ctx context.Context) error {
	// Reload reports its own failures; only watch errors are logged here.
	cw, err := newConfigWatcher(c.configPath, c.opts.WatchDebounce, c.Reload, func(err error) {
		c.log.Warn("config watch", "path", c.configPath, "error", err)
	})
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		cw.run(ctx)
	}()
	return nil
}
