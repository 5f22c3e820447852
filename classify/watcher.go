package classify

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after a file event before
// reloading, coalescing editor write bursts.
const DefaultDebounce = 200 * time.Millisecond

// WatcherConfig holds configuration for the rule file watcher.
type WatcherConfig struct {
	// Debounce coalesces rapid successive file events.
	// Default: 200 milliseconds
	Debounce time.Duration

	// OnReload is called with the freshly compiled classifier after a
	// successful reload.
	OnReload func(c *Classifier)

	// OnError is called when a reload fails (unreadable file, compile
	// error). The previous classifier stays in effect.
	OnError func(err error)
}

// DefaultWatcherConfig returns the default watcher configuration.
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{Debounce: DefaultDebounce}
}

// Watcher hot-reloads a rule file. The watch is on the containing directory
// because editors commonly replace files by rename, which would drop a watch
// on the file itself.
//
// Reload swaps the whole classifier at once; calls classified before the
// swap keep their pre-call classification (the decision procedure snapshots
// it), so a reload never strands a lock.
type Watcher struct {
	path   string
	config *WatcherConfig

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher for the rule file at path.
func NewWatcher(path string, config *WatcherConfig) *Watcher {
	if config == nil {
		config = DefaultWatcherConfig()
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	return &Watcher{
		path:   path,
		config: config,
	}
}

// Start begins watching. It returns immediately and runs the watch loop in
// a goroutine. Call Stop to stop it.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.started.Store(false)
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		w.started.Store(false)
		return err
	}

	// A fresh channel per start so the watcher is restartable.
	w.done = make(chan struct{})
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx, fw)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop(ctx context.Context) error {
	if !w.started.Load() {
		return ErrNotStarted
	}
	w.cancel()
	<-w.done
	w.started.Store(false)
	return nil
}

// IsRunning returns true if the watcher is running.
func (w *Watcher) IsRunning() bool {
	return w.started.Load()
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.done)
	defer fw.Close()

	base := filepath.Base(w.path)
	var pending *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(w.config.Debounce)
				fire = pending.C
			} else {
				pending.Reset(w.config.Debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if w.config.OnError != nil {
				w.config.OnError(err)
			}
		case <-fire:
			pending = nil
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	rf, err := LoadRuleFile(w.path)
	if err != nil {
		if w.config.OnError != nil {
			w.config.OnError(err)
		}
		return
	}
	c, err := NewClassifier(rf.Rules)
	if err != nil {
		if w.config.OnError != nil {
			w.config.OnError(err)
		}
		return
	}
	if w.config.OnReload != nil {
		w.config.OnReload(c)
	}
}
