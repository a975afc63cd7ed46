package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"shizukud/internal/pkgdb"
)

// Watcher observes the platform package database and fires the removal
// hooks when packages or users disappear from it. It is the daemon's
// stand-in for the platform's package and user broadcasts.
type Watcher struct {
	path     string
	resolver *pkgdb.FileResolver
	hooks    *Hooks
	log      *slog.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	prev map[int][]string
}

// NewWatcher creates a watcher over the package database file.
func NewWatcher(path string, resolver *pkgdb.FileResolver, hooks *Hooks, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		path:     path,
		resolver: resolver,
		hooks:    hooks,
		log:      log,
		prev:     resolver.Snapshot(),
	}
}

// Start begins watching.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("lifecycle: create watcher: %w", err)
	}
	// Watch the directory: installers replace the file rather than
	// rewrite it.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("lifecycle: watch %s: %w", w.path, err)
	}
	w.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
	return nil
}

// Stop ends watching.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			w.Sync()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Sync reloads the database and fires hooks for what disappeared.
// Exported so the daemon can force a pass (e.g. on SIGHUP).
func (w *Watcher) Sync() {
	if err := w.resolver.Reload(); err != nil {
		w.log.Warn("package database reload failed", "error", err)
		return
	}
	next := w.resolver.Snapshot()

	for userID, pkgs := range w.prev {
		if _, stillThere := next[userID]; !stillThere && len(pkgs) > 0 {
			w.hooks.OnUserRemoved(userID)
			continue
		}
		current := make(map[string]bool, len(next[userID]))
		for _, p := range next[userID] {
			current[p] = true
		}
		for _, p := range pkgs {
			if !current[p] {
				w.hooks.OnPackageRemoved(p, userID, false)
			}
		}
	}
	w.prev = next
}
