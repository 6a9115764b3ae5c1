package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// TamperFunc is invoked with the id of a registered transform whose module no
// longer matches its pin.
type TamperFunc func(id string)

// TamperWatcher reports changes to registered modules as they happen. It is
// advisory: the authoritative gate remains the integrity check performed
// before each execution.
type TamperWatcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	onTamper TamperFunc
	logger   *slog.Logger

	mu      sync.Mutex
	dirs    map[string]struct{}
	running bool
}

// NewTamperWatcher creates a watcher over the modules currently registered.
func NewTamperWatcher(registry *Registry, onTamper TamperFunc, logger *slog.Logger) (*TamperWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &TamperWatcher{
		registry: registry,
		watcher:  watcher,
		onTamper: onTamper,
		logger:   logger,
		dirs:     make(map[string]struct{}),
	}, nil
}

// Sync adds a watch for the directory of every registered module. Call it
// after registrations change.
func (tw *TamperWatcher) Sync() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	for _, entry := range tw.registry.List() {
		dir := filepath.Dir(entry.ModulePath)
		if _, ok := tw.dirs[dir]; ok {
			continue
		}
		if err := tw.watcher.Add(dir); err != nil {
			return err
		}
		tw.dirs[dir] = struct{}{}
	}
	return nil
}

// Start begins the event loop.
func (tw *TamperWatcher) Start(ctx context.Context) error {
	tw.mu.Lock()
	if tw.running {
		tw.mu.Unlock()
		return nil
	}
	tw.running = true
	tw.mu.Unlock()

	if err := tw.Sync(); err != nil {
		return err
	}

	tw.logger.Info("Tamper watcher started", "directories", len(tw.dirs))
	go tw.watchLoop(ctx)
	return nil
}

// Stop closes the underlying watcher.
func (tw *TamperWatcher) Stop() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.running = false
	return tw.watcher.Close()
}

func (tw *TamperWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Chmod) {
				continue
			}
			tw.check(filepath.Clean(event.Name))
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			tw.logger.Warn("Tamper watcher error", "error", err)
		}
	}
}

func (tw *TamperWatcher) check(path string) {
	for _, entry := range tw.registry.List() {
		if entry.ModulePath != path {
			continue
		}
		// Touches that leave the content intact are not tampering.
		if tw.registry.VerifyIntegrity(entry.ID) {
			continue
		}
		tw.logger.Warn("Registered transform modified on disk", "transform_id", entry.ID, "path", path)
		if tw.onTamper != nil {
			tw.onTamper(entry.ID)
		}
	}
}
