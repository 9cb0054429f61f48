package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// OverridesWatcher monitors the security overrides file and invokes the
// supplied callback whenever its contents change. Stop must be called to
// release filesystem resources.
type OverridesWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *OverridesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchOverrides wires fsnotify around the overrides file and re-parses it on
// any relevant change. The callback receives the freshly parsed overrides,
// including once immediately so callers start from the on-disk state. Parse
// failures go to onError and leave the previous overrides in effect.
func WatchOverrides(ctx context.Context, path string, onChange func(Overrides), onError func(error)) (*OverridesWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch overrides requires a change callback")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no overrides file configured for watching")
	}

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve overrides file: %w", err)
	}
	target := filepath.Clean(resolved)

	ov, err := LoadOverrides(target)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch overrides: %w", err)
	}
	// Watch the directory, not the file: editors replace files by rename and
	// a direct file watch goes stale after the first save.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		closeErr := watcher.Close()
		if closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch overrides close: %w", closeErr))
		}
		return nil, fmt.Errorf("config: watch overrides add: %w", err)
	}

	onChange(ov)

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w := &OverridesWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch overrides close: %w", err))
			}
		}()

		reload := func() {
			ov, err := LoadOverrides(target)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(ov)
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if err != nil && onError != nil {
					onError(fmt.Errorf("config: watch overrides: %w", err))
				}
			}
		}
	}()

	return w, nil
}
