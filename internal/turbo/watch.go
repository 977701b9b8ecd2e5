package turbo

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SeedWatcher monitors the seed file and re-registers its queries whenever it
// changes. Stop must be called to release filesystem resources.
type SeedWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *SeedWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchSeed loads the seed file once, invokes onChange with the result, and
// keeps watching the file for edits. Parse failures after the initial load go
// to onError and leave the previous registrations in place.
func WatchSeed(ctx context.Context, path string, onChange func([]*Query), onError func(error)) (*SeedWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("turbo: watch seed requires a change callback")
	}

	queries, err := LoadSeed(path)
	if err != nil {
		return nil, err
	}
	onChange(queries)

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("turbo: watch seed: %w", err)
	}

	target := path
	if resolved, err := filepath.Abs(path); err == nil {
		target = resolved
	}
	target = filepath.Clean(target)

	// Watch the directory, not the file: editors that rename-and-replace
	// would otherwise detach the watch on the first save.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		cancel()
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("turbo: watch seed close: %w", closeErr))
		}
		return nil, fmt.Errorf("turbo: watch seed dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("turbo: watch seed close: %w", err))
			}
		}()

		reload := func() {
			queries, err := LoadSeed(path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(queries)
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("turbo: watch error: %w", err))
				}
			}
		}
	}()

	return &SeedWatcher{cancel: cancel, done: done}, nil
}
