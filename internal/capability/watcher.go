package capability

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounceWindow coalesces the burst of events a multi-gigabyte weight
// copy produces into one invalidation after writes settle.
const debounceWindow = 2 * time.Second

// ModelsWatcher invalidates the availability cache when files under the
// models root change, so a freshly copied weight shows up without waiting
// for the TTL.
type ModelsWatcher struct {
	resolver *Resolver
	root     string
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewModelsWatcher creates a watcher over the models root.
func NewModelsWatcher(resolver *Resolver, root string, log zerolog.Logger) *ModelsWatcher {
	return &ModelsWatcher{
		resolver: resolver,
		root:     root,
		log:      log.With().Str("component", "models-watcher").Logger(),
		done:     make(chan struct{}),
	}
}

// Start walks the models root, adds every directory to the watch set, and
// begins watching.
func (mw *ModelsWatcher) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	mw.watcher = w

	dirCount := 0
	err = filepath.WalkDir(mw.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			mw.log.Warn().Err(err).Str("path", path).Msg("error walking models root")
			return nil
		}
		if d.IsDir() {
			if addErr := w.Add(path); addErr != nil {
				mw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}

	mw.log.Info().Int("directories", dirCount).Str("models_root", mw.root).Msg("models watcher initialized")
	go mw.watchLoop()
	return nil
}

// Stop closes the watcher.
func (mw *ModelsWatcher) Stop() {
	close(mw.done)
	if mw.watcher != nil {
		mw.watcher.Close()
	}
	mw.debounceMu.Lock()
	if mw.debounceTimer != nil {
		mw.debounceTimer.Stop()
	}
	mw.debounceMu.Unlock()
}

func (mw *ModelsWatcher) watchLoop() {
	for {
		select {
		case <-mw.done:
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// New directory: watch it so weights copied into fresh provider
			// directories are seen.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := mw.watcher.Add(event.Name); err != nil {
					mw.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				}
			}

			mw.scheduleInvalidate()

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			mw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

func (mw *ModelsWatcher) scheduleInvalidate() {
	mw.debounceMu.Lock()
	defer mw.debounceMu.Unlock()

	if mw.debounceTimer != nil {
		mw.debounceTimer.Reset(debounceWindow)
		return
	}
	mw.debounceTimer = time.AfterFunc(debounceWindow, func() {
		mw.debounceMu.Lock()
		mw.debounceTimer = nil
		mw.debounceMu.Unlock()

		mw.log.Debug().Msg("models root changed, invalidating availability cache")
		mw.resolver.Invalidate()
	})
}
