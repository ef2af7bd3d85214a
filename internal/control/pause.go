// Package control holds the out-of-band switches an operator uses on a
// running orchestrator: the pause file and the single-instance lock.
package control

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// PauseFileName is the file whose presence in the control directory pauses selection.
const PauseFileName = "PAUSE"

// PauseWatcher tracks the pause file with fsnotify. Its goroutine only
// writes the paused flag; the orchestrator loop reads it.
type PauseWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	paused  atomic.Bool
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewPauseWatcher watches dir for the pause file, creating dir if needed.
func NewPauseWatcher(dir string) (*PauseWatcher, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create control directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	pw := &PauseWatcher{
		path:    filepath.Join(dir, PauseFileName),
		watcher: watcher,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	pw.refresh()

	go pw.processEvents()
	return pw, nil
}

// Paused reports whether the pause file currently exists.
func (pw *PauseWatcher) Paused() bool {
	return pw.paused.Load()
}

// Close stops watching. Safe to call multiple times.
func (pw *PauseWatcher) Close() error {
	var err error
	pw.once.Do(func() {
		close(pw.done)
		err = pw.watcher.Close()
		<-pw.stopped
	})
	return err
}

func (pw *PauseWatcher) processEvents() {
	defer close(pw.stopped)
	for {
		select {
		case <-pw.done:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != PauseFileName {
				continue
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Create) {
				continue
			}
			pw.refresh()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("WARNING: pause watcher: %v", err)
		}
	}
}

// refresh re-reads the file's presence rather than trusting the event op,
// so create/remove races settle on the real state.
func (pw *PauseWatcher) refresh() {
	_, err := os.Stat(pw.path)
	pw.paused.Store(err == nil)
}

// Pause creates the pause file in dir.
func Pause(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create control directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, PauseFileName), nil, 0644); err != nil {
		return fmt.Errorf("failed to create pause file: %w", err)
	}
	return nil
}

// Resume removes the pause file from dir. A missing file is not an error.
func Resume(dir string) error {
	err := os.Remove(filepath.Join(dir, PauseFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove pause file: %w", err)
	}
	return nil
}

// IsPaused reports whether the pause file exists in dir.
func IsPaused(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, PauseFileName))
	return err == nil
}
