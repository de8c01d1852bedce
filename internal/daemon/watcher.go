package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// TriggerWatcher turns files dropped into a directory into triggers.
//
// The host platform signals connectivity and lifecycle changes by creating
// a file named online, offline, foreground or sync in the
// watched directory. The file is consumed (removed) once its trigger is
// emitted, so the next signal is a fresh Create.
type TriggerWatcher struct {
	watcher *fsnotify.Watcher
	events  chan Trigger
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewTriggerWatcher creates a new TriggerWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewTriggerWatcher() (*TriggerWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &TriggerWatcher{
		watcher: watcher,
		events:  make(chan Trigger, 16),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir, creating it if needed.
func (tw *TriggerWatcher) Start(dir string) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create trigger directory %s: %w", dir, err)
	}
	if err := tw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch trigger directory %s: %w", dir, err)
	}
	tw.dir = dir

	tw.running = true
	tw.wg.Add(1)
	go tw.processEvents()
	return nil
}

// Stop stops watching and closes the Events and Errors channels.
// It blocks until the event processing goroutine has exited.
func (tw *TriggerWatcher) Stop() error {
	tw.mu.Lock()
	if !tw.running {
		tw.mu.Unlock()
		return tw.watcher.Close()
	}
	tw.running = false
	tw.mu.Unlock()

	close(tw.done)
	if err := tw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	tw.wg.Wait()

	close(tw.events)
	close(tw.errors)
	return nil
}

// Events returns the channel that emits triggers.
func (tw *TriggerWatcher) Events() <-chan Trigger {
	return tw.events
}

// Errors returns the channel that emits watcher errors.
func (tw *TriggerWatcher) Errors() <-chan error {
	return tw.errors
}

// IsRunning returns true if the watcher is currently running.
func (tw *TriggerWatcher) IsRunning() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.running
}

func (tw *TriggerWatcher) processEvents() {
	defer tw.wg.Done()

	for {
		select {
		case <-tw.done:
			return

		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			trigger, ok := convertEvent(event)
			if !ok {
				continue
			}
			_ = os.Remove(event.Name)
			select {
			case tw.events <- trigger:
			case <-tw.done:
				return
			}

		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case tw.errors <- err:
			case <-tw.done:
				return
			}
		}
	}
}

// convertEvent maps the creation of a known trigger file onto its trigger.
// Writes are ignored: a file written right after creation would otherwise
// fire twice.
func convertEvent(event fsnotify.Event) (Trigger, bool) {
	if !event.Has(fsnotify.Create) {
		return 0, false
	}
	name := strings.ToLower(filepath.Base(event.Name))
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return ParseTrigger(name)
}
