// Package interrupt implements the out-of-band stop signal for in-flight
// tasks. A signal is a marker file next to (not inside) the task record, so
// raising one never races the record's own compare-and-set.
package interrupt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const markerSuffix = ".interrupt"

// ErrInterrupted is returned from Checkpoint when a marker exists for the task.
var ErrInterrupted = errors.New("task interrupted")

// Marker is the persisted interrupt request.
type Marker struct {
	TaskID      string    `json:"task_id"`
	Reason      string    `json:"reason"`
	SignalledAt time.Time `json:"signalled_at"`
}

// InterruptedError carries the marker that stopped a task.
type InterruptedError struct {
	Marker Marker
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("task %s interrupted: %s", e.Marker.TaskID, e.Marker.Reason)
}

// Is makes errors.Is(err, ErrInterrupted) hold.
func (e *InterruptedError) Is(target error) bool {
	return target == ErrInterrupted
}

// Channel reads and writes interrupt markers under a signals directory.
type Channel struct {
	dir string

	mu      sync.Mutex
	flagged map[string]bool
	subs    map[string][]chan struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  bool
}

// Dir returns the conventional signals directory under a hive root.
func Dir(root string) string {
	return filepath.Join(root, "signals")
}

// Open returns a channel over dir, creating it if needed. The channel polls
// the filesystem until Watch is called.
func Open(dir string) (*Channel, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}
	return &Channel{
		dir:     dir,
		flagged: make(map[string]bool),
		subs:    make(map[string][]chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Watch starts an fsnotify watcher so markers are observed as soon as they
// land. When the watcher cannot be started the channel keeps polling.
func (c *Channel) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch signals dir: %w", err)
	}

	c.mu.Lock()
	c.watcher = watcher
	c.mu.Unlock()

	go c.watchSignals(watcher)
	return nil
}

func (c *Channel) watchSignals(w *fsnotify.Watcher) {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			id, isMarker := taskIDFromPath(event.Name)
			if !isMarker {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				c.raise(id)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if _, err := os.Stat(event.Name); errors.Is(err, fs.ErrNotExist) {
					c.mu.Lock()
					delete(c.flagged, id)
					c.mu.Unlock()
				}
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

// raise flags id and wakes its subscribers.
func (c *Channel) raise(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flagged[id] = true
	for _, ch := range c.subs[id] {
		close(ch)
	}
	delete(c.subs, id)
}

func (c *Channel) path(id string) string {
	return filepath.Join(c.dir, id+markerSuffix)
}

func taskIDFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, markerSuffix) {
		return "", false
	}
	return strings.TrimSuffix(base, markerSuffix), true
}

// Signal records an interrupt request for a task. It is idempotent; a
// repeated signal replaces the reason. Nothing guarantees a worker is alive
// to observe it.
func (c *Channel) Signal(id, reason string) error {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("signal task %q: invalid id", id)
	}

	data, err := json.Marshal(Marker{TaskID: id, Reason: reason, SignalledAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, "."+id+"-*.tmp")
	if err != nil {
		return fmt.Errorf("signal task %s: %w", id, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("signal task %s: %w", id, err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), c.path(id)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("signal task %s: %w", id, err)
	}

	c.raise(id)
	return nil
}

// Pending returns the marker for a task, if one exists. The file is always
// consulted so a marker written by another process is seen even when the
// watcher missed it.
func (c *Channel) Pending(id string) (*Marker, bool) {
	data, err := os.ReadFile(c.path(id))
	if err != nil {
		c.mu.Lock()
		delete(c.flagged, id)
		c.mu.Unlock()
		return nil, false
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		// A marker we cannot parse still means stop.
		m = Marker{TaskID: id, Reason: strings.TrimSpace(string(data))}
	}
	if m.TaskID == "" {
		m.TaskID = id
	}
	return &m, true
}

// Flagged reports whether the watcher has seen a marker for id since it was
// last cleared. It never touches the filesystem.
func (c *Channel) Flagged(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flagged[id]
}

// Clear removes the marker for a task. Clearing a missing marker is not an error.
func (c *Channel) Clear(id string) error {
	c.mu.Lock()
	delete(c.flagged, id)
	c.mu.Unlock()

	if err := os.Remove(c.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear interrupt %s: %w", id, err)
	}
	return nil
}

// Checkpoint is called by workers at safe points. It returns an
// *InterruptedError when a marker exists, or the context error if the
// worker is shutting down.
func (c *Channel) Checkpoint(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m, ok := c.Pending(id); ok {
		return &InterruptedError{Marker: *m}
	}
	return nil
}

// Notify returns a channel closed when a marker for id is observed by the
// watcher or raised in this process. The returned func unsubscribes.
func (c *Channel) Notify(id string) (<-chan struct{}, func()) {
	ch := make(chan struct{})

	c.mu.Lock()
	if c.flagged[id] {
		if _, err := os.Stat(c.path(id)); err == nil {
			c.mu.Unlock()
			close(ch)
			return ch, func() {}
		}
		delete(c.flagged, id)
	}
	c.subs[id] = append(c.subs[id], ch)
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[id]
		for i, s := range subs {
			if s == ch {
				c.subs[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(c.subs[id]) == 0 {
			delete(c.subs, id)
		}
	}
}

// List returns every marker currently on disk.
func (c *Channel) List() ([]Marker, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("list interrupts: %w", err)
	}

	var markers []Marker
	for _, e := range entries {
		id, ok := taskIDFromPath(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		if m, ok := c.Pending(id); ok {
			markers = append(markers, *m)
		}
	}
	return markers, nil
}

// Close stops the watcher.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
