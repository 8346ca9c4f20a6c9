package ingest

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change a Watcher reports.
type Op int

const (
	OpCreated Op = iota
	OpModified
	OpDeleted
)

func (o Op) String() string {
	switch o {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpDeleted:
		return "deleted"
	}
	return "unknown"
}

// Event is a change to a supported document in the corpus directory.
type Event struct {
	Path string
	Op   Op
}

// Watcher reports changes to supported documents in a directory.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher creates a Watcher. Call Close when done.
func NewWatcher() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{watcher: w, logger: slog.Default()}, nil
}

// Watch starts monitoring dir. The returned channel is closed when ctx is
// done or the watcher is closed.
func (w *Watcher) Watch(ctx context.Context, dir string) (<-chan Event, error) {
	if err := w.watcher.Add(dir); err != nil {
		return nil, err
	}

	events := make(chan Event, 100)
	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if !Supported(ev.Name) {
					continue
				}
				var op Op
				switch {
				case ev.Has(fsnotify.Create):
					op = OpCreated
				case ev.Has(fsnotify.Write):
					op = OpModified
				case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
					op = OpDeleted
				default:
					continue
				}
				select {
				case events <- Event{Path: ev.Name, Op: op}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("corpus watcher error", "dir", dir, "error", err)
			}
		}
	}()

	return events, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
