package fsutil

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"microreg/internal/storage"
)

// VolumeEvent represents a change to a TIFF stack on disk.
type VolumeEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// VolumeWatcher monitors data directories for stacks appearing or changing.
type VolumeWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan VolumeEvent
	watchDirs []string
	log       *slog.Logger
	done      chan struct{}
}

// NewVolumeWatcher creates a watcher over the given directories.
func NewVolumeWatcher(watchPaths []string, log *slog.Logger) (*VolumeWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &VolumeWatcher{
		watcher:   watcher,
		Events:    make(chan VolumeEvent, 100),
		watchDirs: watchPaths,
		log:       log,
		done:      make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories.
func (w *VolumeWatcher) Start() error {
	for _, dir := range w.watchDirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching data directory", "dir", dir)
	}
	go w.processEvents()
	return nil
}

// Stop stops the watcher. Events is closed once the event loop exits.
func (w *VolumeWatcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *VolumeWatcher) processEvents() {
	defer close(w.Events)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			operation := operationFor(event.Op)
			if operation == "" || !IsVolumeFile(event.Name) {
				continue
			}

			var size int64
			if operation != "deleted" && operation != "renamed" {
				if st, err := os.Stat(event.Name); err == nil {
					size = st.Size()
				}
			}

			ve := VolumeEvent{Path: event.Name, Operation: operation, Time: time.Now(), Size: size}
			select {
			case w.Events <- ve:
			default:
				w.log.Warn("volume event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func operationFor(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create == fsnotify.Create:
		return "created"
	case op&fsnotify.Write == fsnotify.Write:
		return "modified"
	case op&fsnotify.Remove == fsnotify.Remove:
		return "deleted"
	case op&fsnotify.Rename == fsnotify.Rename:
		return "renamed"
	default:
		// permission changes are ignored
		return ""
	}
}

// Sync applies events to the store until ctx ends or Events closes. notify,
// when set, is called after every applied event.
func (w *VolumeWatcher) Sync(ctx context.Context, store *storage.Store, notify func(VolumeEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			Apply(store, ev, w.log)
			if notify != nil {
				notify(ev)
			}
		}
	}
}

// Apply records ev in the catalog.
func Apply(store *storage.Store, ev VolumeEvent, log *slog.Logger) {
	if err := store.RecordVolumeEvent(ev.Path, ev.Operation, ev.Time); err != nil && log != nil {
		log.Warn("record volume event", "path", ev.Path, "error", err)
	}
	var err error
	switch ev.Operation {
	case "deleted", "renamed":
		err = store.MarkVolumeRemoved(ev.Path)
	default:
		err = store.UpsertVolume(Describe(ev.Path))
	}
	if err != nil && log != nil {
		log.Warn("update volume catalog", "path", ev.Path, "error", err)
	}
}
