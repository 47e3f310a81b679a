package breakpoints

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefinitionSink receives replacement working sets. Both Manager and
// the top-level debugger satisfy it.
type DefinitionSink interface {
	SetActiveBreakpoints(defs []*Definition)
}

// Watcher keeps the sink's working set in sync with a definitions
// file on disk. Edits apply without restarting the observed process;
// a file that fails to parse keeps the previous working set.
type Watcher struct {
	path string
	sink DefinitionSink
	log  *slog.Logger
	fs   *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher loads the file once and starts watching it. The watch is
// on the containing directory so editor rename-and-replace saves are
// seen.
func NewWatcher(path string, sink DefinitionSink, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("breakpoints: creating watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("breakpoints: watching %s: %w", path, err)
	}

	w := &Watcher{
		path: path,
		sink: sink,
		log:  log,
		fs:   fs,
		done: make(chan struct{}),
	}
	w.reload()
	go w.loop()
	return w, nil
}

// Close stops watching. The working set is left as is.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	// editors fire bursts of events per save; coalesce them
	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(50 * time.Millisecond)

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Error("breakpoint file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Error("breakpoint file unreadable", "path", w.path, "error", err)
		return
	}
	defs, err := ParseDefinitions(data)
	if err != nil {
		w.log.Error("breakpoint file rejected, keeping previous set",
			"path", w.path, "error", err)
		return
	}
	w.sink.SetActiveBreakpoints(defs)
	w.log.Info("breakpoint definitions applied",
		"path", w.path, "count", len(defs))
}
