package workflow

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Directory watches a directory of ".toml" workflow definition files,
// parsing each into an OperationWorkflow and calling onChange/onRemove on
// every add/update/remove. A file that fails to parse is not dropped:
// onChange is given the IllFormed sentinel for its operation so commands of that
// type fail fast with a clear reason instead of being silently ignored.
type Directory struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(operation string, workflow *OperationWorkflow)
	onRemove func(operation string)
}

// NewDirectory creates a loader for path. onChange is called with the
// parsed (or ill-formed) workflow whenever a file is added or modified;
// onRemove is called with the operation name derived from a deleted
// file's basename.
func NewDirectory(path string, onChange func(string, *OperationWorkflow), onRemove func(string)) (*Directory, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	return &Directory{path: path, watcher: watcher, onChange: onChange, onRemove: onRemove}, nil
}

// LoadAll parses every ".toml" file currently in the directory. Call
// once at startup before Watch, so in-flight commands rehydrate against
// a complete set of workflows.
func (d *Directory) LoadAll() error {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		d.load(filepath.Join(d.path, entry.Name()))
	}
	return nil
}

// Watch runs until stop is closed, dispatching onChange/onRemove for
// every filesystem event under the directory.
func (d *Directory) Watch(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			d.watcher.Close()
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".toml") {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
				d.onRemove(operationNameFromFile(event.Name))
			case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
				d.load(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Workflow directory watch error.", "err", err)
		}
	}
}

func (d *Directory) load(path string) {
	operation := operationNameFromFile(path)
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Failed to read workflow file.", "path", path, "err", err)
		d.onChange(operation, IllFormed(operation, err.Error()))
		return
	}
	wf, err := ParseTOML(data)
	if err != nil {
		slog.Warn("Failed to parse workflow file; commands will fail fast.", "path", path, "err", err)
		d.onChange(operation, IllFormed(operation, err.Error()))
		return
	}
	slog.Info("Loaded workflow definition.", "operation", wf.Operation, "path", path)
	d.onChange(wf.Operation, wf)
}

func operationNameFromFile(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
