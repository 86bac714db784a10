package operation

import (
	"os"
	"path/filepath"

	"github.com/thin-edge/tedge-agent-core/pkg/cloud/c8y"
)

// SyncMarkers maintains the per-cloud operation marker files:
// "<ops_dir>/<cloud>/<external-id>/<Op>", an empty file whose presence
// advertises a supported operation to the cloud mapper. Markers for
// operations no longer enabled are removed.
func SyncMarkers(opsDir string, cloud string, externalID string, operations []string) error {
	dir := filepath.Join(opsDir, cloud, externalID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	wanted := make(map[string]bool, len(operations))
	for _, op := range operations {
		wanted[c8y.OperationFragment(op)] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !wanted[entry.Name()] {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return err
			}
		}
	}

	for fragment := range wanted {
		path := filepath.Join(dir, fragment)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		f.Close()
	}
	return nil
}
