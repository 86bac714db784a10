package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeclysm/extract/v4"

	"github.com/thin-edge/tedge-agent-core/pkg/workflow"
)

// FirmwareUpdate downloads the firmware artifact named by the command
// payload and installs it under the firmware directory: archive bundles
// are unpacked, plain images copied as-is. The new name/version are
// echoed back into the state so the workflow can persist them after the
// restart barrier.
func (a *Actors) FirmwareUpdate(ctx context.Context, state *workflow.CommandState, report func(*workflow.CommandState)) {
	report(executing(state))

	url, exists := state.ExtractValue(".payload.remoteUrl")
	if !exists || url.String() == "" {
		url, exists = state.ExtractValue(".payload.tedgeUrl")
	}
	if !exists || url.String() == "" {
		report(failed(state, "command payload has no remoteUrl or tedgeUrl"))
		return
	}

	name, _ := state.ExtractValue(".payload.name")
	version, _ := state.ExtractValue(".payload.version")

	staged := filepath.Join(a.TmpDir, "firmware-"+sanitizeName(name.String()))
	downloaded, size, err := a.Downloader.Download(ctx, url.String(), staged)
	if err != nil {
		report(failed(state, fmt.Sprintf("downloading firmware: %s", err)))
		return
	}
	defer os.Remove(downloaded)

	if err := os.MkdirAll(a.FirmwareDir, 0755); err != nil {
		report(failed(state, fmt.Sprintf("creating firmware directory: %s", err)))
		return
	}

	if isArchive(downloaded) {
		file, err := os.Open(downloaded)
		if err != nil {
			report(failed(state, fmt.Sprintf("opening firmware bundle: %s", err)))
			return
		}
		defer file.Close()
		if err := extract.Archive(ctx, file, a.FirmwareDir, nil); err != nil {
			report(failed(state, fmt.Sprintf("unpacking firmware bundle: %s", err)))
			return
		}
	} else {
		dest := filepath.Join(a.FirmwareDir, filepath.Base(downloaded))
		if err := copyFile(downloaded, dest); err != nil {
			report(failed(state, fmt.Sprintf("installing firmware image: %s", err)))
			return
		}
	}

	next := withField(state, "installedSize", size)
	next = withField(next, "name", name.String())
	next = withField(next, "version", version.String())
	report(succeeded(next))
}

func sanitizeName(name string) string {
	if name == "" {
		return "image"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
}

func isArchive(path string) bool {
	switch {
	case strings.HasSuffix(path, ".tar"),
		strings.HasSuffix(path, ".tar.gz"),
		strings.HasSuffix(path, ".tgz"),
		strings.HasSuffix(path, ".tar.xz"),
		strings.HasSuffix(path, ".tar.bz2"),
		strings.HasSuffix(path, ".zip"):
		return true
	}
	return false
}
