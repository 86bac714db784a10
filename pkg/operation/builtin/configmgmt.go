package builtin

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/thin-edge/tedge-agent-core/pkg/workflow"
)

// ConfigSnapshot stages the requested configuration file on the
// file-transfer service and records its URL as "tedgeUrl" so the
// operation handler can upload it to the cloud.
func (a *Actors) ConfigSnapshot(ctx context.Context, state *workflow.CommandState, report func(*workflow.CommandState)) {
	report(executing(state))

	configType, _ := state.ExtractValue(".payload.type")
	path, ok := a.ConfigPaths[configType.String()]
	if !ok {
		report(failed(state, fmt.Sprintf("unknown config type: %q", configType.String())))
		return
	}
	if !fileExists(path) {
		report(failed(state, fmt.Sprintf("config file does not exist: %s", path)))
		return
	}

	url, err := a.Transfer.Put(ctx, a.ExternalID, "config_snapshot", filepath.Base(path), path)
	if err != nil {
		report(failed(state, fmt.Sprintf("staging config snapshot: %s", err)))
		return
	}

	next := withField(state, "tedgeUrl", url)
	next = withField(next, "path", path)
	report(succeeded(next))
}

// ConfigUpdate fetches the new configuration content (from "tedgeUrl" or
// "remoteUrl") and writes it over the file the config type addresses.
func (a *Actors) ConfigUpdate(ctx context.Context, state *workflow.CommandState, report func(*workflow.CommandState)) {
	report(executing(state))

	configType, _ := state.ExtractValue(".payload.type")
	path, ok := a.ConfigPaths[configType.String()]
	if !ok {
		report(failed(state, fmt.Sprintf("unknown config type: %q", configType.String())))
		return
	}

	url, exists := state.ExtractValue(".payload.tedgeUrl")
	if !exists || url.String() == "" {
		url, exists = state.ExtractValue(".payload.remoteUrl")
	}
	if !exists || url.String() == "" {
		report(failed(state, "command payload has no tedgeUrl or remoteUrl"))
		return
	}

	staged := filepath.Join(a.TmpDir, "config_update-"+filepath.Base(path))
	downloaded, _, err := a.Downloader.Download(ctx, url.String(), staged)
	if err != nil {
		report(failed(state, fmt.Sprintf("downloading config update: %s", err)))
		return
	}

	if err := copyFile(downloaded, path); err != nil {
		report(failed(state, fmt.Sprintf("applying config update: %s", err)))
		return
	}

	next := withField(state, "path", path)
	report(succeeded(next))
}
