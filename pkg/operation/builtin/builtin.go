// Package builtin implements the built-in operation actors the workflow
// engine delegates to: software list/update backed by the container
// engine, configuration snapshot/update and log upload staged through
// the file-transfer service, firmware update, and restart. Each actor
// reports progress through its own small status vocabulary
// (executing/successful/failed); the engine's handler adaptation maps
// those onto the calling workflow's state names.
package builtin

import (
	"encoding/json"

	"github.com/thin-edge/tedge-agent-core/pkg/container"
	"github.com/thin-edge/tedge-agent-core/pkg/operation"
	"github.com/thin-edge/tedge-agent-core/pkg/workflow"
)

// Actors carries the collaborators shared by every built-in actor.
type Actors struct {
	Container  *container.ContainerClient
	Transfer   *operation.FileTransfer
	Downloader *operation.Downloader

	ExternalID string
	TmpDir     string

	// FirmwareDir is where firmware_update unpacks downloaded bundles.
	FirmwareDir string

	// ConfigPaths maps a config type name to the file it addresses.
	ConfigPaths map[string]string

	// LogPaths maps a log type name to the file it reads.
	LogPaths map[string]string

	// RestartCommand triggers a device reboot when the restart
	// operation runs.
	RestartCommand []string
}

// Register installs every actor on the engine.
func (a *Actors) Register(engine *workflow.Engine) {
	engine.RegisterBuiltinActor("software_list", a.SoftwareList)
	engine.RegisterBuiltinActor("software_update", a.SoftwareUpdate)
	engine.RegisterBuiltinActor("config_snapshot", a.ConfigSnapshot)
	engine.RegisterBuiltinActor("config_update", a.ConfigUpdate)
	engine.RegisterBuiltinActor("log_upload", a.LogUpload)
	engine.RegisterBuiltinActor("firmware_update", a.FirmwareUpdate)
	engine.RegisterBuiltinActor("restart", a.Restart)
}

// SoftwareCapabilityPayload is the retained capability body for the
// software operations, listing the supported module types.
func SoftwareCapabilityPayload() []byte {
	b, _ := json.Marshal(map[string]any{
		"types": []string{container.ContainerType, container.ContainerGroupType},
	})
	return b
}

// ConfigCapabilityPayload lists the configurable type names.
func ConfigCapabilityPayload(paths map[string]string) []byte {
	types := make([]string, 0, len(paths))
	for name := range paths {
		types = append(types, name)
	}
	b, _ := json.Marshal(map[string]any{"types": types})
	return b
}

func executing(state *workflow.CommandState) *workflow.CommandState {
	return state.Update(workflow.Executing())
}

func succeeded(state *workflow.CommandState) *workflow.CommandState {
	return state.Update(workflow.Successful())
}

func failed(state *workflow.CommandState, reason string) *workflow.CommandState {
	return state.Update(workflow.Failed(reason))
}

func withField(state *workflow.CommandState, key string, value any) *workflow.CommandState {
	raw, err := json.Marshal(value)
	if err != nil {
		return state
	}
	return state.UpdateWithJSON(key, raw)
}
