package builtin

import (
	"context"
	"fmt"

	"github.com/thin-edge/tedge-agent-core/pkg/container"
	"github.com/thin-edge/tedge-agent-core/pkg/workflow"
)

// SoftwareList reports the installed container modules grouped by type.
func (a *Actors) SoftwareList(ctx context.Context, state *workflow.CommandState, report func(*workflow.CommandState)) {
	report(executing(state))

	modules, err := a.Container.List(ctx, container.FilterOptions{})
	if err != nil {
		report(failed(state, fmt.Sprintf("listing software modules: %s", err)))
		return
	}

	byType := map[string][]map[string]any{}
	for _, m := range modules {
		byType[m.ServiceType] = append(byType[m.ServiceType], map[string]any{
			"name":    m.GetName(),
			"version": m.Version,
		})
	}
	currentSoftwareList := make([]map[string]any, 0, len(byType))
	for moduleType, mods := range byType {
		currentSoftwareList = append(currentSoftwareList, map[string]any{
			"type":    moduleType,
			"modules": mods,
		})
	}

	next := withField(state, "currentSoftwareList", currentSoftwareList)
	report(succeeded(next))
}

// SoftwareUpdate applies the command's updateList: install and remove
// actions per module, against the container engine. The whole update
// fails on the first module that cannot be applied, leaving already
// applied modules in place (the next software_list reflects reality).
func (a *Actors) SoftwareUpdate(ctx context.Context, state *workflow.CommandState, report func(*workflow.CommandState)) {
	report(executing(state))

	updateList, err := state.ExtractArray(".payload.updateList")
	if err != nil {
		report(failed(state, fmt.Sprintf("invalid updateList: %s", err)))
		return
	}

	for _, group := range updateList {
		moduleType := group.Get("type").String()
		if moduleType != "" && moduleType != container.ContainerType && moduleType != container.ContainerGroupType {
			report(failed(state, fmt.Sprintf("unsupported software type: %q", moduleType)))
			return
		}

		for _, module := range group.Get("modules").Array() {
			name := module.Get("name").String()
			version := module.Get("version").String()
			action := module.Get("action").String()

			switch action {
			case "install":
				if version == "" {
					report(failed(state, fmt.Sprintf("module %q has no version (image reference) to install", name)))
					return
				}
				if err := a.Container.Install(ctx, name, version); err != nil {
					report(failed(state, fmt.Sprintf("installing %q: %s", name, err)))
					return
				}
			case "remove":
				if err := a.Container.Remove(ctx, name); err != nil {
					report(failed(state, fmt.Sprintf("removing %q: %s", name, err)))
					return
				}
			default:
				report(failed(state, fmt.Sprintf("unknown action %q for module %q", action, name)))
				return
			}
		}
	}

	report(succeeded(state))
}
