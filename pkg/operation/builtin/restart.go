package builtin

import (
	"context"
	"fmt"

	"github.com/thin-edge/tedge-agent-core/pkg/script"
	"github.com/thin-edge/tedge-agent-core/pkg/workflow"
)

// Restart schedules a device reboot through the configured restart
// command, detached so the actor does not block on its own demise. The
// actor reports success once the reboot is scheduled; the workflow's
// restart barrier (awaiting the agent's own restart) is what observes
// the reboot actually happening.
func (a *Actors) Restart(ctx context.Context, state *workflow.CommandState, report func(*workflow.CommandState)) {
	report(executing(state))

	cmd := a.RestartCommand
	if len(cmd) == 0 {
		cmd = []string{"/sbin/shutdown", "-r", "+1"}
	}

	if err := script.RunDetached(cmd[0], cmd[1:]); err != nil {
		report(failed(state, fmt.Sprintf("scheduling restart: %s", err)))
		return
	}
	report(succeeded(state))
}
