/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package workflows

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thin-edge/tedge-agent-core/pkg/cli"
	"github.com/thin-edge/tedge-agent-core/pkg/workflow"
)

type WorkflowsCommand struct {
	*cobra.Command

	Dir string
}

// NewWorkflowsCommand validates the workflow definition directory and
// prints each operation's states, flagging the files the agent would
// replace with the fail-fast sentinel.
func NewWorkflowsCommand(cliContext *cli.Cli) *cobra.Command {
	command := &WorkflowsCommand{}
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Validate and list workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := command.Dir
			if dir == "" {
				dir = cliContext.Reader.WorkflowsDir()
			}

			entries, err := os.ReadDir(dir)
			if err != nil {
				return err
			}

			broken := 0
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
					continue
				}
				path := filepath.Join(dir, entry.Name())
				data, err := os.ReadFile(path)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: unreadable: %s\n", entry.Name(), err)
					broken++
					continue
				}
				wf, err := workflow.ParseTOML(data)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: invalid (commands will fail fast): %s\n", entry.Name(), err)
					broken++
					continue
				}

				states := make([]string, 0, len(wf.States))
				for name := range wf.States {
					states = append(states, name)
				}
				sort.Strings(states)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: operation=%s states=%s\n", entry.Name(), wf.Operation, strings.Join(states, ","))
			}

			if broken > 0 {
				return cli.SilentError(fmt.Errorf("%d workflow definition(s) invalid", broken))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&command.Dir, "dir", "", "Workflow directory (defaults to the configured one)")
	command.Command = cmd
	return cmd
}
