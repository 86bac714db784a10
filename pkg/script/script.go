// Package script runs the shell commands a workflow action names,
// enforcing the per-step timeout and stdout-parsing conventions the
// workflow engine depends on.
package script

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellScript is a command and its arguments, as named by a workflow
// action before or after "${<path>}" placeholder expansion.
type ShellScript struct {
	Command string
	Args    []string
}

func (s ShellScript) String() string {
	if len(s.Args) == 0 {
		return s.Command
	}
	return fmt.Sprintf("%s %s", s.Command, strings.Join(s.Args, " "))
}

// Outcome is the result of running a foreground script.
type Outcome struct {
	ExitCode int
	Killed   bool
	TimedOut bool
	Stdout   string
	Stderr   string

	// Update is the JSON object parsed from the last line of stdout, if
	// any. A script that produces no parseable JSON update leaves this
	// nil; ScriptReason (the first line of stdout) then becomes the
	// failure reason for the on_error transition.
	Update       map[string]any
	ScriptReason string
}

// Run executes cmd with args, inheriting the agent's working directory,
// environment and privileges, and enforces timeout. stdout's last line is
// parsed as a JSON object update per the workflow engine's foreground
// script convention; if it is not valid JSON, the first line of stdout is
// captured as an opaque reason string instead.
func Run(ctx context.Context, cmd string, args []string, timeout time.Duration) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd, args...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()

	outcome := Outcome{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		outcome.TimedOut = true
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			outcome.ExitCode = exitErr.ExitCode()
			if exitErr.ExitCode() == -1 {
				outcome.Killed = true
			}
		} else if !outcome.TimedOut {
			return outcome, err
		}
	}

	lastLine := lastNonEmptyLine(outcome.Stdout)
	if lastLine != "" {
		var update map[string]any
		if jsonErr := json.Unmarshal([]byte(lastLine), &update); jsonErr == nil {
			outcome.Update = update
		} else {
			outcome.ScriptReason = firstNonEmptyLine(outcome.Stdout)
		}
	}

	return outcome, nil
}

// RunDetached starts cmd without waiting for it to exit, for BgScript
// actions that trigger a reboot or agent restart and must not block the
// workflow engine on the script's completion.
func RunDetached(cmd string, args []string) error {
	c := exec.Command(cmd, args...)
	return c.Start()
}

func lastNonEmptyLine(s string) string {
	scanner := bufio.NewScanner(strings.NewReader(s))
	last := ""
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	return last
}

func firstNonEmptyLine(s string) string {
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line
		}
	}
	return ""
}
