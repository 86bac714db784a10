package workflow

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/thin-edge/tedge-agent-core/pkg/script"
)

// ParseTOML decodes a workflow definition file's contents, shaped like:
//
//	operation = "software_update"
//
//	[init]
//	action = "proceed"
//	on_success = "scheduled"
//
//	[scheduled]
//	script = "/etc/tedge/operations/software_update.sh ${.payload.url}"
//	on_success = "successful"
//	on_error = "failed"
//
// into an
// OperationWorkflow, returning an error on any structural problem. A
// missing init state or a bad builtin reference yields TryNew's
// DefinitionError; a missing "operation" key or an unrecognised action
// yields a plain error.
func ParseTOML(data []byte) (*OperationWorkflow, error) {
	// go-toml/v2 does not let a struct capture "every other top-level
	// table" directly, so decode twice: once for the operation name,
	// once into a generic map for the per-state tables.
	var header struct {
		Operation string `toml:"operation"`
	}
	if err := toml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	if header.Operation == "" {
		return nil, fmt.Errorf("workflow definition missing required \"operation\" key")
	}

	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}

	states := make(map[StateName]OperationAction, len(doc))
	for key, value := range doc {
		if key == "operation" {
			continue
		}
		table, ok := value.(map[string]any)
		if !ok {
			continue
		}
		action, err := decodeAction(table)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", key, err)
		}
		states[key] = action
	}

	return TryNew(header.Operation, DefaultHandlers{}, states)
}

func decodeAction(table map[string]any) (OperationAction, error) {
	str := func(key string) string {
		v, _ := table[key].(string)
		return v
	}

	switch {
	case str("iterate") != "":
		return OperationAction{
			Kind:            ActionIterate,
			IterateJSONPath: str("iterate"),
			IterateHandlers: IterateHandlers{
				OnNext:    MoveTo(orDefault(str("on_next"), "successful")),
				OnSuccess: MoveTo(orDefault(str("on_success"), "successful")),
				OnError:   MoveTo(orDefault(str("on_error"), "failed")),
			},
		}, nil

	case str("background_script") != "":
		cmd, args := splitScript(str("background_script"))
		return OperationAction{
			Kind:           ActionBgScript,
			Script:         script.ShellScript{Command: cmd, Args: args},
			BgExecHandlers: ExecHandlers{OnExec: MoveTo(requireField(str("on_exec")))},
		}, nil

	case str("script") != "":
		cmd, args := splitScript(str("script"))
		return OperationAction{
			Kind:   ActionScript,
			Script: script.ShellScript{Command: cmd, Args: args},
			ExitHandlers: ExitHandlers{
				OnSuccess: MoveTo(orDefault(str("on_success"), "successful")),
				OnError:   MoveTo(orDefault(str("on_error"), "failed")),
				OnKill:    killUpdate(str("on_kill")),
			},
		}, nil

	case str("operation") != "":
		op := str("operation")
		execHandlers := ExecHandlers{OnExec: MoveTo(requireField(str("on_exec")))}
		if builtin, ok := strings.CutPrefix(op, "builtin:"); ok {
			return OperationAction{Kind: ActionBuiltInOperation, BuiltInOperation: builtin, ExecHandlers: execHandlers}, nil
		}
		var inputScript *script.ShellScript
		if is := str("input_script"); is != "" {
			cmd, args := splitScript(is)
			inputScript = &script.ShellScript{Command: cmd, Args: args}
		}
		return OperationAction{
			Kind:              ActionOperation,
			SubOperation:      op,
			InputScript:       inputScript,
			SubOpExecHandlers: execHandlers,
		}, nil

	default:
		switch str("action") {
		case "", "proceed":
			return OperationAction{Kind: ActionMoveTo, MoveToUpdate: MoveTo(requireField(str("on_success")))}, nil
		case "builtin":
			return OperationAction{
				Kind:          ActionBuiltIn,
				ExecHandlers:  ExecHandlers{OnExec: MoveTo(requireField(str("on_exec")))},
				AwaitHandlers: AwaitHandlers{OnSuccess: MoveTo(requireField(str("on_success"))), OnError: MoveTo(requireField(str("on_error")))},
			}, nil
		case "await-agent-restart":
			return OperationAction{
				Kind:          ActionAwaitingAgentRestart,
				AwaitHandlers: AwaitHandlers{OnSuccess: MoveTo(requireField(str("on_success"))), OnError: MoveTo(requireField(str("on_error")))},
			}, nil
		case "await-operation-completion":
			return OperationAction{
				Kind:          ActionAwaitOperationCompletion,
				AwaitHandlers: AwaitHandlers{OnSuccess: MoveTo(requireField(str("on_success"))), OnError: MoveTo(requireField(str("on_error")))},
				OutputExcerpt: ".payload",
			}, nil
		case "clear":
			return OperationAction{Kind: ActionClear}, nil
		default:
			return OperationAction{}, fmt.Errorf("unrecognised action %q", str("action"))
		}
	}
}

func requireField(v string) string {
	return v
}

func orDefault(v string, def string) string {
	if v == "" {
		return def
	}
	return v
}

func killUpdate(v string) *StateUpdate {
	if v == "" {
		return nil
	}
	u := MoveTo(v)
	return &u
}

// splitScript splits a TOML "script"/"background_script"/"input_script"
// value into a command and its space-separated arguments. Arguments are
// not shell-quoted. The split happens here at parse time; a workflow's
// own "${...}" placeholders are expanded later, argument by argument, by
// InjectState, so spaces inside expanded values do not split arguments.
func splitScript(value string) (string, []string) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
