package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/thin-edge/tedge-agent-core/pkg/script"
)

// ActionKind tags which field of OperationAction is populated. Go has no
// tagged union, so OperationAction is modelled as a struct with one
// populated payload field per kind instead of an interface with N
// implementations: the action set is closed (exactly ten actions) and
// is matched exhaustively everywhere it matters
// (TryNew, GetAction, InjectState, AdaptBuiltin*), which a sealed struct
// makes a compile-time switch instead of a registry of dynamic handlers.
type ActionKind int

const (
	ActionMoveTo ActionKind = iota
	ActionBuiltIn
	ActionAwaitingAgentRestart
	ActionScript
	ActionBgScript
	ActionOperation
	ActionBuiltInOperation
	ActionAwaitOperationCompletion
	ActionClear
	ActionIterate
)

// OperationAction is one state's transition rule in an operation
// workflow. Exactly one payload field is meaningful, selected by Kind.
type OperationAction struct {
	Kind ActionKind

	MoveToUpdate StateUpdate

	ExecHandlers  ExecHandlers
	AwaitHandlers AwaitHandlers

	Script       script.ShellScript
	ExitHandlers ExitHandlers

	BgExecHandlers ExecHandlers

	SubOperation      string
	InputScript       *script.ShellScript
	InputExcerpt      string
	SubOpExecHandlers ExecHandlers

	BuiltInOperation string

	OutputExcerpt string

	IterateJSONPath string
	IterateHandlers IterateHandlers
}

func (a OperationAction) String() string {
	switch a.Kind {
	case ActionMoveTo:
		return fmt.Sprintf("move to %s state", a.MoveToUpdate.Status)
	case ActionBuiltIn:
		return "builtin action"
	case ActionAwaitingAgentRestart:
		return "await agent restart"
	case ActionScript:
		return a.Script.String()
	case ActionBgScript:
		return a.Script.String()
	case ActionOperation:
		if a.InputScript == nil {
			return fmt.Sprintf("execute %s as sub-operation", a.SubOperation)
		}
		return fmt.Sprintf("execute %s as sub-operation, with input payload derived from: %s", a.SubOperation, a.InputScript.String())
	case ActionBuiltInOperation:
		return fmt.Sprintf("execute builtin:%s", a.BuiltInOperation)
	case ActionAwaitOperationCompletion:
		return "await sub-operation completion"
	case ActionClear:
		return "wait for the requester to finalize the command"
	case ActionIterate:
		return fmt.Sprintf("iterate over %s", a.IterateJSONPath)
	default:
		return "unknown action"
	}
}

// Equal reports whether two actions are of the same Kind; the payload
// fields are not compared.
func (a OperationAction) Equal(other OperationAction) bool {
	if a.Kind != other.Kind {
		return false
	}
	return a.Kind != ActionClear || other.Kind == ActionClear
}

// InjectState rewrites the string-bearing fields of an action (script
// command/args, sub-operation name) by expanding "${<path>}" placeholders
// against the given command state. Actions with no string fields are
// returned unchanged.
func (a OperationAction) InjectState(state *CommandState) OperationAction {
	switch a.Kind {
	case ActionScript:
		out := a
		out.Script = injectScript(state, a.Script)
		return out
	case ActionBgScript:
		out := a
		out.Script = injectScript(state, a.Script)
		return out
	case ActionOperation:
		out := a
		out.SubOperation = state.InjectValuesIntoTemplate(a.SubOperation)
		if a.InputScript != nil {
			injected := injectScript(state, *a.InputScript)
			out.InputScript = &injected
		}
		return out
	default:
		return a
	}
}

func injectScript(state *CommandState, s script.ShellScript) script.ShellScript {
	return script.ShellScript{
		Command: state.InjectValuesIntoTemplate(s.Command),
		Args:    state.InjectValuesIntoParameters(s.Args),
	}
}

// AdaptBuiltinRequest rewrites a command state before it is handed to a
// builtin operation actor. Only BuiltInOperation actions need a rewrite,
// forcing the state to "scheduled" so the actor always receives a
// consistent status irrespective of the state name that triggered it.
func (a OperationAction) AdaptBuiltinRequest(state *CommandState) *CommandState {
	if a.Kind == ActionBuiltInOperation {
		return state.Update(Scheduled())
	}
	return state
}

// AdaptBuiltinResponse rewrites the command state a builtin operation
// actor returns, applying the workflow's own handlers instead of
// whatever status name the actor used internally.
func (a OperationAction) AdaptBuiltinResponse(state *CommandState) *CommandState {
	switch {
	case a.Kind == ActionBuiltIn && state.IsExecuting():
		return state.Update(a.ExecHandlers.OnExec)
	case a.Kind == ActionBuiltInOperation && state.IsExecuting():
		return state.Update(a.ExecHandlers.OnExec)
	case a.Kind == ActionBuiltIn && state.IsSuccessful():
		return state.Update(a.AwaitHandlers.OnSuccess)
	case a.Kind == ActionAwaitOperationCompletion && state.IsSuccessful():
		return state.Update(a.AwaitHandlers.OnSuccess)
	case a.Kind == ActionBuiltIn && state.IsFailed():
		return state.Update(a.AwaitHandlers.OnError)
	case a.Kind == ActionAwaitOperationCompletion && state.IsFailed():
		return state.Update(a.AwaitHandlers.OnError)
	default:
		return state
	}
}

// nextFragment is the "@next" payload fragment maintained by Iterate.
type nextFragment struct {
	Index int             `json:"index"`
	Item  json.RawMessage `json:"item"`
}

// ProcessIterate steps an Iterate action's "@next" cursor forward by one
// element of the array at jsonPath, skipping elements marked
// "@skip": true, and applies the matching handler transition. It keeps
// the exact semantics of an absent "@next" fragment (start at
// index 0), an index past the end of the array on resume
// (IndexOutOfBounds), and an empty array (immediate success).
func ProcessIterate(state *CommandState, jsonPath string, handlers IterateHandlers) (*CommandState, error) {
	items, err := state.ExtractArray(jsonPath)
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		return state.Update(handlers.OnSuccess), nil
	}

	// "@" is a gjson modifier prefix; escape it to address the literal
	// "@next" key emitted by a previous iteration.
	next, exists := state.ExtractValue(`.payload.\@next`)
	var nextIndex int
	if exists {
		index := int(next.Get("index").Int())
		if index >= len(items) {
			return nil, &IndexOutOfBoundsError{Index: index}
		}
		nextIndex = index + 1
	}
	for {
		if nextIndex >= len(items) {
			return state.Update(handlers.OnSuccess), nil
		}
		if !items[nextIndex].Get(`\@skip`).Bool() {
			break
		}
		nextIndex++
	}

	frag := nextFragment{Index: nextIndex, Item: json.RawMessage(items[nextIndex].Raw)}
	fragJSON, err := json.Marshal(frag)
	if err != nil {
		return nil, err
	}

	newState := state.UpdateWithJSON(`\@next`, fragJSON)
	newState = newState.Update(handlers.OnNext)
	return newState, nil
}

// IndexOutOfBoundsError is returned when a resumed "@next.index" no
// longer fits the (possibly externally rewritten) target array.
type IndexOutOfBoundsError struct{ Index int }

func (e *IndexOutOfBoundsError) Error() string {
	return fmt.Sprintf("@next.index %d is out of bounds", e.Index)
}
