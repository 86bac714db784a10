package workflow

import "fmt"

type StateName = string

// OperationWorkflow is the state machine ruling one operation type: a
// map from state name to the action that advances a command sitting in
// that state.
type OperationWorkflow struct {
	Operation string
	BuiltIn   bool
	Handlers  DefaultHandlers
	States    map[StateName]OperationAction
}

// TryNew validates a workflow definition before it is allowed into the
// engine: it must define "init"; "successful" and "failed" may be
// omitted (defaulting to Clear) but may not be overridden to anything
// other than Clear; and a BuiltInOperation action may only invoke the
// workflow's own operation, never another one.
func TryNew(operation string, handlers DefaultHandlers, states map[StateName]OperationAction) (*OperationWorkflow, error) {
	if _, ok := states["init"]; !ok {
		return nil, errMissingState("init")
	}

	if action, ok := states["successful"]; ok {
		if action.Kind != ActionClear {
			return nil, errInvalidAction("successful", action)
		}
	} else {
		states["successful"] = OperationAction{Kind: ActionClear}
	}

	if action, ok := states["failed"]; ok {
		if action.Kind != ActionClear {
			return nil, errInvalidAction("failed", action)
		}
	} else {
		states["failed"] = OperationAction{Kind: ActionClear}
	}

	for _, action := range states {
		if action.Kind == ActionBuiltInOperation && action.BuiltInOperation != operation {
			return nil, errInvalidBuiltinOperation(operation, action.BuiltInOperation)
		}
	}

	return &OperationWorkflow{
		Operation: operation,
		BuiltIn:   false,
		Handlers:  handlers,
		States:    states,
	}, nil
}

// BuiltIn returns the generic five-state workflow given to every
// operation for which no user-defined workflow exists:
// init -> scheduled -> executing -> successful|failed -> (clear).
func BuiltIn(operation string) *OperationWorkflow {
	states := map[StateName]OperationAction{
		"init": {Kind: ActionMoveTo, MoveToUpdate: MoveTo("scheduled")},
		"scheduled": {
			Kind:             ActionBuiltInOperation,
			BuiltInOperation: operation,
			ExecHandlers:     builtinExecHandlers(),
		},
		"executing": {
			Kind:          ActionAwaitOperationCompletion,
			AwaitHandlers: builtinAwaitHandlers(),
			OutputExcerpt: ".payload",
		},
		"successful": {Kind: ActionClear},
		"failed":     {Kind: ActionClear},
	}
	return &OperationWorkflow{Operation: operation, BuiltIn: true, States: states}
}

// IllFormed returns a workflow that fails every command of operation
// with reason, used in place of a workflow definition file that failed
// to parse so that commands are rejected loudly rather than silently
// ignored.
func IllFormed(operation string, reason string) *OperationWorkflow {
	states := map[StateName]OperationAction{
		"init":      {Kind: ActionMoveTo, MoveToUpdate: MoveTo("executing")},
		"executing": {Kind: ActionMoveTo, MoveToUpdate: Failed(reason)},
		"failed":    {Kind: ActionClear},
	}
	return &OperationWorkflow{Operation: operation, BuiltIn: true, States: states}
}

// GetAction looks up the action for a command's current status and
// injects the command's own state into it.
func (w *OperationWorkflow) GetAction(state *CommandState) (OperationAction, error) {
	action, ok := w.States[state.Status]
	if !ok {
		return OperationAction{}, &UnknownStepError{Operation: w.Operation, Step: state.Status}
	}
	return action.InjectState(state), nil
}

// CapabilityPayload returns the retained capability message body
// published on "…/cmd/<op>" for this workflow. Custom and a handful of
// named non-builtin operations get a generic empty object; builtin
// operations (software list/update and friends) publish their supported
// sub-types elsewhere, via the component that owns them, so this returns
// ok=false for those.
func (w *OperationWorkflow) CapabilityPayload() (payload string, ok bool) {
	if w.BuiltIn {
		return "", false
	}
	return "{}", true
}

func (w *OperationWorkflow) String() string {
	return fmt.Sprintf("workflow(%s, built_in=%v, states=%d)", w.Operation, w.BuiltIn, len(w.States))
}
