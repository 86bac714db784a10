package workflow

import "fmt"

// DefinitionError is returned by TryNew when a loaded workflow is
// structurally invalid.
type DefinitionError struct {
	msg string
}

func (e *DefinitionError) Error() string { return e.msg }

func errMissingState(state string) error {
	return &DefinitionError{msg: fmt.Sprintf("missing required state: %s", state)}
}

func errInvalidAction(state string, action OperationAction) error {
	return &DefinitionError{msg: fmt.Sprintf("state %q must be left to the default Clear action, found: %s", state, action)}
}

func errInvalidBuiltinOperation(mainOperation, builtinOperation string) error {
	return &DefinitionError{msg: fmt.Sprintf("builtin:%s can only be invoked from the %s workflow, not %s", builtinOperation, builtinOperation, mainOperation)}
}

// InvalidTargetError is returned when an iterate/excerpt json path does
// not resolve to any field of the command's payload.
type InvalidTargetError struct{ Path string }

func (e *InvalidTargetError) Error() string { return fmt.Sprintf("invalid target: %s", e.Path) }

// TargetNotArrayError is returned when an iterate json path resolves to
// a field that exists but is not a JSON array.
type TargetNotArrayError struct{ Path string }

func (e *TargetNotArrayError) Error() string { return fmt.Sprintf("target not array: %s", e.Path) }

// UnknownStepError is returned by GetAction when a command's current
// status names a state the workflow does not define.
type UnknownStepError struct {
	Operation string
	Step      string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("unknown step %q for operation %q", e.Step, e.Operation)
}
