package workflow

// ExecHandlers names the transition fired once a triggered action (a
// builtin operation or a sub-operation) has been handed off and the
// command moves to awaiting its result.
type ExecHandlers struct {
	OnExec StateUpdate
}

func builtinExecHandlers() ExecHandlers {
	return ExecHandlers{OnExec: MoveTo("executing")}
}

// AwaitHandlers names the transitions fired once an awaited action (a
// builtin operation or a sub-operation) completes.
type AwaitHandlers struct {
	OnSuccess StateUpdate
	OnError   StateUpdate
}

func builtinAwaitHandlers() AwaitHandlers {
	return AwaitHandlers{OnSuccess: Successful(), OnError: Failed("")}
}

// ExitHandlers names the transitions fired once a foreground script
// exits: per-exit-code overrides take precedence over the zero/non-zero
// defaults, and OnKill (timeout or signal termination) falls back to
// OnError when unset.
type ExitHandlers struct {
	OnSuccess StateUpdate
	OnError   StateUpdate
	OnKill    *StateUpdate
	ExitCode  map[int]StateUpdate
}

// Resolve picks the transition for a script's outcome.
func (h ExitHandlers) Resolve(exitCode int, killed bool, timedOut bool) StateUpdate {
	if killed || timedOut {
		if h.OnKill != nil {
			return *h.OnKill
		}
		return h.OnError
	}
	if update, ok := h.ExitCode[exitCode]; ok {
		return update
	}
	if exitCode == 0 {
		return h.OnSuccess
	}
	return h.OnError
}

// IterateHandlers names the transitions driving an iterate action:
// OnNext fires every time a new element has been set up for processing,
// OnSuccess fires once the array has been fully consumed, OnError when
// the array cannot be iterated (missing target, not an array, or an
// out-of-bounds "@next.index").
type IterateHandlers struct {
	OnNext    StateUpdate
	OnSuccess StateUpdate
	OnError   StateUpdate
}

// DefaultHandlers are the workflow-level defaults applied to the
// successful/failed states when a loaded workflow omits them; they are
// always Clear (see TryNew), so no fields are needed
// beyond carrying the zero value forward for symmetry with the original
// workflow definition format.
type DefaultHandlers struct{}
