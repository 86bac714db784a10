package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/thin-edge/tedge-agent-core/pkg/script"
	"github.com/thin-edge/tedge-agent-core/pkg/tedge"
)

// PublishFunc is how the engine emits retained command-state and
// capability messages; it is the same shape as the entity store's
// publish hook so both components can share one MQTT client without
// either needing to know the other exists.
type PublishFunc func(topic string, qos byte, retained bool, payload []byte) error

// BuiltinActorFunc performs the real work of a builtin operation
// (software list/update, restart, config snapshot, ...). It receives the
// command state already normalised to "scheduled"
// (OperationAction.AdaptBuiltinRequest) and reports its own progress
// through report, using its own small status vocabulary
// (scheduled/executing/successful/failed) — never the calling workflow's
// state names. The engine translates each reported state through
// OperationAction.AdaptBuiltinResponse before publishing it, which is
// what lets the same actor serve both the generic builtin workflow and a
// custom workflow that names its steps differently.
type BuiltinActorFunc func(ctx context.Context, state *CommandState, report func(*CommandState))

// Engine is the MQTT-driven workflow interpreter: it
// watches every "…/cmd/<op>/<id>" message, looks up the action for the
// command's current status in the operation's workflow, and publishes
// the next retained state once that action completes.
type Engine struct {
	Root    string
	Publish PublishFunc

	scriptTimeout time.Duration

	mu        sync.Mutex
	workflows map[string]*OperationWorkflow
	builtins  map[string]BuiltinActorFunc
	pending   map[string]pendingAwait

	restartTimeout time.Duration

	// restartTimers tracks the timeout timer armed for every command
	// sitting at an agent-restart barrier in this process run. The
	// barrier resolves either by rehydration after a real restart (the
	// retained state is replayed into a fresh engine) or by the timer
	// firing first.
	restartTimers map[string]*time.Timer

	// selfEchoes queues, per topic, the payloads this engine has itself
	// published and not yet seen echoed back by the broker. The engine
	// advances a command locally as soon as it publishes, so the echo
	// must be dropped rather than re-interpreted, or every action would
	// run twice. This is not a cache of command state — the retained
	// message stays the single source of truth — only a record of which
	// inbound copies are already accounted for.
	selfEchoes map[string][]string
}

// pendingAwait links a spawned sub-operation command topic back to the
// parent state waiting on it, per ActionOperation.
type pendingAwait struct {
	parentOperation string
	parentState     *CommandState
	action          OperationAction
}

// NewEngine builds an Engine publishing through publish, with scripts
// bound by scriptTimeout.
func NewEngine(root string, publish PublishFunc, scriptTimeout time.Duration) *Engine {
	if scriptTimeout <= 0 {
		scriptTimeout = 5 * time.Minute
	}
	return &Engine{
		Root:           root,
		Publish:        publish,
		scriptTimeout:  scriptTimeout,
		restartTimeout: 10 * time.Minute,
		workflows:      map[string]*OperationWorkflow{},
		builtins:       map[string]BuiltinActorFunc{},
		pending:        map[string]pendingAwait{},
		restartTimers:  map[string]*time.Timer{},
		selfEchoes:     map[string][]string{},
	}
}

// RegisterWorkflow installs or replaces the workflow for an operation,
// matching workflow.Directory's onChange callback signature.
func (e *Engine) RegisterWorkflow(operation string, wf *OperationWorkflow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[operation] = wf
}

// RemoveWorkflow drops a custom workflow; commands of that operation
// fall back to the builtin five-state workflow, matching
// workflow.Directory's onRemove callback signature.
func (e *Engine) RemoveWorkflow(operation string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.workflows, operation)
}

// SetRestartTimeout bounds how long a command may sit at an
// agent-restart barrier before failing over its on_error handler.
func (e *Engine) SetRestartTimeout(d time.Duration) {
	if d > 0 {
		e.restartTimeout = d
	}
}

// RegisterBuiltinActor installs the actor invoked for ActionBuiltIn and
// ActionBuiltInOperation steps naming operation.
func (e *Engine) RegisterBuiltinActor(operation string, actor BuiltinActorFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.builtins[operation] = actor
}

func (e *Engine) workflowFor(operation string) *OperationWorkflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	if wf, ok := e.workflows[operation]; ok {
		return wf
	}
	return BuiltIn(operation)
}

// CapabilityTopic returns the retained capability-announcement topic for
// operation under target.
func CapabilityTopic(target tedge.Target, operation string) string {
	return tedge.GetCapabilityTopic(target, operation)
}

// AnnounceCapability publishes the retained capability message for
// operation on target. A
// caller with a more specific payload (e.g. software list/update's
// supported sub-types) passes it directly instead of relying on the
// workflow's generic "{}" payload.
func (e *Engine) AnnounceCapability(target tedge.Target, operation string, payload []byte) {
	if e.Publish == nil {
		return
	}
	topic := CapabilityTopic(target, operation)
	if err := e.Publish(topic, 1, true, payload); err != nil {
		slog.Warn("Failed to publish capability message.", "topic", topic, "err", err)
	}
}

// HandleMessage processes one retained command-topic message. Messages
// that are not "…/cmd/<op>/<id>" state updates are ignored.
func (e *Engine) HandleMessage(topic string, payload []byte, retained bool) {
	_, channel, ok := tedge.EntityAndChannel(e.Root, topic)
	if !ok || channel.Kind != tedge.ChannelCommand {
		return
	}
	if e.isSelfEcho(topic, payload) {
		return
	}

	e.stopRestartTimer(topic)

	state, ok := ParseCommandMessage(topic, payload)
	if !ok {
		e.mu.Lock()
		delete(e.pending, topic)
		e.mu.Unlock()
		return
	}

	// A retained command replayed into a fresh engine while sitting at
	// an agent-restart barrier means the restart has happened: the only
	// way to reach this without the self-echo queue consuming it is a
	// new process rehydrating the broker's retained set.
	if retained && !state.IsTerminal() {
		wf := e.workflowFor(channel.Operation)
		if action, err := wf.GetAction(state); err == nil && action.Kind == ActionAwaitingAgentRestart {
			e.publishAndAdvance(channel.Operation, state.Update(action.AwaitHandlers.OnSuccess))
			return
		}
	}

	e.advance(channel.Operation, state)
}

func (e *Engine) stopRestartTimer(topic string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.restartTimers[topic]; ok {
		timer.Stop()
		delete(e.restartTimers, topic)
	}
}

// advance applies one round of workflow interpretation to state,
// publishing (and recursively advancing) whatever state change results.
func (e *Engine) advance(operation string, state *CommandState) {
	if state.IsTerminal() {
		e.resolveAwait(state)
		return
	}

	wf := e.workflowFor(operation)
	action, err := wf.GetAction(state)
	if err != nil {
		e.publishAndAdvance(operation, state.Update(Failed(err.Error())))
		return
	}

	switch action.Kind {
	case ActionMoveTo:
		e.publishAndAdvance(operation, state.Update(action.MoveToUpdate))

	case ActionClear:
		// Terminal states are left to the requester to clear.

	case ActionIterate:
		next, err := ProcessIterate(state, action.IterateJSONPath, action.IterateHandlers)
		if err != nil {
			e.publishAndAdvance(operation, state.Update(action.IterateHandlers.OnError))
			return
		}
		e.publishAndAdvance(operation, next)

	case ActionScript:
		go e.runScript(operation, state, action)

	case ActionBgScript:
		if err := script.RunDetached(action.Script.Command, action.Script.Args); err != nil {
			e.publishAndAdvance(operation, state.Update(Failed(err.Error())))
			return
		}
		e.publishAndAdvance(operation, state.Update(action.BgExecHandlers.OnExec))

	case ActionBuiltIn:
		e.runBuiltinOperation(operation, operation, state, action)

	case ActionBuiltInOperation:
		e.runBuiltinOperation(action.BuiltInOperation, operation, state, action)

	case ActionAwaitingAgentRestart:
		// Resolved by the agent reprocessing retained state after its
		// own restart (see HandleMessage); here only the timeout is
		// armed, failing the barrier if no restart is observed in time.
		e.armRestartTimer(operation, state, action)

	case ActionOperation:
		e.spawnSubOperation(operation, state, action)

	case ActionAwaitOperationCompletion:
		// Nothing to do until the actor/sub-operation this state is
		// waiting on reports a terminal result, handled by
		// runBuiltinOperation's report callback or resolveAwait.
	}
}

func (e *Engine) armRestartTimer(operation string, state *CommandState, action OperationAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.restartTimers[state.Topic]; exists {
		return
	}
	topic := state.Topic
	e.restartTimers[topic] = time.AfterFunc(e.restartTimeout, func() {
		e.mu.Lock()
		_, pending := e.restartTimers[topic]
		delete(e.restartTimers, topic)
		e.mu.Unlock()
		if !pending {
			return
		}
		update := action.AwaitHandlers.OnError
		if update.Reason == "" {
			update.Reason = "timed out waiting for agent restart"
		}
		e.publishAndAdvance(operation, state.Update(update))
	})
}

func (e *Engine) publishAndAdvance(operation string, state *CommandState) {
	e.publishState(state)
	e.advance(operation, state)
}

func (e *Engine) publishState(state *CommandState) {
	if e.Publish == nil {
		return
	}
	e.mu.Lock()
	e.selfEchoes[state.Topic] = append(e.selfEchoes[state.Topic], string(state.Payload))
	e.mu.Unlock()
	if err := e.Publish(state.Topic, 1, true, state.Payload); err != nil {
		slog.Warn("Failed to publish command state.", "topic", state.Topic, "err", err)
	}
}

// isSelfEcho consumes one queued self-published payload when the broker
// echoes it back. Publishes on one topic are serialised, so the echo
// order matches the publish order and a FIFO scan suffices.
func (e *Engine) isSelfEcho(topic string, payload []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	queue := e.selfEchoes[topic]
	for i, queued := range queue {
		if queued == string(payload) {
			queue = append(queue[:i], queue[i+1:]...)
			if len(queue) == 0 {
				delete(e.selfEchoes, topic)
			} else {
				e.selfEchoes[topic] = queue
			}
			return true
		}
	}
	return false
}

func (e *Engine) runScript(operation string, state *CommandState, action OperationAction) {
	ctx, cancel := context.WithTimeout(context.Background(), e.scriptTimeout)
	defer cancel()

	outcome, err := script.Run(ctx, action.Script.Command, action.Script.Args, e.scriptTimeout)
	if err != nil {
		e.publishAndAdvance(operation, state.Update(action.ExitHandlers.OnError))
		return
	}

	update := action.ExitHandlers.Resolve(outcome.ExitCode, outcome.Killed, outcome.TimedOut)
	if update.Reason == "" && outcome.ScriptReason != "" && update.Status == action.ExitHandlers.OnError.Status {
		update.Reason = outcome.ScriptReason
	}

	next := state.Update(update)
	for k, v := range outcome.Update {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		next = next.UpdateWithJSON(k, raw)
	}
	e.publishAndAdvance(operation, next)
}

// runBuiltinOperation invokes the actor registered under actorName
// (which equals operation for ActionBuiltIn, and
// action.BuiltInOperation for ActionBuiltInOperation — TryNew already
// enforces the two are equal for the latter). Each reported state is
// translated through the workflow action *current at the time of the
// report* — not the triggering action — so the exec-phase and
// await-phase handlers each apply to the report that actually reached
// that phase.
func (e *Engine) runBuiltinOperation(actorName string, operation string, initial *CommandState, initialAction OperationAction) {
	e.mu.Lock()
	actor, ok := e.builtins[actorName]
	e.mu.Unlock()

	request := initialAction.AdaptBuiltinRequest(initial)
	if !ok {
		e.publishAndAdvance(operation, request.Update(Failed(fmt.Sprintf("no builtin actor registered for %q", actorName))))
		return
	}

	var mu sync.Mutex
	current := request

	report := func(reported *CommandState) {
		mu.Lock()
		defer mu.Unlock()

		wf := e.workflowFor(operation)
		action, err := wf.GetAction(current)
		if err != nil {
			return
		}
		next := action.AdaptBuiltinResponse(&CommandState{Topic: current.Topic, Status: reported.Status, Payload: reported.Payload})
		current = next
		e.publishAndAdvance(operation, next)
	}

	go actor(context.Background(), request, report)
}

// spawnSubOperation starts a nested operation command at
// "…/cmd/<op>/sub:<id>" and records the parent state to resume once that
// topic reaches a terminal status. Sub-command ids are the mechanism
// the operation handler uses to recognise (and ignore)
// engine-internal commands when deciding what to report to the cloud.
func (e *Engine) spawnSubOperation(operation string, parent *CommandState, action OperationAction) {
	subOperation := action.SubOperation
	childTopic := subCommandTopic(parent.Topic, subOperation)

	fields := map[string]any{}
	if action.InputScript != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.scriptTimeout)
		outcome, err := script.Run(ctx, action.InputScript.Command, action.InputScript.Args, e.scriptTimeout)
		cancel()
		if err == nil {
			for k, v := range outcome.Update {
				fields[k] = v
			}
		}
	}

	nextParent := parent.Update(action.SubOpExecHandlers.OnExec)

	e.mu.Lock()
	e.pending[childTopic] = pendingAwait{parentOperation: operation, parentState: nextParent, action: action}
	e.mu.Unlock()

	e.publishState(nextParent)
	childState := NewCommandState(childTopic, "init", fields)
	e.publishAndAdvance(subOperation, childState)
}

// resolveAwait feeds a terminated sub-operation's result back into the
// parent command that spawned it, resuming the parent's own workflow
// from whatever state it is now in (looked up fresh, since the parent
// may itself have advanced through intermediate states while the
// sub-operation ran).
func (e *Engine) resolveAwait(childState *CommandState) {
	e.mu.Lock()
	await, ok := e.pending[childState.Topic]
	if ok {
		delete(e.pending, childState.Topic)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	parentWf := e.workflowFor(await.parentOperation)
	parentAction, err := parentWf.GetAction(await.parentState)
	if err != nil {
		return
	}

	var update StateUpdate
	if childState.IsSuccessful() {
		update = parentAction.AwaitHandlers.OnSuccess
	} else {
		reason, _ := childState.ExtractValue(".payload.reason")
		update = parentAction.AwaitHandlers.OnError
		if reason.Exists() {
			update.Reason = reason.String()
		}
	}

	e.publishAndAdvance(await.parentOperation, await.parentState.Update(update))
	e.publishState(&CommandState{Topic: childState.Topic})
}

func subCommandTopic(parentTopic string, operation string) string {
	idx := strings.LastIndex(parentTopic, "/cmd/")
	if idx < 0 {
		return parentTopic
	}
	root := parentTopic[:idx]
	parts := strings.Split(parentTopic[idx+len("/cmd/"):], "/")
	cmdID := ""
	if len(parts) == 2 {
		cmdID = parts[1]
	}
	return fmt.Sprintf("%s/cmd/%s/sub:%s", root, operation, cmdID)
}
