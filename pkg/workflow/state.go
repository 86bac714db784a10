// Package workflow implements the generic operation workflow interpreter:
// a per-operation state machine whose current state is a retained MQTT
// message on a command topic. The engine consumes a command's current
// state, looks up the action associated with that state name, and
// publishes the next state once the action completes.
package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/thin-edge/tedge-agent-core/internal/jsonpath"
)

// CommandState is the full retained payload of one command instance,
// keyed by its status field. It is the only durable state the engine
// keeps: there is no in-memory cache of command progress, the broker's
// retained set is the single source of truth.
type CommandState struct {
	Topic   string
	Status  string
	Payload json.RawMessage
}

// ParseCommandMessage builds a CommandState from a retained command
// message. An empty payload means the command has been cleared by its
// requester; ok is false in that case and callers should drop any
// in-memory bookkeeping for the topic.
func ParseCommandMessage(topic string, payload []byte) (state *CommandState, ok bool) {
	if len(payload) == 0 {
		return nil, false
	}
	status := gjson.GetBytes(payload, "status").String()
	if status == "" {
		status = "init"
	}
	return &CommandState{Topic: topic, Status: status, Payload: append(json.RawMessage(nil), payload...)}, true
}

// NewCommandState builds a CommandState with the given status and payload
// fields, setting payload.status to match.
func NewCommandState(topic string, status string, fields map[string]any) *CommandState {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["status"] = status
	raw, _ := json.Marshal(fields)
	return &CommandState{Topic: topic, Status: status, Payload: raw}
}

func (s *CommandState) IsExecuting() bool  { return s.Status == "executing" }
func (s *CommandState) IsSuccessful() bool { return s.Status == "successful" }
func (s *CommandState) IsFailed() bool     { return s.Status == "failed" }
func (s *CommandState) IsTerminal() bool   { return s.IsSuccessful() || s.IsFailed() }

// payloadPath strips the mandatory leading "payload" namespace off a
// workflow JSON path, e.g. ".payload.operations" -> "operations". Every
// workflow-facing path addresses a field of the command's own payload;
// "payload" is not a nested field, it names the state itself.
func payloadPath(path string) (string, error) {
	trimmed := path
	for len(trimmed) > 0 && trimmed[0] == '.' {
		trimmed = trimmed[1:]
	}
	switch {
	case trimmed == "payload":
		return "", nil
	case len(trimmed) > len("payload.") && trimmed[:len("payload.")] == "payload.":
		return trimmed[len("payload."):], nil
	default:
		return "", fmt.Errorf("json path must start with \"payload\": %q", path)
	}
}

// ExtractValue reads the field addressed by a workflow JSON path (e.g.
// ".payload.operations") out of the command's payload.
func (s *CommandState) ExtractValue(path string) (gjson.Result, bool) {
	rel, err := payloadPath(path)
	if err != nil {
		return gjson.Result{}, false
	}
	if rel == "" {
		return gjson.ParseBytes(s.Payload), true
	}
	result := jsonpath.Get(string(s.Payload), rel)
	return result, result.Exists()
}

// ExtractArray reads the array field addressed by path, distinguishing a
// missing field from a field that exists but is not an array.
func (s *CommandState) ExtractArray(path string) ([]gjson.Result, error) {
	rel, err := payloadPath(path)
	if err != nil {
		return nil, &InvalidTargetError{Path: path}
	}
	items, err := jsonpath.ExtractArray(string(s.Payload), rel)
	if err != nil {
		if rel != "" && !jsonpath.Exists(string(s.Payload), rel) {
			return nil, &InvalidTargetError{Path: path}
		}
		return nil, &TargetNotArrayError{Path: path}
	}
	return items, nil
}

// Update applies a StateUpdate, merging its fields into the payload and
// returning the resulting state. The status field always changes;
// additional free-form fields (e.g. "reason") are merged alongside it.
func (s *CommandState) Update(update StateUpdate) *CommandState {
	doc := string(s.Payload)
	doc, _ = jsonpath.Set(doc, "status", update.Status)
	if update.Reason != "" {
		doc, _ = jsonpath.Set(doc, "reason", update.Reason)
	}
	return &CommandState{Topic: s.Topic, Status: update.Status, Payload: json.RawMessage(doc)}
}

// UpdateWithJSON merges a raw JSON object fragment into the payload
// without changing status, used to splice in computed fragments such as
// "@next" during iteration.
func (s *CommandState) UpdateWithJSON(fragmentKey string, fragment []byte) *CommandState {
	doc, err := jsonpath.SetRaw(string(s.Payload), fragmentKey, string(fragment))
	if err != nil {
		return s
	}
	return &CommandState{Topic: s.Topic, Status: s.Status, Payload: json.RawMessage(doc)}
}

// InjectValuesIntoTemplate expands every "${<path>}" placeholder in
// template against this state's payload.
func (s *CommandState) InjectValuesIntoTemplate(template string) string {
	return jsonpath.InjectTemplate(template, string(s.Payload))
}

// InjectValuesIntoParameters applies InjectValuesIntoTemplate across an
// argument list.
func (s *CommandState) InjectValuesIntoParameters(params []string) []string {
	return jsonpath.InjectTemplates(params, string(s.Payload))
}

// StateUpdate is a JSON patch of at least the status field, applied to a
// CommandState by MoveTo/on_* handler transitions.
type StateUpdate struct {
	Status string
	Reason string
}

func MoveTo(status string) StateUpdate { return StateUpdate{Status: status} }

func Successful() StateUpdate { return StateUpdate{Status: "successful"} }

func Failed(reason string) StateUpdate { return StateUpdate{Status: "failed", Reason: reason} }

func Scheduled() StateUpdate { return StateUpdate{Status: "scheduled"} }

func Executing() StateUpdate { return StateUpdate{Status: "executing"} }
