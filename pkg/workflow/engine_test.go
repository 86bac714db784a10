package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thin-edge/tedge-agent-core/pkg/script"
)

type recordingPublisher struct {
	mu     sync.Mutex
	byTopic map[string]string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{byTopic: map[string]string{}}
}

func (p *recordingPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byTopic[topic] = string(payload)
	return nil
}

func (p *recordingPublisher) status(topic string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc := p.byTopic[topic]
	if doc == "" {
		return ""
	}
	st, _ := ParseCommandMessage(topic, []byte(doc))
	if st == nil {
		return ""
	}
	return st.Status
}

func TestEngineMoveToChain(t *testing.T) {
	pub := newRecordingPublisher()
	e := NewEngine("te", pub.publish, time.Second)

	wf, err := TryNew("custom_op", DefaultHandlers{}, map[StateName]OperationAction{
		"init":    {Kind: ActionMoveTo, MoveToUpdate: MoveTo("step2")},
		"step2":   {Kind: ActionMoveTo, MoveToUpdate: MoveTo("successful")},
	})
	require.NoError(t, err)
	e.RegisterWorkflow("custom_op", wf)

	topic := "te/device/main///cmd/custom_op/1"
	e.HandleMessage(topic, []byte(`{"status":"init"}`), true)

	assert.Equal(t, "successful", pub.status(topic))
}

func TestEngineScriptAction(t *testing.T) {
	pub := newRecordingPublisher()
	e := NewEngine("te", pub.publish, 2*time.Second)

	wf, err := TryNew("run_script", DefaultHandlers{}, map[StateName]OperationAction{
		"init": {Kind: ActionMoveTo, MoveToUpdate: MoveTo("running")},
		"running": {
			Kind:   ActionScript,
			Script: script.ShellScript{Command: "true"},
			ExitHandlers: ExitHandlers{
				OnSuccess: Successful(),
				OnError:   Failed("script failed"),
			},
		},
	})
	require.NoError(t, err)
	e.RegisterWorkflow("run_script", wf)

	topic := "te/device/main///cmd/run_script/1"
	e.HandleMessage(topic, []byte(`{"status":"init"}`), true)

	assert.Eventually(t, func() bool {
		return pub.status(topic) == "successful"
	}, time.Second, 10*time.Millisecond)
}

func TestEngineBuiltinWorkflowRoundTrip(t *testing.T) {
	pub := newRecordingPublisher()
	e := NewEngine("te", pub.publish, time.Second)

	e.RegisterBuiltinActor("software_update", func(ctx context.Context, state *CommandState, report func(*CommandState)) {
		report(NewCommandState(state.Topic, "executing", map[string]any{}))
		report(NewCommandState(state.Topic, "successful", map[string]any{}))
	})

	topic := "te/device/main///cmd/software_update/1"
	e.HandleMessage(topic, []byte(`{"status":"init"}`), true)

	assert.Eventually(t, func() bool {
		return pub.status(topic) == "successful"
	}, time.Second, 10*time.Millisecond)
}

func TestEngineBuiltinWorkflowNoActorFails(t *testing.T) {
	pub := newRecordingPublisher()
	e := NewEngine("te", pub.publish, time.Second)

	topic := "te/device/main///cmd/firmware_update/1"
	e.HandleMessage(topic, []byte(`{"status":"init"}`), true)

	assert.Eventually(t, func() bool {
		return pub.status(topic) == "failed"
	}, time.Second, 10*time.Millisecond)
}

func TestEngineSubOperationAwait(t *testing.T) {
	pub := newRecordingPublisher()
	e := NewEngine("te", pub.publish, time.Second)

	inner, err := TryNew("install_step", DefaultHandlers{}, map[StateName]OperationAction{
		"init": {Kind: ActionMoveTo, MoveToUpdate: MoveTo("successful")},
	})
	require.NoError(t, err)
	e.RegisterWorkflow("install_step", inner)

	outer, err := TryNew("profile", DefaultHandlers{}, map[StateName]OperationAction{
		"init": {
			Kind:         ActionOperation,
			SubOperation: "install_step",
			SubOpExecHandlers: ExecHandlers{OnExec: MoveTo("awaiting")},
		},
		"awaiting": {
			Kind: ActionAwaitOperationCompletion,
			AwaitHandlers: AwaitHandlers{
				OnSuccess: Successful(),
				OnError:   Failed("sub-operation failed"),
			},
		},
	})
	require.NoError(t, err)
	e.RegisterWorkflow("profile", outer)

	topic := "te/device/main///cmd/profile/1"
	e.HandleMessage(topic, []byte(`{"status":"init"}`), true)

	assert.Eventually(t, func() bool {
		return pub.status(topic) == "successful"
	}, time.Second, 10*time.Millisecond)
}

func TestEngineIgnoresEchoOfOwnPublish(t *testing.T) {
	pub := newRecordingPublisher()
	e := NewEngine("te", pub.publish, time.Second)

	var scheduled int
	var mu sync.Mutex
	e.RegisterBuiltinActor("software_update", func(ctx context.Context, state *CommandState, report func(*CommandState)) {
		mu.Lock()
		scheduled++
		mu.Unlock()
		report(NewCommandState(state.Topic, "successful", map[string]any{}))
	})

	topic := "te/device/main///cmd/software_update/1"
	e.HandleMessage(topic, []byte(`{"status":"init"}`), true)

	require.Eventually(t, func() bool {
		return pub.status(topic) == "successful"
	}, time.Second, 10*time.Millisecond)

	// Replay the engine's own "scheduled" publish as the broker would
	// echo it back on the engine's subscription: the actor must not be
	// invoked a second time.
	e.HandleMessage(topic, []byte(`{"status":"scheduled"}`), true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, scheduled)
}

func restartWorkflow(t *testing.T) *OperationWorkflow {
	wf, err := TryNew("restart", DefaultHandlers{}, map[StateName]OperationAction{
		"init": {Kind: ActionMoveTo, MoveToUpdate: MoveTo("waiting_for_restart")},
		"waiting_for_restart": {
			Kind: ActionAwaitingAgentRestart,
			AwaitHandlers: AwaitHandlers{
				OnSuccess: Successful(),
				OnError:   Failed("restart not observed"),
			},
		},
	})
	require.NoError(t, err)
	return wf
}

func TestEngineRestartBarrierResolvesOnRehydration(t *testing.T) {
	// First process run: the command transitions into the barrier and
	// stays there.
	pub := newRecordingPublisher()
	e := NewEngine("te", pub.publish, time.Second)
	e.RegisterWorkflow("restart", restartWorkflow(t))

	topic := "te/device/main///cmd/restart/1"
	e.HandleMessage(topic, []byte(`{"status":"init"}`), true)
	assert.Equal(t, "waiting_for_restart", pub.status(topic))

	// Second process run: the retained barrier state is replayed into a
	// fresh engine, which is what an observed restart looks like.
	pub2 := newRecordingPublisher()
	e2 := NewEngine("te", pub2.publish, time.Second)
	e2.RegisterWorkflow("restart", restartWorkflow(t))

	e2.HandleMessage(topic, []byte(`{"status":"waiting_for_restart"}`), true)
	assert.Equal(t, "successful", pub2.status(topic))
}

func TestEngineRestartBarrierTimesOut(t *testing.T) {
	pub := newRecordingPublisher()
	e := NewEngine("te", pub.publish, time.Second)
	e.SetRestartTimeout(50 * time.Millisecond)
	e.RegisterWorkflow("restart", restartWorkflow(t))

	topic := "te/device/main///cmd/restart/2"
	e.HandleMessage(topic, []byte(`{"status":"init"}`), true)
	assert.Equal(t, "waiting_for_restart", pub.status(topic))

	assert.Eventually(t, func() bool {
		return pub.status(topic) == "failed"
	}, time.Second, 10*time.Millisecond)
}
