package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iterateHandlers() IterateHandlers {
	return IterateHandlers{
		OnNext:    MoveTo("apply_operation"),
		OnSuccess: Successful(),
		OnError:   Failed("bad input"),
	}
}

func TestProcessIterateFirstIteration(t *testing.T) {
	state := NewCommandState("test/topic", "next_operation", map[string]any{
		"operations": []any{
			map[string]any{"operation": "software_update", "payload": map[string]any{"key": "value"}},
		},
	})

	newState, err := ProcessIterate(state, ".payload.operations", iterateHandlers())
	require.NoError(t, err)

	assert.Equal(t, "apply_operation", newState.Status)
	next, ok := newState.ExtractValue(`.payload.\@next`)
	require.True(t, ok)
	assert.EqualValues(t, 0, next.Get("index").Int())
	assert.Equal(t, "software_update", next.Get("item.operation").String())
}

func TestProcessIterateIntermediateIteration(t *testing.T) {
	state := NewCommandState("test/topic", "next_operation", map[string]any{
		"operations": []any{
			map[string]any{"operation": "firmware_update"},
			map[string]any{"operation": "software_update"},
			map[string]any{"operation": "config_update"},
		},
		"@next": map[string]any{"index": 1, "item": map[string]any{"operation": "software_update"}},
	})

	newState, err := ProcessIterate(state, ".payload.operations", iterateHandlers())
	require.NoError(t, err)

	assert.Equal(t, "apply_operation", newState.Status)
	next, _ := newState.ExtractValue(`.payload.\@next`)
	assert.EqualValues(t, 2, next.Get("index").Int())
	assert.Equal(t, "config_update", next.Get("item.operation").String())
}

func TestProcessIterateFinalIteration(t *testing.T) {
	state := NewCommandState("test/topic", "next_operation", map[string]any{
		"operations": []any{
			map[string]any{"operation": "firmware_update"},
			map[string]any{"operation": "software_update"},
			map[string]any{"operation": "config_update"},
		},
		"@next": map[string]any{"index": 2, "item": map[string]any{"operation": "config_update"}},
	})

	newState, err := ProcessIterate(state, ".payload.operations", iterateHandlers())
	require.NoError(t, err)
	assert.Equal(t, "successful", newState.Status)
}

func TestProcessIterateIndexOutOfBounds(t *testing.T) {
	state := NewCommandState("test/topic", "next_operation", map[string]any{
		"operations": []any{
			map[string]any{"operation": "config_update"},
		},
		"@next": map[string]any{"index": 1},
	})

	_, err := ProcessIterate(state, ".payload.operations", iterateHandlers())
	require.Error(t, err)
	var outOfBounds *IndexOutOfBoundsError
	require.ErrorAs(t, err, &outOfBounds)
	assert.Equal(t, 1, outOfBounds.Index)
}

func TestProcessIterateEmptyArray(t *testing.T) {
	state := NewCommandState("test/topic", "next_operation", map[string]any{
		"operations": []any{},
	})

	newState, err := ProcessIterate(state, ".payload.operations", iterateHandlers())
	require.NoError(t, err)
	assert.Equal(t, "successful", newState.Status)
}

func TestProcessIterateTargetNotArray(t *testing.T) {
	state := NewCommandState("test/topic", "next_operation", map[string]any{
		"operations": map[string]any{},
	})

	_, err := ProcessIterate(state, ".payload.operations", iterateHandlers())
	require.Error(t, err)
}

func TestProcessIterateInvalidTarget(t *testing.T) {
	state := NewCommandState("test/topic", "next_operation", map[string]any{
		"operations": []any{},
	})

	_, err := ProcessIterate(state, ".bad.json.path", iterateHandlers())
	require.Error(t, err)
}

func TestProcessIterateSkipsMarkedEntries(t *testing.T) {
	state := NewCommandState("test/topic", "next_operation", map[string]any{
		"operations": []any{
			map[string]any{"operation": "firmware_update"},
			map[string]any{"operation": "software_update", "@skip": false},
			map[string]any{"operation": "skipped_update", "@skip": true},
			map[string]any{"operation": "config_update", "@skip": "bad_skip_value_type"},
		},
	})

	state, err := ProcessIterate(state, ".payload.operations", iterateHandlers())
	require.NoError(t, err)
	state, err = ProcessIterate(state, ".payload.operations", iterateHandlers())
	require.NoError(t, err)

	next, ok := state.ExtractValue(`.payload.\@next`)
	require.True(t, ok)
	assert.EqualValues(t, 1, next.Get("index").Int())
	assert.Equal(t, "software_update", next.Get("item.operation").String())

	state, err = ProcessIterate(state, ".payload.operations", iterateHandlers())
	require.NoError(t, err)
	next, ok = state.ExtractValue(`.payload.\@next`)
	require.True(t, ok)
	assert.EqualValues(t, 3, next.Get("index").Int())
	assert.Equal(t, "config_update", next.Get("item.operation").String())
}
