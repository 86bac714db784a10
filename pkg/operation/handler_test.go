package operation

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTopic = "te/device/main///cmd/log_upload/c8y-mapper-1234"

func newTestHandler(task TaskFunc) *Handler {
	return NewHandler("te", []string{"log_upload", "config_snapshot"}, "c8y-mapper", task)
}

func TestHandlerDeduplicatesSameStatus(t *testing.T) {
	var calls atomic.Int32
	h := newTestHandler(func(ctx context.Context, ev Event) error {
		calls.Add(1)
		return nil
	})
	defer h.Stop()

	payload := []byte(`{"status":"executing"}`)
	h.HandleMessage(testTopic, payload)
	h.HandleMessage(testTopic, payload)
	h.HandleMessage(testTopic, payload)

	h.HandleMessage(testTopic, nil)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHandlerTerminalStatusDoesNotTransition(t *testing.T) {
	var statuses []string
	var mu sync.Mutex
	h := newTestHandler(func(ctx context.Context, ev Event) error {
		mu.Lock()
		statuses = append(statuses, ev.Status)
		mu.Unlock()
		return nil
	})
	defer h.Stop()

	h.HandleMessage(testTopic, []byte(`{"status":"executing"}`))
	h.HandleMessage(testTopic, []byte(`{"status":"successful"}`))
	h.HandleMessage(testTopic, []byte(`{"status":"executing"}`))

	status, ok := h.RunningStatus(testTopic)
	require.True(t, ok)
	assert.Equal(t, "successful", status)

	h.HandleMessage(testTopic, nil)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"executing", "successful"}, statuses)
}

func TestHandlerClearingJoinsTaskBeforeRemoving(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	h := newTestHandler(func(ctx context.Context, ev Event) error {
		<-release
		finished.Store(true)
		return nil
	})
	defer h.Stop()

	h.HandleMessage(testTopic, []byte(`{"status":"executing"}`))
	_, ok := h.RunningStatus(testTopic)
	require.True(t, ok)

	cleared := make(chan struct{})
	go func() {
		h.HandleMessage(testTopic, nil)
		close(cleared)
	}()

	select {
	case <-cleared:
		t.Fatal("clearing returned before the background task was joined")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-cleared:
	case <-time.After(time.Second):
		t.Fatal("clearing did not complete")
	}
	assert.True(t, finished.Load())
	_, ok = h.RunningStatus(testTopic)
	assert.False(t, ok)
}

func TestHandlerPanicSurfacesOnNextMessage(t *testing.T) {
	h := newTestHandler(func(ctx context.Context, ev Event) error {
		panic("task exploded")
	})
	defer h.Stop()

	h.HandleMessage(testTopic, []byte(`{"status":"executing"}`))
	// Let the background task die before the next message arrives.
	time.Sleep(50 * time.Millisecond)

	assert.PanicsWithValue(t, "task exploded", func() {
		h.HandleMessage(testTopic, []byte(`{"status":"scheduled"}`))
	})
}

func TestHandlerIgnoresForeignAndSubCommands(t *testing.T) {
	var calls atomic.Int32
	h := newTestHandler(func(ctx context.Context, ev Event) error {
		calls.Add(1)
		return nil
	})
	defer h.Stop()

	h.HandleMessage("te/device/main///cmd/log_upload/sub:abc", []byte(`{"status":"executing"}`))
	h.HandleMessage("te/device/main///cmd/log_upload/other-mapper-1", []byte(`{"status":"executing"}`))
	h.HandleMessage("te/device/main///cmd/software_update/c8y-mapper-2", []byte(`{"status":"executing"}`))
	h.HandleMessage("te/device/main///cmd/log_upload", []byte(`{}`))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestHandlerClearsTerminalCommands(t *testing.T) {
	var clearedTopics []string
	var mu sync.Mutex
	h := newTestHandler(func(ctx context.Context, ev Event) error { return nil })
	h.ClearRetained = func(topic string) error {
		mu.Lock()
		clearedTopics = append(clearedTopics, topic)
		mu.Unlock()
		return nil
	}
	defer h.Stop()

	h.HandleMessage(testTopic, []byte(`{"status":"executing"}`))
	h.HandleMessage(testTopic, []byte(`{"status":"successful"}`))
	h.HandleMessage(testTopic, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{testTopic}, clearedTopics)
}

func TestIsStatusTransitionValid(t *testing.T) {
	assert.False(t, IsStatusTransitionValid("executing", "executing"))
	assert.False(t, IsStatusTransitionValid("successful", "executing"))
	assert.False(t, IsStatusTransitionValid("failed", "init"))
	assert.True(t, IsStatusTransitionValid("executing", "successful"))
	assert.True(t, IsStatusTransitionValid("init", "executing"))
	assert.False(t, IsStatusTransitionValid("successful", "init"))
}

func TestSyncMarkers(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, SyncMarkers(dir, "c8y", "edge001", []string{"log_upload", "restart"}))
	assert.FileExists(t, filepath.Join(dir, "c8y", "edge001", "c8y_LogfileRequest"))
	assert.FileExists(t, filepath.Join(dir, "c8y", "edge001", "c8y_Restart"))

	require.NoError(t, SyncMarkers(dir, "c8y", "edge001", []string{"restart"}))
	_, err := os.Stat(filepath.Join(dir, "c8y", "edge001", "c8y_LogfileRequest"))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, filepath.Join(dir, "c8y", "edge001", "c8y_Restart"))
}
