// Package operation implements the cloud-side operation supervisor: it
// observes command-state messages for the operations that must also be
// reported to the cloud and drives their cloud-visible lifecycle
// (SmartREST notifications, staged-blob uploads, event creation), one
// background task per command at a time.
package operation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/thin-edge/tedge-agent-core/pkg/tedge"
)

// SubCommandPrefix marks command ids spawned by the workflow engine for
// nested operations; the supervisor never reports those to the cloud.
const SubCommandPrefix = "sub:"

// Event is one observed command-state change handed to the background
// task.
type Event struct {
	Target    tedge.Target
	Operation string
	CmdID     string
	Topic     string
	Status    string
	Payload   []byte
}

// Reason extracts the failure reason out of the command payload.
func (e Event) Reason() string {
	return gjson.GetBytes(e.Payload, "reason").String()
}

// TaskFunc performs the cloud-visible work for one command status. It
// runs on its own goroutine; errors are logged by the supervisor, and a
// panic is surfaced on the next message for the same topic.
type TaskFunc func(ctx context.Context, ev Event) error

// joinHandle joins a finished background task, re-raising any panic the
// task died with so a crashed task is never silently swallowed.
type joinHandle struct {
	done     chan struct{}
	panicVal any
	err      error
}

func spawn(ctx context.Context, wg *sync.WaitGroup, fn func(ctx context.Context) error) *joinHandle {
	h := &joinHandle{done: make(chan struct{})}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.panicVal = r
			}
		}()
		h.err = fn(ctx)
	}()
	return h
}

func (h *joinHandle) join() error {
	<-h.done
	if h.panicVal != nil {
		panic(h.panicVal)
	}
	return h.err
}

// RunningOperation is the supervisor's record for one active command:
// the join handle of its processing task and the last observed status.
type RunningOperation struct {
	handle *joinHandle
	status string
}

// Handler supervises one background task per (entity, operation,
// cmd_id), keyed by the full command topic.
type Handler struct {
	Root string

	// Capabilities whitelists the operations reported to the cloud.
	Capabilities map[string]bool

	// Fingerprint is the command-id generator prefix this instance owns.
	// Command ids not carrying it belong to another handler instance on
	// the same broker and are ignored.
	Fingerprint string

	// Task performs the cloud-visible work for each status.
	Task TaskFunc

	// ClearRetained, if set, clears the retained command topic after a
	// terminal status has been reported, releasing the broker-side
	// record of the finished command.
	ClearRetained func(topic string) error

	// GraceWindow bounds how long Stop waits for surviving tasks.
	GraceWindow time.Duration

	mu      sync.Mutex
	running map[string]*RunningOperation
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHandler builds a supervisor for the given enabled operations.
func NewHandler(root string, capabilities []string, fingerprint string, task TaskFunc) *Handler {
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		Root:         root,
		Capabilities: caps,
		Fingerprint:  fingerprint,
		Task:         task,
		GraceWindow:  10 * time.Second,
		running:      map[string]*RunningOperation{},
		ctx:          ctx,
		cancel:       cancel,
	}
}

// NewCommandID mints a command id carrying this handler's fingerprint.
func (h *Handler) NewCommandID(unique string) string {
	return h.Fingerprint + "-" + unique
}

// ownsCommandID reports whether a cmd id was minted by this handler
// instance's generator.
func (h *Handler) ownsCommandID(cmdID string) bool {
	if strings.HasPrefix(cmdID, SubCommandPrefix) {
		return false
	}
	if h.Fingerprint == "" {
		return true
	}
	return strings.HasPrefix(cmdID, h.Fingerprint+"-")
}

// HandleMessage processes one message observed on a command topic.
// Non-command channels, foreign command ids and disabled operations are
// ignored. A panic left behind by the previous background task on the
// same topic is re-raised here, on the next message, per the supervisor
// contract.
func (h *Handler) HandleMessage(topic string, payload []byte) {
	target, channel, ok := tedge.EntityAndChannel(h.Root, topic)
	if !ok || channel.Kind != tedge.ChannelCommand {
		return
	}
	if !h.Capabilities[channel.Operation] {
		return
	}
	if !h.ownsCommandID(channel.CmdID) {
		slog.Debug("Ignoring command not owned by this handler.", "topic", topic)
		return
	}

	if len(payload) == 0 {
		h.handleClearing(topic)
		return
	}

	status := gjson.GetBytes(payload, "status").String()
	ev := Event{
		Target:    *target,
		Operation: channel.Operation,
		CmdID:     channel.CmdID,
		Topic:     topic,
		Status:    status,
		Payload:   append([]byte(nil), payload...),
	}

	h.mu.Lock()
	record, exists := h.running[topic]
	if !exists {
		h.running[topic] = &RunningOperation{
			handle: h.spawnTask(ev),
			status: status,
		}
		h.mu.Unlock()
		return
	}

	if record.status == status {
		h.mu.Unlock()
		slog.Debug("Ignoring duplicate command status.", "topic", topic, "status", status)
		return
	}
	if !IsStatusTransitionValid(record.status, status) {
		h.mu.Unlock()
		slog.Warn("Ignoring invalid command status transition.", "topic", topic, "from", record.status, "to", status)
		return
	}
	previous := record.handle
	h.mu.Unlock()

	// Wait for the previous status's task before starting the next one,
	// so per-topic progress stays serialised. A panic in the previous
	// task surfaces here.
	if err := previous.join(); err != nil {
		slog.Warn("Previous operation task failed.", "topic", topic, "err", err)
	}

	h.mu.Lock()
	record.handle = h.spawnTask(ev)
	record.status = status
	h.mu.Unlock()
}

func (h *Handler) handleClearing(topic string) {
	h.mu.Lock()
	record, exists := h.running[topic]
	h.mu.Unlock()
	if !exists {
		return
	}
	// Join before removing the record, so the map never claims the
	// command is gone while its task is still running. The record is
	// removed even when join re-raises a task panic.
	defer func() {
		h.mu.Lock()
		delete(h.running, topic)
		h.mu.Unlock()
	}()
	if err := record.handle.join(); err != nil {
		slog.Warn("Operation task failed before clearing.", "topic", topic, "err", err)
	}
}

func (h *Handler) spawnTask(ev Event) *joinHandle {
	return spawn(h.ctx, &h.wg, func(ctx context.Context) error {
		err := h.Task(ctx, ev)
		if err != nil {
			slog.Warn("Operation task error.", "topic", ev.Topic, "status", ev.Status, "err", err)
		}
		if h.ClearRetained != nil && (ev.Status == "successful" || ev.Status == "failed") {
			if clearErr := h.ClearRetained(ev.Topic); clearErr != nil {
				slog.Warn("Failed to clear finished command.", "topic", ev.Topic, "err", clearErr)
			}
		}
		return err
	})
}

// RunningStatus returns the last observed status for topic, with ok
// false when no command is in flight there.
func (h *Handler) RunningStatus(topic string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	record, ok := h.running[topic]
	if !ok {
		return "", false
	}
	return record.status, true
}

// Stop cancels every background task and waits up to the grace window
// for them to exit; survivors are dropped.
func (h *Handler) Stop() {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(h.GraceWindow):
		slog.Warn("Operation tasks did not exit within the grace window; dropping.")
	}
}
