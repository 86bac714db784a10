package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeoutShort = time.Second
	pollShort    = 10 * time.Millisecond
)

func TestHalfBridgeForwardAcksOnSuccess(t *testing.T) {
	source := newFakeClient()
	target := newFakeClient()
	h := NewHalfBridge("test", source, target, NewTopicConverter(mustRule(t, "#", "te/", "c8y/")), 1, 4)

	msg := newFakeMessage("te/device/main//", 1, true, []byte(`{"@type":"child-device"}`))
	h.forward(forwardJob{msg: msg, topic: msg.Topic()})

	assert.True(t, msg.wasAcked())
	require.Len(t, target.published, 1)
	assert.Equal(t, "c8y/device/main//", target.published[0].Topic)
	assert.Equal(t, byte(1), target.published[0].Qos)
	assert.True(t, target.published[0].Retained)
}

func TestHalfBridgeForwardWithholdsAckOnFailure(t *testing.T) {
	source := newFakeClient()
	target := newFakeClient()
	target.publishErr = assertError{}
	h := NewHalfBridge("test", source, target, NewTopicConverter(mustRule(t, "#", "te/", "c8y/")), 1, 4)

	msg := newFakeMessage("te/device/main//", 1, true, []byte(`{}`))
	h.forward(forwardJob{msg: msg, topic: msg.Topic()})

	assert.False(t, msgAckedNonBlocking(msg))
}

func TestHalfBridgeForwardDropsUnmatchedTopic(t *testing.T) {
	source := newFakeClient()
	target := newFakeClient()
	h := NewHalfBridge("test", source, target, NewTopicConverter(mustRule(t, "device/main//", "te/", "")), 1, 4)

	msg := newFakeMessage("te/device/other//", 1, true, []byte(`{}`))
	h.forward(forwardJob{msg: msg, topic: msg.Topic()})

	assert.True(t, msg.wasAcked())
	assert.Empty(t, target.published)
}

func TestHalfBridgeForwardCapsQoS(t *testing.T) {
	source := newFakeClient()
	target := newFakeClient()
	h := NewHalfBridge("test", source, target, NewTopicConverter(mustRule(t, "#", "te/", "c8y/")), 0, 4)

	msg := newFakeMessage("te/device/main//", 1, false, []byte(`{}`))
	h.forward(forwardJob{msg: msg, topic: msg.Topic()})

	require.Len(t, target.published, 1)
	assert.Equal(t, byte(0), target.published[0].Qos)
	assert.True(t, msg.wasAcked())
}

func TestHalfBridgeSubscribesConverterFilters(t *testing.T) {
	source := newFakeClient()
	target := newFakeClient()
	h := NewHalfBridge("test", source, target, NewTopicConverter(mustRule(t, "#", "te/", "c8y/")), 1, 4)

	require.NoError(t, h.Start(context.Background()))
	source.deliver("te/#", newFakeMessage("te/device/main//", 1, true, []byte(`{}`)))

	assert.Eventually(t, func() bool { return len(target.publishedTopics()) == 1 }, timeoutShort, pollShort)
	h.Stop()
}

type assertError struct{}

func (assertError) Error() string { return "publish failed" }

func msgAckedNonBlocking(m *fakeMessage) bool {
	select {
	case <-m.acked:
		return true
	default:
		return false
	}
}

func TestHalfBridgeLoadAcksAllForwarded(t *testing.T) {
	source := newFakeClient()
	target := newFakeClient()
	h := NewHalfBridge("test", source, target, NewTopicConverter(mustRule(t, "#", "te/", "c8y/")), 1, 16)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	const total = 1000
	messages := make([]*fakeMessage, total)
	done := make(chan struct{})
	go func() {
		for i := range messages {
			messages[i] = newFakeMessage("te/device/main///m/temp", 1, false, []byte(`{"t":1}`))
			source.deliver("te/#", messages[i])
		}
		close(done)
	}()

	<-done
	assert.Eventually(t, func() bool { return len(target.publishedTopics()) == total }, 5*time.Second, pollShort)
	for _, msg := range messages {
		assert.True(t, msg.wasAcked())
	}
}

func TestHalfBridgeLoadNoTargetAckNoSourceAck(t *testing.T) {
	source := newFakeClient()
	target := newFakeClient()
	target.publishErr = assertError{}
	h := NewHalfBridge("test", source, target, NewTopicConverter(mustRule(t, "#", "te/", "c8y/")), 1, 16)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	messages := make([]*fakeMessage, 50)
	for i := range messages {
		messages[i] = newFakeMessage("te/device/main///m/temp", 1, false, []byte(`{"t":1}`))
		source.deliver("te/#", messages[i])
	}

	assert.Eventually(t, func() bool { return len(target.publishedTopics()) == len(messages) }, timeoutShort, pollShort)
	for _, msg := range messages {
		assert.False(t, msgAckedNonBlocking(msg))
	}
}
