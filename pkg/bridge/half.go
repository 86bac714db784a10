package bridge

import (
	"context"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// forwardJob is one inbound message queued for relay to the peer
// endpoint. A single worker goroutine drains the queue so that publishes
// on Target are always serialised — required so that each target ack
// pairs unambiguously with the source message that produced it.
type forwardJob struct {
	msg   mqtt.Message
	topic string
}

// HalfBridge owns one direction of a bridge pair: a subscription on
// Source and the exclusive publishing handle on Target. Source must be
// configured with AutoAckDisabled(true) — a HalfBridge acks each source
// message itself, only once Target has confirmed the forwarded copy, so
// that an unacked message survives for redelivery after a crash or a
// failed forward: no ack is issued on the source broker before the
// target broker acks the transformed copy.
//
// An alternative design pairs an explicit outgoing-publish packet-id
// notification with a queued frame across a bounded duplex channel.
// paho's Go client exposes no such notification stream, but its
// publish Token already blocks until the broker's ack arrives, so a
// single worker goroutine processing one forwardJob at a time from a
// bounded channel gives the same pairing guarantee without needing to
// track pkids by hand: waiting on the Token before acking the source
// message IS the pairing.
type HalfBridge struct {
	Name      string
	Source    mqtt.Client
	Target    mqtt.Client
	Converter TopicConverter
	QoS       byte

	jobs chan forwardJob
	done chan struct{}
}

// NewHalfBridge builds a half with a bounded backlog. A full backlog
// blocks onMessage, which is the back-pressure mechanism: a slow
// Target throttles how fast Source's messages get acked rather than
// letting either side run unbounded.
func NewHalfBridge(name string, source, target mqtt.Client, converter TopicConverter, qos byte, backlog int) *HalfBridge {
	return &HalfBridge{
		Name:      name,
		Source:    source,
		Target:    target,
		Converter: converter,
		QoS:       qos,
		jobs:      make(chan forwardJob, backlog),
		done:      make(chan struct{}),
	}
}

// Start subscribes on Source for every filter the converter covers and
// launches the worker goroutine that serialises publishes to Target.
func (h *HalfBridge) Start(ctx context.Context) error {
	go h.worker(ctx)

	for _, filter := range h.Converter.SubscriptionFilters() {
		tok := h.Source.Subscribe(filter, h.QoS, h.onMessage)
		tok.Wait()
		if err := tok.Error(); err != nil {
			return fmt.Errorf("bridge half %s: subscribe %q: %w", h.Name, filter, err)
		}
	}
	return nil
}

func (h *HalfBridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case h.jobs <- forwardJob{msg: msg, topic: msg.Topic()}:
	case <-h.done:
	}
}

func (h *HalfBridge) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case job := <-h.jobs:
			h.forward(job)
		}
	}
}

// forward converts and republishes one message, acking Source only once
// Target has confirmed it (or immediately for QoS0, which carries no
// ack bookkeeping).
func (h *HalfBridge) forward(job forwardJob) {
	topic, ok := h.Converter.Convert(job.topic)
	if !ok {
		// The subscription filters are derived from this same converter,
		// so a non-match here means an overlapping wildcard slipped a
		// topic past the filter the rule itself would reject. Drop it
		// rather than retry forever.
		slog.Warn("Bridge half received message matching no rule; dropping.", "half", h.Name, "topic", job.topic)
		job.msg.Ack()
		return
	}

	qos := job.msg.Qos()
	if qos > h.QoS {
		qos = h.QoS
	}

	if qos == 0 {
		h.Target.Publish(topic, 0, job.msg.Retained(), job.msg.Payload())
		job.msg.Ack()
		return
	}

	tok := h.Target.Publish(topic, qos, job.msg.Retained(), job.msg.Payload())
	tok.Wait()
	if err := tok.Error(); err != nil {
		slog.Error("Bridge half failed to forward message; source ack withheld for redelivery.",
			"half", h.Name, "topic", topic, "err", err)
		return
	}
	job.msg.Ack()
}

// Stop halts the worker goroutine. Callers unsubscribe/disconnect Source
// separately.
func (h *HalfBridge) Stop() {
	close(h.done)
}
