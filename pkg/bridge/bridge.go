package bridge

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config describes one bridge pair: the rule sets governing each
// direction and the QoS ceiling applied to forwarded messages.
type Config struct {
	LocalToCloud []Rule
	CloudToLocal []Rule
	QoS          byte
	Backlog      int
}

// Bridge is a pair of HalfBridges relaying messages in both directions
// between a local and a cloud MQTT client.
type Bridge struct {
	LocalToCloud *HalfBridge
	CloudToLocal *HalfBridge
}

// New builds a Bridge. local must have AutoAckDisabled(true) so the
// local-to-cloud half can withhold acks on forward failure, and
// conversely for cloud.
func New(local, cloud mqtt.Client, cfg Config) *Bridge {
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = 64
	}
	return &Bridge{
		LocalToCloud: NewHalfBridge("local->cloud", local, cloud, NewTopicConverter(cfg.LocalToCloud...), cfg.QoS, backlog),
		CloudToLocal: NewHalfBridge("cloud->local", cloud, local, NewTopicConverter(cfg.CloudToLocal...), cfg.QoS, backlog),
	}
}

// Start starts both halves. If either fails to subscribe, the other is
// stopped before the error is returned.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.LocalToCloud.Start(ctx); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	if err := b.CloudToLocal.Start(ctx); err != nil {
		b.LocalToCloud.Stop()
		return fmt.Errorf("bridge: %w", err)
	}
	return nil
}

// Stop halts both halves' worker goroutines.
func (b *Bridge) Stop() {
	b.LocalToCloud.Stop()
	b.CloudToLocal.Stop()
}
