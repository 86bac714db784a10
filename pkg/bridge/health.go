package bridge

import (
	"encoding/json"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// HealthPayload returns the retained bridge health body, matching the
// rest of the agent's "{"status":"up"|"down"}" convention
// (pkg/tedge.PayloadHealthStatus).
func HealthPayload(up bool) []byte {
	status := "down"
	if up {
		status = "up"
	}
	b, _ := json.Marshal(map[string]string{"status": status})
	return b
}

// PublishHealth publishes the bridge's retained health state on
// healthTopic via client, which must be the local-broker connection:
// bridge liveness is read locally, on every cloud connection state
// change ("up" on connect, "down" on connection lost). The local
// client's Last Will must be set to HealthPayload(false) at the same
// topic so a hard process death still surfaces as "down" without this
// function running.
func PublishHealth(client mqtt.Client, healthTopic string, up bool) {
	tok := client.Publish(healthTopic, 1, true, HealthPayload(up))
	tok.Wait()
	if err := tok.Error(); err != nil {
		slog.Warn("Failed to publish bridge health.", "topic", healthTopic, "err", err)
	}
}
