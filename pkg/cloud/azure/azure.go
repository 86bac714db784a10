// Package azure reports operation status to Azure IoT Hub by riding the
// bridge: device-to-cloud messages are published on the local "az"
// prefix and relayed to the hub's events topic by the bridge rules this
// package defines. No separate hub connection or SDK is needed for this
// narrow slice of functionality.
package azure

import (
	"encoding/json"
	"fmt"

	"github.com/thin-edge/tedge-agent-core/pkg/bridge"
)

// PublishFunc publishes one message on the local bus.
type PublishFunc func(topic string, qos byte, retained bool, payload []byte) error

// Reporter sends operation-status reports as device-to-cloud messages.
type Reporter struct {
	TopicPrefix string // local bridge prefix, e.g. "az"
	Publish     PublishFunc
}

// StatusReport is the JSON body of one device-to-cloud status message.
type StatusReport struct {
	Operation string `json:"operation"`
	CmdID     string `json:"cmdId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// ReportStatus publishes one status report on the local events channel;
// the bridge forwards it to "devices/<device_id>/messages/events/".
func (r *Reporter) ReportStatus(report StatusReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return r.Publish(fmt.Sprintf("%s/messages/events/", r.TopicPrefix), 1, false, payload)
}

// BridgeRules returns the rule set relaying the local prefix to the
// hub's device-scoped topics: device-to-cloud events up, cloud-to-device
// messages down.
func BridgeRules(topicPrefix string, deviceID string) (localToCloud []bridge.Rule, cloudToLocal []bridge.Rule, err error) {
	up, err := bridge.TryNewRule("messages/events/#", topicPrefix+"/", fmt.Sprintf("devices/%s/", deviceID))
	if err != nil {
		return nil, nil, err
	}
	down, err := bridge.TryNewRule("messages/devicebound/#", fmt.Sprintf("devices/%s/", deviceID), topicPrefix+"/")
	if err != nil {
		return nil, nil, err
	}
	return []bridge.Rule{up}, []bridge.Rule{down}, nil
}
