// Package awsiot reports operation status to AWS IoT Core by riding the
// bridge, mirroring the azure package: messages published on the local
// "aws" prefix are relayed to the thing-scoped reserved topics by the
// bridge rules defined here.
package awsiot

import (
	"encoding/json"
	"fmt"

	"github.com/thin-edge/tedge-agent-core/pkg/bridge"
)

// PublishFunc publishes one message on the local bus.
type PublishFunc func(topic string, qos byte, retained bool, payload []byte) error

// Reporter sends operation-status reports as thing messages.
type Reporter struct {
	TopicPrefix string // local bridge prefix, e.g. "aws"
	Publish     PublishFunc
}

// StatusReport is the JSON body of one status message.
type StatusReport struct {
	Operation string `json:"operation"`
	CmdID     string `json:"cmdId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// ReportStatus publishes one status report on the local prefix; the
// bridge forwards it under "thinedge/<thing>/td/...".
func (r *Reporter) ReportStatus(report StatusReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/td/%s/%s", r.TopicPrefix, report.Operation, report.CmdID)
	return r.Publish(topic, 1, false, payload)
}

// BridgeRules returns the rule set relaying the local prefix to the
// thing's topics: telemetry and command responses up, shadow and
// command requests down.
func BridgeRules(topicPrefix string, thingName string) (localToCloud []bridge.Rule, cloudToLocal []bridge.Rule, err error) {
	up, err := bridge.TryNewRule("td/#", topicPrefix+"/", fmt.Sprintf("thinedge/%s/", thingName))
	if err != nil {
		return nil, nil, err
	}
	shadowUp, err := bridge.TryNewRule("shadow/#", topicPrefix+"/", fmt.Sprintf("$aws/things/%s/", thingName))
	if err != nil {
		return nil, nil, err
	}
	down, err := bridge.TryNewRule("cmd/#", fmt.Sprintf("thinedge/%s/", thingName), topicPrefix+"/")
	if err != nil {
		return nil, nil, err
	}
	shadowDown, err := bridge.TryNewRule("shadow/#", fmt.Sprintf("$aws/things/%s/", thingName), topicPrefix+"/")
	if err != nil {
		return nil, nil, err
	}
	return []bridge.Rule{up, shadowUp}, []bridge.Rule{down, shadowDown}, nil
}
