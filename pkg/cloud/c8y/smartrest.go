package c8y

import (
	"fmt"
	"strings"
)

// SmartREST static template ids for operation status transitions.
const (
	TemplateSetExecuting  = "501"
	TemplateSetFailed     = "502"
	TemplateSetSuccessful = "503"
)

// PublishFunc publishes one message on the local bus; the bridge relays
// the SmartREST topic prefix to the cloud broker's "s/us" channel.
type PublishFunc func(topic string, qos byte, retained bool, payload []byte) error

// Notifier sends SmartREST operation-status notifications over the
// local bridge prefix. Publishing locally and letting the bridge relay
// keeps at-least-once semantics in one place instead of opening a second
// cloud connection for notifications.
type Notifier struct {
	TopicPrefix    string // local bridge prefix, e.g. "c8y"
	MainExternalID string
	Publish        PublishFunc
}

// escapeField quotes a SmartREST CSV field if it contains a comma,
// quote or newline.
func escapeField(v string) string {
	if !strings.ContainsAny(v, ",\"\n") {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}

// topicFor returns the upstream SmartREST topic for externalID: the
// plain channel for the main device, the child-suffixed one otherwise.
func (n *Notifier) topicFor(externalID string) string {
	if externalID == "" || externalID == n.MainExternalID {
		return fmt.Sprintf("%s/s/us", n.TopicPrefix)
	}
	return fmt.Sprintf("%s/s/us/%s", n.TopicPrefix, externalID)
}

func (n *Notifier) send(externalID string, fields ...string) error {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = escapeField(f)
	}
	payload := strings.Join(escaped, ",")
	return n.Publish(n.topicFor(externalID), 1, false, []byte(payload))
}

// SetExecuting reports an operation as executing (SmartREST 501).
func (n *Notifier) SetExecuting(externalID string, fragment string) error {
	return n.send(externalID, TemplateSetExecuting, fragment)
}

// SetFailed reports an operation as failed with a reason (SmartREST 502).
func (n *Notifier) SetFailed(externalID string, fragment string, reason string) error {
	return n.send(externalID, TemplateSetFailed, fragment, reason)
}

// SetSuccessful reports an operation as successful (SmartREST 503),
// with optional trailing parameters (e.g. the uploaded binary's URL).
func (n *Notifier) SetSuccessful(externalID string, fragment string, params ...string) error {
	fields := append([]string{TemplateSetSuccessful, fragment}, params...)
	return n.send(externalID, fields...)
}

// OperationFragment maps a local operation name to the Cumulocity
// operation fragment named in SmartREST notifications and marker files.
func OperationFragment(operation string) string {
	switch operation {
	case "log_upload":
		return "c8y_LogfileRequest"
	case "config_snapshot":
		return "c8y_UploadConfigFile"
	case "config_update":
		return "c8y_DownloadConfigFile"
	case "firmware_update":
		return "c8y_Firmware"
	case "software_update":
		return "c8y_SoftwareUpdate"
	case "software_list":
		return "c8y_SoftwareList"
	case "restart":
		return "c8y_Restart"
	case "device_profile":
		return "c8y_DeviceProfile"
	default:
		return operation
	}
}
