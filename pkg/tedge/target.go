package tedge

import (
	"fmt"
	"strings"
)

// Target identifies an entity on the thin-edge.io local MQTT bus: the
// five-segment topic id "device/<dev>/service/<svc>" under a configurable
// root prefix, plus the entity's cloud-visible external id once known.
type Target struct {
	RootPrefix    string
	TopicID       string
	CloudIdentity string
}

// NewTarget builds a Target for the given root prefix and topic id.
func NewTarget(rootPrefix string, topicID string) Target {
	return Target{RootPrefix: rootPrefix, TopicID: topicID}
}

// Topic returns the entity root topic, e.g. "te/device/main//".
func (t Target) Topic() string {
	return fmt.Sprintf("%s/%s", t.RootPrefix, t.TopicID)
}

// ExternalID returns the cloud-visible identifier of the entity.
func (t Target) ExternalID() string {
	return t.CloudIdentity
}

// IsMainDevice reports whether this target addresses "device/main//".
func (t Target) IsMainDevice() bool {
	return t.TopicID == "device/main//"
}

// Service returns the target of a service with the given name hosted by
// this entity, e.g. device/main/service/<name>.
func (t Target) Service(name string) *Target {
	dev := deviceSegment(t.TopicID)
	return &Target{
		RootPrefix: t.RootPrefix,
		TopicID:    fmt.Sprintf("device/%s/service/%s", dev, name),
	}
}

// Child returns the target of a child device of this entity.
func (t Target) Child(name string) *Target {
	return &Target{
		RootPrefix: t.RootPrefix,
		TopicID:    fmt.Sprintf("device/%s//", name),
	}
}

func deviceSegment(topicID string) string {
	parts := strings.Split(topicID, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return topicID
}

// NewTargetFromTopic parses a full topic (entity root or channel topic)
// back into a Target, discarding any channel suffix beyond the five-segment
// entity topic id.
func NewTargetFromTopic(topic string) (*Target, error) {
	parts := strings.SplitN(topic, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid topic structure: %q", topic)
	}
	root := parts[0]
	rest := strings.Split(parts[1], "/")
	if len(rest) < 4 || rest[0] != "device" || (rest[2] != "service" && rest[2] != "") {
		return nil, fmt.Errorf("invalid topic structure: %q", topic)
	}
	topicID := strings.Join(rest[0:4], "/")
	return &Target{RootPrefix: root, TopicID: topicID}, nil
}

// GetTopic returns the full topic for the given target and channel
// segments, e.g. GetTopic(target, "cmd", "software_update", "123").
func GetTopic(target Target, channel ...string) string {
	topic := target.Topic()
	if len(channel) == 0 {
		return topic
	}
	return topic + "/" + strings.Join(channel, "/")
}

// GetTopicRegistration returns the entity-root registration topic.
func GetTopicRegistration(target Target) string {
	return target.Topic()
}

// GetHealthTopic returns the retained service health topic.
func GetHealthTopic(target Target) string {
	return GetTopic(target, "status", "health")
}

// GetCommandTopic returns the retained command-state topic for an
// operation and command id: "<root>/<entity>/cmd/<op>/<cmd_id>".
func GetCommandTopic(target Target, op string, cmdID string) string {
	return GetTopic(target, "cmd", op, cmdID)
}

// GetCapabilityTopic returns the retained capability-announcement topic
// for an operation: "<root>/<entity>/cmd/<op>".
func GetCapabilityTopic(target Target, op string) string {
	return GetTopic(target, "cmd", op)
}

// GetTwinTopic returns the retained twin-fragment topic for a fragment name.
func GetTwinTopic(target Target, name string) string {
	return GetTopic(target, "twin", name)
}
