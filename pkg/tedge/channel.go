package tedge

import "strings"

// ChannelKind identifies the suffix segment of a local bus topic.
type ChannelKind string

const (
	ChannelEntityMetadata   ChannelKind = ""
	ChannelCommandMetadata  ChannelKind = "cmd"
	ChannelCommand          ChannelKind = "cmd_instance"
	ChannelTwin             ChannelKind = "twin"
	ChannelMeasurement      ChannelKind = "m"
	ChannelEvent            ChannelKind = "e"
	ChannelAlarm            ChannelKind = "a"
	ChannelHealth           ChannelKind = "status/health"
)

// Channel is the parsed suffix of a local-bus topic after the entity id.
type Channel struct {
	Kind      ChannelKind
	Type      string // twin name, measurement/event/alarm type
	Operation string // cmd operation name
	CmdID     string // cmd instance id, empty for capability messages
}

// ParseChannel splits the remainder of a topic (after root + entity id)
// into a structured Channel. An empty remainder is entity metadata.
func ParseChannel(remainder string) Channel {
	remainder = strings.TrimPrefix(remainder, "/")
	if remainder == "" {
		return Channel{Kind: ChannelEntityMetadata}
	}
	if remainder == "status/health" {
		return Channel{Kind: ChannelHealth}
	}
	parts := strings.Split(remainder, "/")
	switch parts[0] {
	case "cmd":
		switch len(parts) {
		case 2:
			return Channel{Kind: ChannelCommandMetadata, Operation: parts[1]}
		case 3:
			return Channel{Kind: ChannelCommand, Operation: parts[1], CmdID: parts[2]}
		}
	case "twin":
		if len(parts) == 2 {
			return Channel{Kind: ChannelTwin, Type: parts[1]}
		}
	case "m":
		if len(parts) == 2 {
			return Channel{Kind: ChannelMeasurement, Type: parts[1]}
		}
	case "e":
		if len(parts) == 2 {
			return Channel{Kind: ChannelEvent, Type: parts[1]}
		}
	case "a":
		if len(parts) == 2 {
			return Channel{Kind: ChannelAlarm, Type: parts[1]}
		}
	}
	return Channel{Kind: ChannelKind(remainder)}
}

// EntityAndChannel splits a full local-bus topic into its entity Target
// and parsed Channel, given the configured root prefix.
func EntityAndChannel(root string, topic string) (*Target, Channel, bool) {
	prefix := root + "/"
	if !strings.HasPrefix(topic, prefix) {
		return nil, Channel{}, false
	}
	rest := strings.TrimPrefix(topic, prefix)
	parts := strings.SplitN(rest, "/", 5)
	if len(parts) < 4 || parts[0] != "device" || (parts[2] != "service" && parts[2] != "") {
		return nil, Channel{}, false
	}
	topicID := strings.Join(parts[0:4], "/")
	target := Target{RootPrefix: root, TopicID: topicID}
	remainder := ""
	if len(parts) == 5 {
		remainder = parts[4]
	}
	return &target, ParseChannel(remainder), true
}
