// Package entitystore implements the authoritative directory of entities
// addressable on the local thin-edge.io bus: a registry with
// parent/child ordering guarantees, pending-entity
// buffering for MQTT registrations whose parent is not yet known, and
// cascading deletion that clears every retained message belonging to a
// removed subtree.
package entitystore

import "github.com/thin-edge/tedge-agent-core/pkg/tedge"

// EntityType is one of the three kinds a registration may declare.
type EntityType string

const (
	MainDevice  EntityType = "main-device"
	ChildDevice EntityType = "child-device"
	Service     EntityType = "service"
)

// Entity is one registered record in the directory.
type Entity struct {
	TopicID    string
	Type       EntityType
	Parent     string // topic id of the parent, empty for the main device
	ExternalID string
	Health     string // optional topic id of a health-reporting service
	Twin       map[string]any

	// channels tracks every retained sub-channel topic observed for this
	// entity (twin fragments, alarms, commands, ...) so cascade deletion
	// knows exactly which retained messages to clear.
	channels map[string]struct{}
}

func newEntity(topicID string, reg Registration) *Entity {
	twin := map[string]any{}
	for k, v := range reg.Fragments {
		twin[k] = v
	}
	return &Entity{
		TopicID:    topicID,
		Type:       reg.Type,
		Parent:     reg.Parent,
		ExternalID: reg.ExternalID,
		Health:     reg.Health,
		Twin:       twin,
		channels:   map[string]struct{}{},
	}
}

// Registration is the intake record for Create/OnMQTTMessage: the parsed
// form of the JSON payload retained on an entity root topic.
type Registration struct {
	TopicID    string
	Type       EntityType
	Parent     string
	ExternalID string
	Health     string
	Fragments  map[string]any
}

// Target returns the tedge.Target this entity's topic id addresses.
func (e *Entity) Target(root string) tedge.Target {
	return tedge.NewTarget(root, e.TopicID)
}

func (e *Entity) trackChannel(channel string) {
	if e.channels == nil {
		e.channels = map[string]struct{}{}
	}
	e.channels[channel] = struct{}{}
}

// Channels returns every retained sub-channel topic suffix observed for
// this entity, in no particular order; cascade deletion sorts and clears
// them before the entity root topic.
func (e *Entity) Channels() []string {
	out := make([]string, 0, len(e.channels))
	for c := range e.channels {
		out = append(out, c)
	}
	return out
}
