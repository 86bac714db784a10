package entitystore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/thin-edge/tedge-agent-core/pkg/tedge"
)

// PublishFunc is the local-bus publish hook the store uses for the two
// side effects it owns: the retained registration message an
// auto-registered entity gets, and the retained empty-payload clears a
// cascade Delete produces.
type PublishFunc func(topic string, qos byte, retained bool, payload []byte) error

// Options configures optional store behaviour set once at construction.
type Options struct {
	// Publish, if set, lets the store emit auto-registration and
	// cascade-clear messages itself.
	// A nil Publish makes OnMQTTMessage/Delete pure bookkeeping, useful
	// in tests that only assert on the returned entity lists.
	Publish PublishFunc
	// AutoRegister enables synthesizing a registration for an unknown
	// entity observed on a non-registration channel. NewStore turns it
	// on; left unset in Options it is off.
	AutoRegister bool
}

// NewStoreWithOptions starts a store with the given root prefix and
// options. NewStore is the zero-option convenience constructor
// (no publishing, auto-registration on).
func NewStoreWithOptions(rootPrefix string, opts Options) *Store {
	s := NewStore(rootPrefix)
	s.publish = opts.Publish
	s.autoRegister = opts.AutoRegister
	return s
}

// OnMQTTMessage handles one message observed on the local bus: entity
// registration/deregistration, twin fragment updates, and — for any
// other channel — auto-registration of a previously unknown entity.
// InvalidRegistrationError results are logged and dropped rather than
// returned to a caller that has no one-way channel to report them to;
// OnMQTTMessage itself never
// returns an error for a structurally valid but semantically rejected
// message (e.g. a conflicting re-registration), it only logs.
func (s *Store) OnMQTTMessage(topic string, payload []byte, retained bool) {
	target, channel, ok := tedge.EntityAndChannel(s.root, topic)
	if !ok {
		slog.Warn("Dropping message on unparseable topic.", "topic", topic, "err", (&InvalidRegistrationError{Reason: "malformed topic"}).Error())
		return
	}

	switch channel.Kind {
	case tedge.ChannelEntityMetadata:
		if len(payload) == 0 {
			s.handleDelete(target.TopicID)
			return
		}
		s.handleRegistration(target.TopicID, payload)
	case tedge.ChannelTwin:
		s.handleTwin(target.TopicID, channel.Type, payload, retained)
	default:
		s.handleOther(target.TopicID, channel, payload, retained)
	}
}

func (s *Store) handleRegistration(topicID string, payload []byte) {
	reg, err := parseRegistration(topicID, payload)
	if err != nil {
		slog.Warn("Dropping invalid registration.", "topic", topicID, "err", err)
		return
	}
	s.do(func(st *state) {
		createMQTT(st, *reg)
	})
}

func (s *Store) handleDelete(topicID string) {
	s.Delete(topicID)
}

// publishClears emits, for each removed entity in the given order, an
// empty retained message on every tracked channel and then on the entity
// root topic.
func (s *Store) publishClears(removed []*Entity) {
	if s.publish == nil {
		return
	}
	for _, e := range removed {
		root := tedge.NewTarget(s.root, e.TopicID)
		channels := e.Channels()
		// Deterministic order: subchannels before the entity root, and
		// (by virtue of Delete's own bottom-up ordering) a descendant's
		// clears entirely precede its parent's.
		for _, c := range sortedChannels(channels) {
			_ = s.publish(tedge.GetTopic(root, strings.Split(c, "/")...), 1, true, nil)
		}
		_ = s.publish(tedge.GetTopicRegistration(root), 1, true, nil)
	}
}

func sortedChannels(channels []string) []string {
	out := append([]string(nil), channels...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (s *Store) handleTwin(topicID string, name string, payload []byte, retained bool) {
	s.ensureRegistered(topicID)
	if len(payload) == 0 {
		return
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		value = string(payload)
	}
	_ = s.SetTwinFragments(topicID, map[string]any{name: value})
}

func (s *Store) handleOther(topicID string, channel tedge.Channel, payload []byte, retained bool) {
	s.ensureRegistered(topicID)
	if retained {
		s.TrackChannel(topicID, channelPath(channel))
	}
}

func channelPath(c tedge.Channel) string {
	switch c.Kind {
	case tedge.ChannelCommandMetadata:
		return fmt.Sprintf("cmd/%s", c.Operation)
	case tedge.ChannelCommand:
		return fmt.Sprintf("cmd/%s/%s", c.Operation, c.CmdID)
	case tedge.ChannelTwin:
		return fmt.Sprintf("twin/%s", c.Type)
	case tedge.ChannelAlarm:
		return fmt.Sprintf("a/%s", c.Type)
	case tedge.ChannelHealth:
		return "status/health"
	default:
		return string(c.Kind)
	}
}

// ensureRegistered auto-registers topicID if it is unknown (and not
// already pending) and auto-registration is enabled.
func (s *Store) ensureRegistered(topicID string) {
	if !s.autoRegister {
		return
	}
	var known bool
	s.do(func(st *state) {
		_, known = st.entities[topicID]
	})
	if known {
		return
	}

	reg, ok := s.synthesizeRegistration(topicID)
	if !ok {
		return
	}
	// A service's own device is auto-registered first, so that the
	// service is not left pending on an unknown parent.
	if reg.Type == Service && reg.Parent != "device/main//" {
		s.ensureRegistered(reg.Parent)
	}

	var registered []*Entity
	s.do(func(st *state) {
		if _, known := st.entities[topicID]; known {
			return
		}
		if _, isPending := st.pendingSet[topicID]; isPending {
			return
		}
		registered = createMQTT(st, *reg)
	})

	if s.publish == nil || len(registered) == 0 {
		return
	}
	for _, e := range registered {
		if e.TopicID != topicID {
			continue
		}
		payload, err := json.Marshal(registrationPayload(e))
		if err != nil {
			continue
		}
		root := tedge.NewTarget(s.root, e.TopicID)
		_ = s.publish(tedge.GetTopicRegistration(root), 1, true, payload)
	}
}

// synthesizeRegistration builds the default registration for an unknown
// entity observed on a data channel: a child-device when the service
// segment is empty, a service otherwise, parented to the main device or
// to the entity's own device segment.
func (s *Store) synthesizeRegistration(topicID string) (*Registration, bool) {
	segs := strings.Split(topicID, "/")
	if len(segs) != 4 || segs[0] != "device" || (segs[2] != "service" && segs[2] != "") {
		return nil, false
	}
	device, service := segs[1], segs[3]

	mainExtID := s.MainDeviceExternalID()

	if service == "" {
		return &Registration{
			TopicID:    topicID,
			Type:       ChildDevice,
			Parent:     "device/main//",
			ExternalID: defaultExternalID(mainExtID, ChildDevice, topicID),
		}, true
	}

	parent := fmt.Sprintf("device/%s//", device)
	return &Registration{
		TopicID:    topicID,
		Type:       Service,
		Parent:     parent,
		ExternalID: defaultExternalID(mainExtID, Service, topicID),
	}, true
}

func registrationPayload(e *Entity) map[string]any {
	payload := map[string]any{"@type": string(e.Type)}
	if e.Parent != "" {
		payload["@parent"] = e.Parent
	}
	if e.ExternalID != "" {
		payload["@id"] = e.ExternalID
	}
	if e.Health != "" {
		payload["@health"] = e.Health
	}
	for k, v := range e.Twin {
		payload[k] = v
	}
	return payload
}

// parseRegistration decodes a retained registration payload into a
// Registration. "@type" defaults to ChildDevice for a bare
// "device/<x>//" topic id and to Service otherwise, mirroring
// auto-registration's own default rule, so an explicit "@type" is only
// needed to override it.
func parseRegistration(topicID string, payload []byte) (*Registration, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, &InvalidRegistrationError{Reason: err.Error()}
	}

	reg := &Registration{TopicID: topicID, Fragments: map[string]any{}}
	for k, v := range doc {
		switch k {
		case "@type":
			s, _ := v.(string)
			reg.Type = EntityType(s)
		case "@parent":
			s, _ := v.(string)
			reg.Parent = s
		case "@id":
			s, _ := v.(string)
			reg.ExternalID = s
		case "@health":
			s, _ := v.(string)
			reg.Health = s
		default:
			reg.Fragments[k] = v
		}
	}

	if reg.Type == "" {
		segs := strings.Split(topicID, "/")
		if len(segs) == 4 && segs[3] == "" {
			if topicID == "device/main//" {
				reg.Type = MainDevice
			} else {
				reg.Type = ChildDevice
			}
		} else {
			reg.Type = Service
		}
	}

	return reg, nil
}
