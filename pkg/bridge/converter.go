package bridge

// TopicConverter applies an ordered list of Rules to a topic: the first
// rule whose Match succeeds wins.
type TopicConverter struct {
	Rules []Rule
}

// NewTopicConverter builds a converter from an ordered rule list.
func NewTopicConverter(rules ...Rule) TopicConverter {
	return TopicConverter{Rules: rules}
}

// Convert returns the forwarded topic for topic under the first matching
// rule, or ok=false if no rule matches.
func (c TopicConverter) Convert(topic string) (forwarded string, ok bool) {
	for _, r := range c.Rules {
		if remainder, matched := r.Match(topic); matched {
			return r.Apply(remainder), true
		}
	}
	return "", false
}

// SubscriptionFilters returns the MQTT filters a half must subscribe to
// on its source client to receive every topic any rule in this converter
// could match.
func (c TopicConverter) SubscriptionFilters() []string {
	filters := make([]string, 0, len(c.Rules))
	seen := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		f := r.PrefixToStrip + r.Filter
		if seen[f] {
			continue
		}
		seen[f] = true
		filters = append(filters, f)
	}
	return filters
}
