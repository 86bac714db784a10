// Package bridge implements the local↔cloud MQTT bridge half-pair:
// topic rewrite rules, the paired half-bridge event loops
// that preserve end-to-end at-least-once delivery, and the retained
// health/LWT publication one half owns.
package bridge

import (
	"fmt"
	"strings"
)

// Rule is one topic rewrite directive: a triple (filter, prefix to
// strip, prefix to prepend). Both prefixes must be empty or end with
// "/"; neither may contain an MQTT wildcard.
type Rule struct {
	Filter          string
	PrefixToStrip   string
	PrefixToPrepend string
}

// TryNewRule validates a rule before it is allowed into a
// TopicConverter.
func TryNewRule(filter, prefixToStrip, prefixToPrepend string) (Rule, error) {
	if err := validPrefix(prefixToStrip); err != nil {
		return Rule{}, fmt.Errorf("prefix_to_strip: %w", err)
	}
	if err := validPrefix(prefixToPrepend); err != nil {
		return Rule{}, fmt.Errorf("prefix_to_prepend: %w", err)
	}
	if filter == "" {
		return Rule{}, fmt.Errorf("filter must not be empty")
	}
	return Rule{Filter: filter, PrefixToStrip: prefixToStrip, PrefixToPrepend: prefixToPrepend}, nil
}

func validPrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	if !strings.HasSuffix(prefix, "/") {
		return fmt.Errorf("non-empty prefix must end with \"/\": %q", prefix)
	}
	if strings.ContainsAny(prefix, "+#") {
		return fmt.Errorf("prefix must not contain a wildcard: %q", prefix)
	}
	return nil
}

// Match reports whether topic matches the rule: after stripping
// PrefixToStrip, the remainder matches Filter. ok is false if topic does
// not carry PrefixToStrip at all.
func (r Rule) Match(topic string) (remainder string, ok bool) {
	if r.PrefixToStrip != "" {
		if !strings.HasPrefix(topic, r.PrefixToStrip) {
			return "", false
		}
		topic = strings.TrimPrefix(topic, r.PrefixToStrip)
	}
	if !topicMatchesFilter(r.Filter, topic) {
		return "", false
	}
	return topic, true
}

// Apply rewrites topic per this rule, assuming Match already succeeded:
// the forwarded topic is PrefixToPrepend + remainder.
func (r Rule) Apply(remainder string) string {
	return r.PrefixToPrepend + remainder
}

// topicMatchesFilter implements MQTT topic-filter matching ("+" matches
// one level, "#" matches the rest), the same semantics paho's
// client-side subscription matching uses, reimplemented here because the
// bridge needs to test a filter against a string without an active
// subscription.
func topicMatchesFilter(filter, topic string) bool {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, fp := range filterParts {
		if fp == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}

// ValidFilter reports whether filter is a structurally valid MQTT topic
// filter: "#" only as the last level, "+" only as a whole level.
func ValidFilter(filter string) bool {
	parts := strings.Split(filter, "/")
	for i, p := range parts {
		if strings.Contains(p, "#") && (p != "#" || i != len(parts)-1) {
			return false
		}
		if strings.Contains(p, "+") && p != "+" {
			return false
		}
	}
	return true
}

// ValidTopic reports whether topic is a structurally valid (non-filter)
// MQTT topic: no wildcard characters at all.
func ValidTopic(topic string) bool {
	return !strings.ContainsAny(topic, "+#")
}
