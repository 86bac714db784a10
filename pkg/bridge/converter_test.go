package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRule(t *testing.T, filter, strip, prepend string) Rule {
	t.Helper()
	r, err := TryNewRule(filter, strip, prepend)
	require.NoError(t, err)
	return r
}

func TestConverterFirstMatchWins(t *testing.T) {
	c := NewTopicConverter(
		mustRule(t, "device/main/service/+/#", "", "c8y/s/us/"),
		mustRule(t, "#", "", "c8y/"),
	)

	topic, ok := c.Convert("device/main/service/app/m/temp")
	require.True(t, ok)
	assert.Equal(t, "c8y/s/us/device/main/service/app/m/temp", topic)
}

func TestConverterNoMatch(t *testing.T) {
	c := NewTopicConverter(mustRule(t, "device/main//", "te/", ""))
	_, ok := c.Convert("te/device/child//")
	assert.False(t, ok)
}

func TestConverterSubscriptionFiltersDeduped(t *testing.T) {
	c := NewTopicConverter(
		mustRule(t, "#", "te/", "c8y/"),
		mustRule(t, "#", "te/", "az/"),
	)
	assert.Equal(t, []string{"te/#"}, c.SubscriptionFilters())
}
