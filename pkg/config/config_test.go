package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	viper.Reset()
	cfg := New()

	assert.Equal(t, "te", cfg.TopicRoot())
	assert.Equal(t, "device/main//", cfg.TopicID())
	assert.Equal(t, "127.0.0.1", cfg.MQTTHost())
	assert.Equal(t, uint16(1883), cfg.MQTTPort())
	assert.Equal(t, uint16(8000), cfg.FileTransferPort())
	assert.Equal(t, uint16(8001), cfg.CumulocityPort())
	assert.Equal(t, 5*time.Minute, cfg.ScriptTimeout())
}

func TestAliasResolution(t *testing.T) {
	viper.Reset()
	cfg := New()

	require.NoError(t, cfg.Set("mqtt.topic_root", "factory"))
	assert.Equal(t, "factory", cfg.TopicRoot())

	v, err := cfg.Get("agent.mqtt.topic_root")
	require.NoError(t, err)
	assert.Equal(t, "factory", v)
}

func TestUnknownKey(t *testing.T) {
	viper.Reset()
	cfg := New()

	_, err := cfg.Get("no.such.key")
	assert.Error(t, err)
	assert.Error(t, cfg.Set("no.such.key", "x"))
}

func TestCapabilities(t *testing.T) {
	viper.Reset()
	cfg := New()

	caps := cfg.Capabilities()
	assert.Contains(t, caps, CapabilityLogUpload)
	assert.Contains(t, caps, CapabilityConfigSnapshot)
	assert.Contains(t, caps, CapabilityConfigUpdate)
	assert.NotContains(t, caps, CapabilityFirmwareUpdate)

	viper.Set("agent.capabilities.firmware_update", true)
	assert.True(t, cfg.CapabilityEnabled(CapabilityFirmwareUpdate))
	assert.Contains(t, cfg.Capabilities(), CapabilityFirmwareUpdate)
}

func TestDeviceTarget(t *testing.T) {
	viper.Reset()
	cfg := New()
	viper.Set("agent.mqtt.device_id", "edge001")

	target := cfg.DeviceTarget()
	assert.Equal(t, "te/device/main//", target.Topic())
	assert.Equal(t, "edge001", target.ExternalID())
}
