// Package config is the typed configuration reader consumed by the
// agent's components: immutable views over viper-backed settings for
// cloud endpoints, paths, enabled capabilities, the http file-transfer
// service and timer defaults. Dynamic string keys (used by the CLI and
// by deprecation aliases) resolve through a declarative schema table
// rather than generated code.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/thin-edge/tedge-agent-core/pkg/tedge"
)

// Capability names gate which operations the operation handler reports
// to the cloud.
const (
	CapabilityLogUpload      = "log_upload"
	CapabilityConfigSnapshot = "config_snapshot"
	CapabilityConfigUpdate   = "config_update"
	CapabilityFirmwareUpdate = "firmware_update"
	CapabilityDeviceProfile  = "device_profile"
)

// Key is one entry of the schema table: a dotted settings path, its
// deprecated aliases, and whether `config set` may write it.
type Key struct {
	Path     string
	Aliases  []string
	Writable bool
	Default  any
	Doc      string
}

// schema is the static key table built once at init. Aliases map old
// dotted paths onto their current ones so existing deployments keep
// working across renames.
var schema = []Key{
	{Path: "agent.service_name", Writable: true, Default: "tedge-agent", Doc: "Local service name the agent registers itself under"},
	{Path: "agent.mqtt.topic_root", Aliases: []string{"mqtt.topic_root"}, Writable: true, Default: "te", Doc: "Root prefix of every local bus topic"},
	{Path: "agent.mqtt.device_topic_id", Aliases: []string{"mqtt.device_topic_id"}, Writable: true, Default: "device/main//", Doc: "Entity topic id of the main device"},
	{Path: "agent.mqtt.device_id", Writable: true, Default: "", Doc: "Cloud-visible external id of the main device"},
	{Path: "agent.mqtt.client.host", Aliases: []string{"mqtt.client.host"}, Writable: true, Default: "127.0.0.1", Doc: "Local MQTT broker host"},
	{Path: "agent.mqtt.client.port", Aliases: []string{"mqtt.client.port"}, Writable: true, Default: uint16(1883), Doc: "Local MQTT broker port"},
	{Path: "agent.client.key", Writable: true, Default: "", Doc: "Client private key for the local broker"},
	{Path: "agent.client.cert_file", Writable: true, Default: "", Doc: "Client certificate for the local broker"},
	{Path: "agent.client.ca_file", Writable: true, Default: "", Doc: "CA certificate for the local broker"},

	{Path: "agent.workflows.dir", Writable: true, Default: "/etc/tedge/operations", Doc: "Directory of workflow definition files"},
	{Path: "agent.operations.dir", Writable: true, Default: "/etc/tedge/operations/mapper", Doc: "Directory of per-cloud operation marker files"},
	{Path: "agent.state.dir", Writable: true, Default: "/var/tedge", Doc: "Agent state directory"},
	{Path: "agent.data.dir", Writable: true, Default: "/var/tedge/data", Doc: "Agent data directory"},
	{Path: "agent.log.file", Writable: true, Default: "", Doc: "Log file path; stderr when empty"},
	{Path: "agent.log.max_size_mb", Writable: true, Default: 10, Doc: "Rotate the log file after this many megabytes"},

	{Path: "agent.timers.script_timeout", Writable: true, Default: "300s", Doc: "Per-step workflow script timeout"},
	{Path: "agent.timers.restart_timeout", Writable: true, Default: "600s", Doc: "How long to wait for an agent restart barrier"},
	{Path: "agent.timers.download_timeout", Writable: true, Default: "1800s", Doc: "Timeout for a single artifact download"},

	{Path: "agent.capabilities.log_upload", Writable: true, Default: true, Doc: "Report log_upload commands to the cloud"},
	{Path: "agent.capabilities.config_snapshot", Writable: true, Default: true, Doc: "Report config_snapshot commands to the cloud"},
	{Path: "agent.capabilities.config_update", Writable: true, Default: true, Doc: "Report config_update commands to the cloud"},
	{Path: "agent.capabilities.firmware_update", Writable: true, Default: false, Doc: "Report firmware_update commands to the cloud"},
	{Path: "agent.capabilities.device_profile", Writable: true, Default: false, Doc: "Report device_profile commands to the cloud"},

	{Path: "agent.http.client.host", Writable: true, Default: "127.0.0.1", Doc: "HTTP file-transfer service host"},
	{Path: "agent.http.client.port", Writable: true, Default: uint16(8000), Doc: "HTTP file-transfer service port"},

	{Path: "c8y.proxy.client.host", Writable: true, Default: "127.0.0.1", Doc: "Local Cumulocity proxy host"},
	{Path: "c8y.proxy.client.port", Writable: true, Default: uint16(8001), Doc: "Local Cumulocity proxy port"},
	{Path: "c8y.url", Writable: true, Default: "", Doc: "Cumulocity tenant URL"},
	{Path: "c8y.bridge.topic_prefix", Writable: true, Default: "c8y", Doc: "Local topic prefix of the Cumulocity bridge"},
	{Path: "az.url", Writable: true, Default: "", Doc: "Azure IoT Hub hostname"},
	{Path: "az.bridge.topic_prefix", Writable: true, Default: "az", Doc: "Local topic prefix of the Azure bridge"},
	{Path: "aws.url", Writable: true, Default: "", Doc: "AWS IoT Core endpoint"},
	{Path: "aws.bridge.topic_prefix", Writable: true, Default: "aws", Doc: "Local topic prefix of the AWS bridge"},

	{Path: "bridge.mqtt.host", Writable: true, Default: "", Doc: "Cloud MQTT broker host; bridge disabled when empty"},
	{Path: "bridge.mqtt.port", Writable: true, Default: uint16(8883), Doc: "Cloud MQTT broker port"},
	{Path: "bridge.backlog", Writable: true, Default: 64, Doc: "Bounded per-direction forwarding backlog"},

	{Path: "log_level", Writable: true, Default: "info", Doc: "Log level: debug, info, warn, error"},
}

var byAlias map[string]string

func init() {
	byAlias = make(map[string]string, len(schema))
	for _, k := range schema {
		byAlias[k.Path] = k.Path
		for _, alias := range k.Aliases {
			byAlias[alias] = k.Path
		}
	}
}

// Keys returns the full schema table, sorted by declaration order.
func Keys() []Key {
	return schema
}

// Resolve maps a user-supplied (possibly deprecated) key name to its
// canonical path.
func Resolve(name string) (string, bool) {
	path, ok := byAlias[strings.TrimSpace(name)]
	return path, ok
}

// Config is the immutable typed view handed to components at startup.
// All getters read through viper so that file, environment and flag
// sources compose the usual way.
type Config struct{}

// New applies the schema table's defaults to viper and returns a reader.
func New() *Config {
	for _, k := range schema {
		viper.SetDefault(k.Path, k.Default)
	}
	return &Config{}
}

// Get reads a key (or alias) dynamically, for `config get`.
func (c *Config) Get(name string) (any, error) {
	path, ok := Resolve(name)
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %q", name)
	}
	return viper.Get(path), nil
}

// Set writes a key dynamically, for `config set`. Read-only keys are
// rejected.
func (c *Config) Set(name string, value string) error {
	path, ok := Resolve(name)
	if !ok {
		return fmt.Errorf("unknown configuration key: %q", name)
	}
	for _, k := range schema {
		if k.Path == path {
			if !k.Writable {
				return fmt.Errorf("configuration key is read-only: %q", name)
			}
			viper.Set(path, value)
			return nil
		}
	}
	return fmt.Errorf("unknown configuration key: %q", name)
}

func (c *Config) ServiceName() string { return viper.GetString("agent.service_name") }
func (c *Config) TopicRoot() string   { return viper.GetString("agent.mqtt.topic_root") }
func (c *Config) TopicID() string     { return viper.GetString("agent.mqtt.device_topic_id") }
func (c *Config) DeviceID() string    { return viper.GetString("agent.mqtt.device_id") }

func (c *Config) MQTTHost() string { return viper.GetString("agent.mqtt.client.host") }
func (c *Config) MQTTPort() uint16 {
	if v := viper.GetUint16("agent.mqtt.client.port"); v != 0 {
		return v
	}
	return 1883
}

func (c *Config) KeyFile() string  { return viper.GetString("agent.client.key") }
func (c *Config) CertFile() string { return viper.GetString("agent.client.cert_file") }
func (c *Config) CAFile() string   { return viper.GetString("agent.client.ca_file") }

func (c *Config) WorkflowsDir() string  { return viper.GetString("agent.workflows.dir") }
func (c *Config) OperationsDir() string { return viper.GetString("agent.operations.dir") }
func (c *Config) StateDir() string      { return viper.GetString("agent.state.dir") }
func (c *Config) DataDir() string       { return viper.GetString("agent.data.dir") }
func (c *Config) LogFile() string       { return viper.GetString("agent.log.file") }
func (c *Config) LogMaxSizeMB() int     { return viper.GetInt("agent.log.max_size_mb") }

func (c *Config) ScriptTimeout() time.Duration {
	return durationOr("agent.timers.script_timeout", 5*time.Minute)
}

func (c *Config) RestartTimeout() time.Duration {
	return durationOr("agent.timers.restart_timeout", 10*time.Minute)
}

func (c *Config) DownloadTimeout() time.Duration {
	return durationOr("agent.timers.download_timeout", 30*time.Minute)
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := viper.GetDuration(key); v > 0 {
		return v
	}
	return fallback
}

// Capabilities returns the enabled cloud-reportable operation names, in
// schema order.
func (c *Config) Capabilities() []string {
	all := []string{
		CapabilityLogUpload,
		CapabilityConfigSnapshot,
		CapabilityConfigUpdate,
		CapabilityFirmwareUpdate,
		CapabilityDeviceProfile,
	}
	enabled := make([]string, 0, len(all))
	for _, name := range all {
		if viper.GetBool("agent.capabilities." + name) {
			enabled = append(enabled, name)
		}
	}
	return enabled
}

// CapabilityEnabled reports whether a single capability flag is on.
func (c *Config) CapabilityEnabled(name string) bool {
	return viper.GetBool("agent.capabilities." + name)
}

func (c *Config) FileTransferHost() string { return viper.GetString("agent.http.client.host") }
func (c *Config) FileTransferPort() uint16 {
	if v := viper.GetUint16("agent.http.client.port"); v != 0 {
		return v
	}
	return 8000
}

func (c *Config) CumulocityHost() string { return viper.GetString("c8y.proxy.client.host") }
func (c *Config) CumulocityPort() uint16 {
	if v := viper.GetUint16("c8y.proxy.client.port"); v != 0 {
		return v
	}
	return 8001
}

func (c *Config) CumulocityURL() string { return viper.GetString("c8y.url") }
func (c *Config) AzureURL() string      { return viper.GetString("az.url") }
func (c *Config) AWSURL() string        { return viper.GetString("aws.url") }

func (c *Config) CumulocityBridgePrefix() string { return viper.GetString("c8y.bridge.topic_prefix") }
func (c *Config) AzureBridgePrefix() string      { return viper.GetString("az.bridge.topic_prefix") }
func (c *Config) AWSBridgePrefix() string        { return viper.GetString("aws.bridge.topic_prefix") }

func (c *Config) BridgeHost() string { return viper.GetString("bridge.mqtt.host") }
func (c *Config) BridgePort() uint16 {
	if v := viper.GetUint16("bridge.mqtt.port"); v != 0 {
		return v
	}
	return 8883
}
func (c *Config) BridgeBacklog() int { return viper.GetInt("bridge.backlog") }

// DeviceTarget returns the main device's tedge.Target.
func (c *Config) DeviceTarget() tedge.Target {
	return tedge.Target{
		RootPrefix:    c.TopicRoot(),
		TopicID:       c.TopicID(),
		CloudIdentity: c.DeviceID(),
	}
}
