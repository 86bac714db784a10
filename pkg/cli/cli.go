package cli

import (
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thin-edge/tedge-agent-core/pkg/app"
	"github.com/thin-edge/tedge-agent-core/pkg/config"
	"github.com/thin-edge/tedge-agent-core/pkg/tedge"
)

// SilentError marks an error already reported to the user, so Execute
// exits non-zero without logging it again.
type SilentError error

// Cli is the shared command context: config file handling plus the
// typed configuration reader every subcommand resolves its settings
// through.
type Cli struct {
	ConfigFile string
	Reader     *config.Config
}

func (c *Cli) OnInit() {
	if c.ConfigFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(c.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath("/etc/tedge")
		viper.AddConfigPath(home)
		viper.SetConfigType("toml")
		viper.SetConfigName("tedge-agent")
	}

	viper.SetEnvPrefix("TEDGE_AGENT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	c.Reader = config.New()

	if err := viper.ReadInConfig(); err == nil {
		slog.Info("Using config file", "path", viper.ConfigFileUsed())
	}
}

func (c *Cli) PrintConfig() {
	keys := viper.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		slog.Debug("setting", "item", key, "value", viper.Get(key))
	}
}

func (c *Cli) GetDeviceTarget() tedge.Target {
	return c.Reader.DeviceTarget()
}

// GetStringMap reads a nested string->string table (used for the
// config/log type-to-path tables).
func GetStringMap(key string) map[string]string {
	out := map[string]string{}
	for name, value := range viper.GetStringMapString(key) {
		out[name] = value
	}
	return out
}

// AppConfig assembles the application config out of the typed reader.
func (c *Cli) AppConfig() app.Config {
	r := c.Reader
	return app.Config{
		ServiceName: r.ServiceName(),

		MQTTHost: r.MQTTHost(),
		MQTTPort: r.MQTTPort(),

		CumulocityHost: r.CumulocityHost(),
		CumulocityPort: r.CumulocityPort(),

		FileTransferHost: r.FileTransferHost(),
		FileTransferPort: r.FileTransferPort(),

		WorkflowsDir:  r.WorkflowsDir(),
		OperationsDir: r.OperationsDir(),
		DataDir:       r.DataDir(),

		Capabilities:    r.Capabilities(),
		ScriptTimeout:   r.ScriptTimeout(),
		RestartTimeout:  r.RestartTimeout(),
		DownloadTimeout: r.DownloadTimeout(),

		BridgeHost:    r.BridgeHost(),
		BridgePort:    r.BridgePort(),
		BridgePrefix:  r.CumulocityBridgePrefix(),
		BridgeBacklog: r.BridgeBacklog(),

		AzureURL:    r.AzureURL(),
		AzurePrefix: r.AzureBridgePrefix(),
		AWSURL:      r.AWSURL(),
		AWSPrefix:   r.AWSBridgePrefix(),

		ConfigPaths:    GetStringMap("agent.config.paths"),
		LogPaths:       GetStringMap("agent.log.paths"),
		RestartCommand: viper.GetStringSlice("agent.restart.command"),
	}
}

// GetMetricsInterval clamps the periodic health refresh interval to its
// lower limit.
func (c *Cli) GetMetricsInterval() time.Duration {
	interval := viper.GetDuration("agent.metrics.interval")
	if interval < 60*time.Second {
		slog.Warn("agent.metrics.interval is lower than allowed limit.", "old", interval, "new", 60*time.Second)
		interval = 60 * time.Second
	}
	return interval
}
