/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/thin-edge/tedge-agent-core/cli/bridgecheck"
	"github.com/thin-edge/tedge-agent-core/cli/entities"
	"github.com/thin-edge/tedge-agent-core/cli/run"
	"github.com/thin-edge/tedge-agent-core/cli/workflows"
	"github.com/thin-edge/tedge-agent-core/pkg/cli"
)

// Build data
var buildVersion string
var buildBranch string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tedge-agent",
	Short: "thin-edge.io edge agent",
	Long: `An IoT edge agent which bridges a local MQTT bus to the cloud,
maintains the registry of local devices and services, and executes
operations (software, configuration, firmware, logs, restart) as
user-defined workflows.
`,
	Version: fmt.Sprintf("%s (branch=%s)", buildVersion, buildBranch),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return SetupLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		switch err.(type) {
		case cli.SilentError:
			// Don't log error
		default:
			slog.Error("Command error", "err", err)
		}
		os.Exit(1)
	}
}

// SetupLogging applies the configured log level, and routes logs
// through a size-rotated file when one is configured (stderr
// otherwise).
func SetupLogging() error {
	if path := viper.GetString("agent.log.file"); path != "" {
		writer := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    viper.GetInt("agent.log.max_size_mb"),
			MaxBackups: 3,
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(writer, nil)))
	}

	value := strings.ToLower(viper.GetString("log_level"))
	slog.Debug("Setting log level.", "new", value)
	switch value {
	case "info":
		slog.SetLogLoggerLevel(slog.LevelInfo)
	case "debug":
		slog.SetLogLoggerLevel(slog.LevelDebug)
	case "warn":
		slog.SetLogLoggerLevel(slog.LevelWarn)
	case "error":
		slog.SetLogLoggerLevel(slog.LevelError)
	}
	return nil
}

func init() {
	cliConfig := &cli.Cli{}
	cobra.OnInitialize(cliConfig.OnInit)
	rootCmd.AddCommand(
		run.NewRunCommand(cliConfig),
		entities.NewEntitiesCommand(cliConfig),
		workflows.NewWorkflowsCommand(cliConfig),
		bridgecheck.NewBridgeCheckCommand(cliConfig),
	)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level")
	rootCmd.PersistentFlags().StringVarP(&cliConfig.ConfigFile, "config", "c", "", "Configuration file")

	// viper.Bind
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}
