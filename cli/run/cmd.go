/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package run

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thin-edge/tedge-agent-core/pkg/app"
	"github.com/thin-edge/tedge-agent-core/pkg/cli"
)

var (
	DefaultServiceName = "tedge-agent"
	DefaultTopicRoot   = "te"
	DefaultTopicPrefix = "device/main//"
)

type RunCommand struct {
	*cobra.Command

	RunOnce bool
}

func NewRunCommand(cliContext *cli.Cli) *cobra.Command {
	command := &RunCommand{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		Long: `Start the agent: connect to the local broker, load the workflow
definitions, announce the supported operations, and process commands
until interrupted.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliContext.PrintConfig()

			device := cliContext.GetDeviceTarget()
			application, err := app.NewApp(device, cliContext.AppConfig())
			if err != nil {
				return err
			}

			if command.RunOnce {
				// Run-once mode stops cleanly so the service still
				// appears "up": the Last Will must not fire on an
				// expected exit. Same idea as SystemD's
				// RemainAfterExit=yes.
				defer application.Stop(true)
				return nil
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			ctx, cancel := context.WithCancel(context.Background())
			if err := application.StartBridge(ctx); err != nil {
				slog.Warn("Failed to start cloud bridge.", "err", err)
			}

			<-stop
			cancel()
			application.Stop(false)
			slog.Info("Shutting down...")
			return nil
		},
	}

	cmd.Flags().String("service-name", DefaultServiceName, "Service name")
	cmd.Flags().String("mqtt-topic-root", DefaultTopicRoot, "MQTT root prefix")
	cmd.Flags().String("mqtt-device-topic-id", DefaultTopicPrefix, "The device MQTT topic identifier")
	cmd.Flags().String("device-id", "", "thin-edge.io device id")
	cmd.Flags().BoolVar(&command.RunOnce, "once", false, "Connect, announce capabilities, then exit")
	cmd.Flags().String("workflows-dir", "/etc/tedge/operations", "Workflow definition directory")

	//
	// viper bindings
	viper.BindPFlag("agent.service_name", cmd.Flags().Lookup("service-name"))
	viper.BindPFlag("agent.mqtt.topic_root", cmd.Flags().Lookup("mqtt-topic-root"))
	viper.BindPFlag("agent.mqtt.device_topic_id", cmd.Flags().Lookup("mqtt-device-topic-id"))
	viper.BindPFlag("agent.mqtt.device_id", cmd.Flags().Lookup("device-id"))
	viper.BindPFlag("agent.workflows.dir", cmd.Flags().Lookup("workflows-dir"))

	command.Command = cmd
	return cmd
}
