/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package bridgecheck

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thin-edge/tedge-agent-core/pkg/bridge"
	"github.com/thin-edge/tedge-agent-core/pkg/cli"
	"github.com/thin-edge/tedge-agent-core/pkg/cloud/awsiot"
	"github.com/thin-edge/tedge-agent-core/pkg/cloud/azure"
)

type BridgeCheckCommand struct {
	*cobra.Command

	Cloud string
	Topic string
}

// NewBridgeCheckCommand validates the configured bridge rule set for a
// cloud and, given a topic, shows which rule fires and the rewritten
// topic, without connecting anywhere.
func NewBridgeCheckCommand(cliContext *cli.Cli) *cobra.Command {
	command := &BridgeCheckCommand{}
	cmd := &cobra.Command{
		Use:   "bridge-check",
		Short: "Validate bridge rules and test topic rewrites",
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := cliContext.Reader

			var localToCloud, cloudToLocal []bridge.Rule
			var err error
			switch command.Cloud {
			case "c8y":
				prefix := reader.CumulocityBridgePrefix()
				up, ruleErr := bridge.TryNewRule("#", prefix+"/", "")
				if ruleErr != nil {
					return ruleErr
				}
				localToCloud = []bridge.Rule{up}
				for _, filter := range []string{"s/ds", "s/dat", "s/e"} {
					r, ruleErr := bridge.TryNewRule(filter, "", prefix+"/")
					if ruleErr != nil {
						return ruleErr
					}
					cloudToLocal = append(cloudToLocal, r)
				}
			case "az":
				localToCloud, cloudToLocal, err = azure.BridgeRules(reader.AzureBridgePrefix(), reader.DeviceID())
			case "aws":
				localToCloud, cloudToLocal, err = awsiot.BridgeRules(reader.AWSBridgePrefix(), reader.DeviceID())
			default:
				return fmt.Errorf("unknown cloud %q (expected c8y, az or aws)", command.Cloud)
			}
			if err != nil {
				return err
			}

			printRules := func(direction string, rules []bridge.Rule) {
				for _, r := range rules {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: filter=%q strip=%q prepend=%q\n", direction, r.Filter, r.PrefixToStrip, r.PrefixToPrepend)
				}
			}
			printRules("local->cloud", localToCloud)
			printRules("cloud->local", cloudToLocal)

			if command.Topic != "" {
				for _, converter := range []struct {
					direction string
					rules     []bridge.Rule
				}{
					{"local->cloud", localToCloud},
					{"cloud->local", cloudToLocal},
				} {
					c := bridge.NewTopicConverter(converter.rules...)
					if forwarded, ok := c.Convert(command.Topic); ok {
						fmt.Fprintf(cmd.OutOrStdout(), "%s rewrites %q -> %q\n", converter.direction, command.Topic, forwarded)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&command.Cloud, "cloud", "c8y", "Cloud rule set: c8y, az or aws")
	cmd.Flags().StringVar(&command.Topic, "topic", "", "Topic to test against the rules")
	command.Command = cmd
	return cmd
}
