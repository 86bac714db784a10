/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package entities

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/thin-edge/tedge-agent-core/pkg/cli"
	"github.com/thin-edge/tedge-agent-core/pkg/tedge"
)

type EntitiesCommand struct {
	*cobra.Command

	Wait         time.Duration
	OutputFormat string
}

type entityRow struct {
	TopicID    string `json:"topicId"`
	Type       string `json:"type"`
	Parent     string `json:"parent,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
}

// NewEntitiesCommand lists the entities currently registered on the
// local bus, read straight out of the broker's retained registration
// messages rather than any agent-side cache.
func NewEntitiesCommand(cliContext *cli.Cli) *cobra.Command {
	command := &EntitiesCommand{}
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "List registered entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := cliContext.Reader
			root := reader.TopicRoot()

			opts := mqtt.NewClientOptions()
			opts.AddBroker(fmt.Sprintf("tcp://%s:%d", reader.MQTTHost(), reader.MQTTPort()))
			opts.SetClientID(fmt.Sprintf("tedge-agent-entities#%d", time.Now().UnixNano()))
			opts.SetCleanSession(true)
			client := mqtt.NewClient(opts)

			tok := client.Connect()
			tok.Wait()
			if err := tok.Error(); err != nil {
				return err
			}
			defer client.Disconnect(250)

			var mu sync.Mutex
			rows := map[string]entityRow{}

			filter := fmt.Sprintf("%s/+/+/+/+", root)
			tok = client.Subscribe(filter, 1, func(_ mqtt.Client, msg mqtt.Message) {
				if len(msg.Payload()) == 0 {
					return
				}
				target, channel, ok := tedge.EntityAndChannel(root, msg.Topic())
				if !ok || channel.Kind != tedge.ChannelEntityMetadata {
					return
				}
				doc := gjson.ParseBytes(msg.Payload())
				mu.Lock()
				rows[target.TopicID] = entityRow{
					TopicID:    target.TopicID,
					Type:       doc.Get("@type").String(),
					Parent:     doc.Get("@parent").String(),
					ExternalID: doc.Get("@id").String(),
				}
				mu.Unlock()
			})
			tok.Wait()
			if err := tok.Error(); err != nil {
				return err
			}

			// Retained registrations arrive immediately after
			// subscribing; the wait only bounds slow brokers.
			time.Sleep(command.Wait)

			mu.Lock()
			defer mu.Unlock()
			ids := make([]string, 0, len(rows))
			for id := range rows {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			if command.OutputFormat == "json" {
				out := make([]entityRow, 0, len(ids))
				for _, id := range ids {
					out = append(out, rows[id])
				}
				b, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}

			for _, id := range ids {
				row := rows[id]
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-14s %-24s %s\n", row.TopicID, row.Type, row.Parent, row.ExternalID)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&command.Wait, "wait", 500*time.Millisecond, "How long to collect retained registrations")
	cmd.Flags().StringVarP(&command.OutputFormat, "output", "o", "table", "Output format: table or json")
	command.Command = cmd
	return cmd
}
