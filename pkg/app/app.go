// Package app assembles the agent: one local MQTT connection shared by
// the entity store, workflow engine and operation handler, plus the
// optional cloud bridge pair and the Cumulocity collaborator clients.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/thin-edge/tedge-agent-core/pkg/bridge"
	"github.com/thin-edge/tedge-agent-core/pkg/cloud/awsiot"
	"github.com/thin-edge/tedge-agent-core/pkg/cloud/azure"
	"github.com/thin-edge/tedge-agent-core/pkg/cloud/c8y"
	"github.com/thin-edge/tedge-agent-core/pkg/config"
	"github.com/thin-edge/tedge-agent-core/pkg/container"
	"github.com/thin-edge/tedge-agent-core/pkg/entitystore"
	"github.com/thin-edge/tedge-agent-core/pkg/operation"
	"github.com/thin-edge/tedge-agent-core/pkg/operation/builtin"
	"github.com/thin-edge/tedge-agent-core/pkg/tedge"
	"github.com/thin-edge/tedge-agent-core/pkg/workflow"
)

// HandlerFingerprint prefixes every command id this agent's operation
// handler mints, so two handler instances on one broker leave each
// other's commands alone. It is stable across restarts: retained
// commands from before a restart must still be owned after it.
const HandlerFingerprint = "c8y-mapper"

// Config carries everything NewApp needs, resolved from the typed
// configuration reader by the caller.
type Config struct {
	ServiceName string

	MQTTHost string
	MQTTPort uint16

	CumulocityHost string
	CumulocityPort uint16

	FileTransferHost string
	FileTransferPort uint16

	WorkflowsDir  string
	OperationsDir string
	DataDir       string

	Capabilities    []string
	ScriptTimeout   time.Duration
	RestartTimeout  time.Duration
	DownloadTimeout time.Duration

	BridgeHost    string
	BridgePort    uint16
	BridgePrefix  string
	BridgeBacklog int

	// AzureURL/AWSURL enable mirroring operation status to the other
	// cloud backends over their local bridge prefixes.
	AzureURL    string
	AzurePrefix string
	AWSURL      string
	AWSPrefix   string

	ConfigPaths    map[string]string
	LogPaths       map[string]string
	RestartCommand []string
}

// App owns the agent's long-running tasks and their shutdown order.
type App struct {
	client *tedge.Client
	Device *tedge.Target

	Store   *entitystore.Store
	Engine  *workflow.Engine
	Handler *operation.Handler

	config    Config
	c8yClient *c8y.Client
	workflows *workflow.Directory

	bridge      *bridge.Bridge
	bridgeLocal mqtt.Client
	bridgeCloud mqtt.Client

	stopWatch chan struct{}
	wg        sync.WaitGroup
}

// NewApp connects to the local broker, resolves the device's cloud
// identity, and wires the entity store, workflow engine and operation
// handler onto the shared connection. The bridge is started separately
// by StartBridge when a cloud endpoint is configured.
func NewApp(device tedge.Target, cfg Config) (*App, error) {
	serviceTarget := device.Service(cfg.ServiceName)
	tedgeOpts := tedge.NewClientConfig()
	tedgeOpts.MqttHost = cfg.MQTTHost
	tedgeOpts.MqttPort = cfg.MQTTPort
	tedgeClient := tedge.NewClient(device, *serviceTarget, cfg.ServiceName, tedgeOpts)

	if err := tedgeClient.Connect(); err != nil {
		return nil, err
	}

	c8yClient := c8y.NewClient(cfg.CumulocityHost, cfg.CumulocityPort)
	if device.CloudIdentity == "" {
		externalID, err := c8yClient.LookupExternalID(context.Background())
		if err != nil {
			return nil, err
		}
		device.CloudIdentity = externalID
		tedgeClient.Target.CloudIdentity = externalID
	}

	publish := func(topic string, qos byte, retained bool, payload []byte) error {
		return tedgeClient.Publish(topic, qos, retained, payload)
	}

	store := entitystore.NewStoreWithOptions(device.RootPrefix, entitystore.Options{
		Publish:      publish,
		AutoRegister: true,
	})
	if _, err := store.Create(entitystore.Registration{
		TopicID:    device.TopicID,
		Type:       entitystore.MainDevice,
		ExternalID: device.CloudIdentity,
	}); err != nil {
		return nil, fmt.Errorf("registering main device: %w", err)
	}

	engine := workflow.NewEngine(device.RootPrefix, publish, cfg.ScriptTimeout)
	engine.SetRestartTimeout(cfg.RestartTimeout)

	tmpDir := filepath.Join(cfg.DataDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, err
	}

	containerClient, err := container.NewContainerClient()
	if err != nil {
		slog.Warn("Container engine unavailable; software operations will fail.", "err", err)
	}

	transfer := operation.NewFileTransfer(cfg.FileTransferHost, cfg.FileTransferPort)
	downloader := operation.NewDownloader(cfg.DownloadTimeout)

	actors := &builtin.Actors{
		Container:      containerClient,
		Transfer:       transfer,
		Downloader:     downloader,
		ExternalID:     device.CloudIdentity,
		TmpDir:         tmpDir,
		FirmwareDir:    filepath.Join(cfg.DataDir, "firmware"),
		ConfigPaths:    cfg.ConfigPaths,
		LogPaths:       cfg.LogPaths,
		RestartCommand: cfg.RestartCommand,
	}
	actors.Register(engine)

	notifier := &c8y.Notifier{
		TopicPrefix:    cfg.BridgePrefix,
		MainExternalID: device.CloudIdentity,
		Publish:        publish,
	}
	reporter := &operation.CloudReporter{
		Notifier:       notifier,
		Client:         c8yClient,
		Downloader:     downloader,
		MainExternalID: device.CloudIdentity,
		TmpDir:         tmpDir,
		ResolveExternalID: func(topicID string) string {
			if e := store.Get(topicID); e != nil {
				return e.ExternalID
			}
			return ""
		},
	}
	handler := operation.NewHandler(device.RootPrefix, cfg.Capabilities, HandlerFingerprint, statusTask(reporter, cfg, publish))
	handler.ClearRetained = func(topic string) error {
		return tedgeClient.Clear(topic)
	}

	application := &App{
		client:    tedgeClient,
		Device:    &device,
		Store:     store,
		Engine:    engine,
		Handler:   handler,
		config:    cfg,
		c8yClient: c8yClient,
		stopWatch: make(chan struct{}),
	}

	if err := application.loadWorkflows(); err != nil {
		return nil, err
	}
	if err := application.subscribe(); err != nil {
		return nil, err
	}
	application.announceCapabilities()

	return application, nil
}

// statusTask builds the operation handler's task: the Cumulocity
// reporter first, then a mirror of the terminal/executing statuses to
// every other configured cloud backend over its bridge prefix.
func statusTask(reporter *operation.CloudReporter, cfg Config, publish func(string, byte, bool, []byte) error) operation.TaskFunc {
	var mirrors []func(ev operation.Event)

	if cfg.AzureURL != "" {
		az := &azure.Reporter{TopicPrefix: cfg.AzurePrefix, Publish: publish}
		mirrors = append(mirrors, func(ev operation.Event) {
			if err := az.ReportStatus(azure.StatusReport{
				Operation: ev.Operation,
				CmdID:     ev.CmdID,
				Status:    ev.Status,
				Reason:    ev.Reason(),
			}); err != nil {
				slog.Warn("Failed to mirror operation status to Azure.", "topic", ev.Topic, "err", err)
			}
		})
	}
	if cfg.AWSURL != "" {
		aws := &awsiot.Reporter{TopicPrefix: cfg.AWSPrefix, Publish: publish}
		mirrors = append(mirrors, func(ev operation.Event) {
			if err := aws.ReportStatus(awsiot.StatusReport{
				Operation: ev.Operation,
				CmdID:     ev.CmdID,
				Status:    ev.Status,
				Reason:    ev.Reason(),
			}); err != nil {
				slog.Warn("Failed to mirror operation status to AWS.", "topic", ev.Topic, "err", err)
			}
		})
	}

	if len(mirrors) == 0 {
		return reporter.Task
	}
	return func(ctx context.Context, ev operation.Event) error {
		err := reporter.Task(ctx, ev)
		switch ev.Status {
		case "executing", "successful", "failed":
			for _, mirror := range mirrors {
				mirror(ev)
			}
		}
		return err
	}
}

// loadWorkflows parses the workflow directory and keeps watching it for
// definition changes.
func (a *App) loadWorkflows() error {
	if a.config.WorkflowsDir == "" {
		return nil
	}
	if err := os.MkdirAll(a.config.WorkflowsDir, 0755); err != nil {
		return err
	}
	dir, err := workflow.NewDirectory(a.config.WorkflowsDir, a.Engine.RegisterWorkflow, a.Engine.RemoveWorkflow)
	if err != nil {
		return fmt.Errorf("watching workflow directory: %w", err)
	}
	if err := dir.LoadAll(); err != nil {
		return err
	}
	a.workflows = dir
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		dir.Watch(a.stopWatch)
	}()
	return nil
}

// subscribe installs the single broad subscription every component
// shares, fanning each message out to the entity store, the workflow
// engine and the operation handler.
func (a *App) subscribe() error {
	filter := fmt.Sprintf("%s/#", a.Device.RootPrefix)
	return a.client.Subscribe(filter, 1, func(_ mqtt.Client, msg mqtt.Message) {
		topic := msg.Topic()
		payload := msg.Payload()
		retained := msg.Retained()

		a.Store.OnMQTTMessage(topic, payload, retained)
		a.Engine.HandleMessage(topic, payload, retained)
		a.Handler.HandleMessage(topic, payload)
	})
}

// announceCapabilities publishes the retained capability message for
// every supported operation on the main device, and refreshes the
// per-cloud operation marker files.
func (a *App) announceCapabilities() {
	target := *a.Device

	a.Engine.AnnounceCapability(target, "software_list", builtin.SoftwareCapabilityPayload())
	a.Engine.AnnounceCapability(target, "software_update", builtin.SoftwareCapabilityPayload())
	a.Engine.AnnounceCapability(target, "restart", []byte(`{}`))

	for _, op := range a.config.Capabilities {
		switch op {
		case config.CapabilityConfigSnapshot, config.CapabilityConfigUpdate:
			a.Engine.AnnounceCapability(target, op, builtin.ConfigCapabilityPayload(a.config.ConfigPaths))
		case config.CapabilityLogUpload:
			a.Engine.AnnounceCapability(target, op, builtin.ConfigCapabilityPayload(a.config.LogPaths))
		default:
			a.Engine.AnnounceCapability(target, op, []byte(`{}`))
		}
	}

	if a.config.OperationsDir != "" {
		operations := append([]string{"software_update", "restart"}, a.config.Capabilities...)
		if err := operation.SyncMarkers(a.config.OperationsDir, "c8y", a.Device.CloudIdentity, operations); err != nil {
			slog.Warn("Failed to sync operation marker files.", "err", err)
		}
	}
}

// NewCommandID mints a fresh command id owned by this agent's handler.
func (a *App) NewCommandID() string {
	return a.Handler.NewCommandID(uuid.NewString()[:8])
}

// StartBridge connects the bridge pair to the configured cloud broker
// and starts forwarding. A missing bridge host disables the bridge.
func (a *App) StartBridge(ctx context.Context) error {
	if a.config.BridgeHost == "" {
		slog.Info("No cloud broker configured; bridge disabled.")
		return nil
	}

	healthTopic := tedge.GetHealthTopic(*a.Device.Service(a.config.ServiceName + "-bridge"))

	// The health retained message and the Last Will both live on the
	// local broker: that is where the rest of the agent reads bridge
	// liveness from, and a hard crash of this process must still leave
	// "down" behind there.
	local, err := newBridgeClient(bridgeClientConfig{
		Name:        "bridge-local",
		Broker:      fmt.Sprintf("tcp://%s:%d", a.config.MQTTHost, a.config.MQTTPort),
		WillTopic:   healthTopic,
		WillPayload: bridge.HealthPayload(false),
	})
	if err != nil {
		return err
	}
	cloud, err := newBridgeClient(bridgeClientConfig{
		Name:   "bridge-cloud",
		Broker: fmt.Sprintf("ssl://%s:%d", a.config.BridgeHost, a.config.BridgePort),
		OnConnect: func(_ mqtt.Client) {
			bridge.PublishHealth(local, healthTopic, true)
		},
		OnConnectionLost: func(_ mqtt.Client, _ error) {
			bridge.PublishHealth(local, healthTopic, false)
		},
	})
	if err != nil {
		local.Disconnect(250)
		return err
	}

	rules, err := cumulocityBridgeRules(a.config.BridgePrefix)
	if err != nil {
		return err
	}

	a.bridgeLocal = local
	a.bridgeCloud = cloud
	a.bridge = bridge.New(local, cloud, bridge.Config{
		LocalToCloud: rules.localToCloud,
		CloudToLocal: rules.cloudToLocal,
		QoS:          1,
		Backlog:      a.config.BridgeBacklog,
	})
	return a.bridge.Start(ctx)
}

type bridgeRuleSet struct {
	localToCloud []bridge.Rule
	cloudToLocal []bridge.Rule
}

// cumulocityBridgeRules relays everything under the local cloud prefix
// upstream as-is, and the downstream SmartREST channels back under the
// prefix.
func cumulocityBridgeRules(prefix string) (bridgeRuleSet, error) {
	var rules bridgeRuleSet

	up, err := bridge.TryNewRule("#", prefix+"/", "")
	if err != nil {
		return rules, err
	}
	rules.localToCloud = []bridge.Rule{up}

	for _, filter := range []string{"s/ds", "s/dat", "s/e"} {
		r, err := bridge.TryNewRule(filter, "", prefix+"/")
		if err != nil {
			return rules, err
		}
		rules.cloudToLocal = append(rules.cloudToLocal, r)
	}
	return rules, nil
}

type bridgeClientConfig struct {
	Name             string
	Broker           string
	WillTopic        string
	WillPayload      []byte
	OnConnect        func(mqtt.Client)
	OnConnectionLost func(mqtt.Client, error)
}

// newBridgeClient builds one bridge endpoint connection. Auto-ack is
// disabled: the half-bridge owning this client as its source acks each
// message itself, after the peer broker confirmed the forwarded copy.
func newBridgeClient(cfg bridgeClientConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s#%s", cfg.Name, uuid.NewString()[:8]))
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetAutoAckDisabled(true)
	opts.SetKeepAlive(60 * time.Second)
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, string(cfg.WillPayload), 1, true)
	}
	if cfg.OnConnect != nil {
		opts.SetOnConnectHandler(cfg.OnConnect)
	}
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		slog.Warn("Bridge endpoint disconnected.", "name", cfg.Name, "err", err)
		if cfg.OnConnectionLost != nil {
			cfg.OnConnectionLost(c, err)
		}
	})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("timed out connecting bridge endpoint %s", cfg.Name)
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return client, nil
}

// Stop shuts the agent down: watchers first, then the operation
// handler's background tasks, then the bridge, then the store, and the
// local connection last so final state can still be published.
func (a *App) Stop(clean bool) {
	close(a.stopWatch)
	a.wg.Wait()

	a.Handler.Stop()

	if a.bridge != nil {
		a.bridge.Stop()
		a.bridgeCloud.Disconnect(250)
		a.bridgeLocal.Disconnect(250)
	}

	a.Store.Close()

	if clean {
		slog.Info("Disconnecting MQTT client cleanly")
		a.client.Disconnect(250)
	}
}
