// Package tedge provides the local-bus MQTT connection shared by the
// entity store, workflow engine, bridge and operation handler. It owns
// connection lifecycle (LWT, reconnect, health reporting) so that every
// other component registers routes on one client instead of dialing its
// own connection to the local broker.
package tedge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var StatusUp = "up"
var StatusDown = "down"
var StatusUnknown = "unknown"

func PayloadHealthStatusDown() string {
	return fmt.Sprintf(`{"status":"%s"}`, StatusDown)
}

func PayloadHealthStatus(payload map[string]any, status string) ([]byte, error) {
	payload["status"] = status
	payload["time"] = time.Now().Unix()
	return json.Marshal(payload)
}

func PayloadRegistration(payload map[string]any, entityType string, parent string) ([]byte, error) {
	payload["@type"] = entityType
	if parent != "" {
		payload["@parent"] = parent
	}
	return json.Marshal(payload)
}

// Client is the single paho connection to the local thin-edge.io broker.
// The entity store, workflow engine and operation handler each call
// AddRoute/Subscribe on the same Client rather than opening their own
// connections, per the shared-resource policy of the concurrency model.
type Client struct {
	Parent      Target
	ServiceName string
	Client      mqtt.Client
	Target      Target
}

type ClientConfig struct {
	MqttHost string
	MqttPort uint16

	KeyFile  string
	CertFile string
	CAFile   string

	// OnConnection is invoked after every successful connect, including
	// reconnects, so callers can re-publish state the broker may have
	// lost (e.g. non-retained subscriptions).
	OnConnection func()
}

func NewClientConfig() *ClientConfig {
	return &ClientConfig{
		MqttHost: "127.0.0.1",
		MqttPort: 1883,
	}
}

// NewClient builds a paho client for target, a service hosted by parent.
// The connection is not established until Connect is called.
func NewClient(parent Target, target Target, serviceName string, config *ClientConfig) *Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", config.MqttHost, config.MqttPort))
	opts.SetClientID(fmt.Sprintf("%s#%s", serviceName, target.Topic()))
	opts.SetCleanSession(true)
	opts.SetWill(GetHealthTopic(target), PayloadHealthStatusDown(), 1, true)
	opts.SetAutoReconnect(true)
	opts.SetAutoAckDisabled(false)
	opts.SetResumeSubs(false)
	opts.SetKeepAlive(60 * time.Second)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		slog.Warn("MQTT client disconnected from local broker.", "err", err)
	})

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		slog.Info("MQTT client connected to local broker.")
		if config.OnConnection != nil {
			config.OnConnection()
		}

		// Give the broker a moment to settle subscriptions before publishing
		// health, so a reconnect doesn't race its own "up" message against
		// in-flight retained state from the previous session.
		time.Sleep(500 * time.Millisecond)
		payload, err := PayloadHealthStatus(map[string]any{}, StatusUp)
		if err != nil {
			return
		}
		topic := GetHealthTopic(target)
		tok := c.Publish(topic, 1, true, payload)
		<-tok.Done()
		if err := tok.Error(); err != nil {
			slog.Warn("Failed to publish health message.", "err", err)
			return
		}
		slog.Info("Published health message.", "topic", topic)
	})

	client := mqtt.NewClient(opts)

	slog.Info("MQTT client options.", "clientID", opts.ClientID)

	return &Client{
		ServiceName: serviceName,
		Client:      client,
		Parent:      parent,
		Target:      target,
	}
}

// Connect connects to the local broker and publishes the retained
// registration message for this service.
func (c *Client) Connect() error {
	tok := c.Client.Connect()
	if !tok.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("timed out connecting to local broker")
	}
	<-tok.Done()
	if err := tok.Error(); err != nil {
		return err
	}

	payload, err := PayloadRegistration(map[string]any{}, "service", c.Parent.TopicID)
	if err != nil {
		return err
	}
	tok = c.Client.Publish(GetTopicRegistration(c.Target), 1, true, payload)
	<-tok.Done()
	if err := tok.Error(); err != nil {
		return err
	}
	slog.Info("Registered service.", "topic", GetTopicRegistration(c.Target))
	return nil
}

// AddRoute registers a handler for messages matching the given topic
// filter. Unlike Subscribe, it does not itself issue an MQTT SUBSCRIBE;
// callers combine AddRoute with a single broad Subscribe so that routing
// logic can live close to the component that owns it.
func (c *Client) AddRoute(filter string, handler mqtt.MessageHandler) {
	c.Client.AddRoute(filter, handler)
}

// Subscribe subscribes to a topic filter at the given QoS.
func (c *Client) Subscribe(filter string, qos byte, handler mqtt.MessageHandler) error {
	tok := c.Client.Subscribe(filter, qos, handler)
	tok.Wait()
	return tok.Error()
}

// Publish publishes a message on the local broker.
func (c *Client) Publish(topic string, qos byte, retained bool, payload any) error {
	tok := c.Client.Publish(topic, qos, retained, payload)
	if !tok.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	return tok.Error()
}

// Clear publishes an empty retained payload to topic, deleting any
// retained state there.
func (c *Client) Clear(topic string) error {
	return c.Publish(topic, 1, true, "")
}

// DeregisterEntity clears the health topic and then the entity root
// topic, in that order: subchannels are always cleared before the entity
// root they belong to, so a subscriber never sees a deleted entity with
// stray retained children.
func (c *Client) DeregisterEntity(target Target) error {
	if err := c.Clear(GetHealthTopic(target)); err != nil {
		return err
	}
	return c.Clear(GetTopicRegistration(target))
}

// Disconnect disconnects cleanly, waiting up to quiesce milliseconds for
// in-flight messages to be delivered.
func (c *Client) Disconnect(quiesce uint) {
	c.Client.Disconnect(quiesce)
}
