package bridge

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is an already-resolved mqtt.Token, good enough for a
// synchronous fake client.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type publishedMsg struct {
	Topic    string
	Qos      byte
	Retained bool
	Payload  []byte
}

// fakeClient is a minimal mqtt.Client fake recording publishes and
// letting a test drive subscription callbacks directly.
type fakeClient struct {
	mu          sync.Mutex
	published   []publishedMsg
	publishErr  error
	handlers    map[string]mqtt.MessageHandler
	subscribeErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]mqtt.MessageHandler{}}
}

func (c *fakeClient) IsConnected() bool       { return true }
func (c *fakeClient) IsConnectionOpen() bool  { return true }
func (c *fakeClient) Connect() mqtt.Token     { return newFakeToken(nil) }
func (c *fakeClient) Disconnect(quiesce uint) {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	c.published = append(c.published, publishedMsg{Topic: topic, Qos: qos, Retained: retained, Payload: b})
	return newFakeToken(c.publishErr)
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return newFakeToken(c.subscribeErr)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for f := range filters {
		c.handlers[f] = callback
	}
	return newFakeToken(c.subscribeErr)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token { return newFakeToken(nil) }
func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// deliver invokes the handler registered for filter, as if a message
// arrived on topic.
func (c *fakeClient) deliver(filter string, msg mqtt.Message) {
	c.mu.Lock()
	h := c.handlers[filter]
	c.mu.Unlock()
	h(c, msg)
}

func (c *fakeClient) publishedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.published))
	for i, m := range c.published {
		out[i] = m.Topic
	}
	return out
}

// fakeMessage is a minimal mqtt.Message fake.
type fakeMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
	acked    chan struct{}
}

func newFakeMessage(topic string, qos byte, retained bool, payload []byte) *fakeMessage {
	return &fakeMessage{topic: topic, qos: qos, retained: retained, payload: payload, acked: make(chan struct{}, 1)}
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte        { return m.qos }
func (m *fakeMessage) Retained() bool   { return m.retained }
func (m *fakeMessage) Topic() string    { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte  { return m.payload }
func (m *fakeMessage) Ack() {
	select {
	case m.acked <- struct{}{}:
	default:
	}
}

func (m *fakeMessage) wasAcked() bool {
	select {
	case <-m.acked:
		return true
	case <-time.After(time.Second):
		return false
	}
}
