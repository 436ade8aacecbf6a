package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/broker"
)

const (
	clientDisconnectWaitTimeout = 250
	lastWillStatement           = `{"status": "OFFLINE"}`
)

var _ broker.Broker = (*MQTTBroker)(nil)

var (
	ErrNoConnection = errors.New("no connection to broker server")
	ErrTimeout      = errors.New("timed out waiting for broker")
)

var defaultWaitTimeout = 10 * time.Second

// schemes maps url schemes to the paho transport scheme.
var schemes = map[string]string{
	"mqtt":  "tcp",
	"tcp":   "tcp",
	"mqtts": "ssl",
	"ssl":   "ssl",
	"tls":   "ssl",
}

// MQTTBroker implements broker.Broker interface.
type MQTTBroker struct {
	uri         *url.URL
	username    string
	password    string
	clientID    string
	qos         byte
	retained    bool
	waitTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	client mqtt.Client

	// Option for resubscribe when OnConnect
	subscribeTopics  []string
	subscribeHandler broker.Handler
}

// NewBroker creates new mqtt broker.
func NewBroker(opts ...Option) (*MQTTBroker, error) {
	m := &MQTTBroker{qos: 1, waitTimeout: defaultWaitTimeout}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.uri == nil {
		return nil, errors.New("broker url is required")
	}
	if m.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		m.logger = l
	}
	return m, nil
}

func (m *MQTTBroker) opts() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(schemes[m.uri.Scheme] + "://" + m.uri.Host)
	username := m.username
	if u := m.uri.User.Username(); u != "" {
		username = u
	}
	opts.SetUsername(username)
	password := m.password
	if p, isSet := m.uri.User.Password(); isSet {
		password = p
	}
	opts.SetPassword(password)
	opts.SetClientID(m.clientID)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)

	opts.OnConnect = func(client mqtt.Client) {
		m.logger.Info("Connected to broker", zap.String("broker", m.uri.Host))

		// resubscribe when connected or reconnected with broker
		m.mu.Lock()
		h, topics := m.subscribeHandler, m.subscribeTopics
		m.mu.Unlock()
		if h == nil || len(topics) == 0 {
			return
		}
		if err := m.subscribe(client, topics, h); err != nil {
			m.logger.Error("Subscribe to subscribeTopics return error", zap.Error(err), zap.Strings("subscribeTopics", topics))
			return
		}
		m.logger.Debug("Subscribed to topics", zap.Strings("topics", topics))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		m.logger.Error("Connection lost with broker", zap.Error(err))
	}
	opts.OnReconnecting = func(client mqtt.Client, opts *mqtt.ClientOptions) {
		m.logger.Warn("Trying reconnect with broker")
	}

	opts.SetWill(broker.AgentTopic(m.clientID), lastWillStatement, 0, false)
	return opts
}

// ConnectAndSubscribe connects and keeps topics subscribed across reconnects.
func (m *MQTTBroker) ConnectAndSubscribe(h broker.Handler, topics []string) error {
	if len(topics) == 0 {
		return errors.New("no topics provided")
	}
	m.mu.Lock()
	m.subscribeHandler = h
	m.subscribeTopics = topics
	m.mu.Unlock()

	return m.Connect()
}

func (m *MQTTBroker) Connect() error {
	client := mqtt.NewClient(m.opts())
	if err := m.wait(client.Connect()); err != nil {
		return fmt.Errorf("connect %s: %w", m.uri.Host, err)
	}
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

func (m *MQTTBroker) Disconnect() error {
	client := m.connected()
	if client == nil {
		return ErrNoConnection
	}
	client.Disconnect(clientDisconnectWaitTimeout)
	m.mu.Lock()
	m.client = nil
	m.mu.Unlock()
	return nil
}

func (m *MQTTBroker) Publish(topic string, payload []byte) error {
	client := m.connected()
	if client == nil {
		return ErrNoConnection
	}
	return m.wait(client.Publish(topic, m.qos, m.retained, payload))
}

func (m *MQTTBroker) Subscribe(topics []string, h broker.Handler) error {
	client := m.connected()
	if client == nil {
		return ErrNoConnection
	}
	if len(topics) == 0 {
		return errors.New("no topics provided")
	}
	return m.subscribe(client, topics, h)
}

func (m *MQTTBroker) subscribe(client mqtt.Client, topics []string, h broker.Handler) error {
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = m.qos
	}

	token := client.SubscribeMultiple(filters, func(client mqtt.Client, msg mqtt.Message) {
		if err := h(broker.Event{
			Topic:     msg.Topic(),
			Payload:   msg.Payload(),
			Duplicate: msg.Duplicate(),
			Qos:       msg.Qos(),
			Retained:  msg.Retained(),
			Ack:       msg.Ack,
		}); err != nil {
			m.logger.Error("Handling broker event failed", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	})
	return m.wait(token)
}

func (m *MQTTBroker) connected() mqtt.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

func (m *MQTTBroker) wait(token mqtt.Token) error {
	if !token.WaitTimeout(m.waitTimeout) {
		return ErrTimeout
	}
	return token.Error()
}

func (m *MQTTBroker) String() string {
	return fmt.Sprintf("Broker [%s]", m.clientID)
}
