package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
)

type Option func(m *MQTTBroker) error

// WithURL returns an Option which set the broker url. The scheme is one of
// mqtt, tcp, mqtts, ssl or tls; credentials may be embedded in the url.
func WithURL(u string) Option {
	return func(m *MQTTBroker) error {
		if u == "" {
			return errors.New("empty broker url")
		}
		uri, err := url.Parse(u)
		if err != nil {
			return err
		}
		if _, ok := schemes[uri.Scheme]; !ok {
			return fmt.Errorf("unsupported broker scheme %q", uri.Scheme)
		}
		if uri.Host == "" {
			return fmt.Errorf("broker url %q has no host", u)
		}
		m.uri = uri
		return nil
	}
}

// WithClientID returns an Option which set the broker client id.
func WithClientID(id string) Option {
	return func(m *MQTTBroker) error {
		m.clientID = id
		return nil
	}
}

// WithCredentials returns an Option which set the username and password used
// when the url carries none.
func WithCredentials(username, password string) Option {
	return func(m *MQTTBroker) error {
		m.username = username
		m.password = password
		return nil
	}
}

// WithQoS returns an Option which set the quality of service for publish and subscribe.
func WithQoS(qos byte) Option {
	return func(m *MQTTBroker) error {
		if qos > 2 {
			return fmt.Errorf("invalid qos %d", qos)
		}
		m.qos = qos
		return nil
	}
}

// WithWaitTimeout returns an Option which bounds how long a broker call waits for its ack.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *MQTTBroker) error {
		if d <= 0 {
			return errors.New("wait timeout must be positive")
		}
		m.waitTimeout = d
		return nil
	}
}

// WithLogger returns an Option which set the logger for the broker.
func WithLogger(logger *zap.Logger) Option {
	return func(m *MQTTBroker) error {
		m.logger = logger
		return nil
	}
}
