package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	config "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	"golang.org/x/sync/singleflight"
)

const (
	qos            = 1
	quiesceMillis  = 250
	defaultTimeout = 5 * time.Second
)

// Handler receives every message published on a subscribed topic. It runs
// on the client's delivery goroutine and must hand work off quickly.
type Handler func(topic string, payload []byte)

// ClientFactory builds the underlying paho client
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

// Option customises a Manager
type Option func(*Manager)

// WithClientFactory replaces mqtt.NewClient
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

// Manager owns the process-wide broker connection. The connection is
// created by the first caller that needs it and reused afterwards;
// concurrent first callers share a single dial. A failed dial is reported
// to every waiting caller and the next call dials again.
type Manager struct {
	cfg       config.MQTTConfig
	logger    *logger.Logger
	newClient ClientFactory
	dials     singleflight.Group

	mu     sync.RWMutex
	client mqtt.Client
	subs   map[string]Handler
	closed bool
}

func NewManager(cfg config.MQTTConfig, log *logger.Logger, opts ...Option) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultTimeout
	}
	m := &Manager{
		cfg:       cfg,
		logger:    log.WithComponent("broker"),
		newClient: mqtt.NewClient,
		subs:      make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect returns once the shared connection is up
func (m *Manager) Connect(ctx context.Context) error {
	_, err := m.connection(ctx)
	return err
}

// Publish sends payload at QoS 1 on topic, connecting first if needed
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	c, err := m.connection(ctx)
	if err != nil {
		return err
	}
	if err := wait(ctx, c.Publish(topic, qos, false, payload), m.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("%w: publish %s: %v", mqtmodels.ErrTransportUnavailable, topic, err)
	}
	return nil
}

// Subscribe registers h for topic. The subscription is remembered and
// re-established after every reconnect.
func (m *Manager) Subscribe(ctx context.Context, topic string, h Handler) error {
	m.mu.Lock()
	m.subs[topic] = h
	m.mu.Unlock()

	c, err := m.connection(ctx)
	if err != nil {
		return err
	}
	if err := wait(ctx, c.Subscribe(topic, qos, deliver(h)), m.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", mqtmodels.ErrTransportUnavailable, topic, err)
	}
	m.logger.Debug().Str("topic", topic).Msg("subscribed")
	return nil
}

// Unsubscribe forgets the given topics
func (m *Manager) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	m.mu.Lock()
	for _, t := range topics {
		delete(m.subs, t)
	}
	c := m.client
	m.mu.Unlock()

	if c == nil || !c.IsConnected() {
		return nil
	}
	if err := wait(ctx, c.Unsubscribe(topics...), m.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("%w: unsubscribe: %v", mqtmodels.ErrTransportUnavailable, err)
	}
	return nil
}

// ConnectWithRetry dials until the first connection is up. paho takes over
// reconnecting from there. A cancelled ctx is not an error.
func (m *Manager) ConnectWithRetry(ctx context.Context, retry time.Duration) error {
	t := time.NewTicker(retry)
	defer t.Stop()
	for {
		err := m.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, mqtmodels.ErrTransportUnavailable) && m.isClosed() {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil && m.client.IsConnected()
}

// Close disconnects. Later calls fail with ErrTransportUnavailable.
func (m *Manager) Close() {
	m.mu.Lock()
	c := m.client
	m.client = nil
	m.closed = true
	m.mu.Unlock()

	if c != nil {
		c.Disconnect(quiesceMillis)
		m.logger.Info().Msg("mqtt disconnected")
	}
}

func (m *Manager) connection(ctx context.Context) (mqtt.Client, error) {
	m.mu.RLock()
	c, closed := m.client, m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: connection manager closed", mqtmodels.ErrTransportUnavailable)
	}
	if c != nil {
		return c, nil
	}

	ch := m.dials.DoChan("connect", func() (any, error) {
		m.mu.RLock()
		existing := m.client
		m.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		// every waiter shares this dial, so it is bounded by ConnectTimeout
		// rather than by whichever caller started it
		c, err := m.dial(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			c.Disconnect(0)
			return nil, fmt.Errorf("%w: connection manager closed", mqtmodels.ErrTransportUnavailable)
		}
		m.client = c
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", mqtmodels.ErrTransportUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(mqtt.Client), nil
	}
}

func (m *Manager) dial(ctx context.Context) (mqtt.Client, error) {
	opts, err := m.clientOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mqtmodels.ErrTransportUnavailable, err)
	}

	c := m.newClient(opts)
	if err := wait(ctx, c.Connect(), m.cfg.ConnectTimeout); err != nil {
		c.Disconnect(0)
		m.logger.Error().Err(err).Str("broker", m.cfg.BrokerURL()).Msg("mqtt connect failed")
		return nil, fmt.Errorf("%w: connect %s: %v", mqtmodels.ErrTransportUnavailable, m.cfg.BrokerURL(), err)
	}

	m.logger.Info().Str("broker", m.cfg.BrokerURL()).Str("client_id", m.cfg.ClientID).Msg("mqtt connected")
	return c, nil
}

func (m *Manager) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.BrokerURL()).
		SetClientID(m.cfg.ClientID).
		SetOrderMatters(true).
		SetKeepAlive(m.cfg.KeepAlive).
		SetPingTimeout(m.cfg.PingTimeout).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetCleanSession(true)

	if m.cfg.BrokerUser != "" {
		opts.SetUsername(m.cfg.BrokerUser)
		opts.SetPassword(m.cfg.BrokerPass)
	}

	if m.cfg.UseTLS {
		tlsCfg, err := tlsConfig(m.cfg.CACertPath)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.logger.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
	}
	opts.OnConnect = m.resubscribe
	return opts, nil
}

// resubscribe restores every remembered subscription on a fresh session
func (m *Manager) resubscribe(c mqtt.Client) {
	m.mu.RLock()
	filters := make(map[string]Handler, len(m.subs))
	for t, h := range m.subs {
		filters[t] = h
	}
	m.mu.RUnlock()

	for topic, h := range filters {
		if tok := c.Subscribe(topic, qos, deliver(h)); tok.Wait() && tok.Error() != nil {
			m.logger.Error().Err(tok.Error()).Str("topic", topic).Msg("resubscribe failed")
		}
	}
	if len(filters) > 0 {
		m.logger.Info().Int("topics", len(filters)).Msg("subscriptions restored")
	}
}

func deliver(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timed out waiting for broker")
	}
}

func tlsConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("bad CA file %s", caFile)
	}
	cfg.RootCAs = cp
	return cfg, nil
}
