// Package mqtt implements the gateway tunnel over an MQTT broker.
// The device publishes on <basePath>/uplink and receives on <basePath>/downlink/<clientID>.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/pkg/file"
	"github.com/benmeehan/fleet-agent/pkg/transport"
)

const (
	qos               = 1
	disconnectQuiesce = 250
	defaultTimeout    = 10 * time.Second
)

// MQTTClient defines the interface for an MQTT client.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// ClientFactory builds the underlying client from the prepared options.
type ClientFactory func(opts *mqtt.ClientOptions) MQTTClient

// DefaultClientFactory creates a paho client.
func DefaultClientFactory(opts *mqtt.ClientOptions) MQTTClient {
	return mqtt.NewClient(opts)
}

// Transport is a transport.Transport carried over MQTT.
type Transport struct {
	newClient  ClientFactory
	fileClient file.FileOperations
	caCertPath string
	logger     zerolog.Logger

	mu        sync.Mutex
	handlers  transport.Handlers
	client    MQTTClient
	uplink    string
	downlink  string
	connected bool
	// gen identifies the current connection so a late loss callback from an old one is ignored.
	gen uint64
}

// NewTransport creates a disconnected MQTT transport. caCertPath is optional; when set the
// broker connection uses TLS with that CA.
func NewTransport(newClient ClientFactory, fileClient file.FileOperations, caCertPath string, logger zerolog.Logger) *Transport {
	if newClient == nil {
		newClient = DefaultClientFactory
	}
	return &Transport{
		newClient:  newClient,
		fileClient: fileClient,
		caCertPath: caCertPath,
		logger:     logger.With().Str("transport", "mqtt").Logger(),
	}
}

func (t *Transport) SetHandlers(h transport.Handlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = h
}

// BrokerURL maps the gateway address to a broker URL. http becomes tcp and https becomes ssl.
func BrokerURL(address string) (string, error) {
	if !strings.Contains(address, "://") {
		address = "tcp://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid gateway address %q: %w", address, err)
	}
	switch u.Scheme {
	case "http", "tcp", "mqtt":
		u.Scheme = "tcp"
		u.Path = ""
	case "https", "ssl", "tls", "mqtts":
		u.Scheme = "ssl"
		u.Path = ""
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid gateway address %q: missing host", address)
	}
	return u.String(), nil
}

// Topics returns the uplink and downlink topics for clientID under basePath.
func Topics(basePath, clientID string) (uplink, downlink string) {
	base := strings.Trim(basePath, "/")
	if base == "" {
		base = "tunnel"
	}
	return path.Join(base, "uplink"), path.Join(base, "downlink", clientID)
}

// Connect opens a broker session and subscribes to the device's downlink topic.
func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) error {
	broker, err := BrokerURL(opts.Address)
	if err != nil {
		return err
	}

	_ = t.Close()

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.ClientID)
	clientOpts.SetPassword(opts.Code)
	clientOpts.SetCleanSession(true)
	// Reconnection is owned by the tunnel client.
	clientOpts.SetAutoReconnect(false)
	clientOpts.SetConnectTimeout(timeoutFrom(ctx))
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.lost(gen, err)
	})

	if t.caCertPath != "" {
		tlsConfig, err := t.tlsConfig()
		if err != nil {
			return err
		}
		clientOpts.SetTLSConfig(tlsConfig)
	}

	client := t.newClient(clientOpts)
	t.logger.Debug().Str("broker", broker).Str("client_id", opts.ClientID).Msg("Connecting to broker")
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("connect %s: %w", broker, err)
	}

	uplink, downlink := Topics(opts.BasePath, opts.ClientID)
	if err := wait(ctx, client.Subscribe(downlink, qos, t.onMessage)); err != nil {
		client.Disconnect(disconnectQuiesce)
		return fmt.Errorf("subscribe %s: %w", downlink, err)
	}

	t.mu.Lock()
	t.client = client
	t.uplink = uplink
	t.downlink = downlink
	t.connected = true
	onConnected := t.handlers.OnConnected
	t.mu.Unlock()

	t.logger.Info().Str("uplink", uplink).Str("downlink", downlink).Msg("MQTT tunnel established")
	if onConnected != nil {
		onConnected()
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	client, uplink, connected := t.client, t.uplink, t.connected
	t.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}
	if err := wait(ctx, client.Publish(uplink, qos, false, data)); err != nil {
		return fmt.Errorf("publish %s: %w", uplink, err)
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close ends the broker session without firing OnDisconnected.
func (t *Transport) Close() error {
	t.mu.Lock()
	client, downlink, connected := t.client, t.downlink, t.connected
	t.client = nil
	t.connected = false
	t.gen++
	t.mu.Unlock()

	if client == nil || !connected {
		return nil
	}
	if token := client.Unsubscribe(downlink); token.WaitTimeout(time.Second) && token.Error() != nil {
		t.logger.Debug().Err(token.Error()).Msg("Unsubscribe failed")
	}
	client.Disconnect(disconnectQuiesce)
	return nil
}

func (t *Transport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	t.mu.Lock()
	onMessage := t.handlers.OnMessage
	t.mu.Unlock()
	if onMessage != nil {
		onMessage(msg.Payload())
	}
}

func (t *Transport) lost(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.client = nil
	onDisconnected := t.handlers.OnDisconnected
	t.mu.Unlock()

	t.logger.Warn().Err(err).Msg("MQTT connection lost")
	if onDisconnected != nil {
		onDisconnected(err)
	}
}

func (t *Transport) tlsConfig() (*tls.Config, error) {
	caCert, err := t.fileClient.ReadFileRaw(t.caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate from %s", t.caCertPath)
	}
	return &tls.Config{RootCAs: caCertPool, MinVersion: tls.VersionTLS12}, nil
}

// wait blocks until token completes or ctx ends.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func timeoutFrom(ctx context.Context) time.Duration {
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining > 0 {
			return remaining
		}
	}
	return defaultTimeout
}
