// Package ws implements the gateway tunnel over a websocket.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/pkg/transport"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 10 * time.Second
	defaultWriteWait    = 10 * time.Second
	maxMessageSize      = 1 << 20
)

// Options tunes keepalive behaviour. Zero values use the defaults.
type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// Transport is a transport.Transport backed by a gorilla websocket connection.
type Transport struct {
	dialer *websocket.Dialer
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	handlers transport.Handlers
	conn     *websocket.Conn
	done     chan struct{}

	// writeMu serializes writes on conn; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// NewTransport creates a disconnected websocket transport.
func NewTransport(opts Options, logger zerolog.Logger) *Transport {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	return &Transport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		opts:   opts,
		logger: logger.With().Str("transport", "ws").Logger(),
	}
}

func (t *Transport) SetHandlers(h transport.Handlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = h
}

// EndpointURL maps the gateway address and base path to the websocket URL.
// http becomes ws and https becomes wss.
func EndpointURL(address, basePath string) (string, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid gateway address %q: %w", address, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid gateway address %q: missing host", address)
	}
	if basePath != "" {
		u.Path = path.Join("/", u.Path, basePath)
	}
	return u.String(), nil
}

// Connect dials the gateway, replacing any existing connection.
func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) error {
	endpoint, err := EndpointURL(opts.Address, opts.BasePath)
	if err != nil {
		return err
	}

	headers := http.Header{}
	if opts.Code != "" {
		headers.Set("Authorization", "Bearer "+opts.Code)
	}
	if opts.ClientID != "" {
		headers.Set("X-Device-Id", opts.ClientID)
	}

	t.logger.Debug().Str("url", endpoint).Msg("Dialing gateway")
	conn, resp, err := t.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", endpoint, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	_ = t.Close()

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.done = done
	onConnected := t.handlers.OnConnected
	t.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(t.opts.PingInterval + t.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.opts.PingInterval + t.opts.PongWait))
	})

	go t.readLoop(conn)
	go t.pingLoop(conn, done)

	if onConnected != nil {
		onConnected()
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}

	deadline := time.Now().Add(t.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Close sends a close frame and drops the connection without firing OnDisconnected.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn, t.done = nil, nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(done)

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	return conn.Close()
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.lost(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.PingInterval + t.opts.PongWait))

		t.mu.Lock()
		onMessage := t.handlers.OnMessage
		t.mu.Unlock()
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteWait))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

// lost handles a read failure. Failures on a connection that was closed deliberately are ignored.
func (t *Transport) lost(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	done := t.done
	t.conn, t.done = nil, nil
	handlers := t.handlers
	t.mu.Unlock()

	close(done)
	_ = conn.Close()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		t.logger.Warn().Err(err).Msg("Websocket closed unexpectedly")
	} else {
		t.logger.Debug().Err(err).Msg("Websocket closed")
	}
	if handlers.OnDisconnected != nil {
		handlers.OnDisconnected(err)
	}
}
