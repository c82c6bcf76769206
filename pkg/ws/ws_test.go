package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/fleet-agent/pkg/transport"
)

// echoGateway upgrades connections on /tunnel, echoes frames back and records the handshake headers.
type echoGateway struct {
	mu      sync.Mutex
	headers http.Header
	path    string
	conns   []*websocket.Conn
}

func (g *echoGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.headers = r.Header.Clone()
	g.path = r.URL.Path
	g.conns = append(g.conns, conn)
	g.mu.Unlock()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func (g *echoGateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		_ = c.Close()
	}
}

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		address, basePath, want string
	}{
		{"http://gw.example.com", "/tunnel", "ws://gw.example.com/tunnel"},
		{"https://gw.example.com:8443", "tunnel", "wss://gw.example.com:8443/tunnel"},
		{"https://gw.example.com/api", "/tunnel", "wss://gw.example.com/api/tunnel"},
		{"gw.example.com", "", "ws://gw.example.com"},
		{"wss://gw.example.com", "/t", "wss://gw.example.com/t"},
	}
	for _, tc := range cases {
		got, err := EndpointURL(tc.address, tc.basePath)
		require.NoError(t, err, tc.address)
		assert.Equal(t, tc.want, got)
	}

	_, err := EndpointURL("ftp://gw.example.com", "")
	assert.Error(t, err)
}

func TestTransport_ConnectSendReceive(t *testing.T) {
	gw := &echoGateway{}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	tr := NewTransport(Options{}, zerolog.Nop())
	received := make(chan []byte, 1)
	connected := make(chan struct{}, 1)
	tr.SetHandlers(transport.Handlers{
		OnConnected: func() { connected <- struct{}{} },
		OnMessage:   func(data []byte) { received <- data },
	})

	err := tr.Connect(context.Background(), transport.ConnectOptions{
		Address:  srv.URL,
		Code:     "abc",
		BasePath: "/tunnel",
		ClientID: "dev-1",
	})
	require.NoError(t, err)
	defer tr.Close()

	<-connected
	assert.True(t, tr.IsConnected())

	gw.mu.Lock()
	assert.Equal(t, "Bearer abc", gw.headers.Get("Authorization"))
	assert.Equal(t, "dev-1", gw.headers.Get("X-Device-Id"))
	assert.Equal(t, "/tunnel", gw.path)
	gw.mu.Unlock()

	require.NoError(t, tr.Send(context.Background(), []byte(`{"type":"ping"}`)))
	select {
	case data := <-received:
		assert.JSONEq(t, `{"type":"ping"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestTransport_SendWhenDisconnected(t *testing.T) {
	tr := NewTransport(Options{}, zerolog.Nop())
	err := tr.Send(context.Background(), []byte("{}"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.NoError(t, tr.Close())
}

func TestTransport_ServerDropFiresDisconnected(t *testing.T) {
	gw := &echoGateway{}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	tr := NewTransport(Options{}, zerolog.Nop())
	disconnected := make(chan error, 1)
	tr.SetHandlers(transport.Handlers{OnDisconnected: func(err error) { disconnected <- err }})

	require.NoError(t, tr.Connect(context.Background(), transport.ConnectOptions{Address: srv.URL}))
	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.conns) == 1
	}, time.Second, 5*time.Millisecond)

	gw.dropAll()
	select {
	case err := <-disconnected:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not fired")
	}
	assert.False(t, tr.IsConnected())
}

func TestTransport_CloseDoesNotFireDisconnected(t *testing.T) {
	srv := httptest.NewServer(&echoGateway{})
	defer srv.Close()

	tr := NewTransport(Options{}, zerolog.Nop())
	disconnected := make(chan error, 1)
	tr.SetHandlers(transport.Handlers{OnDisconnected: func(err error) { disconnected <- err }})

	require.NoError(t, tr.Connect(context.Background(), transport.ConnectOptions{Address: srv.URL}))
	require.NoError(t, tr.Close())
	assert.False(t, tr.IsConnected())

	select {
	case <-disconnected:
		t.Fatal("deliberate close reported as disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransport_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tr := NewTransport(Options{}, zerolog.Nop())
	err := tr.Connect(context.Background(), transport.ConnectOptions{Address: srv.URL})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "404"))
	assert.False(t, tr.IsConnected())
}
