package tunnel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/fleet-agent/internal/constants"
	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/internal/tunnel"
	"github.com/benmeehan/fleet-agent/internal/tunnel/tunneltest"
	"github.com/benmeehan/fleet-agent/pkg/errdefs"
	"github.com/benmeehan/fleet-agent/pkg/transport"
)

var testConn = transport.ConnectOptions{Address: "http://gw", Code: "abc", BasePath: "/tunnel", ClientID: "dev-1"}

func newTestClient(t *testing.T, opts tunnel.Options) (*tunnel.Client, *tunneltest.FakeTransport, *tunnel.EventBus) {
	t.Helper()
	fake := tunneltest.NewFakeTransport()
	bus := tunnel.NewEventBus(zerolog.Nop())
	client := tunnel.NewClient(fake, bus, opts, zerolog.Nop())
	t.Cleanup(func() { _ = client.Close() })
	return client, fake, bus
}

func TestClient_EnsureConnectedIsIdempotent(t *testing.T) {
	client, fake, _ := newTestClient(t, tunnel.Options{})

	require.NoError(t, client.EnsureConnected(context.Background(), testConn))
	require.NoError(t, client.EnsureConnected(context.Background(), testConn))
	assert.Equal(t, 1, fake.ConnectCalls())
	assert.True(t, client.IsConnected())

	changed := testConn
	changed.ClientID = "dev-2"
	require.NoError(t, client.EnsureConnected(context.Background(), changed))
	assert.Equal(t, 2, fake.ConnectCalls())
	assert.Equal(t, "dev-2", fake.LastOptions().ClientID)
}

func TestClient_EnsureConnectedFailureIsTransportError(t *testing.T) {
	client, fake, _ := newTestClient(t, tunnel.Options{})
	fake.SetConnectError(errors.New("connection refused"))

	err := client.EnsureConnected(context.Background(), testConn)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrTransport))
	assert.False(t, client.IsConnected())
}

func TestClient_SendRegistration(t *testing.T) {
	client, fake, _ := newTestClient(t, tunnel.Options{})
	fake.SetResponder(tunneltest.GatewayResponder(&models.DeviceRegisterResponse{Status: "connected", DeviceID: "gw-id"}), 5*time.Millisecond)
	require.NoError(t, client.EnsureConnected(context.Background(), testConn))

	resp, err := client.SendRegistration(context.Background(), "dev-1", models.DeviceRegisterRequest{Code: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "connected", resp.Status)
	assert.Equal(t, "gw-id", resp.DeviceID)

	sent := fake.SentOfType(constants.MsgDeviceRegisterRequest)
	require.Len(t, sent, 1)
	assert.Equal(t, "dev-1", sent[0].From)
}

func TestClient_SendRegistrationMalformedAck(t *testing.T) {
	client, fake, _ := newTestClient(t, tunnel.Options{})
	fake.SetResponder(func(req models.Message) *models.Message {
		reply := tunneltest.Reply(req, nil)
		reply.Payload = []byte(`"not an object"`)
		return reply
	}, 0)
	require.NoError(t, client.EnsureConnected(context.Background(), testConn))

	_, err := client.SendRegistration(context.Background(), "dev-1", models.DeviceRegisterRequest{})
	assert.True(t, errors.Is(err, errdefs.ErrRejected))
}

func TestClient_SendRegistrationTimeout(t *testing.T) {
	client, fake, _ := newTestClient(t, tunnel.Options{RegistrationTimeout: 30 * time.Millisecond})
	require.NoError(t, client.EnsureConnected(context.Background(), testConn))

	_, err := client.SendRegistration(context.Background(), "dev-1", models.DeviceRegisterRequest{})
	assert.True(t, errors.Is(err, errdefs.ErrTimeout))
	assert.Len(t, fake.Sent(), 1)
}

func TestClient_SendHeartbeatNeverRaises(t *testing.T) {
	client, fake, _ := newTestClient(t, tunnel.Options{HeartbeatTimeout: 30 * time.Millisecond})

	// Never connected: send fails, reconnect has no parameters.
	assert.False(t, client.SendHeartbeat(context.Background(), "dev-1", models.HeartbeatReport{Code: "abc"}))

	require.NoError(t, client.EnsureConnected(context.Background(), testConn))
	assert.False(t, client.SendHeartbeat(context.Background(), "dev-1", models.HeartbeatReport{Code: "abc"}))

	fake.SetResponder(tunneltest.GatewayResponder(nil), 0)
	assert.True(t, client.SendHeartbeat(context.Background(), "dev-1", models.HeartbeatReport{Code: "abc"}))
}

func TestClient_RequestHeartbeatReportsInFlight(t *testing.T) {
	client, fake, _ := newTestClient(t, tunnel.Options{HeartbeatTimeout: 200 * time.Millisecond})
	require.NoError(t, client.EnsureConnected(context.Background(), testConn))

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.SendHeartbeat(context.Background(), "dev-1", models.HeartbeatReport{Code: "abc"})
	}()
	require.Eventually(t, func() bool {
		return len(fake.SentOfType(constants.MsgDeviceHeartbeatReport)) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := client.RequestHeartbeat(context.Background(), "dev-1", models.HeartbeatReport{Code: "abc"})
	assert.True(t, errors.Is(err, errdefs.ErrRequestInFlight))
	<-done
}

func TestClient_ReconnectsOnceOnSendFailure(t *testing.T) {
	client, fake, _ := newTestClient(t, tunnel.Options{})
	fake.SetResponder(tunneltest.GatewayResponder(nil), 0)
	require.NoError(t, client.EnsureConnected(context.Background(), testConn))

	// The connection silently died: the first send fails, the client reconnects and resends.
	require.NoError(t, fake.Close())
	assert.True(t, client.SendHeartbeat(context.Background(), "dev-1", models.HeartbeatReport{}))
	assert.Equal(t, 2, fake.ConnectCalls())
}

func TestClient_ResendFailureIsTransportError(t *testing.T) {
	client, fake, _ := newTestClient(t, tunnel.Options{})
	require.NoError(t, client.EnsureConnected(context.Background(), testConn))
	fake.SetSendError(errors.New("write: broken pipe"))

	_, err := client.SendModelReport(context.Background(), models.ModelReport{DeviceID: "dev-1"})
	assert.True(t, errors.Is(err, errdefs.ErrTransport))
	assert.Equal(t, 2, fake.ConnectCalls())
}

func TestClient_PublishesLifecycleEvents(t *testing.T) {
	client, fake, bus := newTestClient(t, tunnel.Options{})

	var mu sync.Mutex
	var got []tunnel.EventType
	bus.Subscribe(func(ev tunnel.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Type)
	})

	require.NoError(t, client.EnsureConnected(context.Background(), testConn))
	fake.Drop(errors.New("eof"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []tunnel.EventType{tunnel.EventConnected, tunnel.EventDisconnected}, got)
}

func TestClient_DiscardsMalformedInbound(t *testing.T) {
	client, fake, _ := newTestClient(t, tunnel.Options{})
	require.NoError(t, client.EnsureConnected(context.Background(), testConn))

	// Neither of these may panic or resolve anything.
	fake.Deliver(models.Message{})
	fake.Deliver(models.Message{Type: constants.MsgDeviceHeartbeatResp, To: "nobody"})
	assert.True(t, client.IsConnected())
}
