package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/fleet-agent/internal/constants"
	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/pkg/errdefs"
)

// recordingDispatcher captures dispatched messages for inspection.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []models.Message
	err  error
	hook func(models.Message)
}

func (d *recordingDispatcher) dispatch(_ context.Context, msg models.Message) error {
	d.mu.Lock()
	d.sent = append(d.sent, msg)
	err, hook := d.err, d.hook
	d.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return err
}

func response(msgType, to string, payload string) models.Message {
	return models.Message{Type: msgType, To: to, Payload: json.RawMessage(payload)}
}

func TestCorrelator_ResolvesMatchingResponse(t *testing.T) {
	d := &recordingDispatcher{}
	c := NewCorrelator(d.dispatch, zerolog.Nop())
	d.hook = func(msg models.Message) {
		go func() {
			assert.True(t, c.Resolve(response(constants.MsgDeviceRegisterResponse, msg.From, `{"status":"connected"}`)))
		}()
	}

	msg, err := c.Send(context.Background(), constants.MsgDeviceRegisterRequest, "dev-1", map[string]string{"code": "abc"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, constants.MsgDeviceRegisterResponse, msg.Type)
	assert.JSONEq(t, `{"status":"connected"}`, string(msg.Payload))
	assert.Equal(t, 0, c.Pending())

	require.Len(t, d.sent, 1)
	assert.Equal(t, "dev-1", d.sent[0].From)
	assert.NotEmpty(t, d.sent[0].ID)
}

func TestCorrelator_ResponseForOtherKeyDoesNotResolve(t *testing.T) {
	d := &recordingDispatcher{}
	c := NewCorrelator(d.dispatch, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), constants.MsgDeviceRegisterRequest, "dev-1", nil, 200*time.Millisecond)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	assert.False(t, c.Resolve(response(constants.MsgDeviceRegisterResponse, "dev-2", `{}`)))
	assert.False(t, c.Resolve(response(constants.MsgDeviceHeartbeatResp, "dev-1", `{}`)))
	assert.Equal(t, 1, c.Pending())

	assert.True(t, c.Resolve(response(constants.MsgDeviceRegisterResponse, "dev-1", `{}`)))
	assert.NoError(t, <-done)
}

func TestCorrelator_UnmatchedResponseIsDropped(t *testing.T) {
	c := NewCorrelator((&recordingDispatcher{}).dispatch, zerolog.Nop())
	assert.False(t, c.Resolve(response(constants.MsgDeviceHeartbeatResp, "dev-1", `{}`)))
}

func TestCorrelator_TimeoutRemovesPendingAndIgnoresLateResponse(t *testing.T) {
	c := NewCorrelator((&recordingDispatcher{}).dispatch, zerolog.Nop())

	start := time.Now()
	_, err := c.Send(context.Background(), constants.MsgDeviceRegisterRequest, "dev-1", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrTimeout))
	assert.Contains(t, err.Error(), "timeout")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, c.Pending())

	assert.False(t, c.Resolve(response(constants.MsgDeviceRegisterResponse, "dev-1", `{}`)))
}

func TestCorrelator_DuplicateResponseResolvesOnce(t *testing.T) {
	d := &recordingDispatcher{}
	c := NewCorrelator(d.dispatch, zerolog.Nop())

	results := make(chan bool, 2)
	d.hook = func(msg models.Message) {
		go func() {
			resp := response(constants.MsgDeviceHeartbeatResp, msg.From, `{"success":true}`)
			results <- c.Resolve(resp)
			results <- c.Resolve(resp)
		}()
	}

	_, err := c.Send(context.Background(), constants.MsgDeviceHeartbeatReport, "dev-1", nil, time.Second)
	require.NoError(t, err)
	first, second := <-results, <-results
	assert.True(t, first)
	assert.False(t, second)
}

func TestCorrelator_RejectsSecondRequestForSameKey(t *testing.T) {
	c := NewCorrelator((&recordingDispatcher{}).dispatch, zerolog.Nop())

	go func() {
		_, _ = c.Send(context.Background(), constants.MsgDeviceHeartbeatReport, "dev-1", nil, 300*time.Millisecond)
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	_, err := c.Send(context.Background(), constants.MsgDeviceHeartbeatReport, "dev-1", nil, time.Second)
	assert.True(t, errors.Is(err, errdefs.ErrRequestInFlight))

	// A different target is an independent key.
	go func() {
		_, _ = c.Send(context.Background(), constants.MsgDeviceHeartbeatReport, "dev-2", nil, 300*time.Millisecond)
	}()
	require.Eventually(t, func() bool { return c.Pending() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCorrelator_RejectedRequestLeavesPendingEntryIntact(t *testing.T) {
	c := NewCorrelator((&recordingDispatcher{}).dispatch, zerolog.Nop())

	results := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), constants.MsgDeviceHeartbeatReport, "dev-1", nil, time.Second)
		results <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	// The rejected call returns at once and never times out the original entry.
	start := time.Now()
	_, err := c.Send(context.Background(), constants.MsgDeviceHeartbeatReport, "dev-1", nil, time.Millisecond)
	assert.True(t, errors.Is(err, errdefs.ErrRequestInFlight))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, c.Pending())

	require.True(t, c.Resolve(response(constants.MsgDeviceHeartbeatResp, "dev-1", `{"success":true}`)))
	assert.NoError(t, <-results)
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_DispatchFailureIsTransportError(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("broken pipe")}
	c := NewCorrelator(d.dispatch, zerolog.Nop())

	_, err := c.Send(context.Background(), constants.MsgDeviceRegisterRequest, "dev-1", nil, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrTransport))
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_ContextCancellation(t *testing.T) {
	c := NewCorrelator((&recordingDispatcher{}).dispatch, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Send(ctx, constants.MsgDeviceRegisterRequest, "dev-1", nil, time.Second)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, c.Pending())
}
