// Package tunneltest provides an in-memory transport for exercising the tunnel and the
// services built on it without a gateway.
package tunneltest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/fleet-agent/internal/constants"
	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/pkg/transport"
)

// Responder builds the gateway's reply to an outbound message. Returning nil sends nothing.
type Responder func(req models.Message) *models.Message

// FakeTransport records outbound messages and plays scripted replies.
type FakeTransport struct {
	mu           sync.Mutex
	handlers     transport.Handlers
	connected    bool
	connectErr   error
	sendErr      error
	responder    Responder
	replyDelay   time.Duration
	connectCalls int
	lastOptions  transport.ConnectOptions
	sent         []models.Message
}

// NewFakeTransport creates a disconnected fake.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

func (f *FakeTransport) SetHandlers(h transport.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

// SetConnectError makes subsequent Connect calls fail with err (nil to succeed).
func (f *FakeTransport) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// SetSendError makes subsequent Send calls fail with err (nil to succeed).
func (f *FakeTransport) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// SetResponder installs r to answer outbound messages after delay.
func (f *FakeTransport) SetResponder(r Responder, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responder = r
	f.replyDelay = delay
}

func (f *FakeTransport) Connect(_ context.Context, opts transport.ConnectOptions) error {
	f.mu.Lock()
	f.connectCalls++
	f.lastOptions = opts
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	f.connected = true
	onConnected := f.handlers.OnConnected
	f.mu.Unlock()

	if onConnected != nil {
		onConnected()
	}
	return nil
}

func (f *FakeTransport) Send(_ context.Context, data []byte) error {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return transport.ErrNotConnected
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, msg)
	responder, delay := f.responder, f.replyDelay
	f.mu.Unlock()

	if responder == nil {
		return nil
	}
	if reply := responder(msg); reply != nil {
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			f.Deliver(*reply)
		}()
	}
	return nil
}

func (f *FakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// Drop simulates a connection loss and fires OnDisconnected.
func (f *FakeTransport) Drop(reason error) {
	if reason == nil {
		reason = errors.New("connection reset by peer")
	}
	f.mu.Lock()
	f.connected = false
	onDisconnected := f.handlers.OnDisconnected
	f.mu.Unlock()

	if onDisconnected != nil {
		onDisconnected(reason)
	}
}

// Deliver pushes an inbound message to the tunnel.
func (f *FakeTransport) Deliver(msg models.Message) {
	data, _ := json.Marshal(msg)
	f.mu.Lock()
	onMessage := f.handlers.OnMessage
	f.mu.Unlock()
	if onMessage != nil {
		onMessage(data)
	}
}

// Sent returns a copy of every message sent so far.
func (f *FakeTransport) Sent() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.sent...)
}

// SentOfType returns the sent messages of type t.
func (f *FakeTransport) SentOfType(t string) []models.Message {
	var out []models.Message
	for _, m := range f.Sent() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// ConnectCalls returns how many times Connect was invoked.
func (f *FakeTransport) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// LastOptions returns the options of the most recent Connect call.
func (f *FakeTransport) LastOptions() transport.ConnectOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOptions
}

// Reply builds the response to req of the matching type carrying payload.
func Reply(req models.Message, payload any) *models.Message {
	raw, _ := json.Marshal(payload)
	return &models.Message{
		Type:      constants.ResponseTypeFor(req.Type),
		To:        req.From,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
}

// GatewayResponder answers registrations with registerAck and acknowledges heartbeats and
// model reports. A nil registerAck leaves registrations unanswered.
func GatewayResponder(registerAck *models.DeviceRegisterResponse) Responder {
	return func(req models.Message) *models.Message {
		switch req.Type {
		case constants.MsgDeviceRegisterRequest:
			if registerAck == nil {
				return nil
			}
			return Reply(req, registerAck)
		case constants.MsgDeviceHeartbeatReport:
			return Reply(req, models.HeartbeatResponse{Success: true})
		case constants.MsgDeviceModelReport:
			return Reply(req, models.ModelReportResponse{Success: true})
		}
		return nil
	}
}
