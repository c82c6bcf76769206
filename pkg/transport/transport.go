package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Send when the transport has no live connection.
var ErrNotConnected = errors.New("transport: not connected")

// ConnectOptions identifies the gateway endpoint and the credentials presented to it.
type ConnectOptions struct {
	Address  string
	Code     string
	BasePath string
	ClientID string
}

// Handlers receive transport lifecycle events and inbound frames.
// A deliberate Close does not invoke OnDisconnected.
type Handlers struct {
	OnConnected    func()
	OnDisconnected func(err error)
	OnError        func(err error)
	OnMessage      func(data []byte)
}

// Transport is the bidirectional message channel between device and gateway.
type Transport interface {
	SetHandlers(h Handlers)
	Connect(ctx context.Context, opts ConnectOptions) error
	Send(ctx context.Context, data []byte) error
	IsConnected() bool
	Close() error
}
