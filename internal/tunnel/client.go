package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/internal/constants"
	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/internal/utils"
	"github.com/benmeehan/fleet-agent/pkg/errdefs"
	"github.com/benmeehan/fleet-agent/pkg/transport"
)

// Options tunes request windows and inbound processing.
type Options struct {
	RegistrationTimeout time.Duration
	HeartbeatTimeout    time.Duration
	ModelReportTimeout  time.Duration
	ConnectTimeout      time.Duration
	InboundWorkers      int
}

func (o *Options) applyDefaults() {
	if o.RegistrationTimeout <= 0 {
		o.RegistrationTimeout = constants.DefaultRegistrationTimeout
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = constants.DefaultHeartbeatTimeout
	}
	if o.ModelReportTimeout <= 0 {
		o.ModelReportTimeout = constants.DefaultModelReportTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if o.InboundWorkers <= 0 {
		o.InboundWorkers = 2
	}
}

// Client sends typed protocol messages through a transport and correlates their replies.
// Transport lifecycle changes are published on the EventBus.
type Client struct {
	transport  transport.Transport
	correlator *Correlator
	bus        *EventBus
	pool       *utils.WorkerPool
	opts       Options
	logger     zerolog.Logger

	// connMu serializes connect and reconnect.
	connMu sync.Mutex
	params *transport.ConnectOptions

	closeMu sync.RWMutex
	closed  bool
}

// NewClient wires a Client on top of t and takes over t's handlers.
func NewClient(t transport.Transport, bus *EventBus, opts Options, logger zerolog.Logger) *Client {
	opts.applyDefaults()

	c := &Client{
		transport: t,
		bus:       bus,
		pool:      utils.NewWorkerPool(opts.InboundWorkers),
		opts:      opts,
		logger:    logger,
	}
	c.correlator = NewCorrelator(c.dispatch, logger)

	t.SetHandlers(transport.Handlers{
		OnConnected: func() {
			c.logger.Info().Msg("Tunnel connected")
			bus.Publish(Event{Type: EventConnected})
		},
		OnDisconnected: func(err error) {
			c.logger.Warn().Err(err).Msg("Tunnel disconnected")
			bus.Publish(Event{Type: EventDisconnected, Err: err})
		},
		OnError: func(err error) {
			c.logger.Error().Err(err).Msg("Tunnel error")
			bus.Publish(Event{Type: EventError, Err: err})
		},
		OnMessage: c.onMessage,
	})
	return c
}

// Bus returns the event bus lifecycle events are published on.
func (c *Client) Bus() *EventBus {
	return c.bus
}

// EnsureConnected connects to the gateway unless already connected with the same parameters.
func (c *Client) EnsureConnected(ctx context.Context, opts transport.ConnectOptions) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.transport.IsConnected() {
		if c.params != nil && *c.params == opts {
			return nil
		}
		c.logger.Info().Str("address", opts.Address).Msg("Connection parameters changed, reconnecting")
		if err := c.transport.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close previous tunnel connection")
		}
	}
	return c.connectLocked(ctx, opts)
}

// Reconnect drops the current connection and connects again with the last used parameters.
func (c *Client) Reconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.params == nil {
		return fmt.Errorf("%w: no previous connection parameters", errdefs.ErrNotConnected)
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Close before reconnect failed")
	}
	return c.connectLocked(ctx, *c.params)
}

func (c *Client) connectLocked(ctx context.Context, opts transport.ConnectOptions) error {
	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	c.logger.Info().Str("address", opts.Address).Str("base_path", opts.BasePath).Msg("Connecting tunnel")
	if err := c.transport.Connect(connectCtx, opts); err != nil {
		return fmt.Errorf("%w: connect %s: %w", errdefs.ErrTransport, opts.Address, err)
	}
	p := opts
	c.params = &p
	return nil
}

// IsConnected reports whether the transport has a live connection.
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

// SendRegistration sends a device_register_request and waits for the ack.
// A reply that cannot be decoded is reported as errdefs.ErrRejected.
func (c *Client) SendRegistration(ctx context.Context, deviceID string, req models.DeviceRegisterRequest) (*models.DeviceRegisterResponse, error) {
	msg, err := c.correlator.Send(ctx, constants.MsgDeviceRegisterRequest, deviceID, req, c.opts.RegistrationTimeout)
	if err != nil {
		return nil, err
	}

	var resp models.DeviceRegisterResponse
	if err := msg.DecodePayload(&resp); err != nil {
		return nil, fmt.Errorf("%w: malformed %s: %w", errdefs.ErrRejected, msg.Type, err)
	}
	return &resp, nil
}

// SendHeartbeat sends a heartbeat report and reports whether the gateway acknowledged it.
// Failures are logged at debug level and never returned.
func (c *Client) SendHeartbeat(ctx context.Context, deviceID string, report models.HeartbeatReport) bool {
	resp, err := c.RequestHeartbeat(ctx, deviceID, report)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Heartbeat not acknowledged")
		return false
	}
	if !resp.Success {
		c.logger.Debug().Str("message", resp.Message).Msg("Gateway refused heartbeat")
	}
	return resp.Success
}

// RequestHeartbeat sends a heartbeat report and returns the gateway's answer.
// A heartbeat still awaiting its ack fails with errdefs.ErrRequestInFlight.
func (c *Client) RequestHeartbeat(ctx context.Context, deviceID string, report models.HeartbeatReport) (*models.HeartbeatResponse, error) {
	msg, err := c.correlator.Send(ctx, constants.MsgDeviceHeartbeatReport, deviceID, report, c.opts.HeartbeatTimeout)
	if err != nil {
		return nil, err
	}

	var resp models.HeartbeatResponse
	if err := msg.DecodePayload(&resp); err != nil {
		return nil, fmt.Errorf("%w: malformed %s: %w", errdefs.ErrRejected, msg.Type, err)
	}
	return &resp, nil
}

// SendModelReport reports the device's local models and waits for the ack.
func (c *Client) SendModelReport(ctx context.Context, report models.ModelReport) (*models.ModelReportResponse, error) {
	msg, err := c.correlator.Send(ctx, constants.MsgDeviceModelReport, report.DeviceID, report, c.opts.ModelReportTimeout)
	if err != nil {
		return nil, err
	}

	var resp models.ModelReportResponse
	if err := msg.DecodePayload(&resp); err != nil {
		return nil, fmt.Errorf("%w: malformed %s: %w", errdefs.ErrRejected, msg.Type, err)
	}
	return &resp, nil
}

// Close disconnects the transport and stops inbound processing.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	err := c.transport.Close()
	c.pool.Shutdown()
	return err
}

// dispatch writes msg to the transport, reconnecting and resending once on a transport failure.
func (c *Client) dispatch(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	err = c.transport.Send(ctx, data)
	if err == nil {
		return nil
	}

	c.logger.Warn().Err(err).Str("type", msg.Type).Msg("Send failed, reconnecting once before resending")
	if rerr := c.Reconnect(ctx); rerr != nil {
		return fmt.Errorf("%w: send %s: %w", errdefs.ErrTransport, msg.Type, errors.Join(err, rerr))
	}
	if err := c.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("%w: resend %s: %w", errdefs.ErrTransport, msg.Type, err)
	}
	return nil
}

func (c *Client) onMessage(data []byte) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return
	}
	c.pool.Submit(func() { c.handleInbound(data) })
}

func (c *Client) handleInbound(data []byte) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Discarding malformed tunnel message")
		return
	}
	if msg.Type == "" {
		c.logger.Warn().Msg("Discarding tunnel message without type")
		return
	}
	c.correlator.Resolve(msg)
}
