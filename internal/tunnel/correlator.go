package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/internal/constants"
	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/pkg/errdefs"
)

// Dispatcher hands an outbound message to the transport.
type Dispatcher func(ctx context.Context, msg models.Message) error

// CorrelationKey builds the key a response of responseType addressed to targetID resolves.
func CorrelationKey(responseType, targetID string) string {
	return responseType + ":" + targetID
}

type outcome struct {
	msg models.Message
	err error
}

// pendingRequest lives from Send until the first matching response or its timeout.
type pendingRequest struct {
	key         string
	messageType string
	createdAt   time.Time
	done        chan outcome
	once        sync.Once

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// arm starts the timeout unless the request was already settled.
func (p *pendingRequest) arm(timeout time.Duration, expire func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.timer = time.AfterFunc(timeout, expire)
}

func (p *pendingRequest) stopTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (p *pendingRequest) complete(o outcome) bool {
	delivered := false
	p.once.Do(func() {
		p.done <- o
		delivered = true
	})
	return delivered
}

// Correlator matches asynchronous replies to outstanding requests.
// Only one request per (response type, target) may be pending at a time.
type Correlator struct {
	pending  cmap.ConcurrentMap[string, *pendingRequest]
	dispatch Dispatcher
	logger   zerolog.Logger
}

// NewCorrelator creates a Correlator that sends through dispatch.
func NewCorrelator(dispatch Dispatcher, logger zerolog.Logger) *Correlator {
	return &Correlator{
		pending:  cmap.New[*pendingRequest](),
		dispatch: dispatch,
		logger:   logger,
	}
}

// Send dispatches a request of msgType from targetID and waits for its reply.
// It fails with errdefs.ErrTimeout when no reply arrives within timeout and with
// errdefs.ErrRequestInFlight when an identical request is still pending.
func (c *Correlator) Send(ctx context.Context, msgType, targetID string, payload any, timeout time.Duration) (models.Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}

	responseType := constants.ResponseTypeFor(msgType)
	key := CorrelationKey(responseType, targetID)
	req := &pendingRequest{
		key:         key,
		messageType: msgType,
		createdAt:   time.Now(),
		done:        make(chan outcome, 1),
	}
	if !c.pending.SetIfAbsent(key, req) {
		return models.Message{}, fmt.Errorf("%w: %s", errdefs.ErrRequestInFlight, key)
	}
	defer func() {
		req.stopTimer()
		c.remove(req)
	}()
	req.arm(timeout, func() {
		c.remove(req)
		if req.complete(outcome{err: fmt.Errorf("%w: no %s for %s within %s", errdefs.ErrTimeout, responseType, targetID, timeout)}) {
			c.logger.Warn().Str("key", key).Dur("timeout", timeout).Msg("Request timed out")
		}
	})

	msg := models.Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		From:      targetID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}

	c.logger.Debug().Str("type", msgType).Str("key", key).Str("message_id", msg.ID).Msg("Dispatching request")
	if err := c.dispatch(ctx, msg); err != nil {
		if !errors.Is(err, errdefs.ErrTransport) {
			err = fmt.Errorf("%w: %w", errdefs.ErrTransport, err)
		}
		return models.Message{}, err
	}

	select {
	case o := <-req.done:
		if o.err == nil {
			c.logger.Debug().Str("key", key).Dur("elapsed", time.Since(req.createdAt)).Msg("Response received")
		}
		return o.msg, o.err
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}

// Resolve delivers an inbound message to its pending request.
// It returns false when nothing was waiting, in which case the message is dropped.
func (c *Correlator) Resolve(msg models.Message) bool {
	key := CorrelationKey(msg.Type, msg.To)
	req, ok := c.pending.Pop(key)
	if !ok {
		c.logger.Debug().Str("type", msg.Type).Str("key", key).Msg("Dropping response with no pending request")
		return false
	}
	req.stopTimer()
	if !req.complete(outcome{msg: msg}) {
		c.logger.Debug().Str("key", key).Msg("Dropping late response for completed request")
		return false
	}
	return true
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	return c.pending.Count()
}

// remove deletes req from the table only if it is still the entry for its key.
func (c *Correlator) remove(req *pendingRequest) {
	c.pending.RemoveCb(req.key, func(_ string, v *pendingRequest, exists bool) bool {
		return exists && v == req
	})
}
