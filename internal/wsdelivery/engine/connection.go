// Package engine implements the per-connection reliable push machinery:
// every frame sent to a client must be acknowledged, unacked frames are
// retransmitted on a timer, and connections that stop acking or fall behind
// are torn down.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pushrelay/pushrelay/internal/wire"
)

// Close reasons reported to the sender on teardown.
const (
	CloseReasonUnresponsive = "unresponsive"
	CloseReasonLagged       = "lagged"
	CloseReasonWriteFailed  = "write failed"
	CloseReasonShutdown     = "shutdown"
)

// Sender is the socket write side owned by the transport layer.
type Sender interface {
	// Send writes one binary frame.
	Send(payload []byte) error
	// Close closes the socket with a reason visible to the client.
	Close(reason string)
}

// ConfirmationSink receives a confirmation each time this connection's user
// acks a frame that carried a NEW notification.
type ConfirmationSink interface {
	Confirm(ctx context.Context, notificationID, userID string, ts time.Time)
}

// Config holds the push engine timing knobs.
type Config struct {
	PingInterval  time.Duration
	RetryInterval time.Duration
	RetryMaxCount int
	BufferSize    int
}

// DefaultConfig returns the default push engine configuration.
func DefaultConfig() Config {
	return Config{
		PingInterval:  30 * time.Second,
		RetryInterval: 10 * time.Second,
		RetryMaxCount: 5,
		BufferSize:    16,
	}
}

// inflightFrame is a sent, not yet acked frame. Retransmits reuse the exact
// payload bytes so the client sees a stable message_id.
type inflightFrame struct {
	payload        []byte
	attempts       int // retransmissions, the initial send not counted
	nextRetryAt    time.Time
	notificationID string // set when the frame carried a NEW notification
}

// Connection is one client's push engine. A single Run goroutine owns all
// mutable state; the transport feeds it through Enqueue and OnAck.
type Connection struct {
	ID       uuid.UUID
	UserID   string
	DeviceID string

	config  Config
	sender  Sender
	sink    ConfirmationSink
	logger  *logrus.Entry
	onClose func(*Connection)
	now     func() time.Time

	inbound chan *wire.Frame
	acks    chan string

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection creates a push engine for one accepted socket. onClose is
// called exactly once after teardown, whatever the cause.
func NewConnection(userID, deviceID string, sender Sender, sink ConfirmationSink,
	config Config, logger *logrus.Entry, onClose func(*Connection)) *Connection {
	id := uuid.New()
	return &Connection{
		ID:       id,
		UserID:   userID,
		DeviceID: deviceID,
		config:   config,
		sender:   sender,
		sink:     sink,
		logger: logger.WithFields(logrus.Fields{
			"conn_id": id.String(),
			"user_id": userID,
		}),
		onClose: onClose,
		now:     time.Now,
		inbound: make(chan *wire.Frame, config.BufferSize),
		acks:    make(chan string, config.BufferSize),
		done:    make(chan struct{}),
	}
}

// Enqueue hands a fresh frame to the engine. The frame must not yet carry a
// message id. A full buffer means the client cannot keep up; the connection
// is closed rather than growing without bound.
func (c *Connection) Enqueue(frame *wire.Frame) {
	select {
	case c.inbound <- frame:
	default:
		c.logger.Warn("connection lagged, closing")
		c.close(CloseReasonLagged)
	}
}

// OnAck reports a client acknowledgement to the engine.
func (c *Connection) OnAck(messageID string) {
	select {
	case c.acks <- messageID:
	case <-c.done:
	}
}

// Close tears the connection down with the given reason. Idempotent.
func (c *Connection) Close(reason string) {
	c.close(reason)
}

func (c *Connection) close(reason string) {
	c.closeOnce.Do(func() {
		c.sender.Close(reason)
		close(c.done)
	})
}

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Run owns the push state until the connection dies. Call it on its own
// goroutine.
func (c *Connection) Run(ctx context.Context) {
	defer func() {
		if c.onClose != nil {
			c.onClose(c)
		}
	}()

	inflight := make(map[string]*inflightFrame)
	pingAt := c.now().Add(c.config.PingInterval)

	timer := time.NewTimer(c.config.PingInterval)
	defer timer.Stop()

	for {
		// Wake at the earliest of the ping deadline and any retry.
		next := pingAt
		for _, f := range inflight {
			if f.nextRetryAt.Before(next) {
				next = f.nextRetryAt
			}
		}
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			c.close(CloseReasonShutdown)
			return

		case <-c.done:
			return

		case frame := <-c.inbound:
			if !c.transmit(frame, inflight) {
				return
			}

		case messageID := <-c.acks:
			f, ok := inflight[messageID]
			if !ok {
				// Late ack for an already resolved frame.
				continue
			}
			delete(inflight, messageID)
			if f.notificationID != "" {
				c.sink.Confirm(ctx, f.notificationID, c.UserID, c.now().UTC())
			}
			// An active client needs no ping yet.
			pingAt = c.now().Add(c.config.PingInterval)

		case <-timer.C:
			now := c.now()
			if !now.Before(pingAt) {
				ping := &wire.Frame{NetworkStatus: wire.NetworkOK}
				if !c.transmit(ping, inflight) {
					return
				}
				pingAt = now.Add(c.config.PingInterval)
			}
			for id, f := range inflight {
				if now.Before(f.nextRetryAt) {
					continue
				}
				if f.attempts >= c.config.RetryMaxCount {
					c.logger.WithField("message_id", id).Info("retry limit reached")
					c.close(CloseReasonUnresponsive)
					return
				}
				if err := c.sender.Send(f.payload); err != nil {
					c.logger.WithError(err).Debug("retransmit failed")
					c.close(CloseReasonWriteFailed)
					return
				}
				f.attempts++
				f.nextRetryAt = now.Add(c.config.RetryInterval)
			}
		}
	}
}

// transmit assigns identity to a fresh frame, sends it, and tracks it as
// inflight. Returns false when the connection died on the write.
func (c *Connection) transmit(frame *wire.Frame, inflight map[string]*inflightFrame) bool {
	now := c.now()
	frame.MessageID = uuid.NewString()
	frame.MessageTimestamp = now.UTC()
	payload := frame.Marshal()

	if err := c.sender.Send(payload); err != nil {
		c.logger.WithError(err).Debug("send failed")
		c.close(CloseReasonWriteFailed)
		return false
	}

	f := &inflightFrame{
		payload:     payload,
		nextRetryAt: now.Add(c.config.RetryInterval),
	}
	if frame.Notification != nil && frame.Notification.Status == wire.StatusNew {
		f.notificationID = frame.Notification.ID
	}
	inflight[frame.MessageID] = f
	return true
}
