// Package confirm publishes delivery confirmations to the bus when users ack
// NEW frames.
package confirm

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pushrelay/pushrelay/internal/bus"
	"github.com/pushrelay/pushrelay/internal/wire"
)

// Publisher sends a payload to a bus exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload []byte) error
}

// Sink publishes confirmations to the confirmations fanout exchange. It
// implements engine.ConfirmationSink.
type Sink struct {
	publisher Publisher
	logger    *logrus.Entry
}

// NewSink creates a bus-backed confirmation sink.
func NewSink(publisher Publisher, logger *logrus.Entry) *Sink {
	return &Sink{publisher: publisher, logger: logger}
}

// Confirm publishes one confirmation. Failures are logged and tolerated; the
// notification stays undelivered at the core until the recipient long-polls
// or a later ack goes through.
func (s *Sink) Confirm(ctx context.Context, notificationID, userID string, ts time.Time) {
	confirmation := &wire.Confirmation{
		NotificationID: notificationID,
		UserID:         userID,
		Timestamp:      ts,
	}
	if err := s.publisher.Publish(ctx, bus.ConfirmationsExchange, "", confirmation.Marshal()); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"notification_id": notificationID,
			"user_id":         userID,
		}).Error("confirmation publish failed")
	}
}
