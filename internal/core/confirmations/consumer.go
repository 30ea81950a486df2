// Package confirmations consumes delivery confirmations published by the
// ws-delivery service and applies them to the notification store.
package confirmations

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pushrelay/pushrelay/internal/bus"
	apperrors "github.com/pushrelay/pushrelay/internal/errors"
	"github.com/pushrelay/pushrelay/internal/wire"
)

// Ingester applies one confirmation to the store.
type Ingester interface {
	ConfirmationIngest(ctx context.Context, notificationIDHex, userID string, ts time.Time) error
}

// Consumer settles messages from the confirmations queue.
type Consumer struct {
	svc    Ingester
	logger *logrus.Entry
}

// NewConsumer creates a confirmations consumer.
func NewConsumer(svc Ingester, logger *logrus.Entry) *Consumer {
	return &Consumer{svc: svc, logger: logger}
}

// Register subscribes the consumer on the shared bus client.
func (c *Consumer) Register(client *bus.Client) {
	client.Subscribe(bus.ConfirmationsQueue, c.Handle)
}

// Handle processes one bus delivery. Malformed payloads and vanished
// notifications are dropped; store outages requeue for redelivery.
func (c *Consumer) Handle(d bus.Delivery) bus.Outcome {
	confirmation, err := wire.UnmarshalConfirmation(d.Body)
	if err != nil {
		c.logger.WithError(err).Warn("malformed confirmation dropped")
		return bus.Reject(false)
	}

	err = c.svc.ConfirmationIngest(context.Background(),
		confirmation.NotificationID, confirmation.UserID, confirmation.Timestamp)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Type == apperrors.ErrorTypeNotFound {
			c.logger.WithFields(logrus.Fields{
				"notification_id": confirmation.NotificationID,
				"user_id":         confirmation.UserID,
			}).Debug("confirmation for unknown notification dropped")
			return bus.Ack()
		}
		c.logger.WithError(err).WithField("notification_id", confirmation.NotificationID).
			Error("confirmation ingest failed, requeueing")
		return bus.Reject(true)
	}

	return bus.Ack()
}
