// Package consumer feeds bus notification events through the dedup filter
// into the per-user fan-out.
package consumer

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pushrelay/pushrelay/internal/bus"
	"github.com/pushrelay/pushrelay/internal/wire"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/dedup"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/engine"
)

// QueueName returns the per-instance queue name. Every ws-delivery instance
// gets its own exclusive queue so each instance sees every event.
func QueueName() string {
	return bus.NotificationsExchange + "_" + uuid.NewString()
}

// QueueSpec declares the per-instance queue bound to the notifications
// exchange for all three routing keys.
func QueueSpec(queueName string) bus.QueueSpec {
	bindings := make([]bus.Binding, 0, 3)
	for _, status := range []wire.NotificationStatus{wire.StatusNew, wire.StatusUpdated, wire.StatusDeleted} {
		bindings = append(bindings, bus.Binding{
			Exchange:   bus.NotificationsExchange,
			RoutingKey: status.String(),
		})
	}
	return bus.QueueSpec{
		Name:       queueName,
		Exclusive:  true,
		AutoDelete: true,
		Bindings:   bindings,
	}
}

// Consumer handles deliveries from the notifications queue.
type Consumer struct {
	registry *engine.Registry
	cache    *dedup.Cache
	logger   *logrus.Entry
}

// New creates a notifications consumer.
func New(registry *engine.Registry, cache *dedup.Cache, logger *logrus.Entry) *Consumer {
	return &Consumer{registry: registry, cache: cache, logger: logger}
}

// Register subscribes the consumer on the shared bus client.
func (c *Consumer) Register(client *bus.Client, queueName string) {
	client.Subscribe(queueName, c.Handle)
}

// Handle decodes one event, drops duplicates, and fans the rest out to the
// addressed users' connections. Events are always settled here; delivery to
// clients is guarded by the per-connection ack discipline instead of
// requeueing.
func (c *Consumer) Handle(d bus.Delivery) bus.Outcome {
	event, err := wire.UnmarshalNotificationEvent(d.Body)
	if err != nil || event.Notification == nil {
		c.logger.WithError(err).Warn("malformed notification event dropped")
		return bus.Reject(false)
	}

	n := event.Notification
	if !c.cache.Observe(n.ID, n.Status) {
		c.logger.WithFields(logrus.Fields{
			"notification_id": n.ID,
			"status":          n.Status.String(),
		}).Debug("duplicate event suppressed")
		return bus.Ack()
	}

	c.registry.Deliver(event.UserIDs, func() *wire.Frame {
		return &wire.Frame{
			NetworkStatus: wire.NetworkOK,
			Notification:  n,
		}
	})
	return bus.Ack()
}
