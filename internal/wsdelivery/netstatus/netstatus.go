// Package netstatus translates bus lifecycle transitions into
// network-status frames for every live connection, telling clients when to
// fall back to long-polling and when to resync and resume.
package netstatus

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pushrelay/pushrelay/internal/bus"
	"github.com/pushrelay/pushrelay/internal/wire"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/engine"
)

// Broadcaster watches the bus lifecycle and notifies connections.
type Broadcaster struct {
	registry *engine.Registry
	logger   *logrus.Entry
}

// New creates a broadcaster over the registry.
func New(registry *engine.Registry, logger *logrus.Entry) *Broadcaster {
	return &Broadcaster{registry: registry, logger: logger}
}

// Run forwards lifecycle transitions until the context is cancelled. The
// resulting frames follow the normal ack-required push discipline.
func (b *Broadcaster) Run(ctx context.Context, lifecycle <-chan bus.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-lifecycle:
			b.Notify(state)
		}
	}
}

// Notify pushes one network-status frame per live connection.
func (b *Broadcaster) Notify(state bus.State) {
	status := wire.NetworkOK
	if state == bus.Down {
		status = wire.NetworkError
	}
	b.logger.WithField("network_status", int(status)).Info("bus lifecycle change, notifying connections")
	b.registry.Broadcast(func() *wire.Frame {
		return &wire.Frame{NetworkStatus: status}
	})
}
