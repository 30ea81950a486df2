package confirm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushrelay/pushrelay/internal/bus"
	"github.com/pushrelay/pushrelay/internal/telemetry"
	"github.com/pushrelay/pushrelay/internal/wire"
)

type capturingPublisher struct {
	exchange   string
	routingKey string
	body       []byte
	err        error
	calls      int
}

func (p *capturingPublisher) Publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	p.calls++
	p.exchange, p.routingKey, p.body = exchange, routingKey, payload
	return p.err
}

func TestConfirmPublishesToFanout(t *testing.T) {
	publisher := &capturingPublisher{}
	sink := NewSink(publisher, telemetry.NewServiceLogger("confirm-test", telemetry.DefaultLogConfig()))

	ts := time.Now().UTC()
	sink.Confirm(context.Background(), "65f1a2b3c4d5e6f708192a3b", "user-1", ts)

	assert.Equal(t, bus.ConfirmationsExchange, publisher.exchange)
	assert.Empty(t, publisher.routingKey)

	confirmation, err := wire.UnmarshalConfirmation(publisher.body)
	require.NoError(t, err)
	assert.Equal(t, "65f1a2b3c4d5e6f708192a3b", confirmation.NotificationID)
	assert.Equal(t, "user-1", confirmation.UserID)
	assert.True(t, ts.Equal(confirmation.Timestamp))
}

func TestConfirmToleratesPublishFailure(t *testing.T) {
	publisher := &capturingPublisher{err: assert.AnError}
	sink := NewSink(publisher, telemetry.NewServiceLogger("confirm-test", telemetry.DefaultLogConfig()))

	// Must not panic or propagate; the caller has no recovery path anyway.
	sink.Confirm(context.Background(), "65f1a2b3c4d5e6f708192a3b", "user-1", time.Now())
	assert.Equal(t, 1, publisher.calls)
}
