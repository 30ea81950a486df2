package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pushrelay/pushrelay/internal/auth"
	"github.com/pushrelay/pushrelay/internal/bus"
	apperrors "github.com/pushrelay/pushrelay/internal/errors"
	"github.com/pushrelay/pushrelay/internal/telemetry"
	"github.com/pushrelay/pushrelay/internal/wire"
)

type publishedMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

type capturingPublisher struct {
	mu        sync.Mutex
	published []publishedMsg
}

func (p *capturingPublisher) Publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedMsg{exchange, routingKey, payload})
	return nil
}

func (p *capturingPublisher) all() []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMsg(nil), p.published...)
}

func newTestService() (*Service, *MemoryRepository, *capturingPublisher) {
	repo := NewMemoryRepository()
	publisher := &capturingPublisher{}
	logger := telemetry.NewServiceLogger("core-test", telemetry.DefaultLogConfig())
	return NewService(repo, publisher, DefaultConfig(), logger), repo, publisher
}

func principal() auth.Principal {
	return auth.Principal{UserID: uuid.New(), Roles: []string{auth.RoleProduceNotifications}}
}

func TestCreatePublishesNewEvent(t *testing.T) {
	svc, _, publisher := newTestService()
	producer := principal()
	recipient := uuid.NewString()

	id, err := svc.Create(context.Background(), producer, CreateRequest{
		ProducerNotificationID: 7,
		UserIDs:                []string{recipient},
		ContentType:            "text/plain",
		Content:                []byte("hi"),
	})
	require.NoError(t, err)
	assert.Len(t, id, 24)

	published := publisher.all()
	require.Len(t, published, 1)
	assert.Equal(t, bus.NotificationsExchange, published[0].Exchange)
	assert.Equal(t, "NEW", published[0].RoutingKey)

	event, err := wire.UnmarshalNotificationEvent(published[0].Body)
	require.NoError(t, err)
	assert.Equal(t, []string{recipient}, event.UserIDs)
	assert.Equal(t, id, event.Notification.ID)
	assert.Equal(t, wire.StatusNew, event.Notification.Status)
	assert.Equal(t, producer.UserID.String(), event.Notification.CreatedBy)
	assert.Equal(t, []byte("hi"), event.Notification.Content)
}

func TestCreateConflict(t *testing.T) {
	svc, _, publisher := newTestService()
	producer := principal()
	req := CreateRequest{ProducerNotificationID: 7, ContentType: "text/plain", Content: []byte("hi")}

	_, err := svc.Create(context.Background(), producer, req)
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), producer, req)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeConflict))
	assert.Len(t, publisher.all(), 1)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService()
	producer := principal()
	past := time.Now().Add(-time.Minute)

	_, err := svc.Create(context.Background(), producer, CreateRequest{ProducerNotificationID: 1, Content: []byte("x")})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))

	_, err = svc.Create(context.Background(), producer, CreateRequest{
		ProducerNotificationID: 2, ContentType: "text/plain", Content: make([]byte, 5000),
	})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypePayloadTooLarge))

	_, err = svc.Create(context.Background(), producer, CreateRequest{
		ProducerNotificationID: 3, ContentType: "text/plain", Content: []byte("x"), InvalidateAt: &past,
	})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestFetchUndeliveredExclusivity(t *testing.T) {
	svc, _, _ := newTestService()
	producer := principal()
	reader := principal()

	_, err := svc.Create(context.Background(), producer, CreateRequest{
		ProducerNotificationID: 1,
		UserIDs:                []string{reader.UserID.String()},
		ContentType:            "text/plain",
		Content:                []byte("hi"),
	})
	require.NoError(t, err)

	const callers = 16
	results := make(chan int, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			views, err := svc.FetchUndelivered(context.Background(), reader)
			require.NoError(t, err)
			results <- len(views)
		}()
	}
	start.Done()

	total := 0
	for i := 0; i < callers; i++ {
		total += <-results
	}
	assert.Equal(t, 1, total)
}

func TestFetchUndeliveredSecondCallEmpty(t *testing.T) {
	svc, _, _ := newTestService()
	producer := principal()
	reader := principal()

	id, err := svc.Create(context.Background(), producer, CreateRequest{
		ProducerNotificationID: 1,
		UserIDs:                []string{reader.UserID.String()},
		ContentType:            "text/plain",
		Content:                []byte("hi"),
	})
	require.NoError(t, err)

	views, err := svc.FetchUndelivered(context.Background(), reader)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, id, views[0].ID)
	assert.False(t, views[0].Seen)

	views, err = svc.FetchUndelivered(context.Background(), reader)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestBroadcastDeliveredOncePerUser(t *testing.T) {
	svc, _, _ := newTestService()
	producer := principal()
	u1, u2 := principal(), principal()

	_, err := svc.Create(context.Background(), producer, CreateRequest{
		ProducerNotificationID: 1,
		ContentType:            "text/plain",
		Content:                []byte("to everyone"),
	})
	require.NoError(t, err)

	for _, reader := range []auth.Principal{u1, u2} {
		views, err := svc.FetchUndelivered(context.Background(), reader)
		require.NoError(t, err)
		assert.Len(t, views, 1)

		views, err = svc.FetchUndelivered(context.Background(), reader)
		require.NoError(t, err)
		assert.Empty(t, views)
	}
}

func TestConfirmationIdempotence(t *testing.T) {
	svc, repo, _ := newTestService()
	producer := principal()
	reader := principal()

	id, err := svc.Create(context.Background(), producer, CreateRequest{
		ProducerNotificationID: 1,
		UserIDs:                []string{reader.UserID.String()},
		ContentType:            "text/plain",
		Content:                []byte("hi"),
	})
	require.NoError(t, err)

	ts := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.ConfirmationIngest(context.Background(), id, reader.UserID.String(), ts))
	}

	oid, err := primitive.ObjectIDFromHex(id)
	require.NoError(t, err)
	doc := repo.docs[oid]
	require.Len(t, doc.Confirmations, 1)
	assert.Equal(t, reader.UserID.String(), doc.Confirmations[0].UserID)

	// Confirmed notifications no longer show up as undelivered.
	views, err := svc.FetchUndelivered(context.Background(), reader)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestDeleteIsTerminal(t *testing.T) {
	svc, _, _ := newTestService()
	producer := principal()
	reader := principal()

	id, err := svc.Create(context.Background(), producer, CreateRequest{
		ProducerNotificationID: 1,
		UserIDs:                []string{reader.UserID.String()},
		ContentType:            "text/plain",
		Content:                []byte("hi"),
	})
	require.NoError(t, err)

	_, err = svc.FetchUndelivered(context.Background(), reader)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(context.Background(), reader, id))

	_, err = svc.GetDelivered(context.Background(), reader, id)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))

	err = svc.SetSeen(context.Background(), reader, id, true)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))

	views, err := svc.FetchUndelivered(context.Background(), reader)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestSetSeenPublishesUpdated(t *testing.T) {
	svc, _, publisher := newTestService()
	producer := principal()
	reader := principal()

	id, err := svc.Create(context.Background(), producer, CreateRequest{
		ProducerNotificationID: 1,
		UserIDs:                []string{reader.UserID.String()},
		ContentType:            "text/plain",
		Content:                []byte("hi"),
	})
	require.NoError(t, err)

	_, err = svc.FetchUndelivered(context.Background(), reader)
	require.NoError(t, err)
	require.NoError(t, svc.SetSeen(context.Background(), reader, id, true))

	published := publisher.all()
	require.Len(t, published, 2)
	assert.Equal(t, "UPDATED", published[1].RoutingKey)

	event, err := wire.UnmarshalNotificationEvent(published[1].Body)
	require.NoError(t, err)
	assert.Equal(t, []string{reader.UserID.String()}, event.UserIDs)
	require.NotNil(t, event.Notification.Seen)
	assert.True(t, *event.Notification.Seen)

	view, err := svc.GetDelivered(context.Background(), reader, id)
	require.NoError(t, err)
	assert.True(t, view.Seen)
}

func TestDeletePublishesDeletedToRecipients(t *testing.T) {
	svc, _, publisher := newTestService()
	producer := principal()
	u1, u2 := principal(), principal()
	recipients := []string{u1.UserID.String(), u2.UserID.String()}

	id, err := svc.Create(context.Background(), producer, CreateRequest{
		ProducerNotificationID: 1,
		UserIDs:                recipients,
		ContentType:            "text/plain",
		Content:                []byte("hi"),
	})
	require.NoError(t, err)

	_, err = svc.FetchUndelivered(context.Background(), u1)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(context.Background(), u1, id))

	published := publisher.all()
	require.Len(t, published, 2)
	assert.Equal(t, "DELETED", published[1].RoutingKey)

	event, err := wire.UnmarshalNotificationEvent(published[1].Body)
	require.NoError(t, err)
	assert.ElementsMatch(t, recipients, event.UserIDs)
	assert.Equal(t, wire.StatusDeleted, event.Notification.Status)
	assert.Nil(t, event.Notification.Content)
}

func TestInvalidateAt(t *testing.T) {
	svc, _, _ := newTestService()
	producer := principal()
	other := principal()

	id, err := svc.Create(context.Background(), producer, CreateRequest{
		ProducerNotificationID: 1,
		ContentType:            "text/plain",
		Content:                []byte("hi"),
	})
	require.NoError(t, err)
	future := time.Now().Add(time.Hour)

	err = svc.InvalidateAt(context.Background(), producer, id, time.Now().Add(-time.Minute))
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))

	err = svc.InvalidateAt(context.Background(), other, id, future)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeAuthorization))

	err = svc.InvalidateAt(context.Background(), producer, primitive.NewObjectID().Hex(), future)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))

	assert.NoError(t, svc.InvalidateAt(context.Background(), producer, id, future))
}

func TestExpiredNotificationsAreInvisible(t *testing.T) {
	svc, repo, _ := newTestService()
	producer := principal()
	reader := principal()
	soon := time.Now().Add(50 * time.Millisecond)

	id, err := svc.Create(context.Background(), producer, CreateRequest{
		ProducerNotificationID: 1,
		UserIDs:                []string{reader.UserID.String()},
		ContentType:            "text/plain",
		Content:                []byte("hi"),
		InvalidateAt:           &soon,
	})
	require.NoError(t, err)

	// Force expiry instead of sleeping.
	oid, err := primitive.ObjectIDFromHex(id)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	repo.docs[oid].InvalidateAt = &past

	views, err := svc.FetchUndelivered(context.Background(), reader)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestFetchDeliveredPagingAndSeenFilter(t *testing.T) {
	svc, _, _ := newTestService()
	producer := principal()
	reader := principal()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := svc.Create(context.Background(), producer, CreateRequest{
			ProducerNotificationID: int64(i),
			UserIDs:                []string{reader.UserID.String()},
			ContentType:            "text/plain",
			Content:                []byte("hi"),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	_, err := svc.FetchUndelivered(context.Background(), reader)
	require.NoError(t, err)
	require.NoError(t, svc.SetSeen(context.Background(), reader, ids[0], true))

	views, err := svc.FetchDelivered(context.Background(), reader, 0, 2, nil)
	require.NoError(t, err)
	assert.Len(t, views, 2)

	views, err = svc.FetchDelivered(context.Background(), reader, 1, 2, nil)
	require.NoError(t, err)
	assert.Len(t, views, 1)

	seen := true
	views, err = svc.FetchDelivered(context.Background(), reader, 0, 10, &seen)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, ids[0], views[0].ID)
}
