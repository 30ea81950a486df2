package notification

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pushrelay/pushrelay/internal/auth"
	"github.com/pushrelay/pushrelay/internal/bus"
	apperrors "github.com/pushrelay/pushrelay/internal/errors"
	"github.com/pushrelay/pushrelay/internal/wire"
)

// Publisher sends state-change events to the bus. Publish failures after a
// committed write are tolerated: clients reconcile over the HTTP surface.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload []byte) error
}

// Config holds the notification service limits.
type Config struct {
	MaxContentLen int
}

// DefaultConfig returns the default notification service configuration.
func DefaultConfig() Config {
	return Config{MaxContentLen: 4096}
}

// Service orchestrates the repository and the bus publisher.
type Service struct {
	repo      Repository
	publisher Publisher
	config    Config
	logger    *logrus.Entry
	now       func() time.Time
}

// NewService creates a notification service.
func NewService(repo Repository, publisher Publisher, config Config, logger *logrus.Entry) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Create validates and stores a new notification, then publishes a NEW event
// addressed to its recipients.
func (s *Service) Create(ctx context.Context, principal auth.Principal, req CreateRequest) (string, error) {
	now := s.now().UTC()

	if req.ContentType == "" {
		return "", apperrors.NewValidationError("content_type must not be empty")
	}
	if len(req.Content) > s.config.MaxContentLen {
		return "", apperrors.NewPayloadTooLargeError(len(req.Content), s.config.MaxContentLen)
	}
	if req.InvalidateAt != nil && !req.InvalidateAt.After(now) {
		return "", apperrors.NewValidationError("invalidate_at must be in the future")
	}

	doc := &Notification{
		ProducerNotificationID: req.ProducerNotificationID,
		CreatedBy:              principal.UserID.String(),
		CreatedAt:              now,
		InvalidateAt:           req.InvalidateAt,
		UserIDs:                req.UserIDs,
		ContentType:            req.ContentType,
		Content:                req.Content,
	}

	id, err := s.repo.Insert(ctx, doc)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return "", apperrors.NewConflictError("producer_notification_id already used")
		}
		return "", apperrors.NewStorageError("insert", err)
	}

	seen := false
	s.publish(ctx, wire.StatusNew, &wire.NotificationEvent{
		UserIDs: req.UserIDs,
		Notification: &wire.Notification{
			ID:          id.Hex(),
			Status:      wire.StatusNew,
			Timestamp:   now,
			CreatedBy:   doc.CreatedBy,
			Seen:        &seen,
			ContentType: req.ContentType,
			Content:     req.Content,
		},
	})

	return id.Hex(), nil
}

// FetchUndelivered returns the caller's undelivered notifications, recording
// a delivery for each returned one. Concurrent calls by the same user never
// return the same notification twice.
func (s *Service) FetchUndelivered(ctx context.Context, principal auth.Principal) ([]View, error) {
	userID := principal.UserID.String()
	claimed, err := s.repo.ClaimUndelivered(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, apperrors.NewStorageError("claim undelivered", err)
	}

	views := make([]View, 0, len(claimed))
	for i := range claimed {
		views = append(views, viewFor(&claimed[i], userID))
	}
	return views, nil
}

// InvalidateAt updates the expiry of a notification owned by the caller.
// Producer-side housekeeping; no bus event is published.
func (s *Service) InvalidateAt(ctx context.Context, principal auth.Principal, idHex string, at time.Time) error {
	id, err := primitive.ObjectIDFromHex(idHex)
	if err != nil {
		return apperrors.NewNotFoundError("notification")
	}
	if !at.After(s.now().UTC()) {
		return apperrors.NewValidationError("invalidate_at must be in the future")
	}

	switch err := s.repo.SetInvalidateAt(ctx, id, principal.UserID.String(), at); {
	case errors.Is(err, ErrForbidden):
		return apperrors.NewAuthorizationError("notification owned by another producer")
	case errors.Is(err, ErrNotFound):
		return apperrors.NewNotFoundError("notification")
	case err != nil:
		return apperrors.NewStorageError("set invalidate_at", err)
	}
	return nil
}

// FetchDelivered pages over the caller's delivered notifications, newest
// first.
func (s *Service) FetchDelivered(ctx context.Context, principal auth.Principal, pageIdx, pageSize int64, seen *bool) ([]View, error) {
	userID := principal.UserID.String()
	docs, err := s.repo.FindDelivered(ctx, userID, seen, pageIdx, pageSize, s.now().UTC())
	if err != nil {
		return nil, apperrors.NewStorageError("find delivered", err)
	}

	views := make([]View, 0, len(docs))
	for i := range docs {
		views = append(views, viewFor(&docs[i], userID))
	}
	return views, nil
}

// GetDelivered returns one delivered notification for the caller.
func (s *Service) GetDelivered(ctx context.Context, principal auth.Principal, idHex string) (View, error) {
	id, err := primitive.ObjectIDFromHex(idHex)
	if err != nil {
		return View{}, apperrors.NewNotFoundError("notification")
	}

	userID := principal.UserID.String()
	doc, err := s.repo.FindDeliveredByID(ctx, id, userID, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return View{}, apperrors.NewNotFoundError("notification")
		}
		return View{}, apperrors.NewStorageError("find delivered by id", err)
	}
	return viewFor(doc, userID), nil
}

// SetSeen toggles the caller's seen flag and publishes an UPDATED event.
func (s *Service) SetSeen(ctx context.Context, principal auth.Principal, idHex string, seen bool) error {
	id, err := primitive.ObjectIDFromHex(idHex)
	if err != nil {
		return apperrors.NewNotFoundError("notification")
	}

	userID := principal.UserID.String()
	if err := s.repo.UpdateSeen(ctx, id, userID, seen); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperrors.NewNotFoundError("notification")
		}
		return apperrors.NewStorageError("update seen", err)
	}

	s.publish(ctx, wire.StatusUpdated, &wire.NotificationEvent{
		UserIDs: []string{userID},
		Notification: &wire.Notification{
			ID:        idHex,
			Status:    wire.StatusUpdated,
			Timestamp: s.now().UTC(),
			Seen:      &seen,
		},
	})
	return nil
}

// Delete removes the notification from the caller's view and publishes a
// DELETED event addressed to the notification's recipients.
func (s *Service) Delete(ctx context.Context, principal auth.Principal, idHex string) error {
	id, err := primitive.ObjectIDFromHex(idHex)
	if err != nil {
		return apperrors.NewNotFoundError("notification")
	}

	doc, err := s.repo.MarkDeleted(ctx, id, principal.UserID.String())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperrors.NewNotFoundError("notification")
		}
		return apperrors.NewStorageError("mark deleted", err)
	}

	s.publish(ctx, wire.StatusDeleted, &wire.NotificationEvent{
		UserIDs: doc.UserIDs,
		Notification: &wire.Notification{
			ID:        idHex,
			Status:    wire.StatusDeleted,
			Timestamp: s.now().UTC(),
		},
	})
	return nil
}

// ConfirmationIngest records a delivery confirmed over a live connection.
// Idempotent; replays of the same confirmation are no-ops.
func (s *Service) ConfirmationIngest(ctx context.Context, notificationIDHex, userID string, ts time.Time) error {
	id, err := primitive.ObjectIDFromHex(notificationIDHex)
	if err != nil {
		return apperrors.NewNotFoundError("notification")
	}

	if err := s.repo.UpsertConfirmation(ctx, id, userID, ts); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperrors.NewNotFoundError("notification")
		}
		return apperrors.NewStorageError("upsert confirmation", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, status wire.NotificationStatus, event *wire.NotificationEvent) {
	err := s.publisher.Publish(ctx, bus.NotificationsExchange, status.String(), event.Marshal())
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"notification_id": event.Notification.ID,
			"routing_key":     status.String(),
		}).Error("event publish failed, clients reconcile over http")
	}
}
