package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned when no notification matches the caller's view.
var ErrNotFound = errors.New("notification not found")

// ErrConflict is returned on a (created_by, producer_notification_id) clash.
var ErrConflict = errors.New("notification already exists")

// ErrForbidden is returned when the notification exists but belongs to a
// different producer.
var ErrForbidden = errors.New("notification owned by another producer")

// Repository handles the document store operations for notifications.
type Repository interface {
	// EnsureIndexes creates the collection indexes. Called once on startup.
	EnsureIndexes(ctx context.Context) error

	// Insert stores a new notification. Returns ErrConflict when the
	// producer already used this producer_notification_id.
	Insert(ctx context.Context, n *Notification) (primitive.ObjectID, error)

	// ClaimUndelivered returns the recipient's undelivered, unexpired
	// notifications and atomically records a delivery for each returned
	// one. A notification is returned to exactly one concurrent caller per
	// recipient.
	ClaimUndelivered(ctx context.Context, userID string, now time.Time) ([]Notification, error)

	// FindDelivered pages over the recipient's delivered notifications,
	// newest first, optionally filtered by seen.
	FindDelivered(ctx context.Context, userID string, seen *bool, pageIdx, pageSize int64, now time.Time) ([]Notification, error)

	// FindDeliveredByID returns one delivered notification for the
	// recipient, or ErrNotFound.
	FindDeliveredByID(ctx context.Context, id primitive.ObjectID, userID string, now time.Time) (*Notification, error)

	// SetInvalidateAt updates the expiry. ErrForbidden when the caller is
	// not the producer.
	SetInvalidateAt(ctx context.Context, id primitive.ObjectID, createdBy string, at time.Time) error

	// UpdateSeen toggles the recipient's seen flag, or ErrNotFound when no
	// live delivery record exists.
	UpdateSeen(ctx context.Context, id primitive.ObjectID, userID string, seen bool) error

	// MarkDeleted deletes the notification from the recipient's view and
	// returns the resulting document.
	MarkDeleted(ctx context.Context, id primitive.ObjectID, userID string) (*Notification, error)

	// UpsertConfirmation records a delivery for the recipient if none
	// exists yet. Idempotent.
	UpsertConfirmation(ctx context.Context, id primitive.ObjectID, userID string, ts time.Time) error
}

// MongoRepository implements Repository on a MongoDB collection with an
// embedded per-recipient delivery array. All state transitions are expressed
// as conditional updates so no in-process locking is needed.
type MongoRepository struct {
	coll *mongo.Collection
}

// NewMongoRepository creates a repository over the notifications collection.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{coll: db.Collection("notifications")}
}

func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "created_by", Value: 1},
				{Key: "producer_notification_id", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetName("unique_created_by_producer_notification_id"),
		},
		{
			Keys:    bson.D{{Key: "confirmations.user_id", Value: 1}},
			Options: options.Index().SetName("confirmations_user_id"),
		},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

func (r *MongoRepository) Insert(ctx context.Context, n *Notification) (primitive.ObjectID, error) {
	if n.Confirmations == nil {
		n.Confirmations = []DeliveryRecord{}
	}
	if n.UserIDs == nil {
		n.UserIDs = []string{}
	}
	res, err := r.coll.InsertOne(ctx, n)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return primitive.NilObjectID, ErrConflict
		}
		return primitive.NilObjectID, fmt.Errorf("insert notification: %w", err)
	}
	return res.InsertedID.(primitive.ObjectID), nil
}

// recipientClause matches notifications addressed to the user, including
// broadcasts (empty user_ids).
func recipientClause(userID string) bson.M {
	return bson.M{"$or": []bson.M{
		{"user_ids": bson.M{"$size": 0}},
		{"user_ids": userID},
	}}
}

func notExpiredClause(now time.Time) bson.M {
	return bson.M{"$or": []bson.M{
		{"invalidate_at": bson.M{"$exists": false}},
		{"invalidate_at": bson.M{"$gt": now}},
	}}
}

func noDeliveryClause(userID string) bson.M {
	return bson.M{"confirmations": bson.M{
		"$not": bson.M{"$elemMatch": bson.M{"user_id": userID}},
	}}
}

func (r *MongoRepository) ClaimUndelivered(ctx context.Context, userID string, now time.Time) ([]Notification, error) {
	filter := bson.M{
		"deleted": false,
		"$and": []bson.M{
			recipientClause(userID),
			notExpiredClause(now),
			noDeliveryClause(userID),
		},
	}

	cursor, err := r.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find undelivered: %w", err)
	}
	var candidates []Notification
	if err := cursor.All(ctx, &candidates); err != nil {
		return nil, fmt.Errorf("decode undelivered: %w", err)
	}

	// Claim each candidate individually; the delivery-absence guard makes
	// concurrent callers for the same recipient mutually exclusive per
	// notification.
	record := DeliveryRecord{UserID: userID, DeliveredAt: now}
	var claimed []Notification
	for i := range candidates {
		res, err := r.coll.UpdateOne(ctx, bson.M{
			"_id":     candidates[i].ID,
			"deleted": false,
			"confirmations": bson.M{
				"$not": bson.M{"$elemMatch": bson.M{"user_id": userID}},
			},
		}, bson.M{"$push": bson.M{"confirmations": record}})
		if err != nil {
			return nil, fmt.Errorf("claim notification: %w", err)
		}
		if res.ModifiedCount == 0 {
			continue
		}
		candidates[i].Confirmations = append(candidates[i].Confirmations, record)
		claimed = append(claimed, candidates[i])
	}
	return claimed, nil
}

func deliveredClause(userID string, seen *bool) bson.M {
	match := bson.M{"user_id": userID, "deleted": false}
	if seen != nil {
		match["seen"] = *seen
	}
	return bson.M{"confirmations": bson.M{"$elemMatch": match}}
}

func (r *MongoRepository) FindDelivered(ctx context.Context, userID string, seen *bool, pageIdx, pageSize int64, now time.Time) ([]Notification, error) {
	filter := bson.M{
		"deleted": false,
		"$and": []bson.M{
			deliveredClause(userID, seen),
			notExpiredClause(now),
		},
	}

	cursor, err := r.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(pageIdx*pageSize).
		SetLimit(pageSize))
	if err != nil {
		return nil, fmt.Errorf("find delivered: %w", err)
	}
	var docs []Notification
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode delivered: %w", err)
	}
	return docs, nil
}

func (r *MongoRepository) FindDeliveredByID(ctx context.Context, id primitive.ObjectID, userID string, now time.Time) (*Notification, error) {
	filter := bson.M{
		"_id":     id,
		"deleted": false,
		"$and": []bson.M{
			deliveredClause(userID, nil),
			notExpiredClause(now),
		},
	}

	var doc Notification
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find delivered by id: %w", err)
	}
	return &doc, nil
}

func (r *MongoRepository) SetInvalidateAt(ctx context.Context, id primitive.ObjectID, createdBy string, at time.Time) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "created_by": createdBy},
		bson.M{"$set": bson.M{"invalidate_at": at}})
	if err != nil {
		return fmt.Errorf("set invalidate_at: %w", err)
	}
	if res.MatchedCount == 0 {
		count, err := r.coll.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return fmt.Errorf("set invalidate_at: %w", err)
		}
		if count > 0 {
			return ErrForbidden
		}
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepository) UpdateSeen(ctx context.Context, id primitive.ObjectID, userID string, seen bool) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{
		"_id":           id,
		"deleted":       false,
		"confirmations": bson.M{"$elemMatch": bson.M{"user_id": userID, "deleted": false}},
	}, bson.M{"$set": bson.M{"confirmations.$.seen": seen}})
	if err != nil {
		return fmt.Errorf("update seen: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepository) MarkDeleted(ctx context.Context, id primitive.ObjectID, userID string) (*Notification, error) {
	res, err := r.coll.UpdateOne(ctx, bson.M{
		"_id":           id,
		"deleted":       false,
		"confirmations": bson.M{"$elemMatch": bson.M{"user_id": userID, "deleted": false}},
	}, bson.M{"$set": bson.M{"confirmations.$.deleted": true}})
	if err != nil {
		return nil, fmt.Errorf("mark deleted: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, ErrNotFound
	}

	var doc Notification
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, fmt.Errorf("mark deleted reload: %w", err)
	}

	// Once every recipient of a targeted notification deleted it, collapse
	// the document itself and drop the payload.
	if !doc.Deleted && len(doc.UserIDs) > 0 && allRecipientsDeleted(&doc) {
		_, err := r.coll.UpdateOne(ctx,
			bson.M{"_id": id, "deleted": false},
			bson.M{"$set": bson.M{"deleted": true, "content": []byte{}}})
		if err != nil {
			return nil, fmt.Errorf("mark deleted collapse: %w", err)
		}
		doc.Deleted = true
		doc.Content = []byte{}
	}
	return &doc, nil
}

func allRecipientsDeleted(n *Notification) bool {
	for _, userID := range n.UserIDs {
		rec, ok := n.DeliveryFor(userID)
		if !ok || !rec.Deleted {
			return false
		}
	}
	return true
}

func (r *MongoRepository) UpsertConfirmation(ctx context.Context, id primitive.ObjectID, userID string, ts time.Time) error {
	record := DeliveryRecord{UserID: userID, DeliveredAt: ts}
	res, err := r.coll.UpdateOne(ctx, bson.M{
		"_id":     id,
		"deleted": false,
		"$and":    []bson.M{recipientClause(userID), noDeliveryClause(userID)},
	}, bson.M{"$push": bson.M{"confirmations": record}})
	if err != nil {
		return fmt.Errorf("upsert confirmation: %w", err)
	}
	if res.ModifiedCount == 1 {
		return nil
	}

	// Nothing pushed: either the delivery is already recorded (fine) or
	// the notification is gone.
	count, err := r.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("upsert confirmation: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}
