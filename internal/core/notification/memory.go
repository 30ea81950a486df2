package notification

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryRepository is an in-memory Repository with the same conditional
// semantics as the Mongo implementation. Used in tests and local runs
// without a store.
type MemoryRepository struct {
	mu   sync.Mutex
	docs map[primitive.ObjectID]*Notification
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{docs: make(map[primitive.ObjectID]*Notification)}
}

func (r *MemoryRepository) EnsureIndexes(ctx context.Context) error { return nil }

func (r *MemoryRepository) Insert(ctx context.Context, n *Notification) (primitive.ObjectID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, doc := range r.docs {
		if doc.CreatedBy == n.CreatedBy && doc.ProducerNotificationID == n.ProducerNotificationID {
			return primitive.NilObjectID, ErrConflict
		}
	}
	id := primitive.NewObjectID()
	stored := *n
	stored.ID = id
	if stored.UserIDs == nil {
		stored.UserIDs = []string{}
	}
	r.docs[id] = &stored
	return id, nil
}

func (r *MemoryRepository) ClaimUndelivered(ctx context.Context, userID string, now time.Time) ([]Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []Notification
	for _, doc := range r.docs {
		if doc.Deleted || doc.Expired(now) || !doc.RecipientMatches(userID) {
			continue
		}
		if _, ok := doc.DeliveryFor(userID); ok {
			continue
		}
		doc.Confirmations = append(doc.Confirmations, DeliveryRecord{UserID: userID, DeliveredAt: now})
		claimed = append(claimed, *doc)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].CreatedAt.Before(claimed[j].CreatedAt) })
	return claimed, nil
}

func (r *MemoryRepository) FindDelivered(ctx context.Context, userID string, seen *bool, pageIdx, pageSize int64, now time.Time) ([]Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Notification
	for _, doc := range r.docs {
		if doc.Deleted || doc.Expired(now) {
			continue
		}
		rec, ok := doc.DeliveryFor(userID)
		if !ok || rec.Deleted {
			continue
		}
		if seen != nil && rec.Seen != *seen {
			continue
		}
		matched = append(matched, *doc)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	start := pageIdx * pageSize
	if start >= int64(len(matched)) {
		return nil, nil
	}
	end := start + pageSize
	if end > int64(len(matched)) {
		end = int64(len(matched))
	}
	return matched[start:end], nil
}

func (r *MemoryRepository) FindDeliveredByID(ctx context.Context, id primitive.ObjectID, userID string, now time.Time) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok || doc.Deleted || doc.Expired(now) {
		return nil, ErrNotFound
	}
	rec, ok := doc.DeliveryFor(userID)
	if !ok || rec.Deleted {
		return nil, ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (r *MemoryRepository) SetInvalidateAt(ctx context.Context, id primitive.ObjectID, createdBy string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return ErrNotFound
	}
	if doc.CreatedBy != createdBy {
		return ErrForbidden
	}
	doc.InvalidateAt = &at
	return nil
}

func (r *MemoryRepository) UpdateSeen(ctx context.Context, id primitive.ObjectID, userID string, seen bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok || doc.Deleted {
		return ErrNotFound
	}
	for i := range doc.Confirmations {
		if doc.Confirmations[i].UserID == userID && !doc.Confirmations[i].Deleted {
			doc.Confirmations[i].Seen = seen
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepository) MarkDeleted(ctx context.Context, id primitive.ObjectID, userID string) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok || doc.Deleted {
		return nil, ErrNotFound
	}
	flipped := false
	for i := range doc.Confirmations {
		if doc.Confirmations[i].UserID == userID && !doc.Confirmations[i].Deleted {
			doc.Confirmations[i].Deleted = true
			flipped = true
		}
	}
	if !flipped {
		return nil, ErrNotFound
	}
	if len(doc.UserIDs) > 0 && allRecipientsDeleted(doc) {
		doc.Deleted = true
		doc.Content = []byte{}
	}
	copied := *doc
	return &copied, nil
}

func (r *MemoryRepository) UpsertConfirmation(ctx context.Context, id primitive.ObjectID, userID string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return ErrNotFound
	}
	if doc.Deleted || !doc.RecipientMatches(userID) {
		return nil
	}
	if _, ok := doc.DeliveryFor(userID); ok {
		return nil
	}
	doc.Confirmations = append(doc.Confirmations, DeliveryRecord{UserID: userID, DeliveredAt: ts})
	return nil
}
