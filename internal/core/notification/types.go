// Package notification owns the authoritative notification store and its
// delivery state machine: create, claim-on-fetch, seen/delete updates, and
// confirmation ingest, with bus events published on every externally visible
// state change.
package notification

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Status is the per-recipient delivery state of a notification.
type Status string

const (
	StatusUndelivered Status = "undelivered"
	StatusDelivered   Status = "delivered"
	StatusDeleted     Status = "deleted"
)

// DeliveryRecord is one recipient's delivery state, embedded in the
// notification document. A record exists once the recipient has fetched the
// notification or acked it over a live connection.
type DeliveryRecord struct {
	UserID      string    `bson:"user_id"`
	DeliveredAt time.Time `bson:"delivered_at"`
	Seen        bool      `bson:"seen"`
	Deleted     bool      `bson:"deleted"`
}

// Notification is the stored document. UserIDs empty means broadcast. The
// Deleted flag suppresses the notification for everyone; per-recipient
// deletion lives on the delivery record.
type Notification struct {
	ID                     primitive.ObjectID `bson:"_id,omitempty"`
	ProducerNotificationID int64              `bson:"producer_notification_id"`
	CreatedBy              string             `bson:"created_by"`
	CreatedAt              time.Time          `bson:"created_at"`
	InvalidateAt           *time.Time         `bson:"invalidate_at,omitempty"`
	UserIDs                []string           `bson:"user_ids"`
	ContentType            string             `bson:"content_type"`
	Content                []byte             `bson:"content"`
	Deleted                bool               `bson:"deleted"`
	Confirmations          []DeliveryRecord   `bson:"confirmations"`
}

// RecipientMatches reports whether the user is addressed by the notification.
func (n *Notification) RecipientMatches(userID string) bool {
	if len(n.UserIDs) == 0 {
		return true
	}
	for _, id := range n.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Expired reports whether invalidate_at has passed.
func (n *Notification) Expired(now time.Time) bool {
	return n.InvalidateAt != nil && !n.InvalidateAt.After(now)
}

// DeliveryFor returns the recipient's delivery record, if any.
func (n *Notification) DeliveryFor(userID string) (DeliveryRecord, bool) {
	for _, rec := range n.Confirmations {
		if rec.UserID == userID {
			return rec, true
		}
	}
	return DeliveryRecord{}, false
}

// CreateRequest is the validated input of Create. Content arrives already
// base64-decoded.
type CreateRequest struct {
	ProducerNotificationID int64
	UserIDs                []string
	ContentType            string
	Content                []byte
	InvalidateAt           *time.Time
}

// View is one recipient's observation of a notification, as returned over
// HTTP.
type View struct {
	ID                     string     `json:"id"`
	ProducerNotificationID int64      `json:"producer_notification_id"`
	CreatedBy              string     `json:"created_by"`
	CreatedAt              time.Time  `json:"created_at"`
	InvalidateAt           *time.Time `json:"invalidate_at,omitempty"`
	ContentType            string     `json:"content_type"`
	Content                []byte     `json:"content"`
	Status                 Status     `json:"status"`
	Seen                   bool       `json:"seen"`
	DeliveredAt            *time.Time `json:"delivered_at,omitempty"`
}

// viewFor projects the document onto a recipient.
func viewFor(n *Notification, userID string) View {
	v := View{
		ID:                     n.ID.Hex(),
		ProducerNotificationID: n.ProducerNotificationID,
		CreatedBy:              n.CreatedBy,
		CreatedAt:              n.CreatedAt,
		InvalidateAt:           n.InvalidateAt,
		ContentType:            n.ContentType,
		Content:                n.Content,
		Status:                 StatusUndelivered,
	}
	if rec, ok := n.DeliveryFor(userID); ok {
		deliveredAt := rec.DeliveredAt
		v.Status = StatusDelivered
		v.Seen = rec.Seen
		v.DeliveredAt = &deliveredAt
		if rec.Deleted {
			v.Status = StatusDeleted
		}
	}
	if n.Deleted {
		v.Status = StatusDeleted
	}
	return v
}
