// Package wire defines the binary messages exchanged over the bus and over
// client WebSocket connections. The schemas live in proto/; messages are
// encoded directly with the protobuf wire format (protowire) so no generated
// code is committed.
package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// NotificationStatus mirrors NotificationStatusProtobuf.
type NotificationStatus int32

const (
	StatusNew     NotificationStatus = 0
	StatusUpdated NotificationStatus = 1
	StatusDeleted NotificationStatus = 2
)

// String returns the bus routing key for the status.
func (s NotificationStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusUpdated:
		return "UPDATED"
	case StatusDeleted:
		return "DELETED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// NetworkStatus mirrors NetworkStatusProtobuf.
type NetworkStatus int32

const (
	NetworkOK    NetworkStatus = 0
	NetworkError NetworkStatus = 1
)

// Notification is the bus/WS representation of a notification state change.
// NEW carries the full payload, UPDATED carries seen, DELETED carries only
// id, status and timestamp.
type Notification struct {
	ID          string
	Status      NotificationStatus
	Timestamp   time.Time
	CreatedBy   string
	Seen        *bool
	ContentType string
	Content     []byte
}

// NotificationEvent is the message published to the notifications exchange.
// An empty UserIDs slice addresses every connected user (broadcast).
type NotificationEvent struct {
	UserIDs      []string
	Notification *Notification
}

// Confirmation is the message published to the confirmations exchange when a
// user acknowledges a NEW frame.
type Confirmation struct {
	NotificationID string
	UserID         string
	Timestamp      time.Time
}

// Frame is the server-to-client WebSocket message. A frame with a nil
// Notification signals the network status alone.
type Frame struct {
	MessageID        string
	MessageTimestamp time.Time
	NetworkStatus    NetworkStatus
	Notification     *Notification
}

// FrameAck is the client-to-server WebSocket response.
type FrameAck struct {
	MessageID string
}

func appendTimestamp(b []byte, num protowire.Number, t time.Time) []byte {
	var ts []byte
	ts = protowire.AppendTag(ts, 1, protowire.VarintType)
	ts = protowire.AppendVarint(ts, uint64(t.Unix()))
	ts = protowire.AppendTag(ts, 2, protowire.VarintType)
	ts = protowire.AppendVarint(ts, uint64(t.Nanosecond()))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, ts)
}

func consumeTimestamp(v []byte) (time.Time, error) {
	var seconds int64
	var nanos int64
	for len(v) > 0 {
		num, typ, n := protowire.ConsumeTag(v)
		if n < 0 {
			return time.Time{}, protowire.ParseError(n)
		}
		v = v[n:]
		switch num {
		case 1:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return time.Time{}, protowire.ParseError(n)
			}
			seconds = int64(val)
			v = v[n:]
		case 2:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return time.Time{}, protowire.ParseError(n)
			}
			nanos = int64(val)
			v = v[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, v)
			if n < 0 {
				return time.Time{}, protowire.ParseError(n)
			}
			v = v[n:]
		}
	}
	return time.Unix(seconds, nanos).UTC(), nil
}

// Marshal encodes the notification.
func (m *Notification) Marshal() []byte {
	var b []byte
	if m.ID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.ID)
	}
	if m.Status != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Status))
	}
	if !m.Timestamp.IsZero() {
		b = appendTimestamp(b, 3, m.Timestamp)
	}
	if m.CreatedBy != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.CreatedBy)
	}
	if m.Seen != nil {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(*m.Seen))
	}
	if m.ContentType != "" {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, m.ContentType)
	}
	if m.Content != nil {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Content)
	}
	return b
}

// UnmarshalNotification decodes a notification message.
func UnmarshalNotification(b []byte) (*Notification, error) {
	m := &Notification{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.ID = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Status = NotificationStatus(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ts, err := consumeTimestamp(v)
			if err != nil {
				return nil, err
			}
			m.Timestamp = ts
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.CreatedBy = v
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			seen := protowire.DecodeBool(v)
			m.Seen = &seen
			b = b[n:]
		case 6:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.ContentType = v
			b = b[n:]
		case 7:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Content = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

// Marshal encodes the event for the notifications exchange.
func (m *NotificationEvent) Marshal() []byte {
	var b []byte
	for _, id := range m.UserIDs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	if m.Notification != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Notification.Marshal())
	}
	return b
}

// UnmarshalNotificationEvent decodes a notifications exchange message.
func UnmarshalNotificationEvent(b []byte) (*NotificationEvent, error) {
	m := &NotificationEvent{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.UserIDs = append(m.UserIDs, v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			notification, err := UnmarshalNotification(v)
			if err != nil {
				return nil, err
			}
			m.Notification = notification
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

// Marshal encodes the confirmation for the confirmations exchange.
func (m *Confirmation) Marshal() []byte {
	var b []byte
	if m.NotificationID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.NotificationID)
	}
	if m.UserID != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.UserID)
	}
	if !m.Timestamp.IsZero() {
		b = appendTimestamp(b, 3, m.Timestamp)
	}
	return b
}

// UnmarshalConfirmation decodes a confirmations exchange message.
func UnmarshalConfirmation(b []byte) (*Confirmation, error) {
	m := &Confirmation{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.NotificationID = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.UserID = v
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ts, err := consumeTimestamp(v)
			if err != nil {
				return nil, err
			}
			m.Timestamp = ts
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

// Marshal encodes the server-to-client frame.
func (m *Frame) Marshal() []byte {
	var b []byte
	if m.MessageID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.MessageID)
	}
	if !m.MessageTimestamp.IsZero() {
		b = appendTimestamp(b, 2, m.MessageTimestamp)
	}
	if m.NetworkStatus != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.NetworkStatus))
	}
	if m.Notification != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Notification.Marshal())
	}
	return b
}

// UnmarshalFrame decodes a server-to-client frame.
func UnmarshalFrame(b []byte) (*Frame, error) {
	m := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.MessageID = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ts, err := consumeTimestamp(v)
			if err != nil {
				return nil, err
			}
			m.MessageTimestamp = ts
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.NetworkStatus = NetworkStatus(v)
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			notification, err := UnmarshalNotification(v)
			if err != nil {
				return nil, err
			}
			m.Notification = notification
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

// Marshal encodes the client-to-server acknowledgement.
func (m *FrameAck) Marshal() []byte {
	var b []byte
	if m.MessageID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.MessageID)
	}
	return b
}

// UnmarshalFrameAck decodes a client-to-server acknowledgement.
func UnmarshalFrameAck(b []byte) (*FrameAck, error) {
	m := &FrameAck{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.MessageID = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}
