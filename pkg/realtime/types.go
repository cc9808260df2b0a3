package realtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// ErrInvalidUserID is returned for user ids that cannot key a row or scope
var ErrInvalidUserID = errors.New("invalid user id")

// ValidateUserID rejects empty ids and ids holding a colon or NUL; both
// separate key segments
func ValidateUserID(id string) error {
	if id == "" || strings.ContainsAny(id, ":\x00") {
		return fmt.Errorf("%w %q", ErrInvalidUserID, id)
	}
	return nil
}

// EventType identifies the kind of row change carried by a Change
type EventType string

const (
	EventAll    EventType = "*"
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ParseEventType accepts the upper or lower case form of an event type
func ParseEventType(s string) (EventType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "*":
		return EventAll, nil
	case "INSERT":
		return EventInsert, nil
	case "UPDATE":
		return EventUpdate, nil
	case "DELETE":
		return EventDelete, nil
	default:
		return "", fmt.Errorf("unknown event type %q", s)
	}
}

// Status is reported by a transport channel to its subscriber
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
)

// Change is a single row change pushed by the data store
type Change struct {
	Id        string                 `json:"id,omitempty"`
	Type      EventType              `json:"type"`
	Resource  string                 `json:"resource"`
	Record    map[string]any         `json:"record,omitempty"`
	OldRecord map[string]any         `json:"old_record,omitempty"`
	CommitTs  *timestamppb.Timestamp `json:"commit_ts,omitempty"`
}

// Row returns the record a filter should be evaluated against. Deletes only
// carry the old record.
func (c *Change) Row() map[string]any {
	if c.Type == EventDelete || c.Record == nil {
		return c.OldRecord
	}
	return c.Record
}

// Version returns the server-side timestamp of the change: the commit
// timestamp when present, otherwise updated_at or created_at of the row.
func (c *Change) Version() time.Time {
	if c.CommitTs != nil {
		return c.CommitTs.AsTime()
	}
	row := c.Row()
	if ts := TimestampField(row, "updated_at"); ts != nil {
		return ts.AsTime()
	}
	if ts := TimestampField(row, "created_at"); ts != nil {
		return ts.AsTime()
	}
	return time.Time{}
}

// StringField returns a row field rendered as a string
func StringField(row map[string]any, name string) string {
	v, ok := row[name]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// BoolField returns a boolean row field, accepting "true"/"false" strings
func BoolField(row map[string]any, name string) bool {
	switch val := row[name].(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	default:
		return false
	}
}

// TimestampField decodes RFC3339 strings, unix seconds and
// {"seconds","nanos"} objects into a timestamp
func TimestampField(row map[string]any, name string) *timestamppb.Timestamp {
	switch val := row[name].(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return nil
		}
		return timestamppb.New(t)
	case float64:
		sec := int64(val)
		return &timestamppb.Timestamp{Seconds: sec, Nanos: int32((val - float64(sec)) * 1e9)}
	case map[string]any:
		sec, _ := val["seconds"].(float64)
		nanos, _ := val["nanos"].(float64)
		return &timestamppb.Timestamp{Seconds: int64(sec), Nanos: int32(nanos)}
	case time.Time:
		return timestamppb.New(val)
	case *timestamppb.Timestamp:
		return val
	default:
		return nil
	}
}

// Notification is a user-facing notification row
type Notification struct {
	Id        string                 `json:"id"`
	UserId    string                 `json:"user_id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]string      `json:"payload,omitempty"`
	IsRead    bool                   `json:"is_read"`
	CreatedAt *timestamppb.Timestamp `json:"created_at,omitempty"`
	UpdatedAt *timestamppb.Timestamp `json:"updated_at,omitempty"`
}

// NotificationsResource is the resource name notification rows are published under
const NotificationsResource = "notifications"

// Record renders the notification as a change row. Timestamps are
// RFC3339 strings, the way the data store emits them.
func (n *Notification) Record() map[string]any {
	row := map[string]any{
		"id":      n.Id,
		"user_id": n.UserId,
		"type":    n.Type,
		"title":   n.Title,
		"message": n.Message,
		"is_read": n.IsRead,
	}
	if len(n.Payload) > 0 {
		payload := make(map[string]any, len(n.Payload))
		for k, v := range n.Payload {
			payload[k] = v
		}
		row["payload"] = payload
	}
	if n.CreatedAt != nil {
		row["created_at"] = n.CreatedAt.AsTime().Format(time.RFC3339Nano)
	}
	if n.UpdatedAt != nil {
		row["updated_at"] = n.UpdatedAt.AsTime().Format(time.RFC3339Nano)
	}
	return row
}

// Clone returns a deep copy of the notification
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	out := *n
	if n.Payload != nil {
		out.Payload = make(map[string]string, len(n.Payload))
		for k, v := range n.Payload {
			out.Payload[k] = v
		}
	}
	if n.CreatedAt != nil {
		out.CreatedAt = timestamppb.New(n.CreatedAt.AsTime())
	}
	if n.UpdatedAt != nil {
		out.UpdatedAt = timestamppb.New(n.UpdatedAt.AsTime())
	}
	return &out
}

// Created returns the creation time, the zero time when unset
func (n *Notification) Created() time.Time {
	if n.CreatedAt == nil {
		return time.Time{}
	}
	return n.CreatedAt.AsTime()
}

// NotificationFromRecord decodes a change row into a notification
func NotificationFromRecord(row map[string]any) (*Notification, error) {
	id := StringField(row, "id")
	if id == "" {
		return nil, NewError("notification record has no id")
	}

	n := &Notification{
		Id:        id,
		UserId:    StringField(row, "user_id"),
		Type:      StringField(row, "type"),
		Title:     StringField(row, "title"),
		Message:   StringField(row, "message"),
		IsRead:    BoolField(row, "is_read"),
		CreatedAt: TimestampField(row, "created_at"),
		UpdatedAt: TimestampField(row, "updated_at"),
	}
	if payload, ok := row["payload"].(map[string]any); ok {
		n.Payload = make(map[string]string, len(payload))
		for k := range payload {
			n.Payload[k] = StringField(payload, k)
		}
	}
	return n, nil
}

// Error wraps an error message for consistent error handling
type Error struct {
	Message string
}

// NewError creates a new Error
func NewError(msg string) error {
	return &Error{Message: msg}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("realtime: %s", e.Message)
}
