package models

import (
	"time"

	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// NotificationResponse is the response for a notification
type NotificationResponse struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Type      string            `json:"type"`
	Title     string            `json:"title,omitempty"`
	Message   string            `json:"message,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	IsRead    bool              `json:"is_read"`
	CreatedAt string            `json:"created_at,omitempty"`
	UpdatedAt string            `json:"updated_at,omitempty"`
}

// NotificationFromRealtime converts a notification row to the response
func NotificationFromRealtime(n *realtime.Notification) *NotificationResponse {
	if n == nil {
		return nil
	}

	return &NotificationResponse{
		ID:        n.Id,
		UserID:    n.UserId,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Payload:   n.Payload,
		IsRead:    n.IsRead,
		CreatedAt: formatTimestamp(n.CreatedAt),
		UpdatedAt: formatTimestamp(n.UpdatedAt),
	}
}

// ToRealtime converts the response back to a notification row
func (r *NotificationResponse) ToRealtime() *realtime.Notification {
	return &realtime.Notification{
		Id:        r.ID,
		UserId:    r.UserID,
		Type:      r.Type,
		Title:     r.Title,
		Message:   r.Message,
		Payload:   r.Payload,
		IsRead:    r.IsRead,
		CreatedAt: parseTimestamp(r.CreatedAt),
		UpdatedAt: parseTimestamp(r.UpdatedAt),
	}
}

// ListNotificationsResponse is the response for listing a user's notifications
type ListNotificationsResponse struct {
	Notifications []*NotificationResponse `json:"notifications"`
}

// ChangeResponse is the response for a published change
type ChangeResponse struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Resource string `json:"resource"`
	CommitTs string `json:"commit_ts,omitempty"`
}

// ChangeFromRealtime converts a change to the response
func ChangeFromRealtime(c *realtime.Change) *ChangeResponse {
	return &ChangeResponse{
		ID:       c.Id,
		Type:     string(c.Type),
		Resource: c.Resource,
		CommitTs: formatTimestamp(c.CommitTs),
	}
}

// TopicResponse describes one relay topic
type TopicResponse struct {
	Topic   string   `json:"topic"`
	Clients int      `json:"clients"`
	Filters []string `json:"filters,omitempty"`
}

// TopicsResponse is the response for the relay topic snapshot
type TopicsResponse struct {
	Clients int              `json:"clients"`
	Topics  []*TopicResponse `json:"topics"`
}

func formatTimestamp(ts *timestamppb.Timestamp) string {
	if ts == nil {
		return ""
	}
	return ts.AsTime().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) *timestamppb.Timestamp {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return timestamppb.New(t)
}
