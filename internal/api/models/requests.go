package models

import (
	"github.com/Chrisleo-16/xtent-sub002/internal/api/errors"
	"github.com/Chrisleo-16/xtent-sub002/internal/api/validation"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
)

// CreateNotificationRequest is the request to create a notification for a user
type CreateNotificationRequest struct {
	ID      string            `json:"id,omitempty"`
	Type    string            `json:"type"`
	Title   string            `json:"title,omitempty"`
	Message string            `json:"message,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Validate validates the request
func (r *CreateNotificationRequest) Validate() error {
	if err := validation.Required("type", r.Type); err != nil {
		return err
	}
	if err := validation.MaxLength("title", r.Title, 200); err != nil {
		return err
	}
	return validation.MaxLength("message", r.Message, 2000)
}

// ToNotification builds the row for userID
func (r *CreateNotificationRequest) ToNotification(userID string) *realtime.Notification {
	return &realtime.Notification{
		Id:      r.ID,
		UserId:  userID,
		Type:    r.Type,
		Title:   r.Title,
		Message: r.Message,
		Payload: r.Payload,
	}
}

// PublishChangeRequest is the request to publish an arbitrary row change
type PublishChangeRequest struct {
	Type      string         `json:"type"`
	Resource  string         `json:"resource"`
	Record    map[string]any `json:"record,omitempty"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

// Validate validates the request
func (r *PublishChangeRequest) Validate() error {
	if err := validation.Required("resource", r.Resource); err != nil {
		return err
	}

	typ, err := realtime.ParseEventType(r.Type)
	if err != nil || typ == realtime.EventAll {
		return errors.ValidationError("invalid_type", "Type must be INSERT, UPDATE or DELETE")
	}
	r.Type = string(typ)

	if typ == realtime.EventDelete && r.OldRecord == nil {
		return errors.ValidationError("missing_old_record", "DELETE changes must carry old_record")
	}
	if typ != realtime.EventDelete && r.Record == nil {
		return errors.ValidationError("missing_record", "INSERT and UPDATE changes must carry record")
	}
	return nil
}

// ToChange converts the request to a change
func (r *PublishChangeRequest) ToChange() *realtime.Change {
	return &realtime.Change{
		Type:      realtime.EventType(r.Type),
		Resource:  r.Resource,
		Record:    r.Record,
		OldRecord: r.OldRecord,
	}
}
