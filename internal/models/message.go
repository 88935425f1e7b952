package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
)

// Status tracks a message through the generation queue.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusGenerating Status = "generating"
	StatusDone       Status = "done"
)

// Message represents a message sent in a group.
type Message struct {
	ID          string      `db:"id" json:"id"`
	GroupID     string      `db:"group_id" json:"group_id"`
	Text        string      `db:"text" json:"text"`
	SenderID    string      `db:"sender_id" json:"sender_id"`
	SenderName  string      `db:"sender_name" json:"sender_name"`
	Role        Role        `db:"role" json:"role"`
	Status      Status      `db:"status" json:"status"`
	Attachments Attachments `db:"attachments" json:"attachments"`
	IsLoading   bool        `db:"is_loading" json:"is_loading"`
	AudioData   *string     `db:"audio_data" json:"audio_data,omitempty"`
	Timestamp   time.Time   `db:"timestamp" json:"timestamp"`
}

// IsQueued reports whether the message is a user prompt waiting for admission.
func (m Message) IsQueued() bool {
	return m.Role == RoleUser && m.Status == StatusQueued
}

// Attachment is an inline image carried by a message.
type Attachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Attachments is stored as a JSONB column.
type Attachments []Attachment

// Value implements driver.Valuer.
func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (a *Attachments) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return errors.New("attachments: unsupported column type")
	}
}
