package models

import (
	"time"

	"github.com/lib/pq"
)

// Group represents a collaborative chat group with one shared canvas.
type Group struct {
	ID                  string         `db:"id" json:"id"`
	Name                string         `db:"name" json:"name"`
	CreatedBy           string         `db:"created_by" json:"created_by"`
	Members             pq.StringArray `db:"members" json:"members"`
	ProcessingMessageID *string        `db:"processing_message_id" json:"processing_message_id"`
	LockedBy            *string        `db:"locked_by" json:"locked_by"`
	LockedAt            *time.Time     `db:"locked_at" json:"locked_at"`
	IsCallActive        bool           `db:"is_call_active" json:"is_call_active"`
	CallParticipants    pq.StringArray `db:"call_participants" json:"call_participants"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
}

// Processing returns the message id holding the group's generation lock, or "".
func (g Group) Processing() string {
	if g.ProcessingMessageID == nil {
		return ""
	}
	return *g.ProcessingMessageID
}

// HasMember reports whether uid belongs to the group.
func (g Group) HasMember(uid string) bool {
	for _, m := range g.Members {
		if m == uid {
			return true
		}
	}
	return false
}

// GroupEvent is emitted over WebSocket connections for groups.
type GroupEvent struct {
	Type      string       `json:"type"`
	Group     *Group       `json:"group,omitempty"`
	Messages  []Message    `json:"messages,omitempty"`
	Canvas    *CanvasState `json:"canvas,omitempty"`
	KeyStatus *KeyStatus   `json:"key_status,omitempty"`
}

// Group event types.
const (
	EventGroup        = "group"
	EventGroupDeleted = "group_deleted"
	EventMessages     = "messages"
	EventCanvas       = "canvas"
	EventKeyStatus    = "key_status"
)
