// Package store defines the shared document store the generation queue runs on.
//
// Every replica of the service talks to the same store. Cross-replica
// coordination relies only on per-document atomic updates, the
// compare-and-swap on a group's processing lock, and subscriptions that
// deliver the newest version of a document after every change.
package store

import (
	"context"
	"errors"
	"time"

	"canvas-chat/internal/models"
)

var (
	ErrNotFound = errors.New("document not found")
)

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// GroupPatch is a field merge for a group document. Nil fields are left
// untouched; a non-nil empty ProcessingMessageID clears the lock together with
// LockedBy and LockedAt.
type GroupPatch struct {
	Name                *string
	ProcessingMessageID *string
	IsCallActive        *bool
	CallParticipants    []string
}

// MessagePatch is a field merge for a message document.
type MessagePatch struct {
	Text      *string
	Status    *models.Status
	IsLoading *bool
	AudioData *string
}

// CanvasPatch is a field merge for a canvas document.
type CanvasPatch struct {
	HTML *string
	CSS  *string
	JS   *string
}

// GroupStore persists group documents.
type GroupStore interface {
	CreateGroup(ctx context.Context, group models.Group) (models.Group, error)
	GetGroup(ctx context.Context, groupID string) (models.Group, error)
	UpdateGroup(ctx context.Context, groupID string, patch GroupPatch) error
	// ClaimProcessing sets the lock to messageID only if no message holds it.
	ClaimProcessing(ctx context.Context, groupID, messageID, uid string, at time.Time) (bool, error)
	// ReleaseProcessing clears the lock only if messageID still holds it.
	ReleaseProcessing(ctx context.Context, groupID, messageID string) (bool, error)
	// TouchLock refreshes lockedAt while messageID holds the lock.
	TouchLock(ctx context.Context, groupID, messageID string, at time.Time) error
	AddMember(ctx context.Context, groupID, uid string) error
	DeleteGroup(ctx context.Context, groupID string) error
	ListGroupsForMember(ctx context.Context, uid string) ([]models.Group, error)
	FindGroupsByName(ctx context.Context, name string) ([]models.Group, error)
	ListRecentGroups(ctx context.Context, limit int) ([]models.Group, error)
	SubscribeGroup(ctx context.Context, groupID string, fn func(models.Group)) (Unsubscribe, error)
}

// MessageStore persists the ordered message collection of each group.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, groupID, messageID string) (models.Message, error)
	UpdateMessage(ctx context.Context, groupID, messageID string, patch MessagePatch) error
	DeleteMessage(ctx context.Context, groupID, messageID string) error
	ListMessages(ctx context.Context, groupID string) ([]models.Message, error)
	SubscribeMessages(ctx context.Context, groupID string, fn func([]models.Message)) (Unsubscribe, error)
}

// CanvasStore persists the canvas document of each group.
type CanvasStore interface {
	GetCanvas(ctx context.Context, groupID string) (models.CanvasState, error)
	SetCanvas(ctx context.Context, groupID string, patch CanvasPatch) error
	AppendTerminalOutput(ctx context.Context, groupID string, lines []string) error
	SubscribeCanvas(ctx context.Context, groupID string, fn func(models.CanvasState)) (Unsubscribe, error)
}

// UsageStore persists cumulative token usage per key slot.
type UsageStore interface {
	AddKeyUsage(ctx context.Context, keyIndex int, tokens int) error
	KeyUsage(ctx context.Context) (map[int]int64, error)
}

// Store is the full document store.
type Store interface {
	GroupStore
	MessageStore
	CanvasStore
	UsageStore
}
