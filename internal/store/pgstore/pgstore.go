// Package pgstore implements store.Store on Postgres repositories, with
// change notifications carried by a store.Notifier (Redis across replicas).
package pgstore

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"canvas-chat/internal/models"
	"canvas-chat/internal/repositories"
	"canvas-chat/internal/store"
)

// Store composes the repositories with a notifier.
type Store struct {
	groups   repositories.GroupRepository
	messages repositories.MessageRepository
	canvases repositories.CanvasRepository
	usage    repositories.UsageRepository
	notifier store.Notifier
}

// New builds a Store.
func New(groups repositories.GroupRepository, messages repositories.MessageRepository, canvases repositories.CanvasRepository, usage repositories.UsageRepository, notifier store.Notifier) *Store {
	return &Store{groups: groups, messages: messages, canvases: canvases, usage: usage, notifier: notifier}
}

var _ store.Store = (*Store)(nil)

func (s *Store) publish(ctx context.Context, topic string) {
	if err := s.notifier.Publish(context.WithoutCancel(ctx), topic); err != nil {
		log.Printf("pgstore publish %s failed: %v", topic, err)
	}
}

func translate(err error) error {
	if errors.Is(err, repositories.ErrGroupNotFound) || errors.Is(err, repositories.ErrMessageNotFound) {
		return store.ErrNotFound
	}
	return err
}

// CreateGroup stores a new group; the creator is always a member.
func (s *Store) CreateGroup(ctx context.Context, group models.Group) (models.Group, error) {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	members := []string{group.CreatedBy}
	for _, m := range group.Members {
		if m != "" && m != group.CreatedBy {
			members = append(members, m)
		}
	}
	group.Members = members

	created, err := s.groups.CreateGroup(ctx, group)
	if err != nil {
		return models.Group{}, err
	}
	s.publish(ctx, store.GroupTopic(created.ID))
	return created, nil
}

// GetGroup fetches a single group.
func (s *Store) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	g, err := s.groups.GetGroup(ctx, groupID)
	return g, translate(err)
}

// UpdateGroup merges patch into the group.
func (s *Store) UpdateGroup(ctx context.Context, groupID string, patch store.GroupPatch) error {
	fields := repositories.GroupFields{
		Name:             patch.Name,
		IsCallActive:     patch.IsCallActive,
		CallParticipants: patch.CallParticipants,
	}
	if patch.ProcessingMessageID != nil {
		if *patch.ProcessingMessageID == "" {
			fields.ClearProcessing = true
		} else {
			fields.ProcessingID = patch.ProcessingMessageID
		}
	}
	if err := s.groups.UpdateFields(ctx, groupID, fields); err != nil {
		return translate(err)
	}
	s.publish(ctx, store.GroupTopic(groupID))
	return nil
}

// ClaimProcessing sets the lock if it is free.
func (s *Store) ClaimProcessing(ctx context.Context, groupID, messageID, uid string, at time.Time) (bool, error) {
	ok, err := s.groups.Claim(ctx, groupID, messageID, uid, at)
	if err != nil || !ok {
		return false, err
	}
	s.publish(ctx, store.GroupTopic(groupID))
	return true, nil
}

// ReleaseProcessing clears the lock if messageID still holds it.
func (s *Store) ReleaseProcessing(ctx context.Context, groupID, messageID string) (bool, error) {
	ok, err := s.groups.Release(ctx, groupID, messageID)
	if err != nil || !ok {
		return false, err
	}
	s.publish(ctx, store.GroupTopic(groupID))
	return true, nil
}

// TouchLock refreshes lockedAt while messageID holds the lock.
func (s *Store) TouchLock(ctx context.Context, groupID, messageID string, at time.Time) error {
	if err := s.groups.Touch(ctx, groupID, messageID, at); err != nil {
		return err
	}
	s.publish(ctx, store.GroupTopic(groupID))
	return nil
}

// AddMember adds uid to the group's member set.
func (s *Store) AddMember(ctx context.Context, groupID, uid string) error {
	if err := s.groups.AddMember(ctx, groupID, uid); err != nil {
		return translate(err)
	}
	s.publish(ctx, store.GroupTopic(groupID))
	return nil
}

// DeleteGroup removes a group with its messages and canvas.
func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	if err := s.groups.DeleteGroup(ctx, groupID); err != nil {
		return translate(err)
	}
	s.publish(ctx, store.GroupTopic(groupID))
	s.publish(ctx, store.MessagesTopic(groupID))
	s.publish(ctx, store.CanvasTopic(groupID))
	return nil
}

// ListGroupsForMember returns groups whose members contain uid.
func (s *Store) ListGroupsForMember(ctx context.Context, uid string) ([]models.Group, error) {
	return s.groups.ListGroupsForUser(ctx, uid)
}

// FindGroupsByName returns groups with exactly this name.
func (s *Store) FindGroupsByName(ctx context.Context, name string) ([]models.Group, error) {
	return s.groups.ListGroupsByName(ctx, name)
}

// ListRecentGroups returns up to limit groups, newest first.
func (s *Store) ListRecentGroups(ctx context.Context, limit int) ([]models.Group, error) {
	return s.groups.ListRecent(ctx, limit)
}

// SubscribeGroup follows a group document.
func (s *Store) SubscribeGroup(ctx context.Context, groupID string, fn func(models.Group)) (store.Unsubscribe, error) {
	return store.Follow(ctx, s.notifier, store.GroupTopic(groupID), func(ctx context.Context) (models.Group, error) {
		return s.GetGroup(ctx, groupID)
	}, fn)
}

// CreateMessage appends a message to its group's collection.
func (s *Store) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	created, err := s.messages.CreateMessage(ctx, msg)
	if err != nil {
		return models.Message{}, err
	}
	s.publish(ctx, store.MessagesTopic(msg.GroupID))
	return created, nil
}

// GetMessage fetches a single message.
func (s *Store) GetMessage(ctx context.Context, groupID, messageID string) (models.Message, error) {
	m, err := s.messages.GetMessage(ctx, groupID, messageID)
	return m, translate(err)
}

// UpdateMessage merges patch into a message.
func (s *Store) UpdateMessage(ctx context.Context, groupID, messageID string, patch store.MessagePatch) error {
	fields := repositories.MessageFields{
		Text:      patch.Text,
		IsLoading: patch.IsLoading,
		AudioData: patch.AudioData,
	}
	if patch.Status != nil {
		status := string(*patch.Status)
		fields.Status = &status
	}
	if err := s.messages.UpdateFields(ctx, groupID, messageID, fields); err != nil {
		return translate(err)
	}
	s.publish(ctx, store.MessagesTopic(groupID))
	return nil
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(ctx context.Context, groupID, messageID string) error {
	if err := s.messages.DeleteMessage(ctx, groupID, messageID); err != nil {
		return translate(err)
	}
	s.publish(ctx, store.MessagesTopic(groupID))
	return nil
}

// ListMessages returns the group's messages in send order.
func (s *Store) ListMessages(ctx context.Context, groupID string) ([]models.Message, error) {
	return s.messages.ListMessages(ctx, groupID)
}

// SubscribeMessages follows a group's message collection.
func (s *Store) SubscribeMessages(ctx context.Context, groupID string, fn func([]models.Message)) (store.Unsubscribe, error) {
	return store.Follow(ctx, s.notifier, store.MessagesTopic(groupID), func(ctx context.Context) ([]models.Message, error) {
		return s.ListMessages(ctx, groupID)
	}, fn)
}

// GetCanvas returns the group's canvas.
func (s *Store) GetCanvas(ctx context.Context, groupID string) (models.CanvasState, error) {
	return s.canvases.GetCanvas(ctx, groupID)
}

// SetCanvas merges patch into the canvas.
func (s *Store) SetCanvas(ctx context.Context, groupID string, patch store.CanvasPatch) error {
	if err := s.canvases.UpsertCanvas(ctx, groupID, patch.HTML, patch.CSS, patch.JS); err != nil {
		return err
	}
	s.publish(ctx, store.CanvasTopic(groupID))
	return nil
}

// AppendTerminalOutput appends lines to the canvas terminal.
func (s *Store) AppendTerminalOutput(ctx context.Context, groupID string, lines []string) error {
	if err := s.canvases.AppendTerminal(ctx, groupID, lines); err != nil {
		return err
	}
	s.publish(ctx, store.CanvasTopic(groupID))
	return nil
}

// SubscribeCanvas follows a group's canvas.
func (s *Store) SubscribeCanvas(ctx context.Context, groupID string, fn func(models.CanvasState)) (store.Unsubscribe, error) {
	return store.Follow(ctx, s.notifier, store.CanvasTopic(groupID), func(ctx context.Context) (models.CanvasState, error) {
		return s.GetCanvas(ctx, groupID)
	}, fn)
}

// AddKeyUsage accumulates tokens for a key slot.
func (s *Store) AddKeyUsage(ctx context.Context, keyIndex int, tokens int) error {
	return s.usage.AddUsage(ctx, keyIndex, tokens)
}

// KeyUsage returns the usage counters.
func (s *Store) KeyUsage(ctx context.Context) (map[int]int64, error) {
	return s.usage.ListUsage(ctx)
}
