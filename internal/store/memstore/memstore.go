// Package memstore is an in-process implementation of store.Store for a
// single replica and for tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"canvas-chat/internal/models"
	"canvas-chat/internal/store"
)

// Store keeps every document in memory.
type Store struct {
	mu       sync.RWMutex
	groups   map[string]models.Group
	messages map[string][]models.Message
	canvases map[string]models.CanvasState
	usage    map[int]int64
	notifier *store.LocalNotifier
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		groups:   make(map[string]models.Group),
		messages: make(map[string][]models.Message),
		canvases: make(map[string]models.CanvasState),
		usage:    make(map[int]int64),
		notifier: store.NewLocalNotifier(),
		now:      time.Now,
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) publish(topic string) {
	_ = s.notifier.Publish(context.Background(), topic)
}

func cloneGroup(g models.Group) models.Group {
	g.Members = append([]string(nil), g.Members...)
	g.CallParticipants = append([]string(nil), g.CallParticipants...)
	if g.ProcessingMessageID != nil {
		id := *g.ProcessingMessageID
		g.ProcessingMessageID = &id
	}
	if g.LockedBy != nil {
		by := *g.LockedBy
		g.LockedBy = &by
	}
	if g.LockedAt != nil {
		at := *g.LockedAt
		g.LockedAt = &at
	}
	return g
}

func cloneMessage(m models.Message) models.Message {
	m.Attachments = append(models.Attachments(nil), m.Attachments...)
	if m.AudioData != nil {
		audio := *m.AudioData
		m.AudioData = &audio
	}
	return m
}

// CreateGroup stores a new group; the creator is always a member.
func (s *Store) CreateGroup(_ context.Context, group models.Group) (models.Group, error) {
	s.mu.Lock()
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	if group.CreatedAt.IsZero() {
		group.CreatedAt = s.now()
	}
	group.Members = dedupe(append([]string{group.CreatedBy}, group.Members...))
	group.ProcessingMessageID, group.LockedBy, group.LockedAt = nil, nil, nil
	s.groups[group.ID] = cloneGroup(group)
	s.canvases[group.ID] = models.CanvasState{GroupID: group.ID, LastUpdated: group.CreatedAt}
	s.mu.Unlock()

	s.publish(store.GroupTopic(group.ID))
	return group, nil
}

// GetGroup fetches a single group.
func (s *Store) GetGroup(_ context.Context, groupID string) (models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return models.Group{}, store.ErrNotFound
	}
	return cloneGroup(g), nil
}

// UpdateGroup merges patch into the group.
func (s *Store) UpdateGroup(_ context.Context, groupID string, patch store.GroupPatch) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if patch.Name != nil {
		g.Name = *patch.Name
	}
	if patch.ProcessingMessageID != nil {
		if *patch.ProcessingMessageID == "" {
			g.ProcessingMessageID, g.LockedBy, g.LockedAt = nil, nil, nil
		} else {
			id := *patch.ProcessingMessageID
			g.ProcessingMessageID = &id
		}
	}
	if patch.IsCallActive != nil {
		g.IsCallActive = *patch.IsCallActive
	}
	if patch.CallParticipants != nil {
		g.CallParticipants = append([]string(nil), patch.CallParticipants...)
	}
	s.groups[groupID] = g
	s.mu.Unlock()

	s.publish(store.GroupTopic(groupID))
	return nil
}

// ClaimProcessing sets the lock if it is free.
func (s *Store) ClaimProcessing(_ context.Context, groupID, messageID, uid string, at time.Time) (bool, error) {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return false, store.ErrNotFound
	}
	if g.ProcessingMessageID != nil {
		s.mu.Unlock()
		return false, nil
	}
	id, by := messageID, uid
	g.ProcessingMessageID, g.LockedBy, g.LockedAt = &id, &by, &at
	s.groups[groupID] = g
	s.mu.Unlock()

	s.publish(store.GroupTopic(groupID))
	return true, nil
}

// ReleaseProcessing clears the lock if messageID still holds it.
func (s *Store) ReleaseProcessing(_ context.Context, groupID, messageID string) (bool, error) {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return false, store.ErrNotFound
	}
	if g.Processing() != messageID {
		s.mu.Unlock()
		return false, nil
	}
	g.ProcessingMessageID, g.LockedBy, g.LockedAt = nil, nil, nil
	s.groups[groupID] = g
	s.mu.Unlock()

	s.publish(store.GroupTopic(groupID))
	return true, nil
}

// TouchLock refreshes lockedAt while messageID holds the lock.
func (s *Store) TouchLock(_ context.Context, groupID, messageID string, at time.Time) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if g.Processing() != messageID {
		s.mu.Unlock()
		return nil
	}
	g.LockedAt = &at
	s.groups[groupID] = g
	s.mu.Unlock()

	s.publish(store.GroupTopic(groupID))
	return nil
}

// AddMember adds uid to the group's member set.
func (s *Store) AddMember(_ context.Context, groupID, uid string) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	g.Members = dedupe(append(g.Members, uid))
	s.groups[groupID] = g
	s.mu.Unlock()

	s.publish(store.GroupTopic(groupID))
	return nil
}

// DeleteGroup removes a group with its messages and canvas.
func (s *Store) DeleteGroup(_ context.Context, groupID string) error {
	s.mu.Lock()
	if _, ok := s.groups[groupID]; !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	delete(s.groups, groupID)
	delete(s.messages, groupID)
	delete(s.canvases, groupID)
	s.mu.Unlock()

	s.publish(store.GroupTopic(groupID))
	s.publish(store.MessagesTopic(groupID))
	s.publish(store.CanvasTopic(groupID))
	return nil
}

// ListGroupsForMember returns groups whose members contain uid, newest first.
func (s *Store) ListGroupsForMember(_ context.Context, uid string) ([]models.Group, error) {
	return s.filterGroups(0, func(g models.Group) bool { return g.HasMember(uid) }), nil
}

// FindGroupsByName returns groups with exactly this name.
func (s *Store) FindGroupsByName(_ context.Context, name string) ([]models.Group, error) {
	return s.filterGroups(0, func(g models.Group) bool { return g.Name == name }), nil
}

// ListRecentGroups returns up to limit groups, newest first.
func (s *Store) ListRecentGroups(_ context.Context, limit int) ([]models.Group, error) {
	return s.filterGroups(limit, func(models.Group) bool { return true }), nil
}

func (s *Store) filterGroups(limit int, keep func(models.Group) bool) []models.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Group, 0)
	for _, g := range s.groups {
		if keep(g) {
			out = append(out, cloneGroup(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SubscribeGroup follows a group document.
func (s *Store) SubscribeGroup(ctx context.Context, groupID string, fn func(models.Group)) (store.Unsubscribe, error) {
	return store.Follow(ctx, s.notifier, store.GroupTopic(groupID), func(ctx context.Context) (models.Group, error) {
		return s.GetGroup(ctx, groupID)
	}, fn)
}

// CreateMessage appends a message to its group's collection.
func (s *Store) CreateMessage(_ context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	if _, ok := s.groups[msg.GroupID]; !ok {
		s.mu.Unlock()
		return models.Message{}, store.ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	s.messages[msg.GroupID] = append(s.messages[msg.GroupID], cloneMessage(msg))
	store.SortMessages(s.messages[msg.GroupID])
	s.mu.Unlock()

	s.publish(store.MessagesTopic(msg.GroupID))
	return msg, nil
}

// GetMessage fetches a single message.
func (s *Store) GetMessage(_ context.Context, groupID, messageID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[groupID] {
		if m.ID == messageID {
			return cloneMessage(m), nil
		}
	}
	return models.Message{}, store.ErrNotFound
}

// UpdateMessage merges patch into a message.
func (s *Store) UpdateMessage(_ context.Context, groupID, messageID string, patch store.MessagePatch) error {
	s.mu.Lock()
	msgs := s.messages[groupID]
	idx := -1
	for i := range msgs {
		if msgs[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	m := &msgs[idx]
	if patch.Text != nil {
		m.Text = *patch.Text
	}
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.IsLoading != nil {
		m.IsLoading = *patch.IsLoading
	}
	if patch.AudioData != nil {
		audio := *patch.AudioData
		m.AudioData = &audio
	}
	s.mu.Unlock()

	s.publish(store.MessagesTopic(groupID))
	return nil
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(_ context.Context, groupID, messageID string) error {
	s.mu.Lock()
	msgs := s.messages[groupID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			s.messages[groupID] = append(msgs[:i:i], msgs[i+1:]...)
			s.mu.Unlock()
			s.publish(store.MessagesTopic(groupID))
			return nil
		}
	}
	s.mu.Unlock()
	return store.ErrNotFound
}

// ListMessages returns the group's messages in send order.
func (s *Store) ListMessages(_ context.Context, groupID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0, len(s.messages[groupID]))
	for _, m := range s.messages[groupID] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

// SubscribeMessages follows a group's message collection.
func (s *Store) SubscribeMessages(ctx context.Context, groupID string, fn func([]models.Message)) (store.Unsubscribe, error) {
	return store.Follow(ctx, s.notifier, store.MessagesTopic(groupID), func(ctx context.Context) ([]models.Message, error) {
		return s.ListMessages(ctx, groupID)
	}, fn)
}

// GetCanvas returns the group's canvas; an absent canvas is empty.
func (s *Store) GetCanvas(_ context.Context, groupID string) (models.CanvasState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.canvases[groupID]
	if !ok {
		return models.CanvasState{GroupID: groupID}, nil
	}
	c.TerminalOutput = append([]string(nil), c.TerminalOutput...)
	return c, nil
}

// SetCanvas merges patch into the canvas.
func (s *Store) SetCanvas(_ context.Context, groupID string, patch store.CanvasPatch) error {
	s.mu.Lock()
	c, ok := s.canvases[groupID]
	if !ok {
		c = models.CanvasState{GroupID: groupID}
	}
	if patch.HTML != nil {
		c.HTML = *patch.HTML
	}
	if patch.CSS != nil {
		c.CSS = *patch.CSS
	}
	if patch.JS != nil {
		c.JS = *patch.JS
	}
	c.LastUpdated = s.now()
	s.canvases[groupID] = c
	s.mu.Unlock()

	s.publish(store.CanvasTopic(groupID))
	return nil
}

// AppendTerminalOutput appends lines to the canvas terminal.
func (s *Store) AppendTerminalOutput(_ context.Context, groupID string, lines []string) error {
	s.mu.Lock()
	c, ok := s.canvases[groupID]
	if !ok {
		c = models.CanvasState{GroupID: groupID}
	}
	c.TerminalOutput = append(append([]string(nil), c.TerminalOutput...), lines...)
	s.canvases[groupID] = c
	s.mu.Unlock()

	s.publish(store.CanvasTopic(groupID))
	return nil
}

// SubscribeCanvas follows a group's canvas.
func (s *Store) SubscribeCanvas(ctx context.Context, groupID string, fn func(models.CanvasState)) (store.Unsubscribe, error) {
	return store.Follow(ctx, s.notifier, store.CanvasTopic(groupID), func(ctx context.Context) (models.CanvasState, error) {
		return s.GetCanvas(ctx, groupID)
	}, fn)
}

// AddKeyUsage accumulates tokens for a key slot.
func (s *Store) AddKeyUsage(_ context.Context, keyIndex int, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[keyIndex] += int64(tokens)
	return nil
}

// KeyUsage returns a copy of the usage counters.
func (s *Store) KeyUsage(_ context.Context) (map[int]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]int64, len(s.usage))
	for k, v := range s.usage {
		out[k] = v
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
