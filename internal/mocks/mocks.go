package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"canvas-chat/internal/models"
	"canvas-chat/internal/repositories"
	"canvas-chat/internal/store"
)

type GroupRepositoryMock struct {
	mock.Mock
}

func (m *GroupRepositoryMock) CreateGroup(ctx context.Context, group models.Group) (models.Group, error) {
	args := m.Called(ctx, group)
	var out models.Group
	if val := args.Get(0); val != nil {
		out = val.(models.Group)
	}
	return out, args.Error(1)
}

func (m *GroupRepositoryMock) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	args := m.Called(ctx, groupID)
	var out models.Group
	if val := args.Get(0); val != nil {
		out = val.(models.Group)
	}
	return out, args.Error(1)
}

func (m *GroupRepositoryMock) UpdateFields(ctx context.Context, groupID string, fields repositories.GroupFields) error {
	args := m.Called(ctx, groupID, fields)
	return args.Error(0)
}

func (m *GroupRepositoryMock) Claim(ctx context.Context, groupID, messageID, uid string, at time.Time) (bool, error) {
	args := m.Called(ctx, groupID, messageID, uid, at)
	return args.Bool(0), args.Error(1)
}

func (m *GroupRepositoryMock) Release(ctx context.Context, groupID, messageID string) (bool, error) {
	args := m.Called(ctx, groupID, messageID)
	return args.Bool(0), args.Error(1)
}

func (m *GroupRepositoryMock) Touch(ctx context.Context, groupID, messageID string, at time.Time) error {
	args := m.Called(ctx, groupID, messageID, at)
	return args.Error(0)
}

func (m *GroupRepositoryMock) AddMember(ctx context.Context, groupID, uid string) error {
	args := m.Called(ctx, groupID, uid)
	return args.Error(0)
}

func (m *GroupRepositoryMock) DeleteGroup(ctx context.Context, groupID string) error {
	args := m.Called(ctx, groupID)
	return args.Error(0)
}

func (m *GroupRepositoryMock) ListGroupsForUser(ctx context.Context, uid string) ([]models.Group, error) {
	args := m.Called(ctx, uid)
	var list []models.Group
	if val := args.Get(0); val != nil {
		list = val.([]models.Group)
	}
	return list, args.Error(1)
}

func (m *GroupRepositoryMock) ListGroupsByName(ctx context.Context, name string) ([]models.Group, error) {
	args := m.Called(ctx, name)
	var list []models.Group
	if val := args.Get(0); val != nil {
		list = val.([]models.Group)
	}
	return list, args.Error(1)
}

func (m *GroupRepositoryMock) ListRecent(ctx context.Context, limit int) ([]models.Group, error) {
	args := m.Called(ctx, limit)
	var list []models.Group
	if val := args.Get(0); val != nil {
		list = val.([]models.Group)
	}
	return list, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, groupID, messageID string) (models.Message, error) {
	args := m.Called(ctx, groupID, messageID)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) UpdateFields(ctx context.Context, groupID, messageID string, fields repositories.MessageFields) error {
	args := m.Called(ctx, groupID, messageID, fields)
	return args.Error(0)
}

func (m *MessageRepositoryMock) DeleteMessage(ctx context.Context, groupID, messageID string) error {
	args := m.Called(ctx, groupID, messageID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, groupID string) ([]models.Message, error) {
	args := m.Called(ctx, groupID)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

type CanvasRepositoryMock struct {
	mock.Mock
}

func (m *CanvasRepositoryMock) GetCanvas(ctx context.Context, groupID string) (models.CanvasState, error) {
	args := m.Called(ctx, groupID)
	var out models.CanvasState
	if val := args.Get(0); val != nil {
		out = val.(models.CanvasState)
	}
	return out, args.Error(1)
}

func (m *CanvasRepositoryMock) UpsertCanvas(ctx context.Context, groupID string, html, css, js *string) error {
	args := m.Called(ctx, groupID, html, css, js)
	return args.Error(0)
}

func (m *CanvasRepositoryMock) AppendTerminal(ctx context.Context, groupID string, lines []string) error {
	args := m.Called(ctx, groupID, lines)
	return args.Error(0)
}

type UsageRepositoryMock struct {
	mock.Mock
}

func (m *UsageRepositoryMock) AddUsage(ctx context.Context, keyIndex int, tokens int) error {
	args := m.Called(ctx, keyIndex, tokens)
	return args.Error(0)
}

func (m *UsageRepositoryMock) ListUsage(ctx context.Context) (map[int]int64, error) {
	args := m.Called(ctx)
	var out map[int]int64
	if val := args.Get(0); val != nil {
		out = val.(map[int]int64)
	}
	return out, args.Error(1)
}

type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) Publish(ctx context.Context, topic string) error {
	args := m.Called(ctx, topic)
	return args.Error(0)
}

func (m *NotifierMock) Subscribe(ctx context.Context, topic string) (<-chan struct{}, store.Unsubscribe, error) {
	args := m.Called(ctx, topic)
	var ch <-chan struct{}
	if val := args.Get(0); val != nil {
		ch = val.(<-chan struct{})
	}
	var unsub store.Unsubscribe
	if val := args.Get(1); val != nil {
		unsub = val.(store.Unsubscribe)
	}
	return ch, unsub, args.Error(2)
}
