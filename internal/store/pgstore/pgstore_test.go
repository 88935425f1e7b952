package pgstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"canvas-chat/internal/mocks"
	"canvas-chat/internal/models"
	"canvas-chat/internal/repositories"
	"canvas-chat/internal/store"
)

type fixture struct {
	groups   *mocks.GroupRepositoryMock
	messages *mocks.MessageRepositoryMock
	canvases *mocks.CanvasRepositoryMock
	usage    *mocks.UsageRepositoryMock
	notifier *mocks.NotifierMock
	store    *Store
}

func newFixture() *fixture {
	f := &fixture{
		groups:   new(mocks.GroupRepositoryMock),
		messages: new(mocks.MessageRepositoryMock),
		canvases: new(mocks.CanvasRepositoryMock),
		usage:    new(mocks.UsageRepositoryMock),
		notifier: new(mocks.NotifierMock),
	}
	f.store = New(f.groups, f.messages, f.canvases, f.usage, f.notifier)
	return f
}

func (f *fixture) assert(t *testing.T) {
	f.groups.AssertExpectations(t)
	f.messages.AssertExpectations(t)
	f.canvases.AssertExpectations(t)
	f.usage.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

func TestCreateGroupAddsCreatorAndPublishes(t *testing.T) {
	f := newFixture()
	f.groups.On("CreateGroup", mock.Anything, mock.MatchedBy(func(g models.Group) bool {
		return g.ID != "" && len(g.Members) == 2 && g.Members[0] == "alice" && g.Members[1] == "bob"
	})).Return(models.Group{ID: "g1", Name: "team"}, nil).Once()
	f.notifier.On("Publish", mock.Anything, store.GroupTopic("g1")).Return(nil).Once()

	g, err := f.store.CreateGroup(context.Background(), models.Group{Name: "team", CreatedBy: "alice", Members: []string{"alice", "bob"}})

	require.NoError(t, err)
	require.Equal(t, "g1", g.ID)
	f.assert(t)
}

func TestClaimPublishesOnlyWhenWon(t *testing.T) {
	f := newFixture()
	at := time.Now()
	f.groups.On("Claim", mock.Anything, "g1", "m1", "alice", at).Return(true, nil).Once()
	f.groups.On("Claim", mock.Anything, "g1", "m2", "alice", at).Return(false, nil).Once()
	f.notifier.On("Publish", mock.Anything, store.GroupTopic("g1")).Return(nil).Once()

	won, err := f.store.ClaimProcessing(context.Background(), "g1", "m1", "alice", at)
	require.NoError(t, err)
	require.True(t, won)

	won, err = f.store.ClaimProcessing(context.Background(), "g1", "m2", "alice", at)
	require.NoError(t, err)
	require.False(t, won)
	f.assert(t)
}

func TestReleaseIsConditional(t *testing.T) {
	f := newFixture()
	f.groups.On("Release", mock.Anything, "g1", "stale").Return(false, nil).Once()

	released, err := f.store.ReleaseProcessing(context.Background(), "g1", "stale")

	require.NoError(t, err)
	require.False(t, released)
	f.notifier.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	f.assert(t)
}

func TestUpdateGroupEmptyProcessingClearsLock(t *testing.T) {
	f := newFixture()
	empty := ""
	f.groups.On("UpdateFields", mock.Anything, "g1", repositories.GroupFields{ClearProcessing: true}).Return(nil).Once()
	f.notifier.On("Publish", mock.Anything, store.GroupTopic("g1")).Return(nil).Once()

	require.NoError(t, f.store.UpdateGroup(context.Background(), "g1", store.GroupPatch{ProcessingMessageID: &empty}))
	f.assert(t)
}

func TestGetGroupTranslatesNotFound(t *testing.T) {
	f := newFixture()
	f.groups.On("GetGroup", mock.Anything, "nope").Return(nil, repositories.ErrGroupNotFound).Once()

	_, err := f.store.GetGroup(context.Background(), "nope")

	require.ErrorIs(t, err, store.ErrNotFound)
	f.assert(t)
}

func TestUpdateMessageConvertsStatus(t *testing.T) {
	f := newFixture()
	done := models.StatusDone
	status := "done"
	f.messages.On("UpdateFields", mock.Anything, "g1", "m1", repositories.MessageFields{Status: &status}).Return(nil).Once()
	f.notifier.On("Publish", mock.Anything, store.MessagesTopic("g1")).Return(nil).Once()

	require.NoError(t, f.store.UpdateMessage(context.Background(), "g1", "m1", store.MessagePatch{Status: &done}))
	f.assert(t)
}

func TestUpdateMessageNotFound(t *testing.T) {
	f := newFixture()
	f.messages.On("UpdateFields", mock.Anything, "g1", "m1", mock.Anything).Return(repositories.ErrMessageNotFound).Once()

	text := "x"
	err := f.store.UpdateMessage(context.Background(), "g1", "m1", store.MessagePatch{Text: &text})

	require.ErrorIs(t, err, store.ErrNotFound)
	f.assert(t)
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture()
	html := "<html></html>"
	f.canvases.On("UpsertCanvas", mock.Anything, "g1", &html, (*string)(nil), (*string)(nil)).Return(nil).Once()
	f.notifier.On("Publish", mock.Anything, store.CanvasTopic("g1")).Return(errors.New("redis down")).Once()

	require.NoError(t, f.store.SetCanvas(context.Background(), "g1", store.CanvasPatch{HTML: &html}))
	f.assert(t)
}

func TestSubscribeMessagesDeliversInitialAndChanges(t *testing.T) {
	f := newFixture()
	signals := make(chan struct{}, 1)
	f.notifier.On("Subscribe", mock.Anything, store.MessagesTopic("g1")).Return((<-chan struct{})(signals), store.Unsubscribe(func() {}), nil).Once()
	f.messages.On("ListMessages", mock.Anything, "g1").Return([]models.Message{{ID: "m1"}}, nil).Once()
	f.messages.On("ListMessages", mock.Anything, "g1").Return([]models.Message{{ID: "m1"}, {ID: "m2"}}, nil).Once()

	got := make(chan []models.Message, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unsubscribe, err := f.store.SubscribeMessages(ctx, "g1", func(msgs []models.Message) { got <- msgs })
	require.NoError(t, err)
	defer unsubscribe()

	require.Len(t, <-got, 1)
	signals <- struct{}{}
	require.Len(t, <-got, 2)
	f.assert(t)
}

func TestKeyUsagePassThrough(t *testing.T) {
	f := newFixture()
	f.usage.On("AddUsage", mock.Anything, 1, 50).Return(nil).Once()
	f.usage.On("ListUsage", mock.Anything).Return(map[int]int64{1: 50}, nil).Once()

	require.NoError(t, f.store.AddKeyUsage(context.Background(), 1, 50))
	usage, err := f.store.KeyUsage(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[int]int64{1: 50}, usage)
	f.assert(t)
}
