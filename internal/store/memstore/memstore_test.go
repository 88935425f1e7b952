package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"canvas-chat/internal/models"
	"canvas-chat/internal/store"
)

func newGroup(t *testing.T, s *Store) models.Group {
	t.Helper()
	g, err := s.CreateGroup(context.Background(), models.Group{Name: "team", CreatedBy: "alice", Members: []string{"bob", "alice"}})
	require.NoError(t, err)
	return g
}

func TestCreateGroupDefaults(t *testing.T) {
	s := New()
	g := newGroup(t, s)

	require.NotEmpty(t, g.ID)
	require.Equal(t, []string{"alice", "bob"}, []string(g.Members))
	require.Empty(t, g.Processing())

	canvas, err := s.GetCanvas(context.Background(), g.ID)
	require.NoError(t, err)
	require.Empty(t, canvas.HTML)
}

func TestClaimIsCompareAndSwap(t *testing.T) {
	s := New()
	g := newGroup(t, s)
	ctx := context.Background()
	at := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimProcessing(ctx, g.ID, "m1", "alice", at)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)

	got, err := s.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, "m1", got.Processing())
	require.Equal(t, "alice", *got.LockedBy)
	require.True(t, got.LockedAt.Equal(at))
}

func TestReleaseRequiresHolder(t *testing.T) {
	s := New()
	g := newGroup(t, s)
	ctx := context.Background()

	ok, err := s.ClaimProcessing(ctx, g.ID, "m1", "alice", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	released, err := s.ReleaseProcessing(ctx, g.ID, "m2")
	require.NoError(t, err)
	require.False(t, released)

	released, err = s.ReleaseProcessing(ctx, g.ID, "m1")
	require.NoError(t, err)
	require.True(t, released)

	got, err := s.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Nil(t, got.ProcessingMessageID)
	require.Nil(t, got.LockedBy)
	require.Nil(t, got.LockedAt)
}

func TestTouchLockOnlyForHolder(t *testing.T) {
	s := New()
	g := newGroup(t, s)
	ctx := context.Background()
	start := time.Now()

	_, err := s.ClaimProcessing(ctx, g.ID, "m1", "alice", start)
	require.NoError(t, err)

	later := start.Add(time.Minute)
	require.NoError(t, s.TouchLock(ctx, g.ID, "other", later))
	got, _ := s.GetGroup(ctx, g.ID)
	require.True(t, got.LockedAt.Equal(start))

	require.NoError(t, s.TouchLock(ctx, g.ID, "m1", later))
	got, _ = s.GetGroup(ctx, g.ID)
	require.True(t, got.LockedAt.Equal(later))
}

func TestUpdateGroupEmptyProcessingClearsLock(t *testing.T) {
	s := New()
	g := newGroup(t, s)
	ctx := context.Background()
	_, err := s.ClaimProcessing(ctx, g.ID, "m1", "alice", time.Now())
	require.NoError(t, err)

	empty := ""
	require.NoError(t, s.UpdateGroup(ctx, g.ID, store.GroupPatch{ProcessingMessageID: &empty}))

	got, err := s.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Empty(t, got.Processing())
	require.Nil(t, got.LockedBy)
}

func TestMessagesStayInSendOrder(t *testing.T) {
	s := New()
	g := newGroup(t, s)
	ctx := context.Background()
	base := time.Now()

	for _, m := range []struct {
		id string
		at time.Time
	}{{"c", base.Add(2 * time.Second)}, {"a", base}, {"b", base.Add(time.Second)}} {
		_, err := s.CreateMessage(ctx, models.Message{ID: m.id, GroupID: g.ID, Role: models.RoleUser, Status: models.StatusQueued, Timestamp: m.at})
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, "a", msgs[0].ID)
	require.Equal(t, "b", msgs[1].ID)
	require.Equal(t, "c", msgs[2].ID)

	head, ok := store.QueueHead(msgs)
	require.True(t, ok)
	require.Equal(t, "a", head.ID)
}

func TestCreateMessageUnknownGroup(t *testing.T) {
	_, err := New().CreateMessage(context.Background(), models.Message{GroupID: "missing"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateMessageMergesFields(t *testing.T) {
	s := New()
	g := newGroup(t, s)
	ctx := context.Background()
	m, err := s.CreateMessage(ctx, models.Message{GroupID: g.ID, Text: "hi", Role: models.RoleModel, Status: models.StatusGenerating, IsLoading: true})
	require.NoError(t, err)

	done := models.StatusDone
	loading := false
	require.NoError(t, s.UpdateMessage(ctx, g.ID, m.ID, store.MessagePatch{Status: &done, IsLoading: &loading}))

	got, err := s.GetMessage(ctx, g.ID, m.ID)
	require.NoError(t, err)
	require.Equal(t, "hi", got.Text)
	require.Equal(t, models.StatusDone, got.Status)
	require.False(t, got.IsLoading)

	require.ErrorIs(t, s.UpdateMessage(ctx, g.ID, "nope", store.MessagePatch{}), store.ErrNotFound)
}

func TestSubscribePushesCurrentThenLatest(t *testing.T) {
	s := New()
	g := newGroup(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan models.CanvasState, 8)
	unsubscribe, err := s.SubscribeCanvas(ctx, g.ID, func(c models.CanvasState) { got <- c })
	require.NoError(t, err)
	defer unsubscribe()

	first := <-got
	require.Empty(t, first.HTML)

	html := "<html>v1</html>"
	require.NoError(t, s.SetCanvas(ctx, g.ID, store.CanvasPatch{HTML: &html}))

	require.Eventually(t, func() bool {
		for {
			select {
			case c := <-got:
				if c.HTML == html {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestGroupQueries(t *testing.T) {
	s := New()
	ctx := context.Background()
	old, err := s.CreateGroup(ctx, models.Group{Name: "alpha", CreatedBy: "alice", CreatedAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	recent, err := s.CreateGroup(ctx, models.Group{Name: "beta", CreatedBy: "bob", Members: []string{"alice"}})
	require.NoError(t, err)

	mine, err := s.ListGroupsForMember(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, recent.ID, mine[0].ID)

	named, err := s.FindGroupsByName(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, named, 1)
	require.Equal(t, old.ID, named[0].ID)

	limited, err := s.ListRecentGroups(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, recent.ID, limited[0].ID)

	require.NoError(t, s.AddMember(ctx, old.ID, "carol"))
	carols, err := s.ListGroupsForMember(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, carols, 1)

	require.NoError(t, s.DeleteGroup(ctx, old.ID))
	_, err = s.GetGroup(ctx, old.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestKeyUsageAccumulates(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.AddKeyUsage(ctx, 0, 10))
	require.NoError(t, s.AddKeyUsage(ctx, 0, 5))
	require.NoError(t, s.AddKeyUsage(ctx, 2, 1))

	usage, err := s.KeyUsage(ctx)
	require.NoError(t, err)
	require.Equal(t, map[int]int64{0: 15, 2: 1}, usage)
}
