package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"canvas-chat/internal/models"
)

func TestLocalNotifierCoalescesSignals(t *testing.T) {
	n := NewLocalNotifier()
	ch, unsubscribe, err := n.Subscribe(context.Background(), "t")
	require.NoError(t, err)
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Publish(context.Background(), "t"))
	}
	require.NoError(t, n.Publish(context.Background(), "other"))

	<-ch
	select {
	case <-ch:
		t.Fatal("signals were not coalesced")
	default:
	}
}

func TestLocalNotifierUnsubscribeIsIdempotent(t *testing.T) {
	n := NewLocalNotifier()
	_, unsubscribe, err := n.Subscribe(context.Background(), "t")
	require.NoError(t, err)

	unsubscribe()
	unsubscribe()
	require.NoError(t, n.Publish(context.Background(), "t"))
	require.Empty(t, n.subs)
}

func TestFollowReloadsOnSignal(t *testing.T) {
	n := NewLocalNotifier()
	version := 0
	load := func(context.Context) (int, error) {
		version++
		return version, nil
	}

	got := make(chan int, 4)
	unsubscribe, err := Follow(context.Background(), n, "doc", load, func(v int) { got <- v })
	require.NoError(t, err)

	require.Equal(t, 1, <-got)
	require.NoError(t, n.Publish(context.Background(), "doc"))
	require.Equal(t, 2, <-got)

	unsubscribe()
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.subs) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestFollowInitialLoadError(t *testing.T) {
	n := NewLocalNotifier()
	boom := errors.New("boom")

	_, err := Follow(context.Background(), n, "doc", func(context.Context) (int, error) { return 0, boom }, func(int) {})

	require.ErrorIs(t, err, boom)
	require.Empty(t, n.subs)
}

func TestQueueHeadSkipsNonQueued(t *testing.T) {
	base := time.Now()
	msgs := []models.Message{
		{ID: "done", Role: models.RoleUser, Status: models.StatusDone, Timestamp: base},
		{ID: "reply", Role: models.RoleModel, Status: models.StatusGenerating, Timestamp: base.Add(time.Second)},
		{ID: "late", Role: models.RoleUser, Status: models.StatusQueued, Timestamp: base.Add(3 * time.Second)},
		{ID: "early", Role: models.RoleUser, Status: models.StatusQueued, Timestamp: base.Add(2 * time.Second)},
	}

	head, ok := QueueHead(msgs)

	require.True(t, ok)
	require.Equal(t, "early", head.ID)

	_, ok = QueueHead(msgs[:2])
	require.False(t, ok)
}
