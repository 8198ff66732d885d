package receipt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatfleet/module/chat/model"
	"chatfleet/service/storage"
	"chatfleet/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type participantStub struct {
	mu      sync.Mutex
	parts   map[int64][]model.Participant
	rows    map[[2]int64]int64 // (user, chat) -> last read
	fail    bool
	batches int
}

func newParticipantStub() *participantStub {
	return &participantStub{parts: make(map[int64][]model.Participant), rows: make(map[[2]int64]int64)}
}

func (p *participantStub) Participants(_ context.Context, chatID int64) ([]model.Participant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]model.Participant(nil), p.parts[chatID]...)
	for i := range out {
		if v := p.rows[[2]int64{out[i].UserID, chatID}]; v > out[i].LastReadMessageID {
			out[i].LastReadMessageID = v
		}
	}
	return out, nil
}

func (p *participantStub) Participant(ctx context.Context, chatID, userID int64) (model.Participant, bool, error) {
	parts, _ := p.Participants(ctx, chatID)
	for _, pt := range parts {
		if pt.UserID == userID {
			return pt, true, nil
		}
	}
	return model.Participant{}, false, nil
}

func (p *participantStub) BatchUpdateLastRead(_ context.Context, markers []model.ReadMarker) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches++
	if p.fail {
		return 0, errors.New("pg down")
	}
	var n int64
	for _, m := range markers {
		k := [2]int64{m.UserID, m.ChatID}
		if m.LastReadMessageID > p.rows[k] {
			p.rows[k] = m.LastReadMessageID
			n++
		}
	}
	return n, nil
}

type historyStub []model.Message

func (h historyStub) ListSince(_ context.Context, chatID int64, since time.Time, _ int64) ([]model.Message, error) {
	var out []model.Message
	for _, m := range h {
		if m.ChatID == chatID && !m.CreatedAt.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func newCache(t *testing.T) (*miniredis.Miniredis, *storage.ReadMarkerStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, storage.NewReadMarkerStore(rdb, time.Hour)
}

func TestAckIsMonotonic(t *testing.T) {
	_, cache := newCache(t)
	svc := NewService(cache, newParticipantStub(), historyStub{}, zap.NewNop())
	ctx := context.Background()

	acks := []int64{5, 3, 9, 9, 1, 12, 11}
	want := []bool{true, false, true, false, false, true, false}
	for i, id := range acks {
		moved, err := svc.Ack(ctx, 1, 2, id)
		require.NoError(t, err)
		assert.Equal(t, want[i], moved, "ack %d", id)
	}
	got, err := cache.Markers(ctx, 2, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, int64(12), got[1])

	_, err = svc.Ack(ctx, 1, 2, 0)
	assert.True(t, errs.ErrArgs.Is(err))
}

func TestUnreadCounts(t *testing.T) {
	msgs := []model.Message{{ID: 10}, {ID: 20}, {ID: 30}, {ID: 40}}
	views := UnreadCounts(msgs, []int64{0, 20, 40, 25})

	counts := make([]int, len(views))
	for i, v := range views {
		counts[i] = v.UnreadCount
	}
	assert.Equal(t, []int{1, 1, 3, 3}, counts)
	assert.Equal(t, int64(30), views[2].ID)
}

func TestUnreadCountsKeepsInputOrder(t *testing.T) {
	msgs := []model.Message{{ID: 40}, {ID: 10}}
	views := UnreadCounts(msgs, []int64{10, 10})
	assert.Equal(t, int64(40), views[0].ID)
	assert.Equal(t, 2, views[0].UnreadCount)
	assert.Equal(t, 0, views[1].UnreadCount)
}

func TestListMessagesMergesCache(t *testing.T) {
	_, cache := newCache(t)
	joined := time.UnixMilli(1_000_000)
	parts := newParticipantStub()
	parts.parts[7] = []model.Participant{
		{UserID: 1, LastReadMessageID: 100, JoinedAt: joined},
		{UserID: 2, LastReadMessageID: 0, JoinedAt: joined},
		{UserID: 3, LastReadMessageID: 300, JoinedAt: joined.Add(time.Hour)},
	}
	history := historyStub{
		{ID: 50, ChatID: 7, CreatedAt: joined.Add(-time.Minute)},
		{ID: 100, ChatID: 7, CreatedAt: joined},
		{ID: 200, ChatID: 7, CreatedAt: joined.Add(time.Minute)},
		{ID: 300, ChatID: 7, CreatedAt: joined.Add(2 * time.Minute)},
	}
	svc := NewService(cache, parts, history, zap.NewNop())
	ctx := context.Background()

	_, err := svc.Ack(ctx, 2, 7, 200)
	require.NoError(t, err)

	views, err := svc.ListMessages(ctx, 7, 1)
	require.NoError(t, err)
	require.Len(t, views, 3, "messages before joining are hidden")
	assert.Equal(t, int64(100), views[0].ID)
	assert.Equal(t, 0, views[0].UnreadCount)
	assert.Equal(t, 1, views[1].UnreadCount)
	assert.Equal(t, 2, views[2].UnreadCount)

	_, err = svc.ListMessages(ctx, 7, 99)
	assert.True(t, errs.ErrNotFound.Is(err))
}

func TestListMessagesCacheDown(t *testing.T) {
	mr, cache := newCache(t)
	parts := newParticipantStub()
	parts.parts[7] = []model.Participant{{UserID: 1, LastReadMessageID: 10}, {UserID: 2}}
	svc := NewService(cache, parts, historyStub{{ID: 10, ChatID: 7}}, zap.NewNop())
	mr.Close()

	views, err := svc.ListMessages(context.Background(), 7, 1)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 1, views[0].UnreadCount)
}

func TestSyncOnceWritesAndReleases(t *testing.T) {
	mr, cache := newCache(t)
	store := newParticipantStub()
	s := NewSyncer(cache, store, time.Minute, 10, zap.NewNop())
	ctx := context.Background()

	for u := int64(1); u <= 3; u++ {
		_, err := cache.Advance(ctx, u, 7, 1000+u)
		require.NoError(t, err)
	}
	n, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(1002), store.rows[[2]int64{2, 7}])
	assert.False(t, mr.Exists(storage.ReadMarkerKey(2, 7)), "synced marker released")
	assert.False(t, mr.Exists(storage.DirtySetKey))

	n, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncFailureRequeues(t *testing.T) {
	mr, cache := newCache(t)
	store := newParticipantStub()
	store.fail = true
	s := NewSyncer(cache, store, time.Minute, 10, zap.NewNop())
	ctx := context.Background()

	_, err := cache.Advance(ctx, 1, 7, 55)
	require.NoError(t, err)
	_, err = s.SyncOnce(ctx)
	require.Error(t, err)

	members, err := mr.Members(storage.DirtySetKey)
	require.NoError(t, err)
	assert.Equal(t, []string{storage.ReadMarkerKey(1, 7)}, members)
	assert.True(t, mr.Exists(storage.ReadMarkerKey(1, 7)))

	store.fail = false
	n, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(55), store.rows[[2]int64{1, 7}])
}

func TestAdvanceDuringSyncSurvivesRelease(t *testing.T) {
	mr, cache := newCache(t)
	ctx := context.Background()
	_, err := cache.Advance(ctx, 1, 7, 10)
	require.NoError(t, err)

	keys, err := cache.PopDirty(ctx, 10)
	require.NoError(t, err)
	markers, _, err := cache.Resolve(ctx, keys)
	require.NoError(t, err)

	_, err = cache.Advance(ctx, 1, 7, 20)
	require.NoError(t, err)
	require.NoError(t, cache.Release(ctx, markers))

	v, err := mr.Get(storage.ReadMarkerKey(1, 7))
	require.NoError(t, err)
	assert.Equal(t, "20", v)
	assert.True(t, mr.Exists(storage.DirtySetKey))
}

func TestStopFlushes(t *testing.T) {
	_, cache := newCache(t)
	store := newParticipantStub()
	s := NewSyncer(cache, store, time.Hour, 2, zap.NewNop())
	s.Start()
	ctx := context.Background()
	for u := int64(1); u <= 5; u++ {
		_, err := cache.Advance(ctx, u, 9, 77)
		require.NoError(t, err)
	}
	require.NoError(t, s.Stop(ctx))
	assert.Len(t, store.rows, 5)
	assert.Equal(t, 3, store.batches)
}
