package storage

import (
	"context"
	"strconv"
	"testing"
	"time"

	"chatfleet/module/chat/model"
	"chatfleet/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// ===== presence =====

func TestPresenceSetGetClear(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	p := NewPresenceDirectory(rdb)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	_, ok, err := p.GetPresence(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.SetPresence(ctx, 7, 0, "instance-1"))
	require.NoError(t, p.SetPresence(ctx, 7, 42, ""))

	pr, ok, err := p.GetPresence(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.Presence{ChatID: 42, ServerID: "instance-1", LastActive: fixed}, pr)
	assert.Equal(t, "instance-1", mr.HGet("presence:user:7", "serverId"))

	require.NoError(t, p.ClearPresence(ctx, 7))
	_, ok, err = p.GetPresence(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoomMembers(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	p := NewPresenceDirectory(rdb)

	require.NoError(t, p.AddRoomMember(ctx, 1, 10))
	require.NoError(t, p.AddRoomMember(ctx, 1, 11))
	require.NoError(t, p.AddRoomMember(ctx, 1, 10))
	_, _ = mr.SAdd("room:1:members", "garbage")

	members, err := p.GetRoomMembers(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{10, 11}, members)

	require.NoError(t, p.RemoveRoomMember(ctx, 1, 10))
	members, err = p.GetRoomMembers(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, members)
}

func TestEnterLeaveRoom(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	p := NewPresenceDirectory(rdb)

	prev, err := p.EnterRoom(ctx, 5, 100, "instance-1")
	require.NoError(t, err)
	assert.Zero(t, prev)

	prev, err = p.EnterRoom(ctx, 5, 200, "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), prev)

	old, _ := p.GetRoomMembers(ctx, 100)
	assert.Empty(t, old)
	cur, _ := p.GetRoomMembers(ctx, 200)
	assert.Equal(t, []int64{5}, cur)

	left, err := p.LeaveRoom(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(200), left)
	cur, _ = p.GetRoomMembers(ctx, 200)
	assert.Empty(t, cur)

	pr, ok, err := p.GetPresence(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, pr.ChatID)
	assert.Equal(t, "instance-1", pr.ServerID)

	left, err = p.LeaveRoom(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestEnterRoomWithoutOwnerKeepsSocketOwner(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	p := NewPresenceDirectory(rdb)

	require.NoError(t, p.SetPresence(ctx, 8, 0, "instance-2"))
	_, err := p.EnterRoom(ctx, 8, 30, "")
	require.NoError(t, err)
	assert.Equal(t, "instance-2", mr.HGet("presence:user:8", "serverId"))

	// no socket anywhere: the user stays unrouteable
	_, err = p.EnterRoom(ctx, 9, 30, "")
	require.NoError(t, err)
	pr, ok, err := p.GetPresence(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, pr.ServerID)
	assert.Equal(t, int64(30), pr.ChatID)
}

func TestDisconnectClearsEverything(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	p := NewPresenceDirectory(rdb)

	_, err := p.EnterRoom(ctx, 9, 300, "instance-2")
	require.NoError(t, err)
	cleared, err := p.Disconnect(ctx, 9, "instance-2")
	require.NoError(t, err)
	assert.True(t, cleared)

	assert.False(t, mr.Exists("presence:user:9"))
	members, _ := p.GetRoomMembers(ctx, 300)
	assert.Empty(t, members)
}

func TestDisconnectKeepsRecordOwnedByAnotherServer(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	p := NewPresenceDirectory(rdb)

	_, err := p.EnterRoom(ctx, 7, 10, "instance-1")
	require.NoError(t, err)
	// the user reconnects on instance-2 before instance-1 notices the old socket is gone
	require.NoError(t, p.SetPresence(ctx, 7, 0, "instance-2"))

	cleared, err := p.Disconnect(ctx, 7, "instance-1")
	require.NoError(t, err)
	assert.False(t, cleared)

	pr, found, err := p.GetPresence(ctx, 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "instance-2", pr.ServerID)
	assert.Equal(t, int64(10), pr.ChatID)
	members, _ := p.GetRoomMembers(ctx, 10)
	assert.Equal(t, []int64{7}, members)

	cleared, err = p.Disconnect(ctx, 7, "instance-2")
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.False(t, mr.Exists("presence:user:7"))
}

func TestDisconnectWithoutOwner(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	p := NewPresenceDirectory(rdb)

	// room entered over the API, no socket yet
	_, err := p.EnterRoom(ctx, 3, 50, "")
	require.NoError(t, err)

	cleared, err := p.Disconnect(ctx, 3, "instance-1")
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.False(t, mr.Exists("presence:user:3"))

	cleared, err = p.Disconnect(ctx, 404, "instance-1")
	require.NoError(t, err)
	assert.True(t, cleared)
}

func TestPresenceStoreDown(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	p := NewPresenceDirectory(rdb)
	mr.Close()

	_, _, err := p.GetPresence(ctx, 1)
	require.Error(t, err)
	assert.True(t, errs.ErrStoreUnavailable.Is(err))
	_, err = p.GetRoomMembers(ctx, 1)
	assert.True(t, errs.ErrStoreUnavailable.Is(err))
}

// ===== rate window & strikes =====

func TestRateWindow(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	s := NewAbuseStore(rdb)
	seq := 0
	s.nonce = func() string { seq++; return strconv.Itoa(seq) }

	base := time.UnixMilli(1_700_000_000_000)
	const limit = 100
	for i := 0; i < limit; i++ {
		ok, err := s.AllowRequest(ctx, 1, base.Add(time.Duration(i)*time.Millisecond), time.Minute, limit)
		require.NoError(t, err)
		require.True(t, ok, "request %d", i+1)
	}
	ok, err := s.AllowRequest(ctx, 1, base.Add(59*time.Second), time.Minute, limit)
	require.NoError(t, err)
	assert.False(t, ok, "101st inside the window")

	// the other user has their own window
	ok, err = s.AllowRequest(ctx, 2, base, time.Minute, limit)
	require.NoError(t, err)
	assert.True(t, ok)

	// once the window has fully elapsed past the last accepted request
	ok, err = s.AllowRequest(ctx, 1, base.Add(time.Minute+limit*time.Millisecond), time.Minute, limit)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateWindowSlides(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	s := NewAbuseStore(rdb)

	base := time.UnixMilli(1_700_000_000_000)
	for _, off := range []time.Duration{0, 10 * time.Second} {
		ok, err := s.AllowRequest(ctx, 1, base.Add(off), time.Minute, 2)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, _ := s.AllowRequest(ctx, 1, base.Add(30*time.Second), time.Minute, 2)
	assert.False(t, ok)
	// the first entry ages out, the second still counts
	ok, _ = s.AllowRequest(ctx, 1, base.Add(time.Minute), time.Minute, 2)
	assert.True(t, ok)
	ok, _ = s.AllowRequest(ctx, 1, base.Add(time.Minute+time.Second), time.Minute, 2)
	assert.False(t, ok)
}

func TestStrikeEscalation(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewAbuseStore(rdb)
	first, second := 24*time.Hour, 7*24*time.Hour

	n, err := s.AddStrike(ctx, 3, first, second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, first, mr.TTL("ban:state:user:3"))
	banned, err := s.IsTempBanned(ctx, 3)
	require.NoError(t, err)
	assert.True(t, banned)

	n, err = s.AddStrike(ctx, 3, first, second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, second, mr.TTL("ban:state:user:3"))

	n, err = s.AddStrike(ctx, 3, first, second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, s.ClearStrikes(ctx, 3))
	assert.False(t, mr.Exists("ban:strikes:user:3"))
	assert.False(t, mr.Exists("ban:state:user:3"))
	n, err = s.Strikes(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTempBanExpires(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewAbuseStore(rdb)

	require.NoError(t, s.TempBan(ctx, 4, time.Hour))
	banned, _ := s.IsTempBanned(ctx, 4)
	assert.True(t, banned)

	mr.FastForward(time.Hour + time.Second)
	banned, _ = s.IsTempBanned(ctx, 4)
	assert.False(t, banned)
}

// ===== read markers =====

func TestReadMarkerKeyRoundTrip(t *testing.T) {
	u, c, ok := ParseReadMarkerKey(ReadMarkerKey(12, 34))
	require.True(t, ok)
	assert.Equal(t, int64(12), u)
	assert.Equal(t, int64(34), c)

	for _, bad := range []string{"read:marker:1", "x:1:2", "read:marker:a:2", "read:marker:1:b"} {
		_, _, ok := ParseReadMarkerKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewReadMarkerStore(rdb, time.Hour)

	// large ids that collide once converted to float64
	const hi = int64(7_300_000_000_000_000_001)
	acks := []int64{hi - 1, hi, hi - 1, 5, hi}
	wantAdvanced := []bool{true, true, false, false, false}
	for i, id := range acks {
		ok, err := s.Advance(ctx, 1, 2, id)
		require.NoError(t, err)
		assert.Equal(t, wantAdvanced[i], ok, "ack %d", i)
	}
	v, err := mr.Get(ReadMarkerKey(1, 2))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(hi, 10), v)
	assert.Equal(t, time.Hour, mr.TTL(ReadMarkerKey(1, 2)))

	members, err := mr.SMembers(DirtySetKey)
	require.NoError(t, err)
	assert.Equal(t, []string{ReadMarkerKey(1, 2)}, members)

	// shorter decimal strings never win
	ok, err := s.Advance(ctx, 1, 2, 999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkers(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	s := NewReadMarkerStore(rdb, 0)

	_, _ = s.Advance(ctx, 1, 9, 100)
	_, _ = s.Advance(ctx, 3, 9, 300)

	got, err := s.Markers(ctx, 9, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{1: 100, 3: 300}, got)
}

func TestPopResolveRequeueRelease(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	s := NewReadMarkerStore(rdb, 0)

	_, _ = s.Advance(ctx, 1, 9, 100)
	_, _ = s.Advance(ctx, 2, 9, 200)
	_, _ = mr.SAdd(DirtySetKey, "read:marker:bad", ReadMarkerKey(3, 9))

	keys, err := s.PopDirty(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, keys, 4)
	assert.False(t, mr.Exists(DirtySetKey))

	markers, skipped, err := s.Resolve(ctx, keys)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.ReadMarker{
		{UserID: 1, ChatID: 9, LastReadMessageID: 100},
		{UserID: 2, ChatID: 9, LastReadMessageID: 200},
	}, markers)
	assert.ElementsMatch(t, []string{"read:marker:bad", ReadMarkerKey(3, 9)}, skipped)

	require.NoError(t, s.Requeue(ctx, keys[:1]))
	left, _ := mr.SMembers(DirtySetKey)
	assert.Len(t, left, 1)

	// user 2 reads further before the release lands
	_, _ = s.Advance(ctx, 2, 9, 250)
	require.NoError(t, s.Release(ctx, markers))
	assert.False(t, mr.Exists(ReadMarkerKey(1, 9)))
	v, _ := mr.Get(ReadMarkerKey(2, 9))
	assert.Equal(t, "250", v)
}

func TestPopDirtyEmpty(t *testing.T) {
	_, rdb := newTestRedis(t)
	keys, err := NewReadMarkerStore(rdb, 0).PopDirty(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
