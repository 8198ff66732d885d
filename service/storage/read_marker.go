package storage

import (
	"context"
	"strconv"
	"strings"
	"time"

	"chatfleet/module/chat/model"
	"chatfleet/tools/errs"

	"github.com/redis/go-redis/v9"
)

const (
	readMarkerPrefix = "read:marker:"
	// DirtySetKey holds marker keys whose value is not yet in durable storage.
	DirtySetKey = "read:dirty"
)

// read:marker:<userId>:<chatId>
func ReadMarkerKey(userID, chatID int64) string {
	return readMarkerPrefix + strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(chatID, 10)
}

// ParseReadMarkerKey inverts ReadMarkerKey.
func ParseReadMarkerKey(key string) (userID, chatID int64, ok bool) {
	rest, found := strings.CutPrefix(key, readMarkerPrefix)
	if !found {
		return 0, 0, false
	}
	u, c, found := strings.Cut(rest, ":")
	if !found {
		return 0, 0, false
	}
	var err error
	if userID, err = strconv.ParseInt(u, 10, 64); err != nil {
		return 0, 0, false
	}
	if chatID, err = strconv.ParseInt(c, 10, 64); err != nil {
		return 0, 0, false
	}
	return userID, chatID, true
}

// ===== Lua =====

// Ids exceed 2^53, so values are compared as decimal strings, never as Lua numbers.
const luaDecimalGreater = `
local function greater(a, b)
  if #a ~= #b then return #a > #b end
  return a > b
end
`

// Monotonic set + mark dirty.
// KEYS[1] = marker key
// KEYS[2] = dirty set
// ARGV[1] = lastMessageId (decimal)
// ARGV[2] = ttl seconds (0 = none)
// returns 1 when the marker advanced, 0 otherwise
const luaAdvanceMarker = luaDecimalGreater + `
local cur = redis.call("GET", KEYS[1])
if cur and not greater(ARGV[1], cur) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call("EXPIRE", KEYS[1], ttl)
end
redis.call("SADD", KEYS[2], KEYS[1])
return 1
`

// Delete the marker only if it still holds the value that was synced.
// KEYS[1] = marker key
// ARGV[1] = synced value
const luaCompareAndDelete = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	advanceMarkerScript    = redis.NewScript(luaAdvanceMarker)
	compareAndDeleteScript = redis.NewScript(luaCompareAndDelete)
)

// ReadMarkerStore is the write-optimized side of read receipts.
type ReadMarkerStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewReadMarkerStore keeps markers for ttl; ttl <= 0 keeps them until synced.
func NewReadMarkerStore(rdb redis.Cmdable, ttl time.Duration) *ReadMarkerStore {
	return &ReadMarkerStore{rdb: rdb, ttl: ttl}
}

// Advance stores lastMessageID for (userID, chatID) if it is larger than
// the current value and marks the key dirty. Reports whether it advanced.
func (s *ReadMarkerStore) Advance(ctx context.Context, userID, chatID, lastMessageID int64) (bool, error) {
	ttl := int64(s.ttl / time.Second)
	if ttl < 0 {
		ttl = 0
	}
	n, err := advanceMarkerScript.Run(ctx, s.rdb, []string{ReadMarkerKey(userID, chatID), DirtySetKey},
		strconv.FormatInt(lastMessageID, 10), ttl).Int64()
	if err != nil {
		return false, errs.ErrStoreUnavailable.WrapMsg("advance read marker", "userId", userID, "chatId", chatID, "err", err)
	}
	return n == 1, nil
}

// Markers returns the cached markers of users in chatID; users without one are absent.
func (s *ReadMarkerStore) Markers(ctx context.Context, chatID int64, userIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(userIDs))
	for i, u := range userIDs {
		keys[i] = ReadMarkerKey(u, chatID)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("read markers", "chatId", chatID, "err", err)
	}
	for i, v := range vals {
		if id, ok := parseMarkerValue(v); ok {
			out[userIDs[i]] = id
		}
	}
	return out, nil
}

// PopDirty destructively takes up to n dirty keys.
func (s *ReadMarkerStore) PopDirty(ctx context.Context, n int64) ([]string, error) {
	keys, err := s.rdb.SPopN(ctx, DirtySetKey, n).Result()
	if err != nil && err != redis.Nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("pop dirty markers", "err", err)
	}
	return keys, nil
}

// Resolve reads the current values behind keys. Keys that are malformed or
// whose marker vanished are returned in skipped.
func (s *ReadMarkerStore) Resolve(ctx context.Context, keys []string) (markers []model.ReadMarker, skipped []string, err error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, errs.ErrStoreUnavailable.WrapMsg("resolve dirty markers", "err", err)
	}
	markers = make([]model.ReadMarker, 0, len(keys))
	for i, key := range keys {
		userID, chatID, ok := ParseReadMarkerKey(key)
		id, okVal := parseMarkerValue(vals[i])
		if !ok || !okVal {
			skipped = append(skipped, key)
			continue
		}
		markers = append(markers, model.ReadMarker{UserID: userID, ChatID: chatID, LastReadMessageID: id})
	}
	return markers, skipped, nil
}

// Requeue puts keys back into the dirty set.
func (s *ReadMarkerStore) Requeue(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	if err := s.rdb.SAdd(ctx, DirtySetKey, members...).Err(); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("requeue dirty markers", "count", len(keys), "err", err)
	}
	return nil
}

// Release drops the cached markers that still equal the synced values.
// A marker advanced after the sync is kept.
func (s *ReadMarkerStore) Release(ctx context.Context, synced []model.ReadMarker) error {
	if len(synced) == 0 {
		return nil
	}
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range synced {
			compareAndDeleteScript.Eval(ctx, p, []string{ReadMarkerKey(m.UserID, m.ChatID)},
				strconv.FormatInt(m.LastReadMessageID, 10))
		}
		return nil
	})
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("release read markers", "err", err)
	}
	return nil
}

func parseMarkerValue(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}
