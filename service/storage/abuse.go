package storage

import (
	"context"
	"strconv"
	"time"

	"chatfleet/tools/errs"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ===== keys =====

func rateWindowKey(userID int64) string { return "rate:user:" + strconv.FormatInt(userID, 10) }
func strikeKey(userID int64) string     { return "ban:strikes:user:" + strconv.FormatInt(userID, 10) }
func tempBanKey(userID int64) string    { return "ban:state:user:" + strconv.FormatInt(userID, 10) }

// ===== Lua =====

// Sliding window check-then-add.
// KEYS[1] = rate window zset
// ARGV[1] = nowMs
// ARGV[2] = windowMs
// ARGV[3] = limit
// ARGV[4] = member (nonce)
// returns 1 accepted, 0 rejected
const luaRateWindow = `
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
if redis.call("ZCARD", key) >= limit then
  return 0
end
redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return 1
`

// Strike escalation.
// KEYS[1] = strike counter
// KEYS[2] = temp ban key
// ARGV[1] = first ban ms
// ARGV[2] = second ban ms
// returns the new strike count; temp bans are set for 1 and 2
const luaStrike = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("SET", KEYS[2], "1", "PX", ARGV[1])
elseif n == 2 then
  redis.call("SET", KEYS[2], "1", "PX", ARGV[2])
end
return n
`

var (
	rateWindowScript = redis.NewScript(luaRateWindow)
	strikeScript     = redis.NewScript(luaStrike)
)

// AbuseStore holds the transient rate window and ban state of users.
type AbuseStore struct {
	rdb   redis.Cmdable
	nonce func() string
}

func NewAbuseStore(rdb redis.Cmdable) *AbuseStore {
	return &AbuseStore{rdb: rdb, nonce: uuid.NewString}
}

// AllowRequest records one request at now if fewer than limit requests fall
// inside (now-window, now]. The check and the add happen in one script.
func (s *AbuseStore) AllowRequest(ctx context.Context, userID int64, now time.Time, window time.Duration, limit int64) (bool, error) {
	res, err := rateWindowScript.Run(ctx, s.rdb, []string{rateWindowKey(userID)},
		now.UnixMilli(), window.Milliseconds(), limit, s.nonce()).Int64()
	if err != nil {
		return false, errs.ErrStoreUnavailable.WrapMsg("rate window", "userId", userID, "err", err)
	}
	return res == 1, nil
}

// AddStrike increments the strike counter and applies the temp ban that
// matches the new count. Counts of 3 and more set no temp ban.
func (s *AbuseStore) AddStrike(ctx context.Context, userID int64, firstBan, secondBan time.Duration) (int64, error) {
	n, err := strikeScript.Run(ctx, s.rdb, []string{strikeKey(userID), tempBanKey(userID)},
		firstBan.Milliseconds(), secondBan.Milliseconds()).Int64()
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("strike", "userId", userID, "err", err)
	}
	return n, nil
}

// TempBan sets the temp ban key for d.
func (s *AbuseStore) TempBan(ctx context.Context, userID int64, d time.Duration) error {
	if err := s.rdb.Set(ctx, tempBanKey(userID), "1", d).Err(); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("temp ban", "userId", userID, "err", err)
	}
	return nil
}

func (s *AbuseStore) IsTempBanned(ctx context.Context, userID int64) (bool, error) {
	n, err := s.rdb.Exists(ctx, tempBanKey(userID)).Result()
	if err != nil {
		return false, errs.ErrStoreUnavailable.WrapMsg("temp ban lookup", "userId", userID, "err", err)
	}
	return n > 0, nil
}

// ClearStrikes removes the strike counter, temp ban and rate window of userID.
func (s *AbuseStore) ClearStrikes(ctx context.Context, userID int64) error {
	if err := s.rdb.Del(ctx, strikeKey(userID), tempBanKey(userID), rateWindowKey(userID)).Err(); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("clear strikes", "userId", userID, "err", err)
	}
	return nil
}

// Strikes reads the current counter; 0 when absent.
func (s *AbuseStore) Strikes(ctx context.Context, userID int64) (int64, error) {
	n, err := s.rdb.Get(ctx, strikeKey(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("strikes", "userId", userID, "err", err)
	}
	return n, nil
}
