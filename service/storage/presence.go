package storage

import (
	"context"
	"strconv"
	"time"

	"chatfleet/module/chat/model"
	"chatfleet/tools/errs"

	"github.com/redis/go-redis/v9"
)

// ===== keys =====

// presence hash: presence:user:<userId> -> {chatId, serverId, lastActive}
func presenceKey(userID int64) string { return "presence:user:" + strconv.FormatInt(userID, 10) }

// room membership set: room:<chatId>:members
func roomMembersKey(chatID int64) string {
	return "room:" + strconv.FormatInt(chatID, 10) + ":members"
}

const (
	fieldChatID     = "chatId"
	fieldServerID   = "serverId"
	fieldLastActive = "lastActive"
)

// Owner-checked disconnect.
// KEYS[1] = presence hash
// ARGV[1] = serverId of the caller ("" skips the owner check)
// ARGV[2] = userId
// returns 1 cleared, 0 owned by another server
const luaDisconnect = `
local owner = redis.call("HGET", KEYS[1], "serverId")
if ARGV[1] ~= "" and owner and owner ~= ARGV[1] then
  return 0
end
local chat = redis.call("HGET", KEYS[1], "chatId")
if chat then
  redis.call("SREM", "room:" .. chat .. ":members", ARGV[2])
end
redis.call("DEL", KEYS[1])
return 1
`

var disconnectScript = redis.NewScript(luaDisconnect)

// PresenceDirectory is the cluster-shared user -> server / room -> members view.
// Every call is an independent key write; there is no cross-key transaction.
type PresenceDirectory struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewPresenceDirectory(rdb redis.Cmdable) *PresenceDirectory {
	return &PresenceDirectory{rdb: rdb, now: time.Now}
}

// SetPresence writes the non-zero arguments and refreshes lastActive.
func (p *PresenceDirectory) SetPresence(ctx context.Context, userID, chatID int64, serverID string) error {
	fields := []any{fieldLastActive, p.now().UTC().Format(time.RFC3339)}
	if chatID != 0 {
		fields = append(fields, fieldChatID, strconv.FormatInt(chatID, 10))
	}
	if serverID != "" {
		fields = append(fields, fieldServerID, serverID)
	}
	if err := p.rdb.HSet(ctx, presenceKey(userID), fields...).Err(); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("set presence", "userId", userID, "err", err)
	}
	return nil
}

// GetPresence returns found=false when the user has no record.
func (p *PresenceDirectory) GetPresence(ctx context.Context, userID int64) (model.Presence, bool, error) {
	m, err := p.rdb.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return model.Presence{}, false, errs.ErrStoreUnavailable.WrapMsg("get presence", "userId", userID, "err", err)
	}
	if len(m) == 0 {
		return model.Presence{}, false, nil
	}
	var pr model.Presence
	pr.ServerID = m[fieldServerID]
	if v := m[fieldChatID]; v != "" {
		pr.ChatID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := m[fieldLastActive]; v != "" {
		pr.LastActive, _ = time.Parse(time.RFC3339, v)
	}
	return pr, true, nil
}

func (p *PresenceDirectory) ClearPresence(ctx context.Context, userID int64) error {
	if err := p.rdb.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("clear presence", "userId", userID, "err", err)
	}
	return nil
}

func (p *PresenceDirectory) AddRoomMember(ctx context.Context, chatID, userID int64) error {
	if err := p.rdb.SAdd(ctx, roomMembersKey(chatID), userID).Err(); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("add room member", "chatId", chatID, "userId", userID, "err", err)
	}
	return nil
}

func (p *PresenceDirectory) RemoveRoomMember(ctx context.Context, chatID, userID int64) error {
	if err := p.rdb.SRem(ctx, roomMembersKey(chatID), userID).Err(); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("remove room member", "chatId", chatID, "userId", userID, "err", err)
	}
	return nil
}

// GetRoomMembers returns the active members of chatID; unparsable entries are skipped.
func (p *PresenceDirectory) GetRoomMembers(ctx context.Context, chatID int64) ([]int64, error) {
	raw, err := p.rdb.SMembers(ctx, roomMembersKey(chatID)).Result()
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("room members", "chatId", chatID, "err", err)
	}
	out := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// EnterRoom moves userID out of its previous room (if any) into chatID and
// records chatID (and serverID when non-empty) on the presence record.
func (p *PresenceDirectory) EnterRoom(ctx context.Context, userID, chatID int64, serverID string) (prev int64, err error) {
	cur, _, err := p.GetPresence(ctx, userID)
	if err != nil {
		return 0, err
	}
	prev = cur.ChatID
	if prev != 0 && prev != chatID {
		if err := p.RemoveRoomMember(ctx, prev, userID); err != nil {
			return prev, err
		}
	}
	if err := p.AddRoomMember(ctx, chatID, userID); err != nil {
		return prev, err
	}
	return prev, p.SetPresence(ctx, userID, chatID, serverID)
}

// LeaveRoom drops userID from its active room. The room part of the presence
// record is deleted; the owning server stays while the connection lives.
// Returns the room that was left, 0 when there was none.
func (p *PresenceDirectory) LeaveRoom(ctx context.Context, userID int64) (int64, error) {
	cur, ok, err := p.GetPresence(ctx, userID)
	if err != nil || !ok || cur.ChatID == 0 {
		return 0, err
	}
	if err := p.RemoveRoomMember(ctx, cur.ChatID, userID); err != nil {
		return cur.ChatID, err
	}
	if err := p.rdb.HDel(ctx, presenceKey(userID), fieldChatID).Err(); err != nil {
		return cur.ChatID, errs.ErrStoreUnavailable.WrapMsg("leave room", "userId", userID, "err", err)
	}
	return cur.ChatID, nil
}

// Disconnect removes userID from its room and deletes the presence record,
// but only while serverID still owns it. A user that reconnected on another
// instance keeps its record; cleared=false reports that case.
func (p *PresenceDirectory) Disconnect(ctx context.Context, userID int64, serverID string) (cleared bool, err error) {
	n, err := disconnectScript.Run(ctx, p.rdb, []string{presenceKey(userID)},
		serverID, strconv.FormatInt(userID, 10)).Int64()
	if err != nil {
		return false, errs.ErrStoreUnavailable.WrapMsg("disconnect", "userId", userID, "serverId", serverID, "err", err)
	}
	return n == 1, nil
}
