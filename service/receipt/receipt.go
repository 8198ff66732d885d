package receipt

import (
	"context"
	"sort"
	"time"

	"chatfleet/logger"
	"chatfleet/module/chat/model"
	"chatfleet/tools/errs"

	"go.uber.org/zap"
)

// MarkerCache is the fast-store side of read markers.
type MarkerCache interface {
	Advance(ctx context.Context, userID, chatID, lastMessageID int64) (bool, error)
	Markers(ctx context.Context, chatID int64, userIDs []int64) (map[int64]int64, error)
	PopDirty(ctx context.Context, n int64) ([]string, error)
	Resolve(ctx context.Context, keys []string) ([]model.ReadMarker, []string, error)
	Requeue(ctx context.Context, keys []string) error
	Release(ctx context.Context, synced []model.ReadMarker) error
}

// ParticipantStore is the durable side: participation and last read ids.
type ParticipantStore interface {
	Participants(ctx context.Context, chatID int64) ([]model.Participant, error)
	Participant(ctx context.Context, chatID, userID int64) (model.Participant, bool, error)
	BatchUpdateLastRead(ctx context.Context, markers []model.ReadMarker) (int64, error)
}

type History interface {
	ListSince(ctx context.Context, chatID int64, since time.Time, limit int64) ([]model.Message, error)
}

// Service answers read acks and message-list queries with unread counts.
type Service struct {
	cache        MarkerCache
	participants ParticipantStore
	history      History
	listLimit    int64
	log          *zap.Logger
}

func NewService(cache MarkerCache, participants ParticipantStore, history History, l *zap.Logger) *Service {
	return &Service{
		cache:        cache,
		participants: participants,
		history:      history,
		listLimit:    1000,
		log:          logger.OrDefault(l).Named("receipt"),
	}
}

// Ack moves the read marker of (userID, chatID) forward. Stale or repeated
// acks are no-ops; advanced reports whether the marker moved.
func (s *Service) Ack(ctx context.Context, userID, chatID, lastMessageID int64) (advanced bool, err error) {
	if userID <= 0 || chatID <= 0 || lastMessageID <= 0 {
		return false, errs.ErrArgs.WrapMsg("read ack", "userId", userID, "chatId", chatID, "lastMessageId", lastMessageID)
	}
	advanced, err = s.cache.Advance(ctx, userID, chatID, lastMessageID)
	if err != nil {
		return false, err
	}
	if advanced {
		s.log.Debug("read marker advanced", zap.Int64("user_id", userID), zap.Int64("chat_id", chatID),
			zap.Int64("last_message_id", lastMessageID))
	}
	return advanced, nil
}

// ListMessages returns the messages of chatID since userID joined, each
// with the number of participants that have not read it yet.
func (s *Service) ListMessages(ctx context.Context, chatID, userID int64) ([]model.MessageView, error) {
	me, found, err := s.participants.Participant(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.ErrNotFound.WrapMsg("participant", "chatId", chatID, "userId", userID)
	}

	msgs, err := s.history.ListSince(ctx, chatID, me.JoinedAt, s.listLimit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return []model.MessageView{}, nil
	}

	parts, err := s.participants.Participants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return UnreadCounts(msgs, s.lastReads(ctx, chatID, parts)), nil
}

// lastReads merges durable values with cached markers; the cache wins when
// it is ahead. A cache outage degrades to the durable values.
func (s *Service) lastReads(ctx context.Context, chatID int64, parts []model.Participant) []int64 {
	ids := make([]int64, len(parts))
	for i, p := range parts {
		ids[i] = p.UserID
	}
	cached, err := s.cache.Markers(ctx, chatID, ids)
	if err != nil {
		s.log.Warn("read marker cache unavailable, using durable values", zap.Int64("chat_id", chatID), zap.Error(err))
		cached = nil
	}
	out := make([]int64, len(parts))
	for i, p := range parts {
		out[i] = p.LastReadMessageID
		if v, ok := cached[p.UserID]; ok && v > out[i] {
			out[i] = v
		}
	}
	return out
}

// UnreadCounts walks msgs in id order alongside the sorted last-read ids.
// A participant has read a message when its last read id is >= the message id.
func UnreadCounts(msgs []model.Message, lastReads []int64) []model.MessageView {
	sorted := append([]int64(nil), lastReads...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	order := make([]int, len(msgs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return msgs[order[a]].ID < msgs[order[b]].ID })

	out := make([]model.MessageView, len(msgs))
	below := 0 // last reads strictly below the current message id
	for _, idx := range order {
		m := msgs[idx]
		for below < len(sorted) && sorted[below] < m.ID {
			below++
		}
		out[idx] = model.MessageView{Message: m, UnreadCount: below}
	}
	return out
}
