package handlers

import (
	"context"
	"time"

	"chatfleet/logger"
	"chatfleet/module/chat/model"
	"chatfleet/service/chat"
	"chatfleet/tools/errs"

	"go.uber.org/zap"
)

type ActiveRoomReader interface {
	GetPresence(ctx context.Context, userID int64) (model.Presence, bool, error)
}

type Archiver interface {
	Save(ctx context.Context, m model.Message) error
}

type LastWrittenUpdater interface {
	UpdateLastWritten(ctx context.Context, chatID, messageID int64, at time.Time) (int64, error)
}

// Sink accepts a stamped message for fan-out (router or event stream).
type Sink interface {
	Publish(ctx context.Context, env model.Envelope) error
}

type Talk struct {
	presence ActiveRoomReader
	archive  Archiver
	written  LastWrittenUpdater
	sink     Sink
	nextID   func() int64
	now      func() time.Time
	log      *zap.Logger
}

var _ chat.Handler = (*Talk)(nil)

func NewTalk(presence ActiveRoomReader, archive Archiver, written LastWrittenUpdater, sink Sink,
	nextID func() int64, l *zap.Logger) *Talk {
	return &Talk{
		presence: presence,
		archive:  archive,
		written:  written,
		sink:     sink,
		nextID:   nextID,
		now:      time.Now,
		log:      logger.OrDefault(l).Named("talk"),
	}
}

func (h *Talk) Type() model.EnvelopeType { return model.TypeTalk }

func (h *Talk) Handle(ctx context.Context, s *chat.Session, env *model.Envelope) error {
	pr, found, err := h.presence.GetPresence(ctx, s.UserID)
	if err != nil {
		return err
	}
	if !found || pr.ChatID != env.ChatID {
		return errs.ErrNotInRoom.WrapMsg("", "user_id", s.UserID, "chat_id", env.ChatID, "active_chat_id", pr.ChatID)
	}

	at := h.now()
	env.SenderID = s.UserID
	env.Timestamp = at.UnixMilli()
	env.MessageID = h.nextID()

	// history and last-written are best effort; delivery does not wait on them
	if h.archive != nil {
		if err := h.archive.Save(ctx, model.FromEnvelope(*env)); err != nil {
			h.log.Warn("archive message failed", zap.Int64("message_id", env.MessageID), zap.Error(err))
		}
	}
	if h.written != nil {
		if _, err := h.written.UpdateLastWritten(ctx, env.ChatID, env.MessageID, at); err != nil {
			h.log.Warn("update last written failed", zap.Int64("chat_id", env.ChatID), zap.Error(err))
		}
	}
	return h.sink.Publish(ctx, *env)
}
