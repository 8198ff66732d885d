package handlers

import (
	"context"

	"chatfleet/module/chat/model"
	"chatfleet/service/chat"
	"chatfleet/tools/errs"
)

// Acker is the read-receipt write path.
type Acker interface {
	Ack(ctx context.Context, userID, chatID, lastMessageID int64) (bool, error)
}

type Read struct {
	acker Acker
}

var _ chat.Handler = (*Read)(nil)

func NewRead(a Acker) *Read { return &Read{acker: a} }

func (h *Read) Type() model.EnvelopeType { return model.TypeRead }

func (h *Read) Handle(ctx context.Context, s *chat.Session, env *model.Envelope) error {
	if env.LastMessageID <= 0 {
		return errs.ErrBadFrame.WrapMsg("READ without lastMessageId", "user_id", s.UserID)
	}
	_, err := h.acker.Ack(ctx, s.UserID, env.ChatID, env.LastMessageID)
	return err
}
