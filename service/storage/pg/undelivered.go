package pg

import (
	"context"

	"chatfleet/module/chat/model"
	"chatfleet/tools/errs"
)

const (
	sqlInsertUndelivered = `INSERT INTO undelivered_messages
	(id, message_id, chat_id, sender_id, receiver_id, content, created_at, delivered)
VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)`
	sqlMarkDelivered = `UPDATE undelivered_messages SET delivered = TRUE, delivered_at = $2
WHERE id = $1 AND NOT delivered`
	sqlPendingFor = `SELECT id, message_id, chat_id, sender_id, receiver_id, content, created_at
FROM undelivered_messages WHERE receiver_id = $1 AND NOT delivered ORDER BY id LIMIT $2`
)

func (s *Store) SaveUndelivered(ctx context.Context, m model.UndeliveredMessage) error {
	if _, err := s.db.Exec(ctx, sqlInsertUndelivered,
		m.ID, m.MessageID, m.ChatID, m.SenderID, m.ReceiverID, m.Content, m.CreatedAt.UTC()); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("save undelivered", "id", m.ID, "receiverId", m.ReceiverID, "err", err)
	}
	return nil
}

// MarkDelivered flags the outbox row once the push collaborator accepted it.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, sqlMarkDelivered, id, s.now().UTC()); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("mark delivered", "id", id, "err", err)
	}
	return nil
}

// PendingFor lists up to limit undelivered rows of receiverID in id order.
func (s *Store) PendingFor(ctx context.Context, receiverID int64, limit int) ([]model.UndeliveredMessage, error) {
	rows, err := s.db.Query(ctx, sqlPendingFor, receiverID, limit)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("pending undelivered", "receiverId", receiverID, "err", err)
	}
	defer rows.Close()

	var out []model.UndeliveredMessage
	for rows.Next() {
		var m model.UndeliveredMessage
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ChatID, &m.SenderID, &m.ReceiverID, &m.Content, &m.CreatedAt); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, m)
	}
	return out, errs.Wrap(rows.Err())
}
