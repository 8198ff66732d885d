package pg

import (
	"context"
	"errors"
	"time"

	"chatfleet/module/chat/model"
	"chatfleet/tools/errs"

	"github.com/jackc/pgx/v5"
)

const (
	sqlJoinChat = `INSERT INTO user_chats (user_id, chat_id, joined_at) VALUES ($1, $2, $3)
ON CONFLICT (user_id, chat_id) DO UPDATE SET is_deleted = FALSE`
	sqlParticipants = `SELECT user_id, COALESCE(last_read_message_id, 0), joined_at
FROM user_chats WHERE chat_id = $1 AND NOT is_deleted`
	sqlParticipant = `SELECT user_id, COALESCE(last_read_message_id, 0), joined_at
FROM user_chats WHERE chat_id = $1 AND user_id = $2 AND NOT is_deleted`
	sqlUpdateLastRead = `UPDATE user_chats SET last_read_message_id = $1
WHERE user_id = $2 AND chat_id = $3
AND (last_read_message_id IS NULL OR last_read_message_id < $1)`
	sqlUpdateLastWritten = `UPDATE user_chats SET last_written_message_id = $2, last_message_timestamp = $3
WHERE chat_id = $1 AND NOT is_deleted
AND (last_written_message_id IS NULL OR last_written_message_id < $2)`
)

// JoinChat records durable participation of userID in chatID.
func (s *Store) JoinChat(ctx context.Context, userID, chatID int64) error {
	if _, err := s.db.Exec(ctx, sqlJoinChat, userID, chatID, s.now().UTC()); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("join chat", "userId", userID, "chatId", chatID, "err", err)
	}
	return nil
}

// Participants lists the durable members of chatID with their last read id.
func (s *Store) Participants(ctx context.Context, chatID int64) ([]model.Participant, error) {
	rows, err := s.db.Query(ctx, sqlParticipants, chatID)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("participants", "chatId", chatID, "err", err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.UserID, &p.LastReadMessageID, &p.JoinedAt); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, p)
	}
	return out, errs.Wrap(rows.Err())
}

// Participant returns found=false when userID does not take part in chatID.
func (s *Store) Participant(ctx context.Context, chatID, userID int64) (model.Participant, bool, error) {
	var p model.Participant
	err := s.db.QueryRow(ctx, sqlParticipant, chatID, userID).Scan(&p.UserID, &p.LastReadMessageID, &p.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, errs.ErrStoreUnavailable.WrapMsg("participant", "chatId", chatID, "userId", userID, "err", err)
	}
	return p, true, nil
}

// BatchUpdateLastRead applies every marker in one round trip. Each row only
// moves forward: a stored value that is already larger is left alone.
// Returns the number of rows changed.
func (s *Store) BatchUpdateLastRead(ctx context.Context, markers []model.ReadMarker) (int64, error) {
	if len(markers) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, m := range markers {
		b.Queue(sqlUpdateLastRead, m.LastReadMessageID, m.UserID, m.ChatID)
	}
	br := s.db.SendBatch(ctx, b)
	var affected int64
	for range markers {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return affected, errs.ErrStoreUnavailable.WrapMsg("batch update last read", "size", len(markers), "err", err)
		}
		affected += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return affected, errs.ErrStoreUnavailable.WrapMsg("batch update last read", "size", len(markers), "err", err)
	}
	return affected, nil
}

// UpdateLastWritten moves every participant's last written message of chatID
// forward to messageID with a single conditional UPDATE.
func (s *Store) UpdateLastWritten(ctx context.Context, chatID, messageID int64, at time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, sqlUpdateLastWritten, chatID, messageID, at.UTC())
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("update last written", "chatId", chatID, "messageId", messageID, "err", err)
	}
	return tag.RowsAffected(), nil
}
