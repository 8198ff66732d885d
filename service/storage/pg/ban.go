package pg

import (
	"context"
	"errors"

	"chatfleet/tools/errs"

	"github.com/jackc/pgx/v5"
)

const (
	sqlSetPermanentBan = `INSERT INTO users (id, banned, banned_at) VALUES ($1, TRUE, $2)
ON CONFLICT (id) DO UPDATE SET banned = TRUE, banned_at = COALESCE(users.banned_at, EXCLUDED.banned_at)`
	sqlIsBanned = `SELECT banned FROM users WHERE id = $1`
	sqlUserName = `SELECT name FROM users WHERE id = $1`
)

// SetPermanentBan durably flags userID as banned. Idempotent.
func (s *Store) SetPermanentBan(ctx context.Context, userID int64) error {
	if _, err := s.db.Exec(ctx, sqlSetPermanentBan, userID, s.now().UTC()); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("set permanent ban", "userId", userID, "err", err)
	}
	return nil
}

// IsPermanentlyBanned reports the durable flag; unknown users are not banned.
func (s *Store) IsPermanentlyBanned(ctx context.Context, userID int64) (bool, error) {
	var banned bool
	err := s.db.QueryRow(ctx, sqlIsBanned, userID).Scan(&banned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errs.ErrStoreUnavailable.WrapMsg("ban lookup", "userId", userID, "err", err)
	}
	return banned, nil
}

// UserName returns the display name, "" when the user is unknown.
func (s *Store) UserName(ctx context.Context, userID int64) (string, error) {
	var name string
	err := s.db.QueryRow(ctx, sqlUserName, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errs.ErrStoreUnavailable.WrapMsg("user name", "userId", userID, "err", err)
	}
	return name, nil
}
