package pg

import (
	"context"
	"fmt"
	"time"

	"chatfleet/global/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool the repositories use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Open connects a pool and pings it.
func Open(ctx context.Context, c config.PostgresConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Store is the durable storage collaborator: bans, the undelivered outbox,
// chat participation and the last read / last written markers.
type Store struct {
	db  DB
	now func() time.Time
}

func New(db DB) *Store {
	return &Store{db: db, now: time.Now}
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         BIGINT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	banned     BOOLEAN NOT NULL DEFAULT FALSE,
	banned_at  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS user_chats (
	user_id                 BIGINT NOT NULL,
	chat_id                 BIGINT NOT NULL,
	joined_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_deleted              BOOLEAN NOT NULL DEFAULT FALSE,
	last_read_message_id    BIGINT,
	last_written_message_id BIGINT,
	last_message_timestamp  TIMESTAMPTZ,
	PRIMARY KEY (user_id, chat_id)
);
CREATE INDEX IF NOT EXISTS user_chats_chat_idx ON user_chats (chat_id) WHERE NOT is_deleted;
CREATE TABLE IF NOT EXISTS undelivered_messages (
	id           BIGINT PRIMARY KEY,
	message_id   BIGINT NOT NULL DEFAULT 0,
	chat_id      BIGINT NOT NULL,
	sender_id    BIGINT NOT NULL,
	receiver_id  BIGINT NOT NULL,
	content      TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	delivered    BOOLEAN NOT NULL DEFAULT FALSE,
	delivered_at TIMESTAMPTZ
);
ALTER TABLE undelivered_messages ADD COLUMN IF NOT EXISTS message_id BIGINT NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS undelivered_receiver_idx ON undelivered_messages (receiver_id) WHERE NOT delivered;
`

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
