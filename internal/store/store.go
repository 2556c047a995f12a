// Package store provides PostgreSQL-backed relationship predicates and the
// durable chat message log.
//
// Tables:
//
//	blocks(blocker_id, blocked_id)   one row per directed block
//	likes(liker_id, liked_id)        one row per directed like; a match is a pair of likes
//	messages(id, from_user_id, to_user_id, content, sent_at)
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/sparkmatch/gateway/internal/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store manages relationships and chat messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}
	return db, nil
}

// Migrate applies every pending embedded migration. It is a no-op when the
// schema is already current.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// IsBlocked reports whether a has blocked b or b has blocked a.
func (s *Store) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM blocks
			WHERE (blocker_id = $1 AND blocked_id = $2)
			   OR (blocker_id = $2 AND blocked_id = $1)
		)`

	var blocked bool
	if err := s.db.QueryRowContext(ctx, query, a, b).Scan(&blocked); err != nil {
		return false, fmt.Errorf("store: is blocked: %w", err)
	}
	return blocked, nil
}

// IsMatched reports whether a and b have each liked the other.
func (s *Store) IsMatched(ctx context.Context, a, b string) (bool, error) {
	const query = `
		SELECT COUNT(*) = 2 FROM likes
		WHERE (liker_id = $1 AND liked_id = $2)
		   OR (liker_id = $2 AND liked_id = $1)`

	var matched bool
	if err := s.db.QueryRowContext(ctx, query, a, b).Scan(&matched); err != nil {
		return false, fmt.Errorf("store: is matched: %w", err)
	}
	return matched, nil
}

// Block records that blocker has blocked blocked. Repeating a block is a no-op.
func (s *Store) Block(ctx context.Context, blocker, blocked string) error {
	const query = `
		INSERT INTO blocks (blocker_id, blocked_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, blocker, blocked); err != nil {
		return fmt.Errorf("store: block: %w", err)
	}
	return nil
}

// Like records that liker likes liked. Repeating a like is a no-op.
func (s *Store) Like(ctx context.Context, liker, liked string) error {
	const query = `
		INSERT INTO likes (liker_id, liked_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, liker, liked); err != nil {
		return fmt.Errorf("store: like: %w", err)
	}
	return nil
}

// Append inserts an accepted chat message.
func (s *Store) Append(ctx context.Context, m chat.Message) error {
	const query = `
		INSERT INTO messages (id, from_user_id, to_user_id, content, sent_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, m.ID, m.From, m.To, m.Content, m.Timestamp); err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// History returns up to limit messages exchanged between a and b that were
// sent strictly before the unix-millisecond bound, newest first.
func (s *Store) History(ctx context.Context, a, b string, before int64, limit int) ([]chat.Message, error) {
	const query = `
		SELECT id, from_user_id, to_user_id, content, sent_at
		FROM messages
		WHERE LEAST(from_user_id, to_user_id) = LEAST($1, $2)
		  AND GREATEST(from_user_id, to_user_id) = GREATEST($1, $2)
		  AND sent_at < $3
		ORDER BY sent_at DESC, created_at DESC
		LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, a, b, before, limit)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: history rows: %w", err)
	}
	return out, nil
}
