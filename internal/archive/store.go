// Package archive provides optional PostgreSQL archival of the ingested
// message stream. The sync engine itself stays in-memory; the agent daemon
// feeds the archive from ingest events so support and dispute tooling can
// search past conversations.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/bazaar/market-chat/internal/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the archive schema migrations to the given database.
func Migrate(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("archive: migrate driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("archive: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("archive: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("archive: migrate up: %w", err)
	}
	return nil
}

// Store archives messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates an archive store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordMessage inserts an authoritative message. Duplicate deliveries from
// the at-least-once channel are absorbed by the primary key.
func (s *Store) RecordMessage(ctx context.Context, msg protocol.Message) error {
	const query = `
		INSERT INTO archived_messages (id, chat_id, sender_id, body, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, to_timestamp($6))
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ChatID, msg.SenderID, msg.Body, msg.Kind, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	return nil
}

// RecordEdit updates the archived body for an edited message.
func (s *Store) RecordEdit(ctx context.Context, msg protocol.Message) error {
	const query = `
		UPDATE archived_messages SET body = $2, edited = TRUE WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, msg.ID, msg.Body)
	if err != nil {
		return fmt.Errorf("archive: record edit: %w", err)
	}
	return nil
}

// RecordDelete tombstones an archived message. The row is kept for dispute
// review; only the flag changes.
func (s *Store) RecordDelete(ctx context.Context, messageID string) error {
	const query = `
		UPDATE archived_messages SET deleted = TRUE WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, messageID)
	if err != nil {
		return fmt.Errorf("archive: record delete: %w", err)
	}
	return nil
}

// Recent returns the newest archived messages for a chat, oldest first.
func (s *Store) Recent(ctx context.Context, chatID string, limit int) ([]protocol.Message, error) {
	const query = `
		SELECT id, chat_id, sender_id, body, kind, edited, deleted,
		       EXTRACT(EPOCH FROM created_at)::bigint
		FROM (
			SELECT * FROM archived_messages
			WHERE chat_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) page
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()

	var out []protocol.Message
	for rows.Next() {
		var m protocol.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Body, &m.Kind,
			&m.Edited, &m.Deleted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
