package db

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the document database and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS groups (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            created_by TEXT NOT NULL,
            members TEXT[] NOT NULL DEFAULT '{}',
            processing_message_id TEXT,
            locked_by TEXT,
            locked_at TIMESTAMPTZ,
            is_call_active BOOLEAN NOT NULL DEFAULT FALSE,
            call_participants TEXT[] NOT NULL DEFAULT '{}',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS groups_members_idx ON groups USING GIN (members);`,
		`CREATE INDEX IF NOT EXISTS groups_name_idx ON groups (name);`,
		`CREATE TABLE IF NOT EXISTS messages (
            seq BIGSERIAL UNIQUE,
            id TEXT PRIMARY KEY,
            group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
            text TEXT NOT NULL DEFAULT '',
            sender_id TEXT NOT NULL,
            sender_name TEXT NOT NULL DEFAULT '',
            role TEXT NOT NULL,
            status TEXT NOT NULL,
            attachments JSONB NOT NULL DEFAULT '[]',
            is_loading BOOLEAN NOT NULL DEFAULT FALSE,
            audio_data TEXT,
            timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS messages_group_order_idx ON messages (group_id, timestamp, seq);`,
		`CREATE TABLE IF NOT EXISTS canvases (
            group_id TEXT PRIMARY KEY REFERENCES groups(id) ON DELETE CASCADE,
            html TEXT NOT NULL DEFAULT '',
            css TEXT NOT NULL DEFAULT '',
            js TEXT NOT NULL DEFAULT '',
            terminal_output TEXT[] NOT NULL DEFAULT '{}',
            last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS key_usage (
            key_index INT PRIMARY KEY,
            tokens BIGINT NOT NULL DEFAULT 0
        );`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Println("database migrations applied")
	return nil
}
