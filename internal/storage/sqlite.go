package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	DB *sql.DB
}

// Open opens/initializes the SQLite database with WAL and foreign keys, then migrates schema.
// The same DSN is shared with whatsmeow's sqlstore, whose tables live alongside ours.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wa_sessions (
			tenant_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'uninitialized',
			qr_payload TEXT,
			external_id TEXT,
			display_phone TEXT,
			last_error TEXT,
			last_transition_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS broadcast_jobs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			job_data TEXT NOT NULL,
			processed_items INTEGER NOT NULL DEFAULT 0,
			current_index INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			code TEXT,
			name TEXT,
			price REAL NOT NULL DEFAULT 0,
			color TEXT,
			size TEXT,
			image_url TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messaging_credentials (
			tenant_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL DEFAULT 'zapi',
			base_url TEXT,
			instance_id TEXT,
			token TEXT,
			client_token TEXT,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS send_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			tenant_id TEXT,
			job_id TEXT,
			product_id TEXT,
			group_id TEXT,
			status TEXT,
			error TEXT,
			message_preview TEXT,
			message_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON broadcast_jobs(tenant_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON broadcast_jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_products_tenant ON products(tenant_id);`,
		`CREATE INDEX IF NOT EXISTS idx_send_logs_job_ts ON send_logs(job_id, ts);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	// Best-effort upgrade for databases created before message ids were logged.
	_, _ = tx.Exec(`ALTER TABLE send_logs ADD COLUMN message_id TEXT;`)
	return tx.Commit()
}

// placeholders returns "?,?,?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
