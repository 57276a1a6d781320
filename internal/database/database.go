package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the sqlite-backed store for sync status records and the planner read models
// the sync engine consults.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
	secret *secretBox
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return &DB{DB: db, logger: logger}, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_status (
            user_id TEXT NOT NULL,
            item_id TEXT NOT NULL,
            item_type TEXT NOT NULL,
            planned_item_id TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            last_sync_at DATETIME,
            last_error TEXT,
            job_id TEXT NOT NULL DEFAULT '',
            updated_at DATETIME NOT NULL,
            PRIMARY KEY (user_id, item_id)
        )`,
		`CREATE TABLE IF NOT EXISTS caldav_configs (
            user_id TEXT PRIMARY KEY,
            server_url TEXT NOT NULL,
            username TEXT NOT NULL,
            password_enc TEXT NOT NULL,
            calendar_path TEXT NOT NULL DEFAULT '',
            enabled BOOLEAN NOT NULL DEFAULT 1,
            sync_notes BOOLEAN NOT NULL DEFAULT 0,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS planned_items (
            id TEXT NOT NULL,
            item_type TEXT NOT NULL,
            planned_item_id TEXT NOT NULL DEFAULT '',
            user_id TEXT NOT NULL,
            household_id TEXT NOT NULL DEFAULT '',
            title TEXT NOT NULL,
            date DATETIME NOT NULL,
            slot TEXT NOT NULL DEFAULT 'dinner',
            recipe_id TEXT NOT NULL DEFAULT '',
            PRIMARY KEY (item_type, id)
        )`,
		`CREATE TABLE IF NOT EXISTS app_settings (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL,
            updated_at DATETIME NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_sync_status_user_status ON sync_status(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_status_last_sync ON sync_status(user_id, last_sync_at)`,
		`CREATE INDEX IF NOT EXISTS idx_planned_items_user_date ON planned_items(user_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_planned_items_recipe ON planned_items(recipe_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// SetEncryptionKey configures the key used for CalDAV secrets at rest.
func (db *DB) SetEncryptionKey(key string) error {
	box, err := newSecretBox(key)
	if err != nil {
		return err
	}
	db.secret = box
	return nil
}
