package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mealsync/internal/models"
)

// SaveCaldavConfig creates or replaces a user's CalDAV connection. The password is
// encrypted before it is stored.
func (db *DB) SaveCaldavConfig(ctx context.Context, cfg *models.CaldavConfig) error {
	if cfg.UserID == "" || cfg.ServerURL == "" {
		return fmt.Errorf("caldav config: user id and server url are required")
	}
	sealed, err := db.secret.seal(cfg.Password)
	if err != nil {
		return fmt.Errorf("caldav config: %w", err)
	}

	query := `
        INSERT INTO caldav_configs (user_id, server_url, username, password_enc, calendar_path, enabled, sync_notes, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            server_url = excluded.server_url,
            username = excluded.username,
            password_enc = excluded.password_enc,
            calendar_path = excluded.calendar_path,
            enabled = excluded.enabled,
            sync_notes = excluded.sync_notes,
            updated_at = excluded.updated_at
    `
	now := time.Now().UTC()
	_, err = db.ExecContext(ctx, query,
		cfg.UserID,
		cfg.ServerURL,
		cfg.Username,
		sealed,
		cfg.CalendarPath,
		cfg.Enabled,
		cfg.SyncNotes,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save caldav config: %w", err)
	}
	cfg.UpdatedAt = now
	return nil
}

// GetCaldavConfigDecrypted returns the user's config with the password decrypted,
// or nil when the user has none.
func (db *DB) GetCaldavConfigDecrypted(ctx context.Context, userID string) (*models.CaldavConfig, error) {
	query := `
        SELECT user_id, server_url, username, password_enc, calendar_path, enabled, sync_notes, updated_at
        FROM caldav_configs WHERE user_id = ?
    `

	var (
		cfg    models.CaldavConfig
		sealed string
	)
	err := db.QueryRowContext(ctx, query, userID).Scan(
		&cfg.UserID,
		&cfg.ServerURL,
		&cfg.Username,
		&sealed,
		&cfg.CalendarPath,
		&cfg.Enabled,
		&cfg.SyncNotes,
		&cfg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get caldav config: %w", err)
	}

	cfg.Password, err = db.secret.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("caldav config for %s: %w", userID, err)
	}
	return &cfg, nil
}

// SetCaldavEnabled toggles mirroring without touching credentials.
func (db *DB) SetCaldavEnabled(ctx context.Context, userID string, enabled bool) error {
	_, err := db.ExecContext(ctx, `UPDATE caldav_configs SET enabled = ?, updated_at = ? WHERE user_id = ?`,
		enabled, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update caldav config: %w", err)
	}
	return nil
}

func (db *DB) DeleteCaldavConfig(ctx context.Context, userID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM caldav_configs WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete caldav config: %w", err)
	}
	return nil
}
