package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mealsync/internal/models"
)

const syncStatusColumns = `user_id, item_id, item_type, planned_item_id, status, last_sync_at, last_error, job_id`

// GetSyncStatus returns the record for (userID, itemID) or nil when none exists.
func (db *DB) GetSyncStatus(ctx context.Context, userID, itemID string) (*models.SyncStatusRecord, error) {
	query := `SELECT ` + syncStatusColumns + ` FROM sync_status WHERE user_id = ? AND item_id = ?`

	rec, err := scanSyncStatus(db.QueryRowContext(ctx, query, userID, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	return rec, nil
}

// UpsertSyncStatus writes the record keyed by (UserID, ItemID). Concurrent writers
// for one key resolve last-writer-wins, except that a removed record only accepts
// pending or removed. A synced or failed write landing on a removed record is
// dropped, so a sync that raced a delete cannot revive the item.
func (db *DB) UpsertSyncStatus(ctx context.Context, rec *models.SyncStatusRecord) error {
	if rec.UserID == "" || rec.ItemID == "" {
		return fmt.Errorf("sync status: user id and item id are required")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("sync status: invalid status %q", rec.Status)
	}

	query := `
        INSERT INTO sync_status (user_id, item_id, item_type, planned_item_id, status, last_sync_at, last_error, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(user_id, item_id) DO UPDATE SET
            item_type = excluded.item_type,
            planned_item_id = excluded.planned_item_id,
            status = excluded.status,
            last_sync_at = excluded.last_sync_at,
            last_error = excluded.last_error,
            updated_at = excluded.updated_at
        WHERE sync_status.status != 'removed' OR excluded.status IN ('pending', 'removed')
    `

	var lastSync any
	if rec.LastSyncAt != nil {
		lastSync = rec.LastSyncAt.UTC()
	}

	_, err := db.ExecContext(ctx, query,
		rec.UserID,
		rec.ItemID,
		string(rec.ItemType),
		rec.PlannedItemID,
		string(rec.Status),
		lastSync,
		rec.LastError,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sync status: %w", err)
	}
	return nil
}

// SetSyncJobID points the record at the latest job queued for it. It is a no-op
// when the record does not exist.
func (db *DB) SetSyncJobID(ctx context.Context, userID, itemID, jobID string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_status SET job_id = ? WHERE user_id = ? AND item_id = ?`,
		jobID, userID, itemID)
	if err != nil {
		return fmt.Errorf("failed to set sync job id: %w", err)
	}
	return nil
}

// ListPendingOrFailed returns the records a retry sweep should re-submit.
func (db *DB) ListPendingOrFailed(ctx context.Context, userID string) ([]models.SyncStatusRecord, error) {
	query := `SELECT ` + syncStatusColumns + ` FROM sync_status
              WHERE user_id = ? AND status IN ('pending', 'failed')
              ORDER BY item_id`
	return db.querySyncStatuses(ctx, query, userID)
}

// ListSyncStatuses returns one page of a user's records ordered by last sync time,
// newest first with never-synced records last. page is 1-based.
func (db *DB) ListSyncStatuses(ctx context.Context, userID string, status models.SyncStatus, page, pageSize int) (models.SyncStatusPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = models.DefaultStatusPageSize
	}
	if pageSize > models.MaxStatusPageSize {
		pageSize = models.MaxStatusPageSize
	}

	where := `WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, string(status))
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_status `+where, args...).Scan(&total); err != nil {
		return models.SyncStatusPage{}, fmt.Errorf("failed to count sync statuses: %w", err)
	}

	query := `SELECT ` + syncStatusColumns + ` FROM sync_status ` + where + `
              ORDER BY last_sync_at IS NULL, last_sync_at DESC, item_id
              LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	items, err := db.querySyncStatuses(ctx, query, args...)
	if err != nil {
		return models.SyncStatusPage{}, err
	}
	if items == nil {
		items = []models.SyncStatusRecord{}
	}
	return models.SyncStatusPage{Items: items, Total: total}, nil
}

// MarkAllRemoved transitions every record of the user to removed.
func (db *DB) MarkAllRemoved(ctx context.Context, userID string) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_status SET status = 'removed', updated_at = ? WHERE user_id = ? AND status != 'removed'`,
		time.Now().UTC(), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark sync statuses removed: %w", err)
	}
	return res.RowsAffected()
}

// ListUsersWithFailed returns users owning at least one failed record.
func (db *DB) ListUsersWithFailed(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT user_id FROM sync_status WHERE status = 'failed' ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with failed syncs: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (db *DB) querySyncStatuses(ctx context.Context, query string, args ...any) ([]models.SyncStatusRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync statuses: %w", err)
	}
	defer rows.Close()

	var out []models.SyncStatusRecord
	for rows.Next() {
		rec, err := scanSyncStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync status: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncStatus(row rowScanner) (*models.SyncStatusRecord, error) {
	var (
		rec       models.SyncStatusRecord
		itemType  string
		status    string
		lastSync  sql.NullTime
		lastError sql.NullString
	)
	if err := row.Scan(&rec.UserID, &rec.ItemID, &itemType, &rec.PlannedItemID, &status, &lastSync, &lastError, &rec.JobID); err != nil {
		return nil, err
	}
	rec.ItemType = models.ItemType(itemType)
	rec.Status = models.SyncStatus(status)
	if lastSync.Valid {
		t := lastSync.Time
		rec.LastSyncAt = &t
	}
	if lastError.Valid {
		msg := lastError.String
		rec.LastError = &msg
	}
	return &rec, nil
}
