package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mealsync/internal/models"
)

// ErrItemIDConflict is returned when an item ID is already planned under the other
// item type. Sync status records are keyed by item ID alone.
var ErrItemIDConflict = errors.New("item id already used by another item type")

const plannedItemColumns = `id, item_type, planned_item_id, user_id, household_id, title, date, slot, recipe_id`

// SavePlannedItem creates or replaces a planned item.
func (db *DB) SavePlannedItem(ctx context.Context, item *models.PlannedItem) error {
	if item.ID == "" || !item.ItemType.Valid() {
		return fmt.Errorf("planned item: id and valid item type are required")
	}
	slot := item.Slot
	if slot == "" {
		slot = models.SlotDinner
	}

	var other string
	err := db.QueryRowContext(ctx,
		`SELECT item_type FROM planned_items WHERE id = ? AND item_type != ?`,
		item.ID, string(item.ItemType)).Scan(&other)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s is a %s", ErrItemIDConflict, item.ID, other)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to check planned item id: %w", err)
	}

	query := `
        INSERT INTO planned_items (` + plannedItemColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(item_type, id) DO UPDATE SET
            planned_item_id = excluded.planned_item_id,
            user_id = excluded.user_id,
            household_id = excluded.household_id,
            title = excluded.title,
            date = excluded.date,
            slot = excluded.slot,
            recipe_id = excluded.recipe_id
    `
	_, err = db.ExecContext(ctx, query,
		item.ID,
		string(item.ItemType),
		item.PlannedItemID,
		item.UserID,
		item.HouseholdID,
		item.Title,
		item.Date.UTC(),
		string(slot),
		item.RecipeID,
	)
	if err != nil {
		return fmt.Errorf("failed to save planned item: %w", err)
	}
	return nil
}

func (db *DB) DeletePlannedItem(ctx context.Context, itemType models.ItemType, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM planned_items WHERE item_type = ? AND id = ?`, string(itemType), id); err != nil {
		return fmt.Errorf("failed to delete planned item: %w", err)
	}
	return nil
}

// RenameRecipe updates the title of every planned instance of a recipe.
func (db *DB) RenameRecipe(ctx context.Context, recipeID, title string) (int64, error) {
	res, err := db.ExecContext(ctx, `UPDATE planned_items SET title = ? WHERE recipe_id = ?`, title, recipeID)
	if err != nil {
		return 0, fmt.Errorf("failed to rename recipe: %w", err)
	}
	return res.RowsAffected()
}

// GetPlannedItem returns nil when the item no longer exists.
func (db *DB) GetPlannedItem(ctx context.Context, itemType models.ItemType, id string) (*models.PlannedItem, error) {
	query := `SELECT ` + plannedItemColumns + ` FROM planned_items WHERE item_type = ? AND id = ?`
	item, err := scanPlannedItem(db.QueryRowContext(ctx, query, string(itemType), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get planned item: %w", err)
	}
	return item, nil
}

// ListFutureItems returns the user's items dated on or after from, oldest first.
func (db *DB) ListFutureItems(ctx context.Context, userID string, from time.Time) ([]models.PlannedItem, error) {
	query := `SELECT ` + plannedItemColumns + ` FROM planned_items
              WHERE user_id = ? AND date >= ?
              ORDER BY date, item_type, id`
	return db.queryPlannedItems(ctx, query, userID, from.UTC())
}

// ListPlannedInstancesOfRecipe returns every planned instance of the recipe across
// users and households.
func (db *DB) ListPlannedInstancesOfRecipe(ctx context.Context, recipeID string) ([]models.PlannedItem, error) {
	query := `SELECT ` + plannedItemColumns + ` FROM planned_items
              WHERE item_type = 'recipe' AND recipe_id = ?
              ORDER BY user_id, date, id`
	return db.queryPlannedItems(ctx, query, recipeID)
}

func (db *DB) queryPlannedItems(ctx context.Context, query string, args ...any) ([]models.PlannedItem, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query planned items: %w", err)
	}
	defer rows.Close()

	var items []models.PlannedItem
	for rows.Next() {
		item, err := scanPlannedItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan planned item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanPlannedItem(row rowScanner) (*models.PlannedItem, error) {
	var (
		item     models.PlannedItem
		itemType string
		slot     string
	)
	err := row.Scan(
		&item.ID,
		&itemType,
		&item.PlannedItemID,
		&item.UserID,
		&item.HouseholdID,
		&item.Title,
		&item.Date,
		&slot,
		&item.RecipeID,
	)
	if err != nil {
		return nil, err
	}
	item.ItemType = models.ItemType(itemType)
	item.Slot = models.Slot(slot)
	return &item, nil
}
