package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mealsync/internal/models"
)

const settingRecipePermissions = "recipe_permissions"

// GetRecipePermissionPolicy reads the admin policy on every call so changes apply
// to the next dedup decision. Missing fields fall back to the defaults.
func (db *DB) GetRecipePermissionPolicy(ctx context.Context) (models.RecipePermissionPolicy, error) {
	policy := models.DefaultRecipePermissionPolicy()

	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, settingRecipePermissions).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return policy, nil
	}
	if err != nil {
		return policy, fmt.Errorf("failed to read recipe permissions: %w", err)
	}

	var stored models.RecipePermissionPolicy
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return policy, fmt.Errorf("failed to decode recipe permissions: %w", err)
	}
	if stored.View != "" {
		policy.View = stored.View
	}
	if stored.Edit != "" {
		policy.Edit = stored.Edit
	}
	if stored.Delete != "" {
		policy.Delete = stored.Delete
	}
	return policy, nil
}

func (db *DB) SetRecipePermissionPolicy(ctx context.Context, policy models.RecipePermissionPolicy) error {
	for _, p := range []models.PermissionLevel{policy.View, policy.Edit, policy.Delete} {
		if !p.Valid() {
			return fmt.Errorf("recipe permissions: invalid level %q", p)
		}
	}
	raw, err := json.Marshal(policy)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
        INSERT INTO app_settings (key, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
    `, settingRecipePermissions, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save recipe permissions: %w", err)
	}
	return nil
}
