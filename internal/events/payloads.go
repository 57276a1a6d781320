package events

import (
	"time"

	"mealsync/internal/models"
)

// ItemPlannedPayload is published when a recipe or note is placed on a plan.
// itemDateUpdated carries the same shape with the new date.
type ItemPlannedPayload struct {
	UserID        string          `json:"user_id"`
	HouseholdID   string          `json:"household_id"`
	ItemID        string          `json:"item_id"`
	ItemType      models.ItemType `json:"item_type"`
	PlannedItemID string          `json:"planned_item_id"`
	Title         string          `json:"title"`
	Date          time.Time       `json:"date"`
	Slot          models.Slot     `json:"slot"`
	RecipeID      string          `json:"recipe_id,omitempty"`
}

type ItemDateUpdatedPayload = ItemPlannedPayload

// PlannedItem converts the payload to the planner read model.
func (p ItemPlannedPayload) PlannedItem() models.PlannedItem {
	return models.PlannedItem{
		ID:            p.ItemID,
		ItemType:      p.ItemType,
		PlannedItemID: p.PlannedItemID,
		UserID:        p.UserID,
		HouseholdID:   p.HouseholdID,
		Title:         p.Title,
		Date:          p.Date,
		Slot:          p.Slot,
		RecipeID:      p.RecipeID,
	}
}

type ItemDeletedPayload struct {
	UserID        string          `json:"user_id"`
	HouseholdID   string          `json:"household_id"`
	ItemID        string          `json:"item_id"`
	ItemType      models.ItemType `json:"item_type"`
	PlannedItemID string          `json:"planned_item_id"`
}

type RecipeRenamedPayload struct {
	RecipeID    string `json:"recipe_id"`
	HouseholdID string `json:"household_id,omitempty"`
	NewTitle    string `json:"new_title"`
}
