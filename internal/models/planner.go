package models

import "time"

// PlannedItem is a recipe or note placed on a household meal plan.
type PlannedItem struct {
	ID            string    `json:"id"`
	ItemType      ItemType  `json:"item_type"`
	PlannedItemID string    `json:"planned_item_id"`
	UserID        string    `json:"user_id"`
	HouseholdID   string    `json:"household_id"`
	Title         string    `json:"title"`
	Date          time.Time `json:"date"`
	Slot          Slot      `json:"slot"`
	RecipeID      string    `json:"recipe_id,omitempty"`
}

// SyncJob builds a sync job mirroring this item to serverURL.
func (p PlannedItem) SyncJob(op SyncOperation, serverURL string) SyncJob {
	return SyncJob{
		UserID:          p.UserID,
		ItemID:          p.ID,
		ItemType:        p.ItemType,
		PlannedItemID:   p.PlannedItemID,
		EventTitle:      p.Title,
		Date:            p.Date,
		Slot:            p.Slot,
		RecipeID:        p.RecipeID,
		Operation:       op,
		CaldavServerURL: serverURL,
	}
}
