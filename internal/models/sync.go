package models

import (
	"fmt"
	"time"
)

// ItemType is the kind of planned entry mirrored to a calendar.
type ItemType string

const (
	ItemRecipe ItemType = "recipe"
	ItemNote   ItemType = "note"
)

func (t ItemType) Valid() bool {
	return t == ItemRecipe || t == ItemNote
}

// SyncOperation selects what a sync job does remotely.
type SyncOperation string

const (
	OperationSync   SyncOperation = "sync"
	OperationDelete SyncOperation = "delete"
)

// Slot is the meal slot of a planned item.
type Slot string

const (
	SlotBreakfast Slot = "breakfast"
	SlotLunch     Slot = "lunch"
	SlotDinner    Slot = "dinner"
	SlotSnack     Slot = "snack"
)

// StartHour returns the local hour a mirrored event starts at.
func (s Slot) StartHour() int {
	switch s {
	case SlotBreakfast:
		return 8
	case SlotLunch:
		return 12
	case SlotSnack:
		return 15
	default:
		return 18
	}
}

// SyncJob is the payload of a caldav-sync queue job.
type SyncJob struct {
	UserID          string        `json:"user_id"`
	ItemID          string        `json:"item_id"`
	ItemType        ItemType      `json:"item_type"`
	PlannedItemID   string        `json:"planned_item_id"`
	EventTitle      string        `json:"event_title"`
	Date            time.Time     `json:"date"`
	Slot            Slot          `json:"slot"`
	RecipeID        string        `json:"recipe_id,omitempty"`
	Operation       SyncOperation `json:"operation"`
	CaldavServerURL string        `json:"caldav_server_url"`
}

// Validate checks the fields every sync job needs.
func (j SyncJob) Validate() error {
	if j.UserID == "" || j.ItemID == "" {
		return fmt.Errorf("sync job: user id and item id are required")
	}
	if !j.ItemType.Valid() {
		return fmt.Errorf("sync job: unknown item type %q", j.ItemType)
	}
	switch j.Operation {
	case OperationSync:
		if j.Date.IsZero() {
			return fmt.Errorf("sync job: date is required")
		}
	case OperationDelete:
	default:
		return fmt.Errorf("sync job: unknown operation %q", j.Operation)
	}
	return nil
}

// EventUID is the stable iCalendar UID of the mirrored event.
func (j SyncJob) EventUID() string {
	return EventUID(j.ItemType, j.ItemID)
}

// EventUID builds the iCalendar UID for an item.
func EventUID(itemType ItemType, itemID string) string {
	return fmt.Sprintf("mealsync-%s-%s", itemType, itemID)
}

// SyncStatus is the durable mirror state of one item.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
	SyncRemoved SyncStatus = "removed"
)

func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncSynced, SyncFailed, SyncRemoved:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from s to next.
// The empty status stands for "no record".
func (s SyncStatus) CanTransition(next SyncStatus) bool {
	switch next {
	case SyncPending:
		return s == "" || s == SyncFailed || s == SyncRemoved
	case SyncSynced:
		return s == SyncPending || s == SyncFailed || s == SyncSynced
	case SyncFailed:
		return s == SyncPending || s == SyncSynced || s == SyncFailed
	case SyncRemoved:
		return s != ""
	}
	return false
}

// SyncStatusRecord is keyed by (UserID, ItemID). Item IDs are unique across item
// types; the planner store rejects a second type reusing an ID.
// JobID is the latest queued job for the item.
type SyncStatusRecord struct {
	UserID        string     `json:"user_id"`
	ItemID        string     `json:"item_id"`
	ItemType      ItemType   `json:"item_type"`
	PlannedItemID string     `json:"planned_item_id"`
	Status        SyncStatus `json:"status"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	JobID         string     `json:"job_id,omitempty"`
}

// SyncStatusPage is one page of records plus the unpaged total.
type SyncStatusPage struct {
	Items []SyncStatusRecord `json:"items"`
	Total int                `json:"total"`
}

// BulkSyncResult is returned by SyncAllFutureItems.
type BulkSyncResult struct {
	TotalSynced int `json:"total_synced"`
	TotalFailed int `json:"total_failed"`
}

// RetryResult is returned by RetryFailedSyncs.
type RetryResult struct {
	TotalRetried int `json:"total_retried"`
	TotalFailed  int `json:"total_failed"`
}
