package models

// ImportJob is the payload of a recipe import. CanonicalID is the queue key.
type ImportJob struct {
	CanonicalID      string `json:"canonical_id"`
	URL              string `json:"url"`
	RecipeID         string `json:"recipe_id"`
	RequestingUserID string `json:"requesting_user_id"`
	HouseholdID      string `json:"household_id"`
}

// ImportRequest is what a caller submits to the import queue.
type ImportRequest struct {
	URL         string `json:"url"`
	RecipeID    string `json:"recipe_id"`
	UserID      string `json:"user_id"`
	HouseholdID string `json:"household_id"`
}

type ImportStatus string

const (
	ImportQueued    ImportStatus = "queued"
	ImportDuplicate ImportStatus = "duplicate"
)

// ImportResult is returned synchronously by AddImportJob.
type ImportResult struct {
	Status ImportStatus `json:"status"`
	JobID  string       `json:"job_id"`
}
