package domain

import (
	"context"
	"time"

	"mealsync/internal/events"
	"mealsync/internal/models"
)

// JobQueue is a durable queue of jobs keyed by job ID.
// Add is atomic: it only stores the job when no job with the same ID is waiting,
// active or delayed.
type JobQueue interface {
	Name() string
	Add(ctx context.Context, job *models.Job) (bool, error)
	GetState(ctx context.Context, id string) (models.JobState, error)
	Claim(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, job *models.Job) error
	Retry(ctx context.Context, job *models.Job, cause string, runAt time.Time) error
	Fail(ctx context.Context, job *models.Job, cause string) error
	Remove(ctx context.Context, id string) error
	Stats(ctx context.Context) (models.QueueStats, error)
}

type SyncStatusStore interface {
	GetSyncStatus(ctx context.Context, userID, itemID string) (*models.SyncStatusRecord, error)
	UpsertSyncStatus(ctx context.Context, record *models.SyncStatusRecord) error
	SetSyncJobID(ctx context.Context, userID, itemID, jobID string) error
	ListPendingOrFailed(ctx context.Context, userID string) ([]models.SyncStatusRecord, error)
	ListSyncStatuses(ctx context.Context, userID string, status models.SyncStatus, page, pageSize int) (models.SyncStatusPage, error)
	MarkAllRemoved(ctx context.Context, userID string) (int64, error)
	ListUsersWithFailed(ctx context.Context) ([]string, error)
}

type PolicyReader interface {
	GetRecipePermissionPolicy(ctx context.Context) (models.RecipePermissionPolicy, error)
}

type CaldavConfigReader interface {
	GetCaldavConfigDecrypted(ctx context.Context, userID string) (*models.CaldavConfig, error)
}

type CaldavConfigStore interface {
	CaldavConfigReader
	DeleteCaldavConfig(ctx context.Context, userID string) error
}

type PlannerReader interface {
	GetPlannedItem(ctx context.Context, itemType models.ItemType, itemID string) (*models.PlannedItem, error)
	ListFutureItems(ctx context.Context, userID string, from time.Time) ([]models.PlannedItem, error)
	ListPlannedInstancesOfRecipe(ctx context.Context, recipeID string) ([]models.PlannedItem, error)
}

// PlannerWriter keeps the local planner read model in step with planning events.
type PlannerWriter interface {
	SavePlannedItem(ctx context.Context, item *models.PlannedItem) error
	DeletePlannedItem(ctx context.Context, itemType models.ItemType, itemID string) error
	RenameRecipe(ctx context.Context, recipeID, title string) (int64, error)
}

// CaldavClient performs the remote calendar calls for one configured user.
type CaldavClient interface {
	TestConnection(ctx context.Context, cfg *models.CaldavConfig) error
	PutEvent(ctx context.Context, cfg *models.CaldavConfig, job models.SyncJob) error
	DeleteEvent(ctx context.Context, cfg *models.CaldavConfig, uid string) error
}

// RecipeImporter runs the content extraction for an import job.
type RecipeImporter interface {
	Import(ctx context.Context, job models.ImportJob) error
}

type EventPublisher interface {
	PublishJSON(ctx context.Context, topic, name string, payload any) error
}

type EventSubscriber interface {
	Subscribe(topic string) *events.Subscription
}
