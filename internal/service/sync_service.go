package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mealsync/internal/domain"
	"mealsync/internal/metrics"
	"mealsync/internal/models"
	"mealsync/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrCaldavNotConfigured is returned by user-level operations when the user has
// no enabled CalDAV connection.
var ErrCaldavNotConfigured = errors.New("caldav is not configured")

// SyncService owns the caldav-sync queue and every sync status transition.
type SyncService struct {
	queue       domain.JobQueue
	store       domain.SyncStatusStore
	configs     domain.CaldavConfigStore
	planner     domain.PlannerReader
	client      domain.CaldavClient
	maxAttempts int
	logger      *zerolog.Logger
	now         func() time.Time
}

func NewSyncService(
	queue domain.JobQueue,
	store domain.SyncStatusStore,
	configs domain.CaldavConfigStore,
	planner domain.PlannerReader,
	client domain.CaldavClient,
	maxAttempts int,
	logger *zerolog.Logger,
) *SyncService {
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultSyncAttempts
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SyncService{
		queue:       queue,
		store:       store,
		configs:     configs,
		planner:     planner,
		client:      client,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// EnqueueSync submits a sync job and moves the item's record to pending when the
// state machine allows it. The record is written before the job so a lost job
// still leaves a pending record for the retry sweep.
func (s *SyncService) EnqueueSync(ctx context.Context, job models.SyncJob) error {
	job.Operation = models.OperationSync
	if err := job.Validate(); err != nil {
		return err
	}

	rec, err := s.store.GetSyncStatus(ctx, job.UserID, job.ItemID)
	if err != nil {
		return err
	}
	if err := s.transition(ctx, job, rec, models.SyncPending, nil); err != nil {
		return err
	}

	id := uuid.NewString()
	if err := s.store.SetSyncJobID(ctx, job.UserID, job.ItemID, id); err != nil {
		return err
	}
	return s.enqueue(ctx, id, job)
}

// EnqueueDelete submits a delete job. Status changes only once the remote delete succeeds.
func (s *SyncService) EnqueueDelete(ctx context.Context, job models.SyncJob) error {
	job.Operation = models.OperationDelete
	if err := job.Validate(); err != nil {
		return err
	}
	return s.submit(ctx, job)
}

func (s *SyncService) submit(ctx context.Context, job models.SyncJob) error {
	return s.enqueue(ctx, uuid.NewString(), job)
}

func (s *SyncService) enqueue(ctx context.Context, id string, job models.SyncJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if _, err := s.queue.Add(ctx, &models.Job{
		ID:          id,
		Name:        models.JobNameCaldavSync,
		Payload:     payload,
		MaxAttempts: s.maxAttempts,
	}); err != nil {
		return fmt.Errorf("enqueue %s job for item %s: %w", job.Operation, job.ItemID, err)
	}
	metrics.IncEnqueued(s.queue.Name(), string(job.Operation))
	return nil
}

// HandleSync is the worker handler for caldav-sync jobs.
func (s *SyncService) HandleSync(ctx context.Context, qjob *models.Job) error {
	job, err := decodeSyncJob(qjob)
	if err != nil {
		return worker.Permanent(err)
	}

	cfg, err := s.configs.GetCaldavConfigDecrypted(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load caldav config: %w", err)
	}
	rec, err := s.store.GetSyncStatus(ctx, job.UserID, job.ItemID)
	if err != nil {
		return err
	}

	log := s.logger.With().
		Str("user_id", job.UserID).
		Str("item_id", job.ItemID).
		Str("operation", string(job.Operation)).
		Logger()

	if job.Operation == models.OperationDelete {
		return s.runDelete(ctx, job, cfg, rec, log)
	}

	if rec != nil && rec.Status == models.SyncRemoved {
		log.Debug().Msg("item no longer mirrored, skipping")
		return nil
	}
	if !cfg.Active() {
		log.Info().Msg("caldav disabled, un-mirroring item")
		return s.transition(ctx, job, rec, models.SyncRemoved, nil)
	}

	if err := s.client.PutEvent(ctx, cfg, job); err != nil {
		if werr := s.markFailed(ctx, job, rec, err); werr != nil {
			log.Error().Err(werr).Msg("record sync failure")
		}
		return err
	}

	now := s.now().UTC()
	return s.transition(ctx, job, rec, models.SyncSynced, func(r *models.SyncStatusRecord) {
		r.LastSyncAt = &now
		r.LastError = nil
	})
}

func (s *SyncService) runDelete(ctx context.Context, job models.SyncJob, cfg *models.CaldavConfig, rec *models.SyncStatusRecord, log zerolog.Logger) error {
	if cfg == nil || cfg.ServerURL == "" {
		log.Debug().Msg("no caldav config, nothing to delete remotely")
		return s.markRemoved(ctx, job, rec)
	}

	if err := s.client.DeleteEvent(ctx, cfg, job.EventUID()); err != nil {
		// keep the status so a failed delete is never mistaken for a failed sync
		if rec != nil {
			msg := err.Error()
			failed := *rec
			failed.LastError = &msg
			if werr := s.store.UpsertSyncStatus(ctx, &failed); werr != nil {
				log.Error().Err(werr).Msg("record delete failure")
			}
		}
		return err
	}
	return s.markRemoved(ctx, job, rec)
}

func (s *SyncService) markRemoved(ctx context.Context, job models.SyncJob, rec *models.SyncStatusRecord) error {
	if rec == nil {
		return nil
	}
	return s.transition(ctx, job, rec, models.SyncRemoved, nil)
}

func (s *SyncService) markFailed(ctx context.Context, job models.SyncJob, rec *models.SyncStatusRecord, cause error) error {
	msg := cause.Error()
	return s.transition(ctx, job, rec, models.SyncFailed, func(r *models.SyncStatusRecord) {
		r.LastError = &msg
	})
}

// OnExhausted records the final error of a sync job that ran out of attempts.
func (s *SyncService) OnExhausted(ctx context.Context, qjob *models.Job, cause error) {
	job, err := decodeSyncJob(qjob)
	if err != nil || job.Operation != models.OperationSync {
		return
	}
	rec, err := s.store.GetSyncStatus(ctx, job.UserID, job.ItemID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", qjob.ID).Msg("load sync status")
		return
	}
	if rec != nil && rec.Status == models.SyncRemoved {
		return
	}
	if err := s.markFailed(ctx, job, rec, cause); err != nil {
		s.logger.Error().Err(err).Str("job_id", qjob.ID).Msg("record exhausted sync")
	}
}

// transition writes next over rec when the state machine allows it. A missing
// record for a queued sync job is treated as pending.
func (s *SyncService) transition(ctx context.Context, job models.SyncJob, rec *models.SyncStatusRecord, next models.SyncStatus, mutate func(*models.SyncStatusRecord)) error {
	current := models.SyncStatus("")
	updated := models.SyncStatusRecord{
		UserID:        job.UserID,
		ItemID:        job.ItemID,
		ItemType:      job.ItemType,
		PlannedItemID: job.PlannedItemID,
	}
	if rec != nil {
		current = rec.Status
		updated = *rec
	} else if next != models.SyncPending {
		current = models.SyncPending
	}

	if !current.CanTransition(next) {
		return nil
	}

	updated.Status = next
	if job.PlannedItemID != "" {
		updated.PlannedItemID = job.PlannedItemID
	}
	if mutate != nil {
		mutate(&updated)
	}
	if err := s.store.UpsertSyncStatus(ctx, &updated); err != nil {
		return err
	}
	metrics.IncSyncTransition(string(next))
	return nil
}

// SyncAllFutureItems queues a sync for every item the user has planned from today on.
// Per-item failures are counted, not returned.
func (s *SyncService) SyncAllFutureItems(ctx context.Context, userID string) (models.BulkSyncResult, error) {
	var result models.BulkSyncResult

	cfg, err := s.activeConfig(ctx, userID)
	if err != nil {
		return result, err
	}

	items, err := s.planner.ListFutureItems(ctx, userID, startOfDay(s.now()))
	if err != nil {
		return result, fmt.Errorf("list future items: %w", err)
	}

	for _, item := range items {
		if item.ItemType == models.ItemNote && !cfg.SyncNotes {
			continue
		}
		if err := s.EnqueueSync(ctx, item.SyncJob(models.OperationSync, cfg.ServerURL)); err != nil {
			result.TotalFailed++
			s.logger.Warn().Err(err).Str("user_id", userID).Str("item_id", item.ID).Msg("queue sync")
			continue
		}
		result.TotalSynced++
	}

	s.logger.Info().
		Str("user_id", userID).
		Int("synced", result.TotalSynced).
		Int("failed", result.TotalFailed).
		Msg("sync all future items")
	return result, nil
}

// RetryFailedSyncs re-submits every pending or failed record of the user. Records
// whose item is gone are marked removed and counted as failed.
func (s *SyncService) RetryFailedSyncs(ctx context.Context, userID string) (models.RetryResult, error) {
	return s.retry(ctx, userID, false)
}

// SweepFailedSyncs is RetryFailedSyncs for the scheduled sweep: records whose latest
// job is still waiting, active or delayed are left to that job's own retries.
func (s *SyncService) SweepFailedSyncs(ctx context.Context, userID string) (models.RetryResult, error) {
	return s.retry(ctx, userID, true)
}

func (s *SyncService) retry(ctx context.Context, userID string, skipOutstanding bool) (models.RetryResult, error) {
	var result models.RetryResult

	cfg, err := s.activeConfig(ctx, userID)
	if err != nil {
		return result, err
	}

	records, err := s.store.ListPendingOrFailed(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("list pending or failed: %w", err)
	}

	for i := range records {
		rec := &records[i]
		log := s.logger.With().Str("user_id", userID).Str("item_id", rec.ItemID).Logger()

		if skipOutstanding && rec.JobID != "" {
			state, err := s.queue.GetState(ctx, rec.JobID)
			if err != nil {
				result.TotalFailed++
				log.Warn().Err(err).Str("job_id", rec.JobID).Msg("load job state")
				continue
			}
			if state.Blocking() {
				log.Debug().Str("job_id", rec.JobID).Str("state", string(state)).Msg("job still outstanding, skipping")
				continue
			}
		}

		item, err := s.planner.GetPlannedItem(ctx, rec.ItemType, rec.ItemID)
		if err != nil {
			result.TotalFailed++
			log.Warn().Err(err).Msg("load planned item")
			continue
		}

		ref := models.SyncJob{UserID: rec.UserID, ItemID: rec.ItemID, ItemType: rec.ItemType}
		if item == nil {
			result.TotalFailed++
			if err := s.transition(ctx, ref, rec, models.SyncRemoved, nil); err != nil {
				log.Warn().Err(err).Msg("mark removed")
			}
			continue
		}
		if item.ItemType == models.ItemNote && !cfg.SyncNotes {
			if err := s.transition(ctx, ref, rec, models.SyncRemoved, nil); err != nil {
				log.Warn().Err(err).Msg("mark removed")
			}
			continue
		}

		if err := s.EnqueueSync(ctx, item.SyncJob(models.OperationSync, cfg.ServerURL)); err != nil {
			result.TotalFailed++
			log.Warn().Err(err).Msg("requeue sync")
			continue
		}
		result.TotalRetried++
	}

	s.logger.Info().
		Str("user_id", userID).
		Int("retried", result.TotalRetried).
		Int("failed", result.TotalFailed).
		Msg("retry failed syncs")
	return result, nil
}

// TestConnection checks the user's stored credentials against the server.
func (s *SyncService) TestConnection(ctx context.Context, userID string) error {
	cfg, err := s.configs.GetCaldavConfigDecrypted(ctx, userID)
	if err != nil {
		return err
	}
	if cfg == nil || cfg.ServerURL == "" {
		return ErrCaldavNotConfigured
	}
	return s.client.TestConnection(ctx, cfg)
}

// RemoveCaldavConfig un-mirrors every item of the user and deletes the connection.
// Remote events are left in place.
func (s *SyncService) RemoveCaldavConfig(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.MarkAllRemoved(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.configs.DeleteCaldavConfig(ctx, userID); err != nil {
		return n, err
	}
	s.logger.Info().Str("user_id", userID).Int64("records", n).Msg("caldav config removed")
	return n, nil
}

// ListStatuses returns one page of the user's sync records.
func (s *SyncService) ListStatuses(ctx context.Context, userID string, status models.SyncStatus, page, pageSize int) (models.SyncStatusPage, error) {
	if status != "" && !status.Valid() {
		return models.SyncStatusPage{}, fmt.Errorf("unknown sync status %q", status)
	}
	return s.store.ListSyncStatuses(ctx, userID, status, page, pageSize)
}

// UsersWithFailed lists users the retry sweep should visit.
func (s *SyncService) UsersWithFailed(ctx context.Context) ([]string, error) {
	return s.store.ListUsersWithFailed(ctx)
}

// Register attaches the sync handler to a pool.
func (s *SyncService) Register(pool *worker.Pool) {
	pool.Handle(models.JobNameCaldavSync, s.HandleSync)
}

func (s *SyncService) activeConfig(ctx context.Context, userID string) (*models.CaldavConfig, error) {
	cfg, err := s.configs.GetCaldavConfigDecrypted(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !cfg.Active() {
		return nil, ErrCaldavNotConfigured
	}
	return cfg, nil
}

func decodeSyncJob(qjob *models.Job) (models.SyncJob, error) {
	var job models.SyncJob
	if err := qjob.DecodePayload(&job); err != nil {
		return job, fmt.Errorf("decode sync payload: %w", err)
	}
	if err := job.Validate(); err != nil {
		return job, err
	}
	return job, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
