package service

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"mealsync/internal/domain"
	"mealsync/internal/jobid"
	"mealsync/internal/metrics"
	"mealsync/internal/models"
	"mealsync/internal/worker"

	"github.com/rs/zerolog"
)

const importLockStripes = 64

// ImportService submits recipe imports under their canonical identity so the same
// visible recipe is never imported twice at once for one audience.
type ImportService struct {
	queue       domain.JobQueue
	policy      domain.PolicyReader
	importer    domain.RecipeImporter
	maxAttempts int
	logger      *zerolog.Logger

	locks [importLockStripes]sync.Mutex
}

func NewImportService(queue domain.JobQueue, policy domain.PolicyReader, importer domain.RecipeImporter, maxAttempts int, logger *zerolog.Logger) *ImportService {
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultImportAttempts
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ImportService{
		queue:       queue,
		policy:      policy,
		importer:    importer,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// AddImportJob returns duplicate while a job with the same identity is waiting,
// active or delayed, and queues a fresh job otherwise. Invalid URLs and unknown
// policies are rejected before anything is queued.
func (s *ImportService) AddImportJob(ctx context.Context, req models.ImportRequest) (models.ImportResult, error) {
	// read on every call so an admin change applies to the next decision
	policy, err := s.policy.GetRecipePermissionPolicy(ctx)
	if err != nil {
		return models.ImportResult{}, fmt.Errorf("read recipe permissions: %w", err)
	}

	id, err := jobid.Generate(req.URL, req.UserID, req.HouseholdID, policy.View)
	if err != nil {
		return models.ImportResult{}, err
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.queue.GetState(ctx, id)
	if err != nil {
		return models.ImportResult{}, fmt.Errorf("check import job %s: %w", id, err)
	}
	if state.Blocking() {
		return s.duplicate(id, state), nil
	}

	payload, err := json.Marshal(models.ImportJob{
		CanonicalID:      id,
		URL:              req.URL,
		RecipeID:         req.RecipeID,
		RequestingUserID: req.UserID,
		HouseholdID:      req.HouseholdID,
	})
	if err != nil {
		return models.ImportResult{}, err
	}

	added, err := s.queue.Add(ctx, &models.Job{
		ID:          id,
		Name:        models.JobNameImport,
		Payload:     payload,
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		return models.ImportResult{}, fmt.Errorf("enqueue import job %s: %w", id, err)
	}
	if !added {
		// another process queued it between the check and the add
		return s.duplicate(id, models.JobWaiting), nil
	}

	metrics.IncEnqueued(s.queue.Name(), string(models.ImportQueued))
	s.logger.Info().Str("job_id", id).Str("user_id", req.UserID).Msg("import queued")
	return models.ImportResult{Status: models.ImportQueued, JobID: id}, nil
}

func (s *ImportService) duplicate(id string, state models.JobState) models.ImportResult {
	metrics.IncEnqueued(s.queue.Name(), string(models.ImportDuplicate))
	s.logger.Debug().Str("job_id", id).Str("state", string(state)).Msg("import already in queue")
	return models.ImportResult{Status: models.ImportDuplicate, JobID: id}
}

func (s *ImportService) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%importLockStripes]
}

// HandleImport is the worker handler for import-recipe jobs.
func (s *ImportService) HandleImport(ctx context.Context, job *models.Job) error {
	var payload models.ImportJob
	if err := job.DecodePayload(&payload); err != nil {
		return worker.Permanent(fmt.Errorf("decode import payload: %w", err))
	}
	if payload.URL == "" {
		return worker.Permanent(fmt.Errorf("import job %s has no url", job.ID))
	}
	if err := s.importer.Import(ctx, payload); err != nil {
		return fmt.Errorf("import %s: %w", payload.URL, err)
	}
	s.logger.Info().Str("job_id", job.ID).Str("recipe_id", payload.RecipeID).Msg("recipe imported")
	return nil
}

// Register attaches the import handler to a pool.
func (s *ImportService) Register(pool *worker.Pool) {
	pool.Handle(models.JobNameImport, s.HandleImport)
}
