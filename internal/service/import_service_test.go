package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mealsync/internal/jobid"
	"mealsync/internal/models"
	"mealsync/internal/queue"
	"mealsync/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type importEnv struct {
	svc      *ImportService
	queue    *queue.MemoryQueue
	importer *mockImporter
	policy   func(models.RecipePermissionPolicy)
}

func newImportEnv(t *testing.T) *importEnv {
	t.Helper()
	db := newTestDB(t)
	q := queue.NewMemoryQueue(models.QueueImport, time.Hour)
	imp := &mockImporter{}
	return &importEnv{
		svc:      NewImportService(q, db, imp, models.DefaultImportAttempts, nil),
		queue:    q,
		importer: imp,
		policy: func(p models.RecipePermissionPolicy) {
			require.NoError(t, db.SetRecipePermissionPolicy(context.Background(), p))
		},
	}
}

func importReq(userID, householdID string) models.ImportRequest {
	return models.ImportRequest{
		URL:         "https://example.com/recipe",
		RecipeID:    "rec-" + userID,
		UserID:      userID,
		HouseholdID: householdID,
	}
}

func TestImport_HouseholdScenario(t *testing.T) {
	env := newImportEnv(t)
	ctx := context.Background()

	first, err := env.svc.AddImportJob(ctx, importReq("A", "H1"))
	require.NoError(t, err)
	assert.Equal(t, models.ImportQueued, first.Status)
	assert.Equal(t, "import_H1_example.com/recipe", first.JobID)

	claimed, err := env.queue.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	second, err := env.svc.AddImportJob(ctx, importReq("B", "H1"))
	require.NoError(t, err)
	assert.Equal(t, models.ImportDuplicate, second.Status)
	assert.Equal(t, first.JobID, second.JobID)

	other, err := env.svc.AddImportJob(ctx, importReq("C", "H2"))
	require.NoError(t, err)
	assert.Equal(t, models.ImportQueued, other.Status)
	assert.NotEqual(t, first.JobID, other.JobID)
}

func TestImport_RequeueAfterTerminalState(t *testing.T) {
	for _, terminal := range []models.JobState{models.JobCompleted, models.JobFailed} {
		t.Run(string(terminal), func(t *testing.T) {
			env := newImportEnv(t)
			ctx := context.Background()
			req := importReq("A", "H1")

			res, err := env.svc.AddImportJob(ctx, req)
			require.NoError(t, err)
			require.Equal(t, models.ImportQueued, res.Status)

			res, err = env.svc.AddImportJob(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, models.ImportDuplicate, res.Status)

			job, err := env.queue.Claim(ctx)
			require.NoError(t, err)
			if terminal == models.JobCompleted {
				require.NoError(t, env.queue.Complete(ctx, job))
			} else {
				require.NoError(t, env.queue.Fail(ctx, job, "parser down"))
			}

			res, err = env.svc.AddImportJob(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, models.ImportQueued, res.Status)
		})
	}
}

func TestImport_DelayedBlocks(t *testing.T) {
	env := newImportEnv(t)
	ctx := context.Background()

	res, err := env.svc.AddImportJob(ctx, importReq("A", "H1"))
	require.NoError(t, err)

	job, err := env.queue.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, env.queue.Retry(ctx, job, "timeout", time.Now().Add(time.Hour)))

	state, err := env.queue.GetState(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, models.JobDelayed, state)

	res, err = env.svc.AddImportJob(ctx, importReq("A", "H1"))
	require.NoError(t, err)
	assert.Equal(t, models.ImportDuplicate, res.Status)
}

func TestImport_PolicyReadOnEveryCall(t *testing.T) {
	env := newImportEnv(t)
	ctx := context.Background()

	res, err := env.svc.AddImportJob(ctx, importReq("A", "H1"))
	require.NoError(t, err)
	assert.Equal(t, models.ImportQueued, res.Status)

	policy := models.DefaultRecipePermissionPolicy()
	policy.View = models.PermissionEveryone
	env.policy(policy)

	res, err = env.svc.AddImportJob(ctx, importReq("C", "H2"))
	require.NoError(t, err)
	assert.Equal(t, models.ImportQueued, res.Status)
	assert.Equal(t, "import_example.com/recipe", res.JobID)

	res, err = env.svc.AddImportJob(ctx, importReq("D", "H3"))
	require.NoError(t, err)
	assert.Equal(t, models.ImportDuplicate, res.Status)
}

func TestImport_RejectsInvalidURL(t *testing.T) {
	env := newImportEnv(t)
	ctx := context.Background()

	for _, raw := range []string{"", "ftp://example.com/x", "https://"} {
		req := importReq("A", "H1")
		req.URL = raw
		_, err := env.svc.AddImportJob(ctx, req)
		assert.ErrorIs(t, err, jobid.ErrInvalidURL, raw)
	}

	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{}, stats)
}

func TestImport_ConcurrentRequestsQueueOnce(t *testing.T) {
	env := newImportEnv(t)
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		queued int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.svc.AddImportJob(ctx, importReq("A", "H1"))
			if err != nil {
				t.Error(err)
				return
			}
			if res.Status == models.ImportQueued {
				mu.Lock()
				queued++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, queued)
}

func TestImport_Handler(t *testing.T) {
	env := newImportEnv(t)
	ctx := context.Background()

	pool := worker.NewPool(env.queue, worker.Options{
		Retry: worker.RetryPolicy{MaxAttempts: 1},
	}, nil)
	env.svc.Register(pool)

	env.importer.On("Import", mock.Anything, mock.MatchedBy(func(job models.ImportJob) bool {
		return job.URL == "https://example.com/recipe" && job.RequestingUserID == "A"
	})).Return(nil).Once()

	res, err := env.svc.AddImportJob(ctx, importReq("A", "H1"))
	require.NoError(t, err)

	processed, err := pool.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	state, err := env.queue.GetState(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, state)
	env.importer.AssertExpectations(t)

	err = env.svc.HandleImport(ctx, &models.Job{ID: "x", Payload: json.RawMessage(`not json`)})
	assert.True(t, worker.IsPermanent(err))

	env.importer.On("Import", mock.Anything, mock.Anything).Return(errors.New("parser down")).Once()
	payload, _ := json.Marshal(models.ImportJob{URL: "https://example.com/other"})
	err = env.svc.HandleImport(ctx, &models.Job{ID: "y", Payload: payload})
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
}

func TestParserClient(t *testing.T) {
	var got models.ImportJob
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/import" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.URL == "https://bad.example.com" {
			http.Error(w, "unsupported site", http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewParserClient(srv.URL+"/", time.Second)
	require.NoError(t, c.Import(context.Background(), models.ImportJob{URL: "https://example.com/recipe", RecipeID: "r1"}))
	assert.Equal(t, "r1", got.RecipeID)

	err := c.Import(context.Background(), models.ImportJob{URL: "https://bad.example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported site")
}

func TestQueueSet(t *testing.T) {
	ctx := context.Background()
	importQ := queue.NewMemoryQueue(models.QueueImport, time.Hour)
	syncQ := queue.NewMemoryQueue(models.QueueCaldavSync, time.Hour)
	set := NewQueueSet(importQ, syncQ)

	_, err := set.IsJobInQueue(ctx, "nope", "x")
	assert.ErrorIs(t, err, ErrUnknownQueue)

	in, err := set.IsJobInQueue(ctx, models.QueueImport, "missing")
	require.NoError(t, err)
	assert.False(t, in)

	_, err = importQ.Add(ctx, &models.Job{ID: "j1", Name: models.JobNameImport})
	require.NoError(t, err)
	in, err = set.IsJobInQueue(ctx, models.QueueImport, "j1")
	require.NoError(t, err)
	assert.True(t, in)

	job, err := importQ.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, importQ.Complete(ctx, job))
	in, err = set.IsJobInQueue(ctx, models.QueueImport, "j1")
	require.NoError(t, err)
	assert.False(t, in)

	assert.NoError(t, set.ReportDepth(ctx))
}
