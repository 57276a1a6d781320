package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mealsync/internal/database"
	"mealsync/internal/models"
	"mealsync/internal/queue"
	"mealsync/internal/worker"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCaldav struct {
	mock.Mock
}

func (m *mockCaldav) TestConnection(ctx context.Context, cfg *models.CaldavConfig) error {
	return m.Called(ctx, cfg).Error(0)
}

func (m *mockCaldav) PutEvent(ctx context.Context, cfg *models.CaldavConfig, job models.SyncJob) error {
	return m.Called(ctx, cfg, job).Error(0)
}

func (m *mockCaldav) DeleteEvent(ctx context.Context, cfg *models.CaldavConfig, uid string) error {
	return m.Called(ctx, cfg, uid).Error(0)
}

type mockImporter struct {
	mock.Mock
}

func (m *mockImporter) Import(ctx context.Context, job models.ImportJob) error {
	return m.Called(ctx, job).Error(0)
}

type syncEnv struct {
	db     *database.DB
	queue  *queue.MemoryQueue
	caldav *mockCaldav
	sync   *SyncService
	bridge *Bridge
	pool   *worker.Pool
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "mealsync.db"), nil)
	require.NoError(t, err)
	require.NoError(t, db.SetEncryptionKey("test-key"))
	t.Cleanup(func() { db.Close() })
	return db
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	env := &syncEnv{
		db:     newTestDB(t),
		queue:  queue.NewMemoryQueue(models.QueueCaldavSync, time.Hour),
		caldav: &mockCaldav{},
	}
	env.sync = NewSyncService(env.queue, env.db, env.db, env.db, env.caldav, models.DefaultSyncAttempts, nil)
	env.bridge = NewBridge(nil, env.sync, env.db, nil)
	env.pool = worker.NewPool(env.queue, worker.Options{
		Concurrency: 1,
		Retry: worker.RetryPolicy{
			MaxAttempts:  models.DefaultSyncAttempts,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
		},
		OnExhausted: env.sync.OnExhausted,
	}, nil)
	env.sync.Register(env.pool)
	return env
}

func (e *syncEnv) enableCaldav(t *testing.T, userID string, syncNotes bool) {
	t.Helper()
	require.NoError(t, e.db.SaveCaldavConfig(context.Background(), &models.CaldavConfig{
		UserID:    userID,
		ServerURL: "https://dav.example.com",
		Username:  userID,
		Password:  "pw",
		Enabled:   true,
		SyncNotes: syncNotes,
	}))
}

func (e *syncEnv) pending(t *testing.T) int64 {
	t.Helper()
	stats, err := e.queue.Stats(context.Background())
	require.NoError(t, err)
	return stats.Waiting + stats.Active + stats.Delayed
}

// drain runs the pool until the queue holds no outstanding jobs.
func (e *syncEnv) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		processed, err := e.pool.ProcessNext(ctx)
		require.NoError(t, err)
		if processed {
			continue
		}
		if e.pending(t) == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("queue did not drain")
}

// claimAll takes every waiting job off the queue and decodes its payload.
func (e *syncEnv) claimAll(t *testing.T) []models.SyncJob {
	t.Helper()
	var out []models.SyncJob
	for {
		job, err := e.queue.Claim(context.Background())
		require.NoError(t, err)
		if job == nil {
			return out
		}
		var payload models.SyncJob
		require.NoError(t, job.DecodePayload(&payload))
		out = append(out, payload)
	}
}

func (e *syncEnv) status(t *testing.T, userID, itemID string) *models.SyncStatusRecord {
	t.Helper()
	rec, err := e.db.GetSyncStatus(context.Background(), userID, itemID)
	require.NoError(t, err)
	return rec
}

func tomorrow() time.Time {
	return startOfDay(time.Now()).AddDate(0, 0, 1)
}
