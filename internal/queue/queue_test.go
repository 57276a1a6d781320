package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mealsync/internal/domain"
	"mealsync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func() domain.JobQueue {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	n := 0
	return map[string]func() domain.JobQueue{
		"memory": func() domain.JobQueue { return NewMemoryQueue("test", time.Hour) },
		"redis": func() domain.JobQueue {
			n++
			return NewRedisQueue(client, "t"+string(rune('a'+n)), "test", time.Hour)
		},
	}
}

func newJob(id string) *models.Job {
	payload, _ := json.Marshal(map[string]string{"id": id})
	return &models.Job{ID: id, Name: "work", Payload: payload, MaxAttempts: 3}
}

func TestQueueContract(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("AddBlocksWhileOutstanding", func(t *testing.T) {
				q := mk()
				added, err := q.Add(ctx, newJob("a"))
				require.NoError(t, err)
				assert.True(t, added)

				state, err := q.GetState(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, models.JobWaiting, state)

				added, err = q.Add(ctx, newJob("a"))
				require.NoError(t, err)
				assert.False(t, added, "waiting job must block")

				job, err := q.Claim(ctx)
				require.NoError(t, err)
				require.NotNil(t, job)
				assert.Equal(t, "a", job.ID)
				assert.Equal(t, "test", job.Queue)

				state, _ = q.GetState(ctx, "a")
				assert.Equal(t, models.JobActive, state)

				added, _ = q.Add(ctx, newJob("a"))
				assert.False(t, added, "active job must block")

				require.NoError(t, q.Retry(ctx, job, "boom", time.Now().Add(time.Hour)))
				state, _ = q.GetState(ctx, "a")
				assert.Equal(t, models.JobDelayed, state)

				added, _ = q.Add(ctx, newJob("a"))
				assert.False(t, added, "delayed job must block")
			})

			t.Run("TerminalJobsDoNotBlock", func(t *testing.T) {
				q := mk()
				_, err := q.Add(ctx, newJob("done"))
				require.NoError(t, err)
				job, err := q.Claim(ctx)
				require.NoError(t, err)
				require.NoError(t, q.Complete(ctx, job))

				state, _ := q.GetState(ctx, "done")
				assert.Equal(t, models.JobCompleted, state)

				added, err := q.Add(ctx, newJob("done"))
				require.NoError(t, err)
				assert.True(t, added)

				job, _ = q.Claim(ctx)
				require.NotNil(t, job)
				assert.Equal(t, 0, job.Attempts, "re-added job starts fresh")
				require.NoError(t, q.Fail(ctx, job, "fatal"))

				state, _ = q.GetState(ctx, "done")
				assert.Equal(t, models.JobFailed, state)

				added, _ = q.Add(ctx, newJob("done"))
				assert.True(t, added)
			})

			t.Run("AbsentJob", func(t *testing.T) {
				q := mk()
				state, err := q.GetState(ctx, "missing")
				require.NoError(t, err)
				assert.Equal(t, models.JobState(""), state)

				job, err := q.Claim(ctx)
				require.NoError(t, err)
				assert.Nil(t, job)
			})

			t.Run("FIFO", func(t *testing.T) {
				q := mk()
				for _, id := range []string{"1", "2", "3"} {
					_, err := q.Add(ctx, newJob(id))
					require.NoError(t, err)
				}
				for _, want := range []string{"1", "2", "3"} {
					job, err := q.Claim(ctx)
					require.NoError(t, err)
					require.NotNil(t, job)
					assert.Equal(t, want, job.ID)
				}
			})

			t.Run("RetryDueIsClaimable", func(t *testing.T) {
				q := mk()
				_, _ = q.Add(ctx, newJob("r"))
				job, _ := q.Claim(ctx)
				require.NoError(t, q.Retry(ctx, job, "transient", time.Now().Add(-time.Second)))

				again, err := q.Claim(ctx)
				require.NoError(t, err)
				require.NotNil(t, again)
				assert.Equal(t, "r", again.ID)
				assert.Equal(t, 1, again.Attempts)
				assert.Equal(t, "transient", again.LastError)
			})

			t.Run("FutureRetryIsNotClaimable", func(t *testing.T) {
				q := mk()
				_, _ = q.Add(ctx, newJob("f"))
				job, _ := q.Claim(ctx)
				require.NoError(t, q.Retry(ctx, job, "later", time.Now().Add(time.Hour)))

				again, err := q.Claim(ctx)
				require.NoError(t, err)
				assert.Nil(t, again)

				stats, err := q.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(1), stats.Delayed)
			})

			t.Run("DelayedAdd", func(t *testing.T) {
				q := mk()
				job := newJob("d")
				job.RunAt = time.Now().Add(time.Hour)
				_, err := q.Add(ctx, job)
				require.NoError(t, err)

				state, _ := q.GetState(ctx, "d")
				assert.Equal(t, models.JobDelayed, state)
				claimed, _ := q.Claim(ctx)
				assert.Nil(t, claimed)
			})

			t.Run("GeneratedID", func(t *testing.T) {
				q := mk()
				job := newJob("")
				added, err := q.Add(ctx, job)
				require.NoError(t, err)
				assert.True(t, added)
				assert.NotEmpty(t, job.ID)
			})

			t.Run("Remove", func(t *testing.T) {
				q := mk()
				_, _ = q.Add(ctx, newJob("x"))
				require.NoError(t, q.Remove(ctx, "x"))

				state, _ := q.GetState(ctx, "x")
				assert.Equal(t, models.JobState(""), state)
				job, _ := q.Claim(ctx)
				assert.Nil(t, job)
			})

			t.Run("ConcurrentAddSameID", func(t *testing.T) {
				q := mk()
				var wg sync.WaitGroup
				var added atomic.Int32
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						ok, err := q.Add(ctx, newJob("same"))
						assert.NoError(t, err)
						if ok {
							added.Add(1)
						}
					}()
				}
				wg.Wait()
				assert.Equal(t, int32(1), added.Load())
			})
		})
	}
}

func TestMemoryQueuePrunesTerminalJobs(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue("prune", time.Minute)
	now := time.Now()
	q.now = func() time.Time { return now }

	_, _ = q.Add(ctx, newJob("old"))
	job, _ := q.Claim(ctx)
	require.NoError(t, q.Complete(ctx, job))

	now = now.Add(2 * time.Minute)
	state, err := q.GetState(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, models.JobState(""), state)
}

func TestRedisQueueRetentionTTL(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx := context.Background()
	q := NewRedisQueue(client, "ttl", "imports", time.Minute)
	_, err := q.Add(ctx, newJob("j"))
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job))

	assert.True(t, s.Exists("ttl:queue:imports:job:j"))
	s.FastForward(2 * time.Minute)
	assert.False(t, s.Exists("ttl:queue:imports:job:j"))

	stored, err := q.Get(ctx, "j")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Nil(t, stored)
}

func TestRedisQueueGet(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx := context.Background()
	q := NewRedisQueue(client, "", "caldav-sync", 0)
	_, err := q.Add(ctx, newJob("g"))
	require.NoError(t, err)

	job, err := q.Get(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, models.JobWaiting, job.State)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, "caldav-sync", job.Queue)
}

func TestRedisQueueNilClient(t *testing.T) {
	q := NewRedisQueue(nil, "", "x", 0)
	_, err := q.Add(context.Background(), newJob("a"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis client is nil")
}

func TestRedisQueueRequeuesAbandonedJob(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewRedisQueue(client, "lease", "imports", time.Hour)
	q.SetLease(time.Minute)
	q.now = func() time.Time { return now }

	_, err := q.Add(ctx, newJob("a"))
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// the worker dies without completing the job
	now = now.Add(30 * 24 * time.Hour)
	s.FastForward(30 * 24 * time.Hour)

	again, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again, "abandoned job must be handed out again")
	assert.Equal(t, "a", again.ID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active)

	require.NoError(t, q.Complete(ctx, again))
	added, err := q.Add(ctx, newJob("a"))
	require.NoError(t, err)
	assert.True(t, added)
}

func TestRedisQueueFailsJobAfterRepeatedStalls(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewRedisQueue(client, "stall", "imports", time.Hour)
	q.SetLease(time.Minute)
	q.maxStalls = 1
	q.now = func() time.Time { return now }

	_, err := q.Add(ctx, newJob("a"))
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	now = now.Add(2 * time.Minute)
	job, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	state, err := q.GetState(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, state)
	assert.Greater(t, s.TTL("stall:queue:imports:job:a"), time.Duration(0))

	added, err := q.Add(ctx, newJob("a"))
	require.NoError(t, err)
	assert.True(t, added, "a failed job no longer blocks its id")
}

func TestRedisQueueLeaseNotExpired(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewRedisQueue(client, "live", "imports", time.Hour)
	q.SetLease(time.Minute)
	q.now = func() time.Time { return now }

	_, err := q.Add(ctx, newJob("a"))
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	state, err := q.GetState(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobActive, state)
}
