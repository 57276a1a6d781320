package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mealsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// addScript stores a job unless one with the same id is still outstanding.
// KEYS: job hash, waiting list, delayed zset. ARGV: data, state, run_at ms, id.
var addScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if st == 'waiting' or st == 'active' or st == 'delayed' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'state', ARGV[2])
if ARGV[2] == 'delayed' then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
else
  redis.call('LPUSH', KEYS[2], ARGV[4])
end
return 1
`)

// claimScript requeues active jobs whose lease ran out, promotes due delayed jobs,
// then pops the oldest waiting job and marks it active until the new lease deadline.
// A job that outlives its lease more than max stalls times is failed.
// KEYS: waiting list, delayed zset, active zset.
// ARGV: now ms, job key prefix, batch, lease deadline ms, max stalls, retention s.
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'state') == 'active' then
    local stalls = redis.call('HINCRBY', key, 'stalls', 1)
    if stalls > tonumber(ARGV[5]) then
      redis.call('HSET', key, 'state', 'failed')
      redis.call('EXPIRE', key, tonumber(ARGV[6]))
    else
      redis.call('HSET', key, 'state', 'waiting')
      redis.call('RPUSH', KEYS[1], id)
    end
  end
end
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LPUSH', KEYS[1], id)
  redis.call('HSET', ARGV[2] .. id, 'state', 'waiting')
end
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'state') == 'waiting' then
    redis.call('ZADD', KEYS[3], ARGV[4], id)
    redis.call('HSET', key, 'state', 'active')
    return {id, redis.call('HGET', key, 'data')}
  end
end
`)

// RedisQueue keeps one hash per job plus a waiting list, a delayed zset scored by
// run time and an active zset scored by lease deadline.
type RedisQueue struct {
	client       *redis.Client
	name         string
	prefix       string
	retention    time.Duration
	lease        time.Duration
	maxStalls    int
	promoteBatch int
	now          func() time.Time
}

func NewRedisQueue(client *redis.Client, keyPrefix, name string, retention time.Duration) *RedisQueue {
	if keyPrefix == "" {
		keyPrefix = "mealsync"
	}
	if retention <= 0 {
		retention = models.DefaultJobRetention
	}
	return &RedisQueue{
		client:       client,
		name:         name,
		prefix:       fmt.Sprintf("%s:queue:%s", keyPrefix, name),
		retention:    retention,
		lease:        models.DefaultClaimLease,
		maxStalls:    models.DefaultMaxStalls,
		promoteBatch: 100,
		now:          time.Now,
	}
}

// SetLease sets how long a claimed job may stay active before another Claim
// requeues it. It should exceed the worker's job timeout.
func (q *RedisQueue) SetLease(d time.Duration) {
	if d > 0 {
		q.lease = d
	}
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) jobKeyPrefix() string    { return q.prefix + ":job:" }
func (q *RedisQueue) jobKey(id string) string { return q.jobKeyPrefix() + id }
func (q *RedisQueue) waitingKey() string      { return q.prefix + ":waiting" }
func (q *RedisQueue) delayedKey() string      { return q.prefix + ":delayed" }
func (q *RedisQueue) activeKey() string       { return q.prefix + ":active" }

func (q *RedisQueue) Add(ctx context.Context, job *models.Job) (bool, error) {
	if q.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}

	prepare(job, q.name, q.now())
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}

	res, err := addScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.waitingKey(), q.delayedKey()},
		string(data), string(job.State), job.RunAt.UnixMilli(), job.ID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("add job %s: %w", job.ID, err)
	}
	return res == 1, nil
}

func (q *RedisQueue) GetState(ctx context.Context, id string) (models.JobState, error) {
	if q.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}
	st, err := q.client.HGet(ctx, q.jobKey(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get job state %s: %w", id, err)
	}
	return models.JobState(st), nil
}

// Get loads the stored job with its current state.
func (q *RedisQueue) Get(ctx context.Context, id string) (*models.Job, error) {
	vals, err := q.client.HMGet(ctx, q.jobKey(id), "data", "state").Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, ErrJobNotFound
	}
	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	if st, ok := vals[1].(string); ok {
		job.State = models.JobState(st)
	}
	return &job, nil
}

func (q *RedisQueue) Claim(ctx context.Context) (*models.Job, error) {
	if q.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	now := q.now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.waitingKey(), q.delayedKey(), q.activeKey()},
		now.UnixMilli(), q.jobKeyPrefix(), q.promoteBatch,
		now.Add(q.lease).UnixMilli(), q.maxStalls, int64(q.retention/time.Second),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("claim job: unexpected reply %v", res)
	}

	data, _ := res[1].(string)
	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode claimed job: %w", err)
	}
	job.State = models.JobActive
	job.UpdatedAt = now
	return &job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *models.Job) error {
	return q.finish(ctx, job, models.JobCompleted, "")
}

func (q *RedisQueue) Fail(ctx context.Context, job *models.Job, cause string) error {
	return q.finish(ctx, job, models.JobFailed, cause)
}

func (q *RedisQueue) finish(ctx context.Context, job *models.Job, state models.JobState, cause string) error {
	job.Attempts++
	job.State = state
	job.LastError = cause
	job.UpdatedAt = q.now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), "data", data, "state", string(state))
	pipe.ZRem(ctx, q.activeKey(), job.ID)
	pipe.Expire(ctx, q.jobKey(job.ID), q.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark job %s %s: %w", job.ID, state, err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, job *models.Job, cause string, runAt time.Time) error {
	job.Attempts++
	job.State = models.JobDelayed
	job.LastError = cause
	job.RunAt = runAt
	job.UpdatedAt = q.now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), "data", data, "state", string(models.JobDelayed))
	pipe.ZRem(ctx, q.activeKey(), job.ID)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.jobKey(id))
	pipe.LRem(ctx, q.waitingKey(), 0, id)
	pipe.ZRem(ctx, q.delayedKey(), id)
	pipe.ZRem(ctx, q.activeKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey())
	active := pipe.ZCard(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return models.QueueStats{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
	}, nil
}

// Ping checks the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}
