package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Job kinds dispatched by the worker.
const KindPersistPrice = "persistPrice"

const (
	defaultMaxAttempts = 3
	backoffBase        = 2 * time.Second
	failLogSize        = 100
)

// Job is one unit of queued work.
type Job struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	EnqueuedAt   int64           `json:"enqueuedAt"` // ms
	LastError    string          `json:"lastError,omitempty"`
}

// Stats is the queue depth snapshot exposed on the health surface.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// Queue is a Redis-backed work queue. Jobs wait on a list, retries park on a
// sorted set scored by their due time, and terminal failures land on a list
// trimmed to the last 100 entries. Completed jobs are removed.
type Queue struct {
	client *redis.Client
	name   string
	logger *logrus.Logger

	idKey      string
	waitKey    string
	delayedKey string
	failedKey  string
}

func NewQueue(client *redis.Client, name string, logger *logrus.Logger) *Queue {
	return &Queue{
		client:     client,
		name:       name,
		logger:     logger,
		idKey:      fmt.Sprintf("queue:%s:id", name),
		waitKey:    fmt.Sprintf("queue:%s:wait", name),
		delayedKey: fmt.Sprintf("queue:%s:delayed", name),
		failedKey:  fmt.Sprintf("queue:%s:failed", name),
	}
}

// Enqueue adds a job. The payload must be JSON-serializable; handlers must be
// idempotent because retries may re-deliver.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	seq, err := q.client.Incr(ctx, q.idKey).Result()
	if err != nil {
		return "", fmt.Errorf("failed to allocate job id: %w", err)
	}

	job := &Job{
		ID:          strconv.FormatInt(seq, 10),
		Kind:        kind,
		Payload:     data,
		MaxAttempts: defaultMaxAttempts,
		EnqueuedAt:  time.Now().UnixMilli(),
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	if err := q.client.LPush(ctx, q.waitKey, string(raw)).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	return job.ID, nil
}

// pop blocks up to timeout for the next waiting job.
func (q *Queue) pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.client.BRPop(ctx, timeout, q.waitKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(res) != 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		q.logger.WithError(err).Error("Dropping undecodable job")
		return nil, nil
	}
	return &job, nil
}

// retry parks the job on the delayed set with exponential backoff
// (2s * 2^(attempt-1)).
func (q *Queue) retry(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}

	due := float64(time.Now().Add(backoffDelay(job.AttemptsMade)).UnixMilli())
	return q.client.ZAdd(ctx, q.delayedKey, &redis.Z{Score: due, Member: string(raw)}).Err()
}

// backoffDelay computes the exponential retry delay 2s * 2^(attempt-1).
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return backoffBase << uint(attempt-1)
}

// fail moves the job to the bounded fail log.
func (q *Queue) fail(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.failedKey, string(raw))
	pipe.LTrim(ctx, q.failedKey, 0, failLogSize-1)
	_, err = pipe.Exec(ctx)
	return err
}

// promoteDelayed moves due retries back onto the wait list.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		// ZRem guards against a sibling replica promoting the same job.
		removed, err := q.client.ZRem(ctx, q.delayedKey, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.waitKey, member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the queue depth snapshot.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	waiting, err := q.client.LLen(ctx, q.waitKey).Result()
	if err != nil {
		return nil, err
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		return nil, err
	}
	failed, err := q.client.LLen(ctx, q.failedKey).Result()
	if err != nil {
		return nil, err
	}
	return &Stats{Waiting: waiting, Delayed: delayed, Failed: failed}, nil
}
