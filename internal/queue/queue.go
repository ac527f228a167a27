// Package queue hands messages off to the external workers that index and
// cache content. The engine only produces jobs.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Kind string

const (
	KindProcess Kind = "process"
	KindCache   Kind = "cache"
)

type Job struct {
	Kind       Kind      `json:"kind"`
	MessageID  string    `json:"message_id"`
	ContentID  string    `json:"content_id,omitempty"`
	Source     string    `json:"source"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type Queue interface {
	EnqueueProcessing(ctx context.Context, job Job) error
	EnqueueCaching(ctx context.Context, job Job) error
	Ping(ctx context.Context) error
}

// RedisQueue pushes JSON jobs onto two Redis lists consumed by the workers.
type RedisQueue struct {
	rdb             *redis.Client
	processingQueue string
	cachingQueue    string
}

func NewRedisQueue(rdb *redis.Client, processingQueue, cachingQueue string) *RedisQueue {
	return &RedisQueue{rdb: rdb, processingQueue: processingQueue, cachingQueue: cachingQueue}
}

func (q *RedisQueue) EnqueueProcessing(ctx context.Context, job Job) error {
	job.Kind = KindProcess
	return q.push(ctx, q.processingQueue, job)
}

func (q *RedisQueue) EnqueueCaching(ctx context.Context, job Job) error {
	job.Kind = KindCache
	return q.push(ctx, q.cachingQueue, job)
}

func (q *RedisQueue) push(ctx context.Context, list string, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	if err := q.rdb.RPush(ctx, list, payload).Err(); err != nil {
		return errors.Wrapf(err, "push to %s", list)
	}
	return nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

// Nop discards jobs. It is used when no Redis is configured; its Ping fails
// so health reporting shows the queue as absent.
type Nop struct{}

func (Nop) EnqueueProcessing(ctx context.Context, job Job) error { return nil }
func (Nop) EnqueueCaching(ctx context.Context, job Job) error    { return nil }
func (Nop) Ping(ctx context.Context) error                       { return errors.New("queue not configured") }
