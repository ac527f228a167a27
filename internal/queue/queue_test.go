package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestNopQueue(t *testing.T) {
	var q Queue = Nop{}
	assert.NoError(t, q.EnqueueProcessing(context.Background(), Job{MessageID: "m1"}))
	assert.NoError(t, q.EnqueueCaching(context.Background(), Job{MessageID: "m1"}))
	assert.Error(t, q.Ping(context.Background()))
}

func TestRedisQueueUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	q := NewRedisQueue(rdb, "process", "cache")
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.Error(t, q.Ping(ctx))
	err := q.EnqueueProcessing(ctx, Job{MessageID: "m1"})
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "push to process")
	}
}
