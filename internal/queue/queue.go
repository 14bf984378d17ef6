package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const QueueGenerateVideo = "queue:generate_video"

// ErrQueueFull is returned when the order lane is at capacity. Callers
// surface it instead of queueing unboundedly — fast, visible failure beats
// memory blowup.
var ErrQueueFull = errors.New("order queue is full")

type Queue struct {
	client   *redis.Client
	capacity int64
}

// Job is one unit of order-lane work: run generation for one order.
type Job struct {
	ID        uuid.UUID `json:"id"`
	OrderID   uuid.UUID `json:"order_id"`
	CreatedAt time.Time `json:"created_at"`
}

func New(redisURL string, capacity int) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client, capacity: int64(capacity)}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// EnqueueGenerateVideo submits an order for generation. Fire-and-forget from
// the caller's perspective: a worker goroutine picks the job up later, and
// the caller must not assume ordering relative to its own return.
func (q *Queue) EnqueueGenerateVideo(ctx context.Context, orderID uuid.UUID) error {
	length, err := q.client.LLen(ctx, QueueGenerateVideo).Result()
	if err != nil {
		return fmt.Errorf("failed to check queue length: %w", err)
	}
	if q.capacity > 0 && length >= q.capacity {
		return ErrQueueFull
	}

	job := &Job{
		ID:        uuid.New(),
		OrderID:   orderID,
		CreatedAt: time.Now(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, QueueGenerateVideo, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueGenerateVideo).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueGenerateVideo).Result()
}
