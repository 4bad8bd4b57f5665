package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueueSynthesis = "queue:synthesis"

	replyPrefix = "reply:"
	replyTTL    = 10 * time.Minute
)

type Queue struct {
	client *redis.Client
}

// Job is a synthesis request waiting for a worker. The worker answers on
// ReplyTo.
type Job struct {
	ID        uuid.UUID       `json:"id"`
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Body      json.RawMessage `json:"body,omitempty"`
	ReplyTo   string          `json:"reply_to"`
	CreatedAt time.Time       `json:"created_at"`
}

// Reply mirrors the HTTP worker envelope: Code 200 means Data holds the result.
type Reply struct {
	JobID   uuid.UUID       `json:"job_id"`
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the reply carries a result.
func (r *Reply) OK() bool {
	return r.Code == http.StatusOK
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
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

// Reply pushes the worker's answer to the job's reply list. The list expires
// so abandoned replies do not accumulate.
func (q *Queue) Reply(ctx context.Context, job *Job, reply *Reply) error {
	reply.JobID = job.ID

	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, job.ReplyTo, data)
	pipe.Expire(ctx, job.ReplyTo, replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push reply: %w", err)
	}
	return nil
}

// AwaitReply blocks until a reply arrives on key or timeout elapses.
// A nil reply with nil error means the timeout elapsed.
func (q *Queue) AwaitReply(ctx context.Context, key string, timeout time.Duration) (*Reply, error) {
	result, err := q.client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to await reply: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var reply Reply
	if err := json.Unmarshal([]byte(result[1]), &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	return &reply, nil
}

func replyKey(jobID uuid.UUID) string {
	return replyPrefix + jobID.String()
}
