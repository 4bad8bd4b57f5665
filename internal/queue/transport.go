package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
)

// Transport sends synthesis requests through the Redis queue and waits for
// the worker's reply. Lost replies surface as a timeout; nothing is retried.
type Transport struct {
	queue   *Queue
	timeout time.Duration
}

func NewTransport(q *Queue, timeout time.Duration) *Transport {
	return &Transport{queue: q, timeout: timeout}
}

func (t *Transport) Send(ctx context.Context, method, path string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	job := &Job{
		ID:     uuid.New(),
		Method: method,
		Path:   path,
		Body:   raw,
	}
	job.ReplyTo = replyKey(job.ID)

	if err := t.queue.Enqueue(ctx, QueueSynthesis, job); err != nil {
		return nil, domainerrors.TransportFailure(err)
	}

	timeout := t.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout || timeout <= 0 {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, domainerrors.TransportFailure(context.DeadlineExceeded)
	}

	reply, err := t.queue.AwaitReply(ctx, job.ReplyTo, timeout)
	if err != nil {
		return nil, domainerrors.TransportFailure(err)
	}
	if reply == nil {
		log.Printf("[Queue] No reply for %s %s (job %s) within %v", method, path, job.ID, timeout)
		return nil, domainerrors.TransportFailuref("%s timed out after %v", path, timeout)
	}
	return replyData(path, reply)
}

func replyData(path string, reply *Reply) ([]byte, error) {
	if !reply.OK() {
		msg := reply.Message
		if msg == "" {
			msg = fmt.Sprintf("code %d", reply.Code)
		}
		return nil, domainerrors.TransportFailuref("%s failed: %s", path, msg)
	}
	return reply.Data, nil
}
